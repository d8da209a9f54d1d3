package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transcript = []Turn{
	{Role: "user", Content: "hi"},
	{Role: "assistant", Content: "hello"},
	{Role: "user", Content: "how are you?"},
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req OllamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3:latest", req.Model)
		assert.False(t, req.Stream)
		assert.Equal(t, transcript, req.Messages)
		json.NewEncoder(w).Encode(OllamaResponse{Message: Turn{Role: "assistant", Content: "fine"}, Done: true})
	}))
	defer srv.Close()

	o := &Ollama{Model: "llama3:latest", BaseURL: srv.URL, HTTP: srv.Client()}
	reply, err := o.Complete(context.Background(), transcript)
	require.NoError(t, err)
	assert.Equal(t, "fine", reply.Text)
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(OllamaTagsResponse{Models: []OllamaModel{{Name: "llama3:latest"}, {Name: "mistral"}}})
	}))
	defer srv.Close()

	o := &Ollama{BaseURL: srv.URL + "/", HTTP: srv.Client()}
	models, err := o.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "mistral", models[1].Name)
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		var req AnthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 1024, req.MaxTokens)
		assert.Len(t, req.Messages, 3)
		json.NewEncoder(w).Encode(AnthropicResponse{
			Content: []AnthropicContent{{Type: "text", Text: "doing well"}},
			Usage:   map[string]interface{}{"output_tokens": 3.0},
		})
	}))
	defer srv.Close()

	a := &Anthropic{APIKey: "test-key", Model: AnthropicModel, BaseURL: srv.URL, HTTP: srv.Client()}
	reply, err := a.Complete(context.Background(), transcript)
	require.NoError(t, err)
	assert.Equal(t, "doing well", reply.Text)
	assert.Equal(t, 3.0, reply.Usage["output_tokens"])
}

func TestAnthropicRequiresKey(t *testing.T) {
	a := &Anthropic{HTTP: http.DefaultClient}
	_, err := a.Complete(context.Background(), transcript)
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"sure"}}]}`))
	}))
	defer srv.Close()

	o := &OpenAI{Label: "openai", APIKey: "sk-test", Model: "gpt-3.5-turbo", BaseURL: srv.URL, HTTP: srv.Client()}
	reply, err := o.Complete(context.Background(), transcript)
	require.NoError(t, err)
	assert.Equal(t, "sure", reply.Text)
}

func TestOpenAIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o := &OpenAI{Label: "grok", APIKey: "k", BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := o.Complete(context.Background(), transcript)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAIEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	o := &OpenAI{Label: "grok", APIKey: "k", BaseURL: srv.URL, HTTP: srv.Client()}
	_, err := o.Complete(context.Background(), transcript)
	assert.ErrorContains(t, err, "empty response from grok")
}

func TestNew(t *testing.T) {
	for _, name := range []string{"ollama", "anthropic", "grok", "openai"} {
		p, err := New(name, "llama3:latest", nil)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
	}
	_, err := New("bard", "", nil)
	assert.Error(t, err)
}
