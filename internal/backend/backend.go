// Package backend talks to the LLM providers that generate assistant replies.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"AssistChat/internal/config"
)

// Turn is one message of the transcript sent to a provider
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is a provider's answer
type Reply struct {
	Text  string
	Usage map[string]interface{}
}

// Provider generates the next assistant turn for a transcript
type Provider interface {
	Name() string
	Complete(ctx context.Context, turns []Turn) (Reply, error)
}

// New returns the provider named by backend. API keys come from the
// environment.
func New(name, ollamaModel string, httpClient *http.Client) (Provider, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	switch name {
	case config.BackendOllama:
		return &Ollama{Model: ollamaModel, BaseURL: OllamaURL, HTTP: httpClient}, nil
	case config.BackendAnthropic:
		return &Anthropic{APIKey: os.Getenv("ANTHROPIC_API_KEY"), Model: AnthropicModel, BaseURL: AnthropicURL, HTTP: httpClient}, nil
	case config.BackendGrok:
		return &OpenAI{Label: config.BackendGrok, APIKey: os.Getenv("GROK_API_KEY"), Model: "grok-1", BaseURL: GrokURL, HTTP: httpClient}, nil
	case config.BackendOpenAI:
		return &OpenAI{Label: config.BackendOpenAI, APIKey: os.Getenv("OPENAI_API_KEY"), Model: "gpt-3.5-turbo", BaseURL: OpenAIURL, HTTP: httpClient}, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
}

// postJSON sends body to url and decodes a 200 response into out
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error: %s - %s", resp.Status, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
