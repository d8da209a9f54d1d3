package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const OllamaURL = "http://localhost:11434"

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
	Stream   bool   `json:"stream"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   Turn   `json:"message"`
	Done      bool   `json:"done"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Ollama is a local Ollama daemon
type Ollama struct {
	Model   string
	BaseURL string
	HTTP    *http.Client
}

func (o *Ollama) Name() string { return "ollama" }

// Complete calls /api/chat without streaming
func (o *Ollama) Complete(ctx context.Context, turns []Turn) (Reply, error) {
	reqBody := OllamaRequest{
		Model:    o.Model,
		Messages: turns,
		Stream:   false,
	}
	var apiResp OllamaResponse
	if err := postJSON(ctx, o.HTTP, strings.TrimRight(o.BaseURL, "/")+"/api/chat", nil, reqBody, &apiResp); err != nil {
		return Reply{}, err
	}
	return Reply{Text: apiResp.Message.Content}, nil
}

// ListModels fetches the models installed in the daemon
func (o *Ollama) ListModels(ctx context.Context) ([]OllamaModel, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", strings.TrimRight(o.BaseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	var tagsResp OllamaTagsResponse
	if err := json.Unmarshal(body, &tagsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return tagsResp.Models, nil
}
