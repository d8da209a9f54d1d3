package backend

import (
	"context"
	"fmt"
	"net/http"
)

const (
	AnthropicURL   = "https://api.anthropic.com/v1/messages"
	AnthropicModel = "claude-sonnet-4-20250514"
)

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []AnthropicMessage `json:"messages"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicContent is one block of a response
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicResponse represents the response from Anthropic API
type AnthropicResponse struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Role         string                 `json:"role"`
	Content      []AnthropicContent     `json:"content"`
	Model        string                 `json:"model"`
	StopReason   string                 `json:"stop_reason"`
	StopSequence string                 `json:"stop_sequence"`
	Usage        map[string]interface{} `json:"usage"`
}

// Anthropic is the Messages API
type Anthropic struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

func (a *Anthropic) Name() string { return "anthropic" }

// Complete calls the Messages API
func (a *Anthropic) Complete(ctx context.Context, turns []Turn) (Reply, error) {
	if a.APIKey == "" {
		return Reply{}, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	reqMessages := make([]AnthropicMessage, len(turns))
	for i, t := range turns {
		reqMessages[i] = AnthropicMessage{Role: t.Role, Content: t.Content}
	}
	reqBody := AnthropicRequest{
		Model:     a.Model,
		MaxTokens: 1024,
		Messages:  reqMessages,
	}
	headers := map[string]string{
		"x-api-key":         a.APIKey,
		"anthropic-version": "2023-06-01",
	}

	var apiResp AnthropicResponse
	if err := postJSON(ctx, a.HTTP, a.BaseURL, headers, reqBody, &apiResp); err != nil {
		return Reply{}, err
	}

	for _, content := range apiResp.Content {
		if content.Type == "text" {
			return Reply{Text: content.Text, Usage: apiResp.Usage}, nil
		}
	}
	return Reply{}, fmt.Errorf("empty response from Anthropic")
}
