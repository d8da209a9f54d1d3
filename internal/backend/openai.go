package backend

import (
	"context"
	"fmt"
	"net/http"
)

const (
	OpenAIURL = "https://api.openai.com/v1/chat/completions"
	GrokURL   = "https://api.grok.x.ai/v1/chat/completions"
)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
}

// OpenAIResponse represents the response from OpenAI-compatible APIs
type OpenAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int    `json:"index"`
		Message      Turn   `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage"`
}

// OpenAI is any chat-completions endpoint; Grok speaks the same protocol
type OpenAI struct {
	Label   string
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

func (o *OpenAI) Name() string { return o.Label }

// Complete calls the chat-completions endpoint
func (o *OpenAI) Complete(ctx context.Context, turns []Turn) (Reply, error) {
	if o.APIKey == "" {
		return Reply{}, fmt.Errorf("API key for %s not set", o.Label)
	}
	reqBody := OpenAIRequest{Model: o.Model, Messages: turns}
	headers := map[string]string{"Authorization": "Bearer " + o.APIKey}

	var apiResp OpenAIResponse
	if err := postJSON(ctx, o.HTTP, o.BaseURL, headers, reqBody, &apiResp); err != nil {
		return Reply{}, err
	}
	if len(apiResp.Choices) > 0 {
		return Reply{Text: apiResp.Choices[0].Message.Content, Usage: apiResp.Usage}, nil
	}
	return Reply{}, fmt.Errorf("empty response from %s", o.Label)
}
