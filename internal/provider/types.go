package provider

import (
	"context"
	"fmt"
	"time"
)

// Provider is one language-model backend.
type Provider interface {
	ID() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// Ping checks reachability and credentials without spending tokens
	// where the API allows it.
	Ping(ctx context.Context) error
}

// ChatRequest is the provider-neutral chat call.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the provider-neutral answer.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds configuration for a provider instance.
//
// Recognised Extra keys: "path_model" ("true" puts the model in the URL
// path, for gateways that route by model) and "max_retries".
type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// defaultModel returns the first configured model, used when a request
// leaves the model empty or set to "default".
func (c ProviderConfig) defaultModel(requested string) string {
	if requested != "" && requested != "default" {
		return requested
	}
	if len(c.Models) > 0 {
		return c.Models[0]
	}
	return requested
}

// StatusError is a non-2xx answer from a provider API.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s: API error %d: %s", e.Provider, e.Code, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}
