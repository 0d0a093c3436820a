package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CompletionRequest is a single-shot text completion: one set of system
// instructions and one user prompt.
type CompletionRequest struct {
	AgentID     string  `json:"agent_id"`
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Completion is the plain-text answer plus whatever telemetry the provider reported.
type Completion struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Usage    Usage  `json:"usage"`
}

// ErrEmptyCompletion is returned when a provider answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// Completer is the text-completion contract consumed by the orchestrator.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Complete routes a completion request through the provider bound to
// req.AgentID (or the default), honoring the agent's fallback chain.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	msgs := make([]Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})

	model := req.Model
	if model == "" {
		model = "default"
	}
	resp, providerID, err := r.route(ctx, req.AgentID, &ChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("provider %s: %w", providerID, ErrEmptyCompletion)
	}
	return &Completion{
		Text:     resp.Content,
		Model:    resp.Model,
		Provider: providerID,
		Usage:    resp.Usage,
	}, nil
}
