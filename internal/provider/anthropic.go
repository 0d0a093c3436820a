package provider

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// AnthropicProvider talks to the Claude Messages API.
type AnthropicProvider struct {
	config ProviderConfig
	http   *transport
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{config: cfg, http: newTransport(cfg, logger), logger: logger}
}

func (p *AnthropicProvider) ID() string { return p.config.ID }

func (p *AnthropicProvider) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", p.config.APIKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming request. System messages are folded into the
// top-level system field.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	in := anthropicRequest{
		Model:       p.config.defaultModel(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
	if in.MaxTokens == 0 {
		in.MaxTokens = anthropicMaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		in.Messages = append(in.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	in.System = strings.Join(system, "\n\n")

	var resp anthropicResponse
	if err := p.http.do(ctx, http.MethodPost, p.config.Endpoint+"/messages", p.header(), &in, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	p.logger.Debug("chat completed",
		zap.String("provider", p.config.ID),
		zap.String("model", resp.Model),
		zap.Int("tokens", resp.Usage.InputTokens+resp.Usage.OutputTokens))
	return &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      text.String(),
		FinishReason: resp.StopReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// Ping lists models, which checks the key without a completion.
func (p *AnthropicProvider) Ping(ctx context.Context) error {
	return p.http.do(ctx, http.MethodGet, p.config.Endpoint+"/models", p.header(), nil, nil)
}
