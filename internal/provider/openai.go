package provider

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// OpenAIProvider talks to OpenAI-compatible chat completion APIs.
type OpenAIProvider struct {
	config ProviderConfig
	http   *transport
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{config: cfg, http: newTransport(cfg, logger), logger: logger}
}

func (p *OpenAIProvider) ID() string { return p.config.ID }

func (p *OpenAIProvider) header() http.Header {
	h := http.Header{}
	if p.config.APIKey != "" {
		h.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return h
}

// chatURL builds the chat completions URL, optionally with the model in the path.
func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends a non-streaming chat request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	out := *req
	out.Model = p.config.defaultModel(req.Model)

	var resp openAIChatResponse
	if err := p.http.do(ctx, http.MethodPost, p.chatURL(out.Model), p.header(), &out, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("provider %s: no choices in response", p.config.ID)
	}

	choice := resp.Choices[0]
	p.logger.Debug("chat completed",
		zap.String("provider", p.config.ID),
		zap.String("model", resp.Model),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
	}, nil
}

// Ping lists models, which checks the key without a completion.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	return p.http.do(ctx, http.MethodGet, p.config.Endpoint+"/models", p.header(), nil, nil)
}
