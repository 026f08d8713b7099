package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/normanking/conductor/internal/config"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions API
// (OpenAI itself, Ollama, vLLM, gateways) through the official SDK.
type OpenAIProvider struct {
	name   string
	model  string
	client openai.Client
}

// NewOpenAIProvider creates a provider. An empty APIKey falls back to the
// SDK's OPENAI_API_KEY lookup. SDK retries are disabled: fallback is the
// dispatcher's job and backoff is the caller's.
func NewOpenAIProvider(name string, cfg config.ProviderConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		name:   name,
		model:  cfg.Model,
		client: openai.NewClient(opts...),
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// DefaultModel returns the model used when a request names none.
func (p *OpenAIProvider) DefaultModel() string { return p.model }

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Malformed: true, err: fmt.Errorf("no choices in response")}
	}

	choice := completion.Choices[0]
	return &Response{
		Content:          choice.Message.Content,
		Model:            completion.Model,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		FinishReason:     string(choice.FinishReason),
	}, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.name, err: err}
	}
	pe := &ProviderError{
		Provider:   p.name,
		StatusCode: apiErr.StatusCode,
		Code:       apiErr.Code,
		err:        err,
	}
	if apiErr.Response != nil {
		pe.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
	}
	return pe
}
