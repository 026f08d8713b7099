package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/normanking/conductor/internal/config"
)

const (
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicProvider implements Provider for the Anthropic Messages API.
// Requests are built with sjson and responses read with gjson, so only the
// fields the dispatcher needs are touched.
type AnthropicProvider struct {
	name     string
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewAnthropicProvider creates a provider. An empty APIKey falls back to
// ANTHROPIC_API_KEY.
func NewAnthropicProvider(name string, cfg config.ProviderConfig) *AnthropicProvider {
	endpoint := strings.TrimRight(cfg.BaseURL, "/")
	if endpoint == "" {
		endpoint = anthropicDefaultURL
	}
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &AnthropicProvider{
		name:     name,
		endpoint: endpoint,
		apiKey:   key,
		model:    cfg.Model,
		// per-attempt deadlines come from the context
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return p.name }

// DefaultModel returns the model used when a request names none.
func (p *AnthropicProvider) DefaultModel() string { return p.model }

// Chat implements Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	if p.apiKey == "" {
		return nil, &ProviderError{Provider: p.name, StatusCode: http.StatusUnauthorized, Code: "authentication_error", err: fmt.Errorf("API key not configured")}
	}

	body, err := p.buildBody(req)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, StatusCode: http.StatusBadRequest, err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Code:       gjson.GetBytes(raw, "error.type").String(),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			err:        fmt.Errorf("%s", gjson.GetBytes(raw, "error.message").String()),
		}
	}

	raw, err := readLimitedBody(resp.Body, MaxResponseSize)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, err: fmt.Errorf("read response: %w", err)}
	}
	return p.parseResponse(raw)
}

func (p *AnthropicProvider) buildBody(req *Request) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	body := []byte(`{"messages":[]}`)
	var err error
	if body, err = sjson.SetBytes(body, "model", model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "max_tokens", maxTokens); err != nil {
		return nil, err
	}
	if req.Temperature > 0 {
		if body, err = sjson.SetBytes(body, "temperature", req.Temperature); err != nil {
			return nil, err
		}
	}

	// The Messages API takes system text out of band.
	system := req.SystemPrompt
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		msg := map[string]string{"role": role, "content": m.Content}
		if body, err = sjson.SetBytes(body, "messages.-1", msg); err != nil {
			return nil, err
		}
	}
	if system != "" {
		if body, err = sjson.SetBytes(body, "system", system); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (p *AnthropicProvider) parseResponse(raw []byte) (*Response, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &ProviderError{Provider: p.name, Malformed: true, err: fmt.Errorf("invalid JSON")}
	}
	res := gjson.ParseBytes(raw)

	var content strings.Builder
	res.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text").String())
		}
		return true
	})
	if !res.Get("content").Exists() {
		return nil, &ProviderError{Provider: p.name, Malformed: true, err: fmt.Errorf("no content in response")}
	}

	return &Response{
		Content:          content.String(),
		Model:            res.Get("model").String(),
		PromptTokens:     int(res.Get("usage.input_tokens").Int()),
		CompletionTokens: int(res.Get("usage.output_tokens").Int()),
		FinishReason:     res.Get("stop_reason").String(),
	}, nil
}
