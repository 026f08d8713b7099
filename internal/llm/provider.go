// Package llm provides the provider abstraction and the Dispatcher, the
// resilient call layer that walks an ordered candidate list with per-attempt
// timeouts, fatal short-circuit, circuit breaking and a per-provider
// concurrency ceiling.
package llm

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/normanking/conductor/internal/config"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseSize limits a successful response body (16MB)
	MaxResponseSize = 16 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider is one LLM backend.
type Provider interface {
	// Name returns the provider identifier used in candidate lists.
	Name() string

	// Chat sends a request and returns the response. Failures should be
	// *ProviderError where the backend exposes a status code.
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// Request is a chat completion request.
type Request struct {
	// Model overrides the provider's default model.
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`

	// Audit correlation, not sent upstream.
	ThreadID  string `json:"-"`
	CommandID string `json:"-"`
	Purpose   string `json:"-"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserRequest builds a single-turn request.
func UserRequest(system, prompt string) *Request {
	return &Request{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
	}
}

// Response is a completed chat response.
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
}

// NewProvidersFromConfig builds every configured provider.
func NewProvidersFromConfig(cfg config.LLMConfig) (map[string]Provider, error) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]Provider, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]
		switch strings.ToLower(pc.Kind) {
		case "openai", "":
			out[name] = NewOpenAIProvider(name, pc)
		case "anthropic":
			out[name] = NewAnthropicProvider(name, pc)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", name, pc.Kind)
		}
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// FUNC PROVIDER
// ═══════════════════════════════════════════════════════════════════════════════

// FuncProvider adapts a function into a Provider. Used for offline runs and
// tests.
type FuncProvider struct {
	name string
	fn   func(ctx context.Context, req *Request) (*Response, error)
}

// NewFuncProvider creates a FuncProvider.
func NewFuncProvider(name string, fn func(ctx context.Context, req *Request) (*Response, error)) *FuncProvider {
	return &FuncProvider{name: name, fn: fn}
}

// Name implements Provider.
func (p *FuncProvider) Name() string { return p.name }

// Chat implements Provider.
func (p *FuncProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	return p.fn(ctx, req)
}

// EchoProvider returns a provider that answers with the last user message.
// It is what `conductor run --offline` dispatches to.
func EchoProvider(name string) *FuncProvider {
	return NewFuncProvider(name, func(ctx context.Context, req *Request) (*Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var last string
		for _, m := range req.Messages {
			if m.Role == RoleUser {
				last = m.Content
			}
		}
		return &Response{
			Content:          last,
			Model:            "echo",
			PromptTokens:     len(last) / 4,
			CompletionTokens: len(last) / 4,
			FinishReason:     "stop",
		}, nil
	})
}
