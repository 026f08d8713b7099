package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
)

// Registry holds the available tools and invokes them under the security
// policy.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	policy *SecurityPolicy
	log    zerolog.Logger

	// Compiled blocked patterns
	blocked []*regexp.Regexp

	statsMu sync.Mutex
	stats   RegistryStats
}

// RegistryStats tracks tool invocation metrics.
type RegistryStats struct {
	Invocations   int64         `json:"invocations"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	Rejected      int64         `json:"rejected"`
	TotalDuration time.Duration `json:"total_duration"`
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithPolicy sets a custom security policy.
func WithPolicy(policy *SecurityPolicy) RegistryOption {
	return func(r *Registry) {
		r.policy = policy
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		policy: DefaultSecurityPolicy(),
		log:    logging.Component("tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.compilePatterns()
	return r
}

func (r *Registry) compilePatterns() {
	r.blocked = nil
	for _, pattern := range r.policy.BlockedPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			r.blocked = append(r.blocked, re)
		} else {
			r.log.Warn().Err(err).Str("pattern", pattern).Msg("ignoring invalid blocked pattern")
		}
	}
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool has no name")
	}
	if t.Invoke == nil {
		return fmt.Errorf("tool %s has no Invoke function", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke validates inputs and runs the named tool. Every failure is an
// *errs.Error in the TOOL_* family; the Outcome is returned whenever the tool
// ran, successful or not.
func (r *Registry) Invoke(ctx context.Context, name string, inputs map[string]any) (*Outcome, error) {
	t, ok := r.Get(name)
	if !ok {
		r.reject()
		return nil, errs.User(errs.TOOLNotFound, fmt.Sprintf("unknown tool %q", name))
	}
	if err := t.Schema.Validate(inputs); err != nil {
		r.reject()
		return nil, errs.Wrap(err, errs.TOOLInvalidInput, errs.KindUser, fmt.Sprintf("invalid input for tool %q: %v", name, err))
	}
	if t.Risk > r.policy.MaxRisk {
		r.reject()
		return nil, errs.User(errs.TOOLInjectionBlocked, fmt.Sprintf("tool %q exceeds the allowed risk level", name))
	}
	if blocked, pattern := r.isBlocked(inputs); blocked {
		r.reject()
		r.log.Warn().Str("tool", name).Str("pattern", pattern).Msg("tool input blocked by security policy")
		return nil, errs.User(errs.TOOLInjectionBlocked, fmt.Sprintf("input for tool %q was blocked by the security policy", name))
	}

	execCtx := ctx
	if r.policy.MaxTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.policy.MaxTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := t.Invoke(execCtx, inputs)
	elapsed := time.Since(start)

	r.statsMu.Lock()
	r.stats.Invocations++
	r.stats.TotalDuration += elapsed
	if err == nil && out != nil && out.OK {
		r.stats.Successes++
	} else {
		r.stats.Failures++
	}
	r.statsMu.Unlock()

	if err != nil {
		if _, ok := errs.As(err); ok {
			return out, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return out, errs.Transient(errs.TOOLFailed, fmt.Sprintf("tool %q timed out", name), err)
		}
		return out, errs.System(errs.TOOLFailed, fmt.Sprintf("tool %q failed", name), err)
	}
	if out == nil {
		return nil, errs.System(errs.TOOLFailed, fmt.Sprintf("tool %q failed", name), errors.New("tool returned no outcome"))
	}
	out.Duration = elapsed
	if !out.OK {
		return out, errs.System(errs.TOOLFailed, fmt.Sprintf("tool %q failed", name), errors.New(out.Error))
	}

	r.log.Debug().Str("tool", name).Dur("duration", elapsed).Float64("cost", out.Cost).Msg("tool invoked")
	return out, nil
}

func (r *Registry) reject() {
	r.statsMu.Lock()
	r.stats.Rejected++
	r.statsMu.Unlock()
}

// isBlocked checks every string input, including nested ones, against the
// blocked patterns.
func (r *Registry) isBlocked(inputs map[string]any) (bool, string) {
	var found string
	var walk func(v any) bool
	walk = func(v any) bool {
		switch x := v.(type) {
		case string:
			for _, re := range r.blocked {
				if re.MatchString(x) {
					found = re.String()
					return true
				}
			}
		case map[string]any:
			for _, item := range x {
				if walk(item) {
					return true
				}
			}
		case []any:
			for _, item := range x {
				if walk(item) {
					return true
				}
			}
		}
		return false
	}
	return walk(map[string]any(inputs)), found
}

// Stats returns invocation statistics.
func (r *Registry) Stats() RegistryStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// SuccessRate returns the success rate as a percentage.
func (s RegistryStats) SuccessRate() float64 {
	if s.Invocations == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Invocations) * 100
}

// AvgDuration returns the average invocation duration.
func (s RegistryStats) AvgDuration() time.Duration {
	if s.Invocations == 0 {
		return 0
	}
	return time.Duration(int64(s.TotalDuration) / s.Invocations)
}
