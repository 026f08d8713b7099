package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	opts = append([]RegistryOption{WithLogger(logging.Discard())}, opts...)
	r := NewRegistry(opts...)
	require.NoError(t, RegisterBuiltins(r))
	return r
}

// ===========================================================================
// REGISTRATION
// ===========================================================================

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, []string{"echo", "json_extract", "word_count"}, r.Names())

	tool, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", tool.Name)

	err := r.Register(Builtins()[0])
	assert.ErrorContains(t, err, "already registered")
	assert.Error(t, r.Register(Tool{Name: "noop"}))
	assert.Error(t, r.Register(Tool{Invoke: func(context.Context, map[string]any) (*Outcome, error) { return nil, nil }}))
}

// ===========================================================================
// SCHEMA
// ===========================================================================

func TestSchema_Validate(t *testing.T) {
	s := Schema{
		Required:   []string{"text"},
		Properties: map[string]string{"text": TypeString, "n": TypeNumber, "flag": TypeBool, "tags": TypeArray, "meta": TypeObject},
	}

	tests := []struct {
		name   string
		inputs map[string]any
		ok     bool
	}{
		{"minimal", map[string]any{"text": "hi"}, true},
		{"all typed", map[string]any{"text": "hi", "n": 3.0, "flag": true, "tags": []any{"a"}, "meta": map[string]any{}}, true},
		{"int number", map[string]any{"text": "hi", "n": 3}, true},
		{"string slice", map[string]any{"text": "hi", "tags": []string{"a"}}, true},
		{"extra inputs", map[string]any{"text": "hi", "other": 1}, true},
		{"missing required", map[string]any{"n": 1}, false},
		{"null required", map[string]any{"text": nil}, false},
		{"wrong type", map[string]any{"text": 42}, false},
		{"wrong bool", map[string]any{"text": "hi", "flag": "yes"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.inputs)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// ===========================================================================
// INVOKE
// ===========================================================================

func TestRegistry_InvokeBuiltins(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	out, err := r.Invoke(ctx, "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, "hello", out.Result)

	out, err = r.Invoke(ctx, "word_count", map[string]any{"text": "one two\nthree"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"words": 3, "lines": 2}, out.Result)

	out, err = r.Invoke(ctx, "json_extract", map[string]any{"document": `{"a":{"b":[1,2,3]}}`, "path": "a.b.1"})
	require.NoError(t, err)
	assert.Equal(t, float64(2), out.Result)
}

func TestRegistry_InvokeErrors(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tool   string
		inputs map[string]any
		code   errs.Code
		kind   errs.Kind
		ran    bool
	}{
		{"unknown tool", "nope", nil, errs.TOOLNotFound, errs.KindUser, false},
		{"missing input", "echo", map[string]any{}, errs.TOOLInvalidInput, errs.KindUser, false},
		{"blocked input", "echo", map[string]any{"text": "cat /etc/shadow"}, errs.TOOLInjectionBlocked, errs.KindUser, false},
		{"tool reports failure", "word_count", map[string]any{"text": "too short", "min_words": 10}, errs.TOOLFailed, errs.KindSystem, true},
		{"bad document", "json_extract", map[string]any{"document": "{", "path": "a"}, errs.TOOLFailed, errs.KindSystem, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Invoke(ctx, tt.tool, tt.inputs)
			require.Error(t, err)
			assert.Equal(t, tt.code, errs.CodeOf(err))
			assert.Equal(t, tt.kind, errs.KindOf(err))
			if tt.ran {
				require.NotNil(t, out)
				assert.False(t, out.OK)
			} else {
				assert.Nil(t, out)
			}
		})
	}

	stats := r.Stats()
	assert.Equal(t, int64(3), stats.Rejected)
	assert.Equal(t, int64(2), stats.Failures)
}

func TestRegistry_RiskCeiling(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Tool{
		Name: "wipe",
		Risk: RiskCritical,
		Invoke: func(context.Context, map[string]any) (*Outcome, error) {
			t.Fatal("a tool above the risk ceiling must not run")
			return nil, nil
		},
	}))

	_, err := r.Invoke(context.Background(), "wipe", nil)
	assert.Equal(t, errs.TOOLInjectionBlocked, errs.CodeOf(err))
}

func TestRegistry_TimeoutIsTransient(t *testing.T) {
	policy := DefaultSecurityPolicy()
	policy.MaxTimeout = 10 * time.Millisecond
	r := newTestRegistry(t, WithPolicy(policy))
	require.NoError(t, r.Register(Tool{
		Name: "slow",
		Invoke: func(ctx context.Context, _ map[string]any) (*Outcome, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	_, err := r.Invoke(context.Background(), "slow", nil)
	assert.Equal(t, errs.TOOLFailed, errs.CodeOf(err))
	assert.True(t, errs.IsTransient(err))
}

func TestRegistry_ClassifiedErrorsPassThrough(t *testing.T) {
	r := newTestRegistry(t)
	want := errs.Transient(errs.TOOLFailed, "upstream busy", errors.New("503"))
	require.NoError(t, r.Register(Tool{
		Name:   "busy",
		Invoke: func(context.Context, map[string]any) (*Outcome, error) { return nil, want },
	}))

	_, err := r.Invoke(context.Background(), "busy", nil)
	assert.Same(t, want, err)
}

func TestRegistry_ConcurrentStats(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Invoke(context.Background(), "echo", map[string]any{"text": "x"})
		}()
	}
	wg.Wait()

	stats := r.Stats()
	assert.Equal(t, int64(20), stats.Invocations)
	assert.Equal(t, float64(100), stats.SuccessRate())
}
