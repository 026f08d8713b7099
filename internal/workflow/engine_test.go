package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

func testConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		LeaseTTL:    30 * time.Second,
		NodeTimeout: time.Second,
		Retry: config.RetryConfig{
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 3,
		},
	}
}

func newTestEngine(t *testing.T, st *store.MemoryStore, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return NewEngine(st, st, testConfig(), opts...)
}

// set returns a node that records key=value and continues to next (or
// completes when next is empty).
func set(key string, value any, next string) NodeFunc {
	return func(_ context.Context, s State) (Result, error) {
		s[key] = value
		if next == "" {
			return Done(s), nil
		}
		return Continue(next, s), nil
	}
}

func linearGraph() *Graph {
	return NewGraph("linear").
		AddNode("a", set("a", 1, "b"), "b").
		AddNode("b", set("b", 2, "c"), "c").
		AddNode("c", set("c", 3, ""))
}

func generateGraph(validate NodeFunc) *Graph {
	return NewGraph("generate").
		SetTier(types.TierB).
		AddNode("draft", set("draft", "v1", "validate"), "validate").
		AddNode("validate", validate, "finalize").
		AddNode("finalize", set("final", true, "")).
		Interrupt("draft")
}

func history(t *testing.T, st *store.MemoryStore, threadID string) []store.Checkpoint {
	t.Helper()
	list, err := st.List(context.Background(), threadID)
	require.NoError(t, err)
	return list
}

func assertMonotonic(t *testing.T, cps []store.Checkpoint) {
	t.Helper()
	for i, cp := range cps {
		assert.Equal(t, int64(i+1), cp.CheckpointID, "checkpoint ids must be contiguous")
	}
}

// crashStore fails the put of one checkpoint id, like a process dying
// between finishing a node and committing it.
type crashStore struct {
	*store.MemoryStore
	crashAt int64
	crashed atomic.Bool
}

func (c *crashStore) Put(ctx context.Context, cp store.Checkpoint) error {
	if cp.CheckpointID == c.crashAt && c.crashed.CompareAndSwap(false, true) {
		return errors.New("process killed")
	}
	return c.MemoryStore.Put(ctx, cp)
}

// ============================================================================
// Graph validation
// ============================================================================

func TestGraph_Validate(t *testing.T) {
	noop := set("x", 1, "")
	child := NewGraph("child").AddNode("only", noop)

	tests := []struct {
		name  string
		graph *Graph
		ok    bool
	}{
		{"valid", linearGraph(), true},
		{"missing entry", NewGraph("g").AddNode("a", noop).SetEntry("zzz"), false},
		{"undefined successor", NewGraph("g").AddNode("a", noop, "b"), false},
		{"orphan", NewGraph("g").AddNode("a", noop).AddNode("b", noop), false},
		{"no body", NewGraph("g").AddNode("a", nil), false},
		{"subgraph two successors", NewGraph("g").AddSubgraph("s", child, "a", "b").AddNode("a", noop).AddNode("b", noop), false},
		{"invalid child", NewGraph("g").AddSubgraph("s", NewGraph("c")), false},
		{"interrupt unknown", NewGraph("g").AddNode("a", noop).Interrupt("b"), false},
		{"self loop", NewGraph("g").AddNode("a", noop, "a"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.graph.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEngine_RejectsInvalidGraph(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore())
	_, err := e.Start(context.Background(), "t1", NewGraph("g").AddNode("a", nil), nil)
	assert.Equal(t, errs.WFInvalidGraph, errs.CodeOf(err))
}

// ============================================================================
// Commit-then-advance
// ============================================================================

func TestEngine_RunsToCompletion(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st, WithAudit(audit.New(st, nil)))

	out, err := e.Start(context.Background(), "t1", linearGraph(), State{"seed": "x"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, int64(3), out.CheckpointID)
	assert.Equal(t, 3, out.Committed)
	assert.Equal(t, "x", out.State["seed"])
	assert.EqualValues(t, 3, out.State["c"])

	cps := history(t, st, "t1")
	require.Len(t, cps, 3)
	assertMonotonic(t, cps)
	assert.Equal(t, []store.Status{store.StatusRunning, store.StatusRunning, store.StatusCompleted},
		[]store.Status{cps[0].Status, cps[1].Status, cps[2].Status})
	assert.Equal(t, "b", cps[0].CurrentNode)
	assert.Equal(t, "a", cps[0].CompletedNode)
	assert.Equal(t, []string{"a", "b", "c"}, cps[2].NodeHistory)
	assert.Equal(t, cps[0].CreatedAt, cps[2].CreatedAt)

	events, err := st.Events(context.Background(), "t1")
	require.NoError(t, err)
	var commits int
	for _, ev := range events {
		if ev.Type == string(bus.EventCheckpoint) {
			commits++
		}
	}
	assert.Equal(t, 3, commits)
}

func TestEngine_StepRunsOneNode(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)
	g := linearGraph()

	for i, want := range []store.Status{store.StatusRunning, store.StatusRunning, store.StatusCompleted} {
		out, err := e.Step(context.Background(), "t1", g)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), out.CheckpointID)
		assert.Equal(t, want, out.Status)
		assert.Equal(t, 1, out.Committed)
	}

	_, err := e.Step(context.Background(), "t1", g)
	assert.Equal(t, errs.WFTerminal, errs.CodeOf(err))
}

func TestEngine_StartTwiceIsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)

	_, err := e.Start(context.Background(), "t1", linearGraph(), nil)
	require.NoError(t, err)
	_, err = e.Start(context.Background(), "t1", linearGraph(), nil)
	assert.Equal(t, errs.WFTerminal, errs.CodeOf(err))

	_, err = e.Start(context.Background(), "t1", NewGraph("other").AddNode("a", set("a", 1, "")), nil)
	assert.Equal(t, errs.WFInvalidGraph, errs.CodeOf(err))
}

// ============================================================================
// Crash recovery
// ============================================================================

func TestEngine_CheckpointMonotonicAcrossCrash(t *testing.T) {
	cs := &crashStore{MemoryStore: store.NewMemoryStore(), crashAt: 3}
	var cRuns atomic.Int32
	g := NewGraph("crashy").
		AddNode("a", set("a", 1, "b"), "b").
		AddNode("b", set("b", 2, "c"), "c").
		AddNode("c", func(_ context.Context, s State) (Result, error) {
			cRuns.Add(1)
			s["c"] = 3
			return Continue("d", s), nil
		}, "d").
		AddNode("d", set("d", 4, ""))

	first := NewEngine(cs, cs, testConfig(), WithLogger(logging.Discard()))
	_, err := first.Start(context.Background(), "t1", g, nil)
	require.Error(t, err)
	assert.Equal(t, errs.WFStoreUnavailable, errs.CodeOf(err))

	before := history(t, cs.MemoryStore, "t1")
	require.Len(t, before, 2)
	assert.Equal(t, "c", before[1].CurrentNode)
	assert.Equal(t, store.StatusRunning, before[1].Status)

	// A fresh engine picks up from checkpoint 2 and re-runs only c.
	second := NewEngine(cs, cs, testConfig(), WithLogger(logging.Discard()))
	out, err := second.Start(context.Background(), "t1", g, State{"ignored": true})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.NotContains(t, out.State, "ignored")

	after := history(t, cs.MemoryStore, "t1")
	require.Len(t, after, 4)
	assertMonotonic(t, after)
	assert.Equal(t, []string{"a", "b", "c", "d"}, after[3].NodeHistory)
	assert.Equal(t, int32(2), cRuns.Load())
}

func TestEngine_StaleWriterIsRejected(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	var clockMu sync.Mutex
	st.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	g := NewGraph("stale").
		AddNode("a", set("a", 1, "b"), "b").
		AddNode("b", func(_ context.Context, s State) (Result, error) {
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}
			return Continue("c", s), nil
		}, "c").
		AddNode("c", set("c", 3, ""))

	slow := newTestEngine(t, st)
	fast := newTestEngine(t, st)

	_, err := slow.Step(context.Background(), "t1", g)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := slow.Step(context.Background(), "t1", g)
		errCh <- err
	}()
	<-entered

	// The slow engine's lease expires; another engine takes over and commits.
	clockMu.Lock()
	now = now.Add(time.Minute)
	clockMu.Unlock()
	out, err := fast.Step(context.Background(), "t1", g)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.CheckpointID)

	close(release)
	err = <-errCh
	require.Error(t, err)
	assert.Equal(t, errs.WFCheckpointConflict, errs.CodeOf(err))

	cps := history(t, st, "t1")
	require.Len(t, cps, 2)
	assertMonotonic(t, cps)
}

// ============================================================================
// Suspend / resume
// ============================================================================

func TestEngine_InterruptAfterAndResume(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)

	var sawApproval bool
	g := generateGraph(func(_ context.Context, s State) (Result, error) {
		sawApproval = s.GetBool("approved")
		s["validated"] = true
		return Continue("finalize", s), nil
	})

	out, err := e.Start(context.Background(), "t1", g, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, out.Status)
	assert.Equal(t, ReasonInterrupt, out.Reason)
	assert.Equal(t, "validate", out.CurrentNode)
	assert.Equal(t, int64(1), out.CheckpointID)
	assert.Equal(t, "draft", out.InputsNeeded["after"])

	status, err := e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TierB, status.Tier)

	out, err = e.Resume(context.Background(), "t1", g, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.True(t, sawApproval)
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, 2, out.Committed)
	assert.Equal(t, "v1", out.State["draft"])

	cps := history(t, st, "t1")
	require.Len(t, cps, 3)
	assertMonotonic(t, cps)
}

func TestEngine_ResumeErrors(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)
	g := generateGraph(set("validated", true, "finalize"))

	_, err := e.Resume(context.Background(), "missing", g, map[string]any{})
	assert.Equal(t, errs.WFNotFound, errs.CodeOf(err))

	_, err = e.Start(context.Background(), "t1", g, nil)
	require.NoError(t, err)

	_, err = e.Resume(context.Background(), "t1", g, nil)
	assert.Equal(t, errs.WFMissingContinuation, errs.CodeOf(err))

	_, err = e.Start(context.Background(), "t1", g, nil)
	assert.Equal(t, errs.WFInvalidCommand, errs.CodeOf(err))

	_, err = e.Resume(context.Background(), "t1", g, map[string]any{"approved": true})
	require.NoError(t, err)
	_, err = e.Resume(context.Background(), "t1", g, map[string]any{"approved": true})
	assert.Equal(t, errs.WFTerminal, errs.CodeOf(err))

	// A running (crashed) thread is not waiting for input.
	_, err = e.Step(context.Background(), "t2", linearGraph())
	require.NoError(t, err)
	_, err = e.Resume(context.Background(), "t2", linearGraph(), map[string]any{})
	assert.Equal(t, errs.WFNotSuspended, errs.CodeOf(err))
}

func TestEngine_NodeSuspend(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)

	g := NewGraph("gate").
		AddNode("ask", func(_ context.Context, s State) (Result, error) {
			if s.GetString("answer") == "" {
				return Suspend("need_answer", "ask", s, map[string]any{"question": "why?"}), nil
			}
			return Continue("end", s), nil
		}, "end").
		AddNode("end", set("done", true, ""))

	out, err := e.Start(context.Background(), "t1", g, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, out.Status)
	assert.Equal(t, "need_answer", out.Reason)
	assert.Equal(t, "ask", out.CurrentNode)
	assert.Equal(t, "why?", out.InputsNeeded["question"])

	out, err = e.Resume(context.Background(), "t1", g, map[string]any{"answer": "because"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Len(t, history(t, st, "t1"), 3)
}

// ============================================================================
// Leases
// ============================================================================

func TestEngine_LeaseExclusivityForConcurrentResume(t *testing.T) {
	st := store.NewMemoryStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	g := generateGraph(func(_ context.Context, s State) (Result, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return Continue("finalize", s), nil
	})

	e1 := newTestEngine(t, st)
	e2 := newTestEngine(t, st)

	_, err := e1.Start(context.Background(), "t1", g, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e1.Resume(context.Background(), "t1", g, map[string]any{"approved": true})
		done <- err
	}()
	<-entered

	for _, e := range []*Engine{e1, e2} {
		start := time.Now()
		_, err := e.Resume(context.Background(), "t1", g, map[string]any{"approved": true})
		require.Error(t, err)
		assert.Equal(t, errs.WFLeaseConflict, errs.CodeOf(err))
		assert.True(t, errs.IsTransient(err))
		assert.Less(t, time.Since(start), time.Second)
	}

	close(release)
	require.NoError(t, <-done)

	cps := history(t, st, "t1")
	require.Len(t, cps, 3)
	assertMonotonic(t, cps)
	assert.Equal(t, int64(2), e2.Stats().LeaseConflicts+e1.Stats().LeaseConflicts)
}

// ============================================================================
// Failures and retries
// ============================================================================

func TestEngine_RetriesTransientFailures(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)

	var calls atomic.Int32
	g := NewGraph("flaky").AddNode("call", func(_ context.Context, s State) (Result, error) {
		if calls.Add(1) < 3 {
			return Result{}, errs.Transient(errs.LLMAllExhausted, "busy", nil)
		}
		return Done(s), nil
	})

	out, err := e.Start(context.Background(), "t1", g, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(2), e.Stats().Retries)
	assert.Len(t, history(t, st, "t1"), 1)
}

func TestEngine_FailureKeepsLastGoodState(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int32
		transient bool
	}{
		{"permanent", errs.System(errs.TOOLFailed, "tool broke", errors.New("exit 1")), 1, false},
		{"transient exhausted", errs.Transient(errs.LLMAllExhausted, "busy", nil).WithRetryAfter(7 * time.Second), 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			e := newTestEngine(t, st, WithAudit(audit.New(st, nil)))

			var calls atomic.Int32
			g := NewGraph("failing").
				AddNode("a", set("a", 1, "b"), "b").
				AddNode("b", func(context.Context, State) (Result, error) {
					calls.Add(1)
					return Result{}, tt.err
				})

			out, err := e.Start(context.Background(), "t1", g, nil)
			require.Error(t, err)
			assert.Equal(t, errs.WFNodeFailed, errs.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.transient, errs.IsTransient(err))
			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.transient {
				e2, _ := errs.As(err)
				assert.Equal(t, 7*time.Second, e2.RetryAfter)
			}

			assert.Equal(t, store.StatusFailed, out.Status)
			cps := history(t, st, "t1")
			require.Len(t, cps, 2)
			assertMonotonic(t, cps)
			assert.Equal(t, "b", cps[1].CurrentNode)
			assert.Equal(t, ReasonNodeFailed, cps[1].Reason)
			assert.NotEmpty(t, cps[1].Error)
			assert.JSONEq(t, string(cps[0].State), string(cps[1].State))
			assert.Equal(t, cps[0].NodeHistory, cps[1].NodeHistory)

			events, _ := st.Events(context.Background(), "t1")
			var failed int
			for _, ev := range events {
				if ev.Type == string(bus.EventWorkflowFailed) {
					failed++
				}
			}
			assert.Equal(t, 1, failed)
		})
	}
}

func TestEngine_NodeTimeoutIsRetried(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig()
	cfg.NodeTimeout = 10 * time.Millisecond
	e := NewEngine(st, st, cfg, WithLogger(logging.Discard()))

	var calls atomic.Int32
	g := NewGraph("slow").AddNode("wait", func(ctx context.Context, s State) (Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})

	_, err := e.Start(context.Background(), "t1", g, nil)
	assert.Equal(t, errs.WFNodeFailed, errs.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEngine_InvalidResults(t *testing.T) {
	tests := []struct {
		name  string
		node  NodeFunc
		inner errs.Code
	}{
		{"undeclared successor", func(_ context.Context, s State) (Result, error) { return Continue("nowhere", s), nil }, errs.WFInvalidGraph},
		{"zero result", func(context.Context, State) (Result, error) { return Result{}, nil }, errs.WFMissingContinuation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			e := newTestEngine(t, st)
			g := NewGraph("bad").AddNode("a", tt.node, "b").AddNode("b", set("b", 1, ""))

			_, err := e.Start(context.Background(), "t1", g, nil)
			require.Error(t, err)
			assert.Equal(t, errs.WFNodeFailed, errs.CodeOf(err))

			var inner *errs.Error
			require.True(t, errors.As(errors.Unwrap(err), &inner))
			assert.Equal(t, tt.inner, inner.Code)

			cps := history(t, st, "t1")
			require.Len(t, cps, 1)
			assert.Equal(t, store.StatusFailed, cps[0].Status)
			assert.Equal(t, "a", cps[0].CurrentNode)
		})
	}
}

// ============================================================================
// Cancellation
// ============================================================================

func TestEngine_CancelBetweenNodes(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)

	var ranB bool
	g := NewGraph("cancel").
		AddNode("a", func(ctx context.Context, s State) (Result, error) {
			require.NoError(t, e.Cancel(ctx, "t1"))
			return Continue("b", s), nil
		}, "b").
		AddNode("b", func(_ context.Context, s State) (Result, error) {
			ranB = true
			return Done(s), nil
		})

	out, err := e.Start(context.Background(), "t1", g, nil)
	assert.Equal(t, errs.WFCancelled, errs.CodeOf(err))
	assert.False(t, ranB)
	assert.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, ReasonCancelled, out.Reason)

	cps := history(t, st, "t1")
	require.Len(t, cps, 2)
	assert.Equal(t, "b", cps[1].CurrentNode)
	assert.Equal(t, int64(1), e.Stats().Cancelled)

	// The lease is released: the thread can be read and is terminal.
	_, err = e.Start(context.Background(), "t1", g, nil)
	assert.Equal(t, errs.WFTerminal, errs.CodeOf(err))
}

func TestEngine_ContextCancellation(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	g := NewGraph("ctx").
		AddNode("a", func(_ context.Context, s State) (Result, error) {
			cancel()
			return Continue("b", s), nil
		}, "b").
		AddNode("b", set("b", 1, ""))

	_, err := e.Start(ctx, "t1", g, nil)
	assert.Equal(t, errs.WFCancelled, errs.CodeOf(err))

	latest, err := e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, latest.Reason)
	assert.Equal(t, int64(2), latest.CheckpointID)
}

func TestEngine_CancelSuspended(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)
	g := generateGraph(set("validated", true, "finalize"))

	_, err := e.Start(context.Background(), "t1", g, nil)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), "t1"))

	latest, err := e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, latest.Status)
	assert.Equal(t, ReasonCancelled, latest.Reason)
	assert.Equal(t, "validate", latest.CurrentNode)

	_, err = e.Resume(context.Background(), "t1", g, map[string]any{"approved": true})
	assert.Equal(t, errs.WFTerminal, errs.CodeOf(err))
	assert.Equal(t, errs.WFTerminal, errs.CodeOf(e.Cancel(context.Background(), "t1")))
	assert.Equal(t, errs.WFNotFound, errs.CodeOf(e.Cancel(context.Background(), "nope")))
}

// blockingGraph runs node "a" until release is closed, then continues to a
// second node when next is set.
func blockingGraph(entered chan<- struct{}, release <-chan struct{}, next bool) *Graph {
	g := NewGraph("blocking")
	if !next {
		return g.AddNode("a", func(_ context.Context, s State) (Result, error) {
			close(entered)
			<-release
			return Done(s), nil
		})
	}
	return g.
		AddNode("a", func(_ context.Context, s State) (Result, error) {
			close(entered)
			<-release
			return Continue("b", s), nil
		}, "b").
		AddNode("b", set("b", true, ""))
}

func cancelFlagged(e *Engine, threadID string) func() bool {
	return func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.cancels[threadID]
	}
}

func TestEngine_CancelWaitsForRun(t *testing.T) {
	t.Run("run stops at the next boundary", func(t *testing.T) {
		st := store.NewMemoryStore()
		e := newTestEngine(t, st)
		entered, release := make(chan struct{}), make(chan struct{})
		g := blockingGraph(entered, release, true)

		runErr := make(chan error, 1)
		go func() {
			_, err := e.Start(context.Background(), "t1", g, nil)
			runErr <- err
		}()
		<-entered

		cancelErr := make(chan error, 1)
		go func() { cancelErr <- e.Cancel(context.Background(), "t1") }()
		require.Eventually(t, cancelFlagged(e, "t1"), time.Second, time.Millisecond)
		close(release)

		assert.NoError(t, <-cancelErr)
		assert.Equal(t, errs.WFCancelled, errs.CodeOf(<-runErr))
		latest, err := e.Status(context.Background(), "t1")
		require.NoError(t, err)
		assert.Equal(t, ReasonCancelled, latest.Reason)
	})

	t.Run("run that finishes first is reported", func(t *testing.T) {
		st := store.NewMemoryStore()
		e := newTestEngine(t, st)
		entered, release := make(chan struct{}), make(chan struct{})
		g := blockingGraph(entered, release, false)

		runErr := make(chan error, 1)
		go func() {
			_, err := e.Start(context.Background(), "t1", g, nil)
			runErr <- err
		}()
		<-entered

		cancelErr := make(chan error, 1)
		go func() { cancelErr <- e.Cancel(context.Background(), "t1") }()
		require.Eventually(t, cancelFlagged(e, "t1"), time.Second, time.Millisecond)
		close(release)

		require.NoError(t, <-runErr)
		assert.Equal(t, errs.WFTerminal, errs.CodeOf(<-cancelErr))
		latest, err := e.Status(context.Background(), "t1")
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, latest.Status)
	})

	t.Run("caller gives up while the run is busy", func(t *testing.T) {
		st := store.NewMemoryStore()
		e := newTestEngine(t, st)
		entered, release := make(chan struct{}), make(chan struct{})
		g := blockingGraph(entered, release, true)

		runErr := make(chan error, 1)
		go func() {
			_, err := e.Start(context.Background(), "t1", g, nil)
			runErr <- err
		}()
		<-entered

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := e.Cancel(ctx, "t1")
		assert.True(t, errs.IsTransient(err))

		close(release)
		assert.Equal(t, errs.WFCancelled, errs.CodeOf(<-runErr), "the flag still stops the run")
	})
}

// ============================================================================
// Subgraphs
// ============================================================================

func TestEngine_Subgraph(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)

	child := NewGraph("review").
		AddNode("draft", set("child_draft", "d1", "polish"), "polish").
		AddNode("polish", func(_ context.Context, s State) (Result, error) {
			s["polished"] = s.GetBool("ok")
			return Done(s), nil
		}).
		Interrupt("draft")

	var publishedPolished bool
	parent := NewGraph("publish").
		AddNode("prepare", set("prepared", true, "review"), "review").
		AddSubgraph("review", child, "publish").
		AddNode("publish", func(_ context.Context, s State) (Result, error) {
			publishedPolished = s.GetBool("polished")
			return Done(s), nil
		})

	out, err := e.Start(context.Background(), "t1", parent, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, out.Status)
	assert.Equal(t, "review", out.CurrentNode)
	assert.Equal(t, ReasonInterrupt, out.Reason)

	childCps := history(t, st, "t1/review")
	require.Len(t, childCps, 1)
	assert.Equal(t, store.StatusSuspended, childCps[0].Status)
	assert.Contains(t, string(childCps[0].State), "prepared")

	out, err = e.Resume(context.Background(), "t1", parent, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.True(t, publishedPolished)
	assert.Equal(t, "d1", out.State["child_draft"])

	parentCps := history(t, st, "t1")
	require.Len(t, parentCps, 4)
	assertMonotonic(t, parentCps)
	assert.Equal(t, []string{"prepare", "review", "review", "publish"}, parentCps[3].NodeHistory)

	childCps = history(t, st, "t1/review")
	require.Len(t, childCps, 2)
	assert.Equal(t, store.StatusCompleted, childCps[1].Status)
}

func TestEngine_CancelReachesSubgraph(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(t, st)

	child := NewGraph("inner").
		AddNode("one", func(ctx context.Context, s State) (Result, error) {
			require.NoError(t, e.Cancel(ctx, "t1"))
			return Continue("two", s), nil
		}, "two").
		AddNode("two", set("two", true, ""))
	parent := NewGraph("outer").AddSubgraph("inner", child)

	_, err := e.Start(context.Background(), "t1", parent, nil)
	assert.Equal(t, errs.WFCancelled, errs.CodeOf(err))

	childLatest, err := e.Status(context.Background(), "t1/inner")
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, childLatest.Reason)

	parentLatest, err := e.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, parentLatest.Reason)
}

// ============================================================================
// Backoff schedule
// ============================================================================

func TestDelays(t *testing.T) {
	cfg := config.RetryConfig{BaseDelay: 200 * time.Millisecond, Multiplier: 2, MaxDelay: 500 * time.Millisecond, MaxAttempts: 4}
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 500 * time.Millisecond}, Delays(cfg))
	assert.Nil(t, Delays(config.RetryConfig{MaxAttempts: 1}))
}
