package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/types"
)

// Checkpoint reasons written by the engine itself. Nodes supply their own
// reasons when they suspend.
const (
	ReasonInterrupt  = "interrupt"
	ReasonCancelled  = "cancelled"
	ReasonNodeFailed = "node_failed"
)

// commitTimeout bounds writes that must land after the caller's context is gone.
const commitTimeout = 10 * time.Second

// Outcome describes where an instance stands after Start, Resume or Step.
type Outcome struct {
	ThreadID     string         `json:"thread_id"`
	GraphID      string         `json:"graph_id"`
	Status       store.Status   `json:"status"`
	CheckpointID int64          `json:"checkpoint_id"`
	CurrentNode  string         `json:"current_node,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	InputsNeeded map[string]any `json:"inputs_needed,omitempty"`
	State        State          `json:"state"`
	// Committed is the number of checkpoints written by this call.
	Committed int `json:"committed"`
}

// CheckpointEvent is the payload of workflow.checkpoint and workflow.failed.
type CheckpointEvent struct {
	ThreadID     string       `json:"thread_id"`
	GraphID      string       `json:"graph_id"`
	CheckpointID int64        `json:"checkpoint_id"`
	Node         string       `json:"node,omitempty"`
	Next         string       `json:"next,omitempty"`
	Status       store.Status `json:"status"`
	Reason       string       `json:"reason,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// EngineStats tracks engine activity.
type EngineStats struct {
	Started        int64 `json:"started"`
	Resumed        int64 `json:"resumed"`
	Steps          int64 `json:"steps"`
	Checkpoints    int64 `json:"checkpoints"`
	Retries        int64 `json:"retries"`
	Failures       int64 `json:"failures"`
	Cancelled      int64 `json:"cancelled"`
	LeaseConflicts int64 `json:"lease_conflicts"`
}

// Engine executes graphs against a checkpoint store. One Engine may drive
// any number of threads concurrently; each thread has a single writer,
// enforced by the lease.
type Engine struct {
	store  store.CheckpointStore
	leaser store.Leaser
	cfg    config.WorkflowConfig
	audit  *audit.Recorder
	log    zerolog.Logger
	owner  string

	mu sync.Mutex
	// active maps a thread run by this engine to a channel closed when the
	// run ends.
	active  map[string]chan struct{}
	cancels map[string]bool
	stats   EngineStats
}

// Option configures an Engine.
type Option func(*Engine)

// WithAudit records checkpoint commits, failures and lease conflicts.
func WithAudit(r *audit.Recorder) Option {
	return func(e *Engine) { e.audit = r }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithOwner sets the lease owner prefix, normally a process identifier.
func WithOwner(owner string) Option {
	return func(e *Engine) { e.owner = owner }
}

// NewEngine creates an engine over a checkpoint store and a leaser, which are
// usually the same backend.
func NewEngine(cps store.CheckpointStore, leaser store.Leaser, cfg config.WorkflowConfig, opts ...Option) *Engine {
	e := &Engine{
		store:   cps,
		leaser:  leaser,
		cfg:     cfg,
		log:     logging.Component("workflow"),
		owner:   "engine-" + uuid.NewString()[:8],
		active:  make(map[string]chan struct{}),
		cancels: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) bump(fn func(*EngineStats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// PUBLIC OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Start runs a new instance of g on threadID until it suspends, completes or
// fails. If the thread already has a running checkpoint (a previous process
// died mid-run) execution continues from it and initial is ignored.
func (e *Engine) Start(ctx context.Context, threadID string, g *Graph, initial State) (*Outcome, error) {
	r, err := e.begin(ctx, threadID, g)
	if err != nil {
		return nil, err
	}
	defer e.finish(r)

	switch {
	case r.last == nil:
		r.state = initial.Clone()
		r.current = g.Entry
		r.createdAt = time.Now().UTC()
	case r.last.Status == store.StatusRunning:
		r.log.Info().Int64("checkpoint_id", r.last.CheckpointID).Str("node", r.current).Msg("recovering workflow from last checkpoint")
	case r.last.Status == store.StatusSuspended:
		return r.outcome(), errs.User(errs.WFInvalidCommand, "this workflow is waiting for input; resume it instead")
	default:
		return r.outcome(), errs.User(errs.WFTerminal, "this workflow has already finished")
	}

	e.bump(func(s *EngineStats) { s.Started++ })
	return r.loop(ctx, false)
}

// Resume continues a suspended instance. payload is shallow-merged into the
// state and must not be nil. The resume itself writes no checkpoint.
func (e *Engine) Resume(ctx context.Context, threadID string, g *Graph, payload map[string]any) (*Outcome, error) {
	if payload == nil {
		return nil, errs.User(errs.WFMissingContinuation, "resuming a workflow requires input")
	}
	r, err := e.begin(ctx, threadID, g)
	if err != nil {
		return nil, err
	}
	defer e.finish(r)

	switch {
	case r.last == nil:
		return nil, errs.User(errs.WFNotFound, "no workflow exists for this thread")
	case r.last.Status.IsTerminal():
		return r.outcome(), errs.User(errs.WFTerminal, "this workflow has already finished")
	case r.last.Status != store.StatusSuspended:
		return r.outcome(), errs.User(errs.WFNotSuspended, "this workflow is not waiting for input")
	}

	r.state = r.state.Merge(payload)
	r.payload = payload
	e.bump(func(s *EngineStats) { s.Resumed++ })
	return r.loop(ctx, false)
}

// Step runs exactly one node of a new or running instance and commits it.
// A new thread starts at the entry with an empty state.
func (e *Engine) Step(ctx context.Context, threadID string, g *Graph) (*Outcome, error) {
	r, err := e.begin(ctx, threadID, g)
	if err != nil {
		return nil, err
	}
	defer e.finish(r)

	switch {
	case r.last == nil:
		r.state = State{}
		r.current = g.Entry
		r.createdAt = time.Now().UTC()
	case r.last.Status == store.StatusSuspended:
		return r.outcome(), errs.User(errs.WFInvalidCommand, "this workflow is waiting for input; resume it instead")
	case r.last.Status.IsTerminal():
		return r.outcome(), errs.User(errs.WFTerminal, "this workflow has already finished")
	}

	e.bump(func(s *EngineStats) { s.Steps++ })
	return r.loop(ctx, true)
}

// Cancel stops an instance. A run in progress in this engine is flagged and
// stops at the next node boundary; Cancel waits for it to end and reports
// what it ended as. A run that finished first is handled like any idle
// thread: a suspended one is cancelled, a finished one returns WF_TERMINAL.
// Called from inside the run itself, Cancel only sets the flag and returns.
// Otherwise the cancellation checkpoint is written directly under the
// thread's lease.
func (e *Engine) Cancel(ctx context.Context, threadID string) error {
	e.mu.Lock()
	done, running := e.active[threadID]
	if running {
		e.cancels[threadID] = true
	}
	e.mu.Unlock()

	if running {
		e.log.Info().Str("thread_id", threadID).Msg("cancellation requested")
		if insideRun(ctx, threadID) {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return errs.Transient(errs.WFLeaseConflict, "the workflow has not stopped yet", ctx.Err())
		}
		if cp, err := e.store.GetLatest(ctx, threadID); err == nil && cp.Status == store.StatusFailed && cp.Reason == ReasonCancelled {
			return nil
		}
	}

	r, err := e.begin(ctx, threadID, nil)
	if err != nil {
		return err
	}
	defer e.finish(r)

	if r.last == nil {
		return errs.User(errs.WFNotFound, "no workflow exists for this thread")
	}
	if r.last.Status.IsTerminal() {
		return errs.User(errs.WFTerminal, "this workflow has already finished")
	}
	_, err = r.cancel(ctx)
	if errs.Is(err, errs.WFCancelled) {
		return nil
	}
	return err
}

// Status returns the latest checkpoint of a thread.
func (e *Engine) Status(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	cp, err := e.store.GetLatest(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.User(errs.WFNotFound, "no workflow exists for this thread")
	}
	if err != nil {
		return nil, errs.Transient(errs.WFStoreUnavailable, "workflow state is unavailable", err)
	}
	return cp, nil
}

// History returns every checkpoint of a thread in commit order.
func (e *Engine) History(ctx context.Context, threadID string) ([]store.Checkpoint, error) {
	list, err := e.store.List(ctx, threadID)
	if err != nil {
		return nil, errs.Transient(errs.WFStoreUnavailable, "workflow state is unavailable", err)
	}
	if len(list) == 0 {
		return nil, errs.User(errs.WFNotFound, "no workflow exists for this thread")
	}
	return list, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUN LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// run is one Start, Resume, Step or Cancel invocation holding a thread lease.
type run struct {
	e        *Engine
	g        *Graph
	threadID string
	graphID  string
	tier     types.Tier
	lease    *store.Lease
	log      zerolog.Logger
	done     chan struct{}

	last      *store.Checkpoint
	current   string
	state     State
	history   []string
	createdAt time.Time

	// payload is the resume input, handed to a suspended subgraph once.
	payload   map[string]any
	committed int
}

// begin validates the graph, takes the lease and loads the latest checkpoint.
func (e *Engine) begin(ctx context.Context, threadID string, g *Graph) (*run, error) {
	if threadID == "" {
		return nil, errs.User(errs.WFInvalidCommand, "a thread id is required")
	}
	if g != nil {
		if err := g.Validate(); err != nil {
			return nil, errs.System(errs.WFInvalidGraph, "workflow definition is invalid", err)
		}
	}

	owner := e.owner + ":" + uuid.NewString()[:8]
	lease, err := e.leaser.Acquire(ctx, threadID, owner, e.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			e.bump(func(s *EngineStats) { s.LeaseConflicts++ })
			e.audit.Record(ctx, audit.Entry{
				Type:     bus.EventLeaseConflict,
				ThreadID: threadID,
				Payload:  map[string]any{"owner": owner},
			})
			return nil, errs.Transient(errs.WFLeaseConflict, "this workflow is already being processed", err).
				WithRetryAfter(e.cfg.LeaseTTL)
		}
		return nil, errs.Transient(errs.WFStoreUnavailable, "workflow state is unavailable", err)
	}

	r := &run{
		e:        e,
		g:        g,
		threadID: threadID,
		lease:    lease,
		log:      e.log.With().Str("thread_id", threadID).Logger(),
	}
	if g != nil {
		r.graphID, r.tier = g.ID, g.Tier
	}

	r.done = make(chan struct{})
	e.mu.Lock()
	e.active[threadID] = r.done
	e.mu.Unlock()

	latest, err := e.store.GetLatest(ctx, threadID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.finish(r)
		return nil, errs.Transient(errs.WFStoreUnavailable, "workflow state is unavailable", err)
	}
	if latest == nil {
		return r, nil
	}

	if g != nil && latest.GraphID != g.ID {
		e.finish(r)
		return nil, errs.System(errs.WFInvalidGraph, "workflow definition does not match this thread",
			fmt.Errorf("thread %s runs graph %q, not %q", threadID, latest.GraphID, g.ID))
	}
	state, err := decodeState(latest.State)
	if err != nil {
		e.finish(r)
		return nil, errs.System(errs.WFCorruptState, "workflow state could not be read", err)
	}

	r.last = latest
	r.graphID, r.tier = latest.GraphID, latest.Tier
	r.current = latest.CurrentNode
	r.state = state
	r.history = append([]string(nil), latest.NodeHistory...)
	r.createdAt = latest.CreatedAt
	return r, nil
}

// finish releases the lease, then clears the thread's in-process flags and
// wakes any Cancel waiting on the run.
func (e *Engine) finish(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	if err := e.leaser.Release(ctx, r.lease); err != nil {
		r.log.Warn().Err(err).Msg("lease release failed")
	}

	e.mu.Lock()
	if e.active[r.threadID] == r.done {
		delete(e.active, r.threadID)
		delete(e.cancels, r.threadID)
	}
	e.mu.Unlock()
	close(r.done)
}

type runKey struct{}

// runMark records the threads whose nodes a context is running under.
type runMark struct {
	threadID string
	parent   *runMark
}

func withRun(ctx context.Context, threadID string) context.Context {
	parent, _ := ctx.Value(runKey{}).(*runMark)
	return context.WithValue(ctx, runKey{}, &runMark{threadID: threadID, parent: parent})
}

// insideRun reports whether ctx belongs to a node of threadID or of a thread
// nested under it.
func insideRun(ctx context.Context, threadID string) bool {
	m, _ := ctx.Value(runKey{}).(*runMark)
	for ; m != nil; m = m.parent {
		if m.threadID == threadID || strings.HasPrefix(m.threadID, threadID+"/") {
			return true
		}
	}
	return false
}

// cancelRequested reports whether the thread, or any thread it is nested
// under, has been flagged, or the caller has gone away.
func (e *Engine) cancelRequested(ctx context.Context, threadID string) bool {
	if ctx.Err() != nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := threadID; ; {
		if e.cancels[id] {
			return true
		}
		i := strings.LastIndex(id, "/")
		if i < 0 {
			return false
		}
		id = id[:i]
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

func (r *run) loop(ctx context.Context, step bool) (*Outcome, error) {
	for {
		if r.e.cancelRequested(ctx, r.threadID) {
			return r.cancel(ctx)
		}
		if err := r.e.leaser.Renew(ctx, r.lease, r.e.cfg.LeaseTTL); err != nil {
			return r.outcome(), r.leaseLost(err)
		}

		node, ok := r.g.Nodes[r.current]
		if !ok {
			return r.outcome(), errs.System(errs.WFCorruptState, "workflow state could not be read",
				fmt.Errorf("checkpoint points at unknown node %q", r.current))
		}

		res, err := r.execute(ctx, node)
		r.payload = nil
		if err != nil {
			if r.e.cancelRequested(ctx, r.threadID) {
				return r.cancel(ctx)
			}
			if errs.Is(err, errs.WFLeaseConflict) {
				return r.outcome(), err
			}
			return r.fail(ctx, node, err)
		}

		stop, err := r.apply(ctx, node, res)
		if err != nil || stop || step {
			return r.outcome(), err
		}
	}
}

// apply commits the checkpoint for a node result. It returns true when the
// instance stopped (suspended or completed).
func (r *run) apply(ctx context.Context, node *Node, res Result) (bool, error) {
	switch res.Kind {
	case KindContinue:
		if !node.allows(res.Next) {
			_, err := r.fail(ctx, node, errs.System(errs.WFInvalidGraph, "workflow definition is invalid",
				fmt.Errorf("node %q may not continue to %q", node.Name, res.Next)))
			return true, err
		}
		cp := r.next(node.Name, res.Next, res.State, store.StatusRunning)
		if r.g.InterruptAfter[node.Name] {
			cp.Status = store.StatusSuspended
			cp.Reason = ReasonInterrupt
			cp.InputsNeeded = map[string]any{"after": node.Name, "next": res.Next}
		}
		if err := r.commit(ctx, cp, res.State); err != nil {
			return true, err
		}
		return cp.Status == store.StatusSuspended, nil

	case KindSuspend:
		next := res.Next
		if next == "" {
			next = node.Name
		}
		if next != node.Name && !node.allows(next) {
			_, err := r.fail(ctx, node, errs.System(errs.WFInvalidGraph, "workflow definition is invalid",
				fmt.Errorf("node %q may not suspend into %q", node.Name, next)))
			return true, err
		}
		cp := r.next(node.Name, next, res.State, store.StatusSuspended)
		cp.Reason = res.Reason
		cp.InputsNeeded = res.InputsNeeded
		return true, r.commit(ctx, cp, res.State)

	case KindDone:
		cp := r.next(node.Name, "", res.State, store.StatusCompleted)
		return true, r.commit(ctx, cp, res.State)

	default:
		_, err := r.fail(ctx, node, errs.System(errs.WFMissingContinuation, "workflow step returned no continuation",
			fmt.Errorf("node %q returned %s result", node.Name, res.Kind)))
		return true, err
	}
}

// next builds the checkpoint that follows a completed node.
func (r *run) next(completed, current string, state State, status store.Status) store.Checkpoint {
	return store.Checkpoint{
		CurrentNode:   current,
		CompletedNode: completed,
		NodeHistory:   append(append([]string(nil), r.history...), completed),
		Status:        status,
	}
}

// execute runs a node while keeping the lease alive. Function nodes retry
// transient failures in place; subgraphs rely on their own nodes' retries.
func (r *run) execute(ctx context.Context, node *Node) (Result, error) {
	ctx = withRun(ctx, r.threadID)
	stop, lost := r.heartbeat(ctx)
	defer stop()

	var (
		res Result
		err error
	)
	if node.Subgraph != nil {
		res, err = r.runSubgraph(ctx, node)
	} else {
		res, err = r.runNode(ctx, node)
	}
	stop()
	if lost() {
		return Result{}, errs.Transient(errs.WFLeaseConflict, "this workflow was taken over by another session", store.ErrLeaseLost)
	}
	return res, err
}

// runNode calls the node function under the node timeout.
func (r *run) runNode(ctx context.Context, node *Node) (Result, error) {
	var res Result
	op := func() error {
		nctx := ctx
		if r.e.cfg.NodeTimeout > 0 {
			var cancel context.CancelFunc
			nctx, cancel = context.WithTimeout(ctx, r.e.cfg.NodeTimeout)
			defer cancel()
		}
		out, err := node.Run(nctx, r.state.Clone())
		if err == nil {
			res = out
			return nil
		}
		if ctx.Err() != nil || !errs.IsTransient(err) {
			return permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		r.e.bump(func(s *EngineStats) { s.Retries++ })
		r.log.Warn().Err(err).Str("node", node.Name).Dur("backoff", d).Msg("transient node failure, retrying")
	}

	err := retryNode(ctx, r.e.cfg.Retry, op, notify)
	return res, err
}

// heartbeat renews the lease while a node runs. The returned stop function
// is idempotent and waits for the renewer to exit.
func (r *run) heartbeat(ctx context.Context) (stop func(), lost func() bool) {
	ttl := r.e.cfg.LeaseTTL
	if ttl <= 0 {
		return func() {}, func() bool { return false }
	}

	var (
		once   sync.Once
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed bool
	)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.e.leaser.Renew(ctx, r.lease, ttl); err != nil {
					if errors.Is(err, store.ErrLeaseLost) {
						mu.Lock()
						failed = true
						mu.Unlock()
						return
					}
					r.log.Warn().Err(err).Msg("lease renewal failed")
				}
			}
		}
	}()

	stop = func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
	lost = func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed
	}
	return stop, lost
}

// runSubgraph drives the child graph under "<thread>/<node>". A suspended
// child suspends the parent at the same node; re-entering the node resumes
// the child.
func (r *run) runSubgraph(ctx context.Context, node *Node) (Result, error) {
	childID := r.threadID + "/" + node.Name
	child := node.Subgraph

	latest, err := r.e.store.GetLatest(ctx, childID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, errs.Transient(errs.WFStoreUnavailable, "workflow state is unavailable", err)
	}

	var out *Outcome
	switch {
	case latest == nil:
		out, err = r.e.Start(ctx, childID, child, r.state.Clone())
	case latest.Status == store.StatusRunning:
		out, err = r.e.Start(ctx, childID, child, nil)
	case latest.Status == store.StatusSuspended:
		payload := r.payload
		if payload == nil {
			payload = map[string]any{}
		}
		out, err = r.e.Resume(ctx, childID, child, payload)
	case latest.Status == store.StatusCompleted:
		// The child finished but the parent died before committing.
		state, derr := decodeState(latest.State)
		if derr != nil {
			return Result{}, errs.System(errs.WFCorruptState, "workflow state could not be read", derr)
		}
		out = &Outcome{Status: store.StatusCompleted, State: state}
	default:
		return Result{}, errs.System(errs.WFNodeFailed, "a nested workflow failed",
			fmt.Errorf("subgraph %s: %s", childID, latest.Error))
	}
	if err != nil {
		return Result{}, err
	}

	switch out.Status {
	case store.StatusCompleted:
		merged := r.state.Merge(out.State)
		if len(node.Next) == 1 {
			return Continue(node.Next[0], merged), nil
		}
		return Done(merged), nil
	case store.StatusSuspended:
		return Suspend(out.Reason, node.Name, r.state, out.InputsNeeded), nil
	default:
		return Result{}, errs.System(errs.WFNodeFailed, "a nested workflow failed",
			fmt.Errorf("subgraph %s ended %s", childID, out.Status))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMITS
// ═══════════════════════════════════════════════════════════════════════════════

// commit writes cp as the next checkpoint of the thread and adopts it.
func (r *run) commit(ctx context.Context, cp store.Checkpoint, state State) error {
	raw, err := encodeState(state)
	if err != nil {
		return errs.System(errs.WFCorruptState, "workflow state could not be saved", err)
	}

	now := time.Now().UTC()
	var lastID int64
	if r.last != nil {
		lastID = r.last.CheckpointID
	}
	if r.createdAt.IsZero() {
		r.createdAt = now
	}
	cp.ThreadID = r.threadID
	cp.CheckpointID = lastID + 1
	cp.GraphID = r.graphID
	cp.Tier = r.tier
	cp.State = raw
	cp.CreatedAt = r.createdAt
	cp.UpdatedAt = now
	if cp.NodeHistory == nil {
		cp.NodeHistory = append([]string(nil), r.history...)
	}

	if err := r.e.store.Put(ctx, cp); err != nil {
		if errors.Is(err, store.ErrCheckpointConflict) {
			return errs.System(errs.WFCheckpointConflict, "this workflow was modified concurrently", err)
		}
		return errs.Transient(errs.WFStoreUnavailable, "workflow state could not be saved", err)
	}

	if state == nil {
		state = State{}
	}
	r.last = &cp
	r.current = cp.CurrentNode
	r.state = state
	r.history = cp.NodeHistory
	r.committed++
	r.e.bump(func(s *EngineStats) { s.Checkpoints++ })

	r.log.Debug().
		Int64("checkpoint_id", cp.CheckpointID).
		Str("completed", cp.CompletedNode).
		Str("next", cp.CurrentNode).
		Str("status", string(cp.Status)).
		Msg("checkpoint committed")
	r.e.audit.Record(ctx, audit.Entry{
		Type:     bus.EventCheckpoint,
		ThreadID: r.threadID,
		Payload:  r.event(cp),
	})
	return nil
}

// fail commits a terminal checkpoint that keeps the last good node and state.
func (r *run) fail(ctx context.Context, node *Node, cause error) (*Outcome, error) {
	cp := store.Checkpoint{
		CurrentNode: r.current,
		Status:      store.StatusFailed,
		Reason:      ReasonNodeFailed,
		Error:       cause.Error(),
	}
	if err := r.commit(ctx, cp, r.state); err != nil {
		r.log.Error().Err(err).AnErr("cause", cause).Str("node", node.Name).Msg("failed to record workflow failure")
		return r.outcome(), err
	}

	r.e.bump(func(s *EngineStats) { s.Failures++ })
	r.log.Error().Err(cause).Str("node", node.Name).Msg("workflow failed")
	ev := r.event(*r.last)
	ev.Node = node.Name
	r.e.audit.Record(ctx, audit.Entry{Type: bus.EventWorkflowFailed, ThreadID: r.threadID, Payload: ev})

	kind := errs.KindOf(cause)
	if kind == errs.KindUser {
		kind = errs.KindSystem
	}
	wrapped := errs.Wrap(cause, errs.WFNodeFailed, kind, fmt.Sprintf("workflow step %q failed", node.Name))
	if inner, ok := errs.As(cause); ok && inner.RetryAfter > 0 {
		wrapped = wrapped.WithRetryAfter(inner.RetryAfter)
	}
	return r.outcome(), wrapped
}

// cancel commits the cancellation checkpoint. The caller's context may be
// done already, so the write gets its own deadline.
func (r *run) cancel(ctx context.Context) (*Outcome, error) {
	wctx, done := logging.DetachContextWithTimeout(ctx, commitTimeout)
	defer done()

	cp := store.Checkpoint{
		CurrentNode: r.current,
		Status:      store.StatusFailed,
		Reason:      ReasonCancelled,
		Error:       "cancelled",
	}
	if err := r.commit(wctx, cp, r.state); err != nil {
		return r.outcome(), err
	}
	r.e.bump(func(s *EngineStats) { s.Cancelled++ })
	r.log.Info().Int64("checkpoint_id", r.last.CheckpointID).Msg("workflow cancelled")
	return r.outcome(), errs.User(errs.WFCancelled, "the workflow was cancelled")
}

func (r *run) leaseLost(err error) error {
	if errors.Is(err, store.ErrLeaseLost) {
		return errs.Transient(errs.WFLeaseConflict, "this workflow was taken over by another session", err)
	}
	return errs.Transient(errs.WFStoreUnavailable, "workflow state is unavailable", err)
}

func (r *run) event(cp store.Checkpoint) CheckpointEvent {
	return CheckpointEvent{
		ThreadID:     cp.ThreadID,
		GraphID:      cp.GraphID,
		CheckpointID: cp.CheckpointID,
		Node:         cp.CompletedNode,
		Next:         cp.CurrentNode,
		Status:       cp.Status,
		Reason:       cp.Reason,
		Error:        cp.Error,
	}
}

func (r *run) outcome() *Outcome {
	out := &Outcome{
		ThreadID:    r.threadID,
		GraphID:     r.graphID,
		CurrentNode: r.current,
		State:       r.state.Clone(),
		Committed:   r.committed,
	}
	if r.last != nil {
		out.Status = r.last.Status
		out.CheckpointID = r.last.CheckpointID
		out.Reason = r.last.Reason
		out.InputsNeeded = r.last.InputsNeeded
	} else {
		out.Status = store.StatusRunning
	}
	return out
}
