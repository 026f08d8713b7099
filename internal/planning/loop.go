package planning

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/workflow"
	"github.com/normanking/conductor/pkg/types"
)

// GraphID identifies the planning loop graph in checkpoints.
const GraphID = "planning-loop"

// Loop nodes.
const (
	NodeAnalyze  = "analyze"
	NodePlan     = "plan"
	NodeExecute  = "execute"
	NodeReflect  = "reflect"
	NodeEscalate = "escalate"
)

// Suspension reasons.
const (
	ReasonCostApproval = "cost_approval"
	ReasonEscalation   = "escalation"
	ReasonHumanReview  = "human_review"
)

// Resume payload keys.
const (
	// KeyApproved answers a cost approval (bool) or a human review (false rejects).
	KeyApproved = "approved"
	// KeyGuidance is handed to the planner after an escalation.
	KeyGuidance = "guidance"
	// KeyReview is the result of a human review action.
	KeyReview = "review"
)

const stateKey = "plan"

// LoopStats tracks loop activity.
type LoopStats struct {
	Runs        int64 `json:"runs"`
	Plans       int64 `json:"plans"`
	Replans     int64 `json:"replans"`
	Escalations int64 `json:"escalations"`
	Downgrades  int64 `json:"downgrades"`
	ActionsRun  int64 `json:"actions_run"`
	SubPlans    int64 `json:"sub_plans"`
}

// Loop is the tier C planner. It owns one immutable graph and runs any
// number of plans on the engine it was given.
type Loop struct {
	engine    *workflow.Engine
	analyzer  Analyzer
	planner   Planner
	reflector Reflector
	executor  Executor
	cfg       config.PlanningConfig
	audit     *audit.Recorder
	log       zerolog.Logger
	now       func() time.Time
	ceiling   int
	graph     *workflow.Graph

	mu    sync.Mutex
	stats LoopStats

	poolMu sync.Mutex
	pools  map[string]*CostPool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithAudit records reflections, replans, escalations and downgrades.
func WithAudit(r *audit.Recorder) LoopOption {
	return func(l *Loop) { l.audit = r }
}

// WithLogger overrides the component logger.
func WithLogger(lg zerolog.Logger) LoopOption {
	return func(l *Loop) { l.log = lg }
}

// WithClock replaces time.Now for the wall-clock cap.
func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) { l.now = now }
}

// WithProviderCeiling clamps action parallelism to the dispatcher's
// per-provider concurrency limit.
func WithProviderCeiling(n int) LoopOption {
	return func(l *Loop) { l.ceiling = n }
}

// NewLoop creates a planning loop.
func NewLoop(engine *workflow.Engine, a Analyzer, p Planner, r Reflector, x Executor, cfg config.PlanningConfig, opts ...LoopOption) *Loop {
	l := &Loop{
		engine:    engine,
		analyzer:  a,
		planner:   p,
		reflector: r,
		executor:  x,
		cfg:       cfg,
		log:       logging.Component("planning"),
		now:       time.Now,
		pools:     make(map[string]*CostPool),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.graph = workflow.NewGraph(GraphID).
		SetTier(types.TierC).
		AddNode(NodeAnalyze, l.stage(NodeAnalyze, l.analyze), NodePlan).
		AddNode(NodePlan, l.stage(NodePlan, l.plan), NodeExecute).
		AddNode(NodeExecute, l.stage(NodeExecute, l.execute), NodeExecute, NodeReflect).
		AddNode(NodeReflect, l.stage(NodeReflect, l.reflect), NodePlan, NodeEscalate).
		AddNode(NodeEscalate, l.stage(NodeEscalate, l.escalate), NodePlan)
	return l
}

// Graph returns the loop graph.
func (l *Loop) Graph() *workflow.Graph { return l.graph }

// Stats returns a snapshot of loop counters.
func (l *Loop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Loop) bump(fn func(*LoopStats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUN / RESUME
// ═══════════════════════════════════════════════════════════════════════════════

// RunOptions carries per-command settings into a new plan.
type RunOptions struct {
	Context      string
	CostApproved bool
	// Budget overrides the configured depth and cost budget.
	Budget *Budget
	// Seed is copied into the thread's workflow state next to the plan.
	Seed map[string]any
}

// Outcome pairs the workflow outcome with the decoded plan state.
type Outcome struct {
	Workflow *workflow.Outcome `json:"workflow"`
	Plan     *PlanState        `json:"plan,omitempty"`
}

// Run starts a plan for goal on threadID and drives it until it completes,
// suspends, downgrades or fails.
func (l *Loop) Run(ctx context.Context, threadID, goal string, opts RunOptions) (*Outcome, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, errs.User(errs.WFInvalidCommand, "a plan needs a goal")
	}
	budget := NewBudget(l.cfg.MaxDepth, l.cfg.MaxCost)
	if opts.Budget != nil {
		budget = *opts.Budget
	}
	if budget.Pool == "" {
		budget.Pool = threadID
	}
	ps := PlanState{
		ThreadID:     threadID,
		Goal:         goal,
		Context:      opts.Context,
		StartedAt:    l.now().UTC(),
		Budget:       budget,
		CostApproved: opts.CostApproved,
	}

	l.bump(func(s *LoopStats) { s.Runs++ })
	l.log.Info().Str("thread_id", threadID).Int("depth", budget.Depth).Float64("budget", budget.Cost).Msg("planning started")
	initial := workflow.State{}.Merge(opts.Seed)
	initial[stateKey] = ps
	wf, err := l.engine.Start(ctx, threadID, l.graph, initial)
	return l.outcome(wf, err)
}

// Resume continues a suspended plan with the given payload.
func (l *Loop) Resume(ctx context.Context, threadID string, payload map[string]any) (*Outcome, error) {
	wf, err := l.engine.Resume(ctx, threadID, l.graph, payload)
	return l.outcome(wf, err)
}

// Step runs exactly one loop stage of a running plan.
func (l *Loop) Step(ctx context.Context, threadID string) (*Outcome, error) {
	wf, err := l.engine.Step(ctx, threadID, l.graph)
	return l.outcome(wf, err)
}

func (l *Loop) outcome(wf *workflow.Outcome, err error) (*Outcome, error) {
	if wf == nil {
		return nil, surface(err)
	}
	out := &Outcome{Workflow: wf}
	var ps PlanState
	if derr := wf.State.Decode(stateKey, &ps); derr == nil {
		out.Plan = &ps
		if wf.Status.IsTerminal() && ps.Budget.Pool == ps.ThreadID {
			l.releasePool(ps.Budget.Pool)
		}
	}
	return out, surface(err)
}

// pool returns the cost pool ps draws from. A pool missing from memory (the
// plan was resumed by another process) is rebuilt from the stored balance.
func (l *Loop) pool(ps *PlanState) *CostPool {
	if ps.Budget.Pool == "" {
		ps.Budget.Pool = ps.ThreadID
	}
	l.poolMu.Lock()
	defer l.poolMu.Unlock()
	p, ok := l.pools[ps.Budget.Pool]
	if !ok {
		p = NewCostPool(ps.Budget.Cost)
		l.pools[ps.Budget.Pool] = p
	}
	return p
}

func (l *Loop) releasePool(id string) {
	l.poolMu.Lock()
	delete(l.pools, id)
	l.poolMu.Unlock()
}

// surface returns the planning error inside a node failure, so callers see
// WF_BUDGET_EXHAUSTED rather than the generic WF_NODE_FAILED around it.
func surface(err error) error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		pe, ok := e.(*errs.Error)
		if !ok {
			continue
		}
		switch pe.Code {
		case errs.WFBudgetExhausted, errs.WFEscalationExhausted, errs.WFPlanInvalid:
			return pe
		}
	}
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// STAGES
// ═══════════════════════════════════════════════════════════════════════════════

type stageFunc func(ctx context.Context, ps *PlanState, input workflow.State) (workflow.Result, error)

// stage decodes the plan state, applies the wall-clock cap and stores the
// updated plan back into the result. Resume payload keys are dropped once a
// stage has seen them.
func (l *Loop) stage(name string, fn stageFunc) workflow.NodeFunc {
	return func(ctx context.Context, s workflow.State) (workflow.Result, error) {
		var ps PlanState
		if err := s.Decode(stateKey, &ps); err != nil {
			return workflow.Result{}, errs.System(errs.WFCorruptState, "workflow state could not be read", err)
		}

		var (
			res workflow.Result
			err error
		)
		if l.overCap(&ps) {
			res = l.downgrade(ctx, &ps, name)
		} else {
			res, err = fn(ctx, &ps, s)
			if err != nil {
				return workflow.Result{}, err
			}
		}
		ps.Budget.Cost = l.pool(&ps).Remaining()

		out := s.Clone()
		delete(out, KeyApproved)
		delete(out, KeyGuidance)
		delete(out, KeyReview)
		out[stateKey] = ps
		res.State = out
		return res, nil
	}
}

func (l *Loop) overCap(ps *PlanState) bool {
	if l.cfg.WallClockCap <= 0 || ps.StartedAt.IsZero() || ps.Phase() == nil {
		return false
	}
	return l.now().Sub(ps.StartedAt) > l.cfg.WallClockCap
}

// downgrade abandons the plan and leaves a single action that finishes the
// in-progress phase.
func (l *Loop) downgrade(ctx context.Context, ps *PlanState, node string) workflow.Result {
	phase := ps.Phase()
	elapsed := l.now().Sub(ps.StartedAt)

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nComplete the phase %q in a single response.\n", ps.Goal, phase.Name)
	if phase.SuccessCriteria != "" {
		fmt.Fprintf(&b, "Success criteria: %s\n", phase.SuccessCriteria)
	}
	if len(ps.Gaps) > 0 {
		fmt.Fprintf(&b, "Known gaps: %s\n", strings.Join(ps.Gaps, "; "))
	}

	ps.Downgrade = &Downgrade{
		Phase: phase.Name,
		Action: Action{
			ID:          "downgrade",
			Kind:        ActionLLMCall,
			Description: "finish " + phase.Name + " after the plan ran out of time",
			Inputs:      map[string]any{"prompt": b.String()},
		},
		Reason: fmt.Sprintf("wall-clock cap %s exceeded after %s", l.cfg.WallClockCap, elapsed.Round(time.Second)),
	}
	phase.Status = PhaseAbandoned
	ps.Pending = ""

	l.bump(func(s *LoopStats) { s.Downgrades++ })
	l.log.Warn().Str("thread_id", ps.ThreadID).Str("phase", phase.Name).Str("node", node).Dur("elapsed", elapsed).Msg("plan downgraded")
	l.audit.Record(ctx, audit.Entry{Type: bus.EventPlanDowngraded, ThreadID: ps.ThreadID, Payload: map[string]any{
		"phase":   phase.Name,
		"node":    node,
		"elapsed": elapsed.String(),
		"cap":     l.cfg.WallClockCap.String(),
	}})
	return workflow.Done(nil)
}

func (l *Loop) analyze(ctx context.Context, ps *PlanState, _ workflow.State) (workflow.Result, error) {
	if len(ps.Phases) > 0 {
		return workflow.Continue(NodePlan, nil), nil
	}
	phases, err := l.analyzer.Analyze(ctx, AnalyzeRequest{
		ThreadID:  ps.ThreadID,
		Goal:      ps.Goal,
		Context:   ps.Context,
		MinPhases: l.cfg.MinPhases,
		MaxPhases: l.cfg.MaxPhases,
	})
	if err != nil {
		return workflow.Result{}, fmt.Errorf("analyze: %w", err)
	}
	ordered, err := orderPhases(phases, l.cfg.MinPhases, l.cfg.MaxPhases)
	if err != nil {
		return workflow.Result{}, err
	}
	ps.Phases = ordered
	ps.CurrentPhase = 0

	l.log.Info().Str("thread_id", ps.ThreadID).Int("phases", len(ordered)).Msg("goal analyzed")
	return workflow.Continue(NodePlan, nil), nil
}

func (l *Loop) plan(ctx context.Context, ps *PlanState, input workflow.State) (workflow.Result, error) {
	phase := ps.Phase()
	if phase == nil {
		return workflow.Done(nil), nil
	}
	if g := input.GetString(KeyGuidance); g != "" {
		ps.Guidance = g
	}

	actions, err := l.planner.Plan(ctx, PlanRequest{
		ThreadID:   ps.ThreadID,
		Goal:       ps.Goal,
		Phase:      *phase,
		Completed:  append([]Phase(nil), ps.Phases[:ps.CurrentPhase]...),
		Gaps:       ps.Gaps,
		Guidance:   ps.Guidance,
		Attempt:    phase.Plans + 1,
		MinActions: l.cfg.MinActions,
		MaxActions: l.cfg.MaxActions,
	})
	if err != nil {
		return workflow.Result{}, fmt.Errorf("plan %s: %w", phase.Name, err)
	}
	valid, err := validateActions(actions, l.cfg.MinActions, l.cfg.MaxActions)
	if err != nil {
		return workflow.Result{}, err
	}

	phase.Actions = valid
	phase.Status = PhaseActive
	phase.Plans++
	ps.ActionsSinceCheckpoint = 0
	ps.Pending = ""

	l.bump(func(s *LoopStats) { s.Plans++ })
	l.log.Info().Str("thread_id", ps.ThreadID).Str("phase", phase.Name).Int("attempt", phase.Plans).Int("actions", len(valid)).Msg("phase planned")
	return workflow.Continue(NodeExecute, nil), nil
}

func (l *Loop) reflect(ctx context.Context, ps *PlanState, _ workflow.State) (workflow.Result, error) {
	phase := ps.Phase()
	if phase == nil {
		return workflow.Done(nil), nil
	}
	r, err := l.reflector.Reflect(ctx, ReflectRequest{
		ThreadID: ps.ThreadID,
		Goal:     ps.Goal,
		Phase:    *phase,
		Attempt:  phase.Plans,
	})
	if err != nil {
		return workflow.Result{}, fmt.Errorf("reflect %s: %w", phase.Name, err)
	}
	switch r.Verdict {
	case VerdictProceed, VerdictReplan, VerdictEscalate:
	default:
		return workflow.Result{}, planInvalid("reflection on %q returned verdict %q", phase.Name, r.Verdict)
	}

	ev := Evaluation{Phase: phase.Name, Plan: phase.Plans, Verdict: r.Verdict, Gaps: r.Gaps, At: l.now().UTC()}
	ps.EvaluationHistory = append(ps.EvaluationHistory, ev)
	ps.ActionsSinceCheckpoint = 0
	l.audit.Record(ctx, audit.Entry{Type: bus.EventPlanReflection, ThreadID: ps.ThreadID, Payload: ev})

	if r.Verdict == VerdictProceed {
		phase.Status = PhaseDone
		ps.CurrentPhase++
		ps.ReplansThisPhase = 0
		ps.EscalationRetryUsed = false
		ps.Gaps = nil
		ps.Guidance = ""
		if ps.Phase() == nil {
			l.log.Info().Str("thread_id", ps.ThreadID).Float64("spent", ps.Spent).Msg("plan complete")
			return workflow.Done(nil), nil
		}
		return workflow.Continue(NodePlan, nil), nil
	}

	if ps.EscalationRetryUsed {
		return workflow.Result{}, errs.System(errs.WFEscalationExhausted, "the plan could not be completed after escalation",
			fmt.Errorf("phase %q: verdict %s after the escalation retry", phase.Name, r.Verdict))
	}
	ps.Gaps = r.Gaps
	if r.Verdict == VerdictEscalate || ps.ReplansThisPhase >= l.cfg.MaxReplans {
		return workflow.Continue(NodeEscalate, nil), nil
	}

	ps.ReplansThisPhase++
	l.bump(func(s *LoopStats) { s.Replans++ })
	l.log.Info().Str("thread_id", ps.ThreadID).Str("phase", phase.Name).Int("replan", ps.ReplansThisPhase).Strs("gaps", r.Gaps).Msg("replanning phase")
	l.audit.Record(ctx, audit.Entry{Type: bus.EventPlanReplan, ThreadID: ps.ThreadID, Payload: map[string]any{
		"phase":  phase.Name,
		"replan": ps.ReplansThisPhase,
		"gaps":   r.Gaps,
	}})
	return workflow.Continue(NodePlan, nil), nil
}

func (l *Loop) escalate(ctx context.Context, ps *PlanState, _ workflow.State) (workflow.Result, error) {
	phase := ps.Phase()
	if phase == nil {
		return workflow.Done(nil), nil
	}
	ps.EscalationRetryUsed = true
	gaps := append([]string{}, ps.Gaps...)

	l.bump(func(s *LoopStats) { s.Escalations++ })
	l.log.Warn().Str("thread_id", ps.ThreadID).Str("phase", phase.Name).Strs("gaps", gaps).Msg("plan escalated")
	l.audit.Record(ctx, audit.Entry{Type: bus.EventPlanEscalated, ThreadID: ps.ThreadID, Payload: map[string]any{
		"phase": phase.Name,
		"gaps":  gaps,
	}})
	return workflow.Suspend(ReasonEscalation, NodePlan, nil, map[string]any{
		"phase": phase.Name,
		"gaps":  gaps,
	}), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTE
// ═══════════════════════════════════════════════════════════════════════════════

type actionOutcome struct {
	res       ActionResult
	err       error
	budgetErr error
	dur       time.Duration
	skipped   bool
}

// execute runs up to CheckpointEvery actions in dependency levels, then
// continues to itself or to reflect. Actions needing input suspend the node.
func (l *Loop) execute(ctx context.Context, ps *PlanState, input workflow.State) (workflow.Result, error) {
	phase := ps.Phase()
	if phase == nil {
		return workflow.Result{}, errs.System(errs.WFCorruptState, "workflow state could not be read",
			fmt.Errorf("execute with no phase in progress"))
	}
	if ps.Pending != "" {
		if res, waiting := l.consumePending(ps, phase, input); waiting {
			return res, nil
		}
	}

	levels, err := actionLevels(phase.Actions)
	if err != nil {
		return workflow.Result{}, err
	}
	limit := l.cfg.CheckpointEvery
	if limit <= 0 {
		limit = len(phase.Actions)
	}

	processed := 0
	for _, level := range levels {
		var batch []int
		gated, full := false, false
		for _, i := range level {
			a := &phase.Actions[i]
			if a.Done {
				continue
			}
			if processed+len(batch) >= limit {
				full = true
				break
			}
			if l.needsInput(ps, a) {
				if processed == 0 && len(batch) == 0 {
					return l.suspendFor(ps, a), nil
				}
				gated = true
				break
			}
			batch = append(batch, i)
		}

		if len(batch) > 0 {
			if err := l.runBatch(ctx, ps, phase, batch); err != nil {
				return workflow.Result{}, err
			}
			processed += len(batch)
		}
		if gated || full || !levelDone(phase, level) {
			break
		}
	}
	ps.ActionsSinceCheckpoint = processed

	if phaseDone(phase) {
		return workflow.Continue(NodeReflect, nil), nil
	}
	return workflow.Continue(NodeExecute, nil), nil
}

func (l *Loop) needsInput(ps *PlanState, a *Action) bool {
	if a.Kind == ActionHumanReview {
		return true
	}
	return l.cfg.CostCeiling > 0 && a.EstimatedCost > l.cfg.CostCeiling && !ps.CostApproved && !ps.approved(a.ID)
}

func (l *Loop) suspendFor(ps *PlanState, a *Action) workflow.Result {
	ps.Pending = a.ID
	if a.Kind == ActionHumanReview {
		l.log.Info().Str("thread_id", ps.ThreadID).Str("action", a.ID).Msg("waiting for human review")
		return workflow.Suspend(ReasonHumanReview, NodeExecute, nil, map[string]any{
			"action_id":   a.ID,
			"description": a.Description,
			"inputs":      a.Inputs,
		})
	}
	l.log.Info().Str("thread_id", ps.ThreadID).Str("action", a.ID).Float64("estimated_cost", a.EstimatedCost).Msg("waiting for cost approval")
	return workflow.Suspend(ReasonCostApproval, NodeExecute, nil, map[string]any{
		"estimated_cost": a.EstimatedCost,
		"action_id":      a.ID,
		"ceiling":        l.cfg.CostCeiling,
	})
}

// consumePending applies the resume payload to the action that suspended the
// node. It reports true when the payload does not answer it.
func (l *Loop) consumePending(ps *PlanState, phase *Phase, input workflow.State) (workflow.Result, bool) {
	var a *Action
	for i := range phase.Actions {
		if phase.Actions[i].ID == ps.Pending {
			a = &phase.Actions[i]
			break
		}
	}
	if a == nil {
		ps.Pending = ""
		return workflow.Result{}, false
	}

	approved, hasApproval := input[KeyApproved].(bool)
	if a.Kind == ActionHumanReview {
		review, hasReview := input[KeyReview]
		switch {
		case hasApproval && !approved:
			a.Error = "rejected by reviewer"
		case hasReview:
			a.Result = review
		case hasApproval:
			a.Result = "approved"
		default:
			return l.suspendFor(ps, a), true
		}
		a.Done = true
		ps.Pending = ""
		return workflow.Result{}, false
	}

	if !hasApproval {
		return l.suspendFor(ps, a), true
	}
	if approved {
		ps.Approved = append(ps.Approved, a.ID)
	} else {
		a.Done = true
		a.Error = "cost not approved"
	}
	ps.Pending = ""
	return workflow.Result{}, false
}

func (l *Loop) concurrency() int {
	n := l.cfg.MaxConcurrency
	if l.ceiling > 0 && (n <= 0 || n > l.ceiling) {
		n = l.ceiling
	}
	if n <= 0 {
		n = 1
	}
	return n
}

// runBatch executes independent actions in parallel and applies their results
// in plan order. Every action reserves its estimate from the shared pool
// before it runs; an action the pool cannot cover does not run. Action
// failures are recorded on the action; only cancellation and budget
// exhaustion fail the node.
func (l *Loop) runBatch(ctx context.Context, ps *PlanState, phase *Phase, batch []int) error {
	sem := semaphore.NewWeighted(int64(l.concurrency()))
	pool := l.pool(ps)
	results := make([]actionOutcome, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	for j, i := range batch {
		child := fmt.Sprintf("%s/p%d.%d/%s", ps.ThreadID, ps.CurrentPhase+1, phase.Plans, phase.Actions[i].ID)
		req := ActionRequest{
			ThreadID:    ps.ThreadID,
			Goal:        ps.Goal,
			Action:      phase.Actions[i],
			Budget:      ps.Budget,
			ChildThread: child,
			Spawn:       l.spawner(ps, pool, child),
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			// Sub-plans reserve for their own actions.
			var reserved float64
			if req.Action.Kind != ActionWorkflow {
				reserved = req.Action.EstimatedCost
			}
			if err := pool.Reserve(reserved); err != nil {
				results[j] = actionOutcome{err: err, skipped: true}
				return nil
			}

			start := l.now()
			res, err := l.executor.Execute(gctx, req)
			charge := max(res.Cost-pool.ChargedUnder(child), 0)
			serr := pool.Settle(ps.ThreadID, reserved, charge)
			results[j] = actionOutcome{res: res, err: err, budgetErr: serr, dur: l.now().Sub(start)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var exhausted error
	for j, i := range batch {
		a := &phase.Actions[i]
		o := results[j]
		if o.skipped {
			exhausted = cmp.Or(exhausted, o.err)
			continue
		}
		a.Done = true
		a.Duration = o.dur
		a.Cost = o.res.Cost
		ps.Spent += a.Cost
		switch {
		case errs.Is(o.err, errs.WFBudgetExhausted):
			a.Error = o.err.Error()
			exhausted = cmp.Or(exhausted, o.err)
		case o.err != nil:
			a.Error = o.err.Error()
			l.log.Warn().Err(o.err).Str("thread_id", ps.ThreadID).Str("action", a.ID).Msg("action failed")
		default:
			a.Result = o.res.Result
		}
		if o.budgetErr != nil {
			exhausted = cmp.Or(exhausted, o.budgetErr)
		}
	}
	l.bump(func(s *LoopStats) { s.ActionsRun += int64(len(batch)) })
	if exhausted != nil {
		l.log.Warn().Str("thread_id", ps.ThreadID).Float64("spent", ps.Spent).Float64("pool_charged", pool.Charged()).Msg("plan budget exhausted")
		return exhausted
	}
	return nil
}

// spawner returns the sub-plan launcher for an action, or nil when the
// budget has no depth left. Sub-plans draw from pool; an empty pool refuses
// to start one. A sub-plan that already completed (the parent node is being
// retried) returns its recorded state.
func (l *Loop) spawner(ps *PlanState, pool *CostPool, thread string) func(ctx context.Context, goal string) (*PlanState, error) {
	child, err := ps.Budget.Descend()
	if err != nil {
		return nil
	}
	approved := ps.CostApproved

	return func(ctx context.Context, goal string) (*PlanState, error) {
		if err := pool.Reserve(0); err != nil {
			return nil, err
		}
		child.Cost = pool.Remaining()
		l.bump(func(s *LoopStats) { s.SubPlans++ })
		out, err := l.Run(ctx, thread, goal, RunOptions{CostApproved: approved, Budget: &child})
		if err != nil {
			if out == nil {
				return nil, fmt.Errorf("sub-plan %s: %w", thread, err)
			}
			if errs.Is(err, errs.WFTerminal) && out.Plan != nil && out.Workflow.Status == store.StatusCompleted {
				return out.Plan, nil
			}
			return out.Plan, fmt.Errorf("sub-plan %s: %w", thread, err)
		}
		if out.Workflow.Status != store.StatusCompleted {
			return out.Plan, fmt.Errorf("sub-plan %s stopped: %s", thread, out.Workflow.Reason)
		}
		if out.Plan != nil && out.Plan.Downgrade != nil {
			return out.Plan, fmt.Errorf("sub-plan %s abandoned: %s", thread, out.Plan.Downgrade.Reason)
		}
		return out.Plan, nil
	}
}

func levelDone(phase *Phase, level []int) bool {
	for _, i := range level {
		if !phase.Actions[i].Done {
			return false
		}
	}
	return true
}

func phaseDone(phase *Phase) bool {
	for _, a := range phase.Actions {
		if !a.Done {
			return false
		}
	}
	return true
}
