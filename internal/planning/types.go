// Package planning runs the tier C loop: analyze a goal into phases, plan
// each phase into actions, execute them, reflect on the result, and replan
// or escalate when a phase falls short.
//
// The loop is a workflow graph, so every stage boundary is a checkpoint and a
// plan survives restarts, human approvals and escalations.
package planning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/normanking/conductor/internal/errs"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PLAN STATE
// ═══════════════════════════════════════════════════════════════════════════════

// ActionKind says how an action is executed.
type ActionKind string

const (
	ActionLLMCall     ActionKind = "llm_call"
	ActionToolCall    ActionKind = "tool_call"
	ActionWorkflow    ActionKind = "workflow"
	ActionHumanReview ActionKind = "human_review"
)

// IsValid reports whether k is a known kind.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionLLMCall, ActionToolCall, ActionWorkflow, ActionHumanReview:
		return true
	}
	return false
}

// PhaseStatus tracks a phase through the loop.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseDone      PhaseStatus = "done"
	PhaseAbandoned PhaseStatus = "abandoned"
)

// Action is one unit of work in a phase.
type Action struct {
	ID                string         `json:"id"`
	Kind              ActionKind     `json:"kind"`
	Description       string         `json:"description,omitempty"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	EstimatedCost     float64        `json:"estimated_cost"`
	EstimatedDuration time.Duration  `json:"estimated_duration"`

	Result   any           `json:"result,omitempty"`
	Cost     float64       `json:"cost"`
	Duration time.Duration `json:"duration"`
	Done     bool          `json:"done"`
	Error    string        `json:"error,omitempty"`
}

// Phase is a stage of the goal with its own success criteria.
type Phase struct {
	Name            string      `json:"name"`
	SuccessCriteria string      `json:"success_criteria"`
	DependsOn       []string    `json:"depends_on,omitempty"`
	Actions         []Action    `json:"actions,omitempty"`
	Status          PhaseStatus `json:"status"`
	// Plans counts plans made for this phase, including replans.
	Plans int `json:"plans"`
}

// Verdict is the reflector's judgement on a phase.
type Verdict string

const (
	VerdictProceed  Verdict = "proceed"
	VerdictReplan   Verdict = "replan"
	VerdictEscalate Verdict = "escalate"
)

// Evaluation is one reflection, kept in PlanState.EvaluationHistory.
type Evaluation struct {
	Phase   string    `json:"phase"`
	Plan    int       `json:"plan"`
	Verdict Verdict   `json:"verdict"`
	Gaps    []string  `json:"gaps,omitempty"`
	At      time.Time `json:"at"`
}

// Downgrade is set when the wall-clock cap abandons a plan. The single
// action finishes the in-progress phase as a tier B workflow.
type Downgrade struct {
	Phase  string `json:"phase"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// PlanState is the state of one planning instance. It is persisted as the
// workflow state, so every field must survive a JSON round trip.
type PlanState struct {
	ThreadID               string       `json:"thread_id"`
	Goal                   string       `json:"goal"`
	Context                string       `json:"context,omitempty"`
	Phases                 []Phase      `json:"phases"`
	CurrentPhase           int          `json:"current_phase"`
	ReplansThisPhase       int          `json:"replans_this_phase"`
	EscalationRetryUsed    bool         `json:"escalation_retry_used"`
	EvaluationHistory      []Evaluation `json:"evaluation_history,omitempty"`
	ActionsSinceCheckpoint int          `json:"actions_since_checkpoint"`
	StartedAt              time.Time    `json:"started_at"`

	Budget Budget `json:"budget"`
	// Spent is everything charged to Budget, including discarded plans.
	Spent        float64  `json:"spent"`
	CostApproved bool     `json:"cost_approved"`
	Approved     []string `json:"approved,omitempty"`
	// Pending is the action awaiting approval or review, if any.
	Pending   string     `json:"pending,omitempty"`
	Gaps      []string   `json:"gaps,omitempty"`
	Guidance  string     `json:"guidance,omitempty"`
	Downgrade *Downgrade `json:"downgrade,omitempty"`
}

// Phase returns the in-progress phase, or nil when all are done.
func (s *PlanState) Phase() *Phase {
	if s.CurrentPhase < 0 || s.CurrentPhase >= len(s.Phases) {
		return nil
	}
	return &s.Phases[s.CurrentPhase]
}

// TotalCost sums the cost of every executed action.
func (s *PlanState) TotalCost() float64 {
	var total float64
	for _, p := range s.Phases {
		for _, a := range p.Actions {
			total += a.Cost
		}
	}
	return total
}

// ActionsDone counts executed actions across phases.
func (s *PlanState) ActionsDone() int {
	n := 0
	for _, p := range s.Phases {
		for _, a := range p.Actions {
			if a.Done {
				n++
			}
		}
	}
	return n
}

func (s *PlanState) approved(actionID string) bool {
	for _, id := range s.Approved {
		if id == actionID {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUDGET
// ═══════════════════════════════════════════════════════════════════════════════

// Budget bounds recursion depth and total spend. Depth is copied per level.
// Cost is drawn from the CostPool named by Pool, which the whole plan tree
// shares; the Cost field is the pool balance as of the plan's last stage.
type Budget struct {
	Depth int     `json:"depth"`
	Cost  float64 `json:"cost"`
	Pool  string  `json:"pool,omitempty"`
}

// NewBudget creates a budget.
func NewBudget(depth int, cost float64) Budget {
	return Budget{Depth: depth, Cost: cost}
}

// Descend returns the budget for a sub-plan one level down. It draws from the
// same pool as its parent.
func (b Budget) Descend() (Budget, error) {
	if b.Depth <= 0 {
		return Budget{}, errs.User(errs.WFBudgetExhausted, "the plan may not spawn further sub-plans")
	}
	return Budget{Depth: b.Depth - 1, Cost: b.Cost, Pool: b.Pool}, nil
}

const costEpsilon = 1e-9

func budgetExhausted(needed float64) error {
	return errs.User(errs.WFBudgetExhausted, fmt.Sprintf("the plan exceeded its cost budget (needed %.4f more)", needed))
}

// CostPool is the spendable balance of one plan tree. Actions reserve their
// estimate before they run and settle the actual cost afterwards. Charges are
// kept per plan thread so a parent can tell what its sub-plans already paid.
type CostPool struct {
	mu        sync.Mutex
	remaining float64
	charged   float64
	byThread  map[string]float64
}

// NewCostPool creates a pool holding total.
func NewCostPool(total float64) *CostPool {
	return &CostPool{remaining: total, byThread: make(map[string]float64)}
}

// Reserve sets cost aside for an action about to run. An empty pool refuses
// every reservation, including free ones.
func (p *CostPool) Reserve(cost float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remaining <= costEpsilon {
		return budgetExhausted(max(cost, 0))
	}
	if cost <= 0 {
		return nil
	}
	if cost > p.remaining+costEpsilon {
		return budgetExhausted(cost - p.remaining)
	}
	p.remaining -= cost
	return nil
}

// Settle returns a reservation and charges what the action actually cost to
// thread. A cost above the balance empties the pool and exhausts it.
func (p *CostPool) Settle(thread string, reserved, actual float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remaining += max(reserved, 0)
	if actual <= 0 {
		return nil
	}
	p.charged += actual
	p.byThread[thread] += actual
	if actual > p.remaining+costEpsilon {
		short := actual - p.remaining
		p.remaining = 0
		return budgetExhausted(short)
	}
	p.remaining -= actual
	return nil
}

// Remaining returns the unreserved balance.
func (p *CostPool) Remaining() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return max(p.remaining, 0)
}

// Charged returns everything settled against the pool.
func (p *CostPool) Charged() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charged
}

// ChargedUnder returns what thread and its sub-plan threads were charged.
func (p *CostPool) ChargedUnder(thread string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.byThread[thread]
	prefix := thread + "/"
	for t, c := range p.byThread {
		if strings.HasPrefix(t, prefix) {
			total += c
		}
	}
	return total
}

// ═══════════════════════════════════════════════════════════════════════════════
// STAGES
// ═══════════════════════════════════════════════════════════════════════════════

// AnalyzeRequest asks for a phase decomposition.
type AnalyzeRequest struct {
	ThreadID  string
	Goal      string
	Context   string
	MinPhases int
	MaxPhases int
}

// PlanRequest asks for the actions of one phase.
type PlanRequest struct {
	ThreadID   string
	Goal       string
	Phase      Phase
	Completed  []Phase
	Gaps       []string
	Guidance   string
	Attempt    int
	MinActions int
	MaxActions int
}

// ReflectRequest asks for a verdict on an executed phase.
type ReflectRequest struct {
	ThreadID string
	Goal     string
	Phase    Phase
	Attempt  int
}

// Reflection is the reflector's answer.
type Reflection struct {
	Verdict Verdict
	Gaps    []string
}

// Analyzer decomposes a goal into phases.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) ([]Phase, error)
}

// Planner produces the actions for a phase.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) ([]Action, error)
}

// Reflector judges an executed phase.
type Reflector interface {
	Reflect(ctx context.Context, req ReflectRequest) (Reflection, error)
}

// ActionRequest is one action handed to an Executor.
type ActionRequest struct {
	ThreadID string
	Goal     string
	Action   Action
	Budget   Budget
	// ChildThread is the thread id reserved for a workflow this action
	// starts. It is unique per phase, plan attempt and action.
	ChildThread string
	// Spawn runs a sub-plan for goal under a child thread and returns its
	// final state. It is nil when the budget does not allow descending.
	Spawn func(ctx context.Context, goal string) (*PlanState, error)
}

// ActionResult is what an executed action produced.
type ActionResult struct {
	Result any
	// Cost is what the action spent. It may include the sub-plans it ran;
	// the loop only charges the part they did not already draw.
	Cost float64
}

// Executor runs non-interactive actions. It must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, req AnalyzeRequest) ([]Phase, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, req AnalyzeRequest) ([]Phase, error) {
	return f(ctx, req)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req PlanRequest) ([]Action, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) ([]Action, error) {
	return f(ctx, req)
}

// ReflectorFunc adapts a function to Reflector.
type ReflectorFunc func(ctx context.Context, req ReflectRequest) (Reflection, error)

// Reflect calls f.
func (f ReflectorFunc) Reflect(ctx context.Context, req ReflectRequest) (Reflection, error) {
	return f(ctx, req)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ActionRequest) (ActionResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return f(ctx, req)
}
