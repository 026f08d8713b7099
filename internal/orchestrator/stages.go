package orchestrator

import (
	"context"
	"fmt"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/auth"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/memory"
	"github.com/normanking/conductor/internal/planning"
	"github.com/normanking/conductor/internal/response"
	"github.com/normanking/conductor/internal/router"
	"github.com/normanking/conductor/internal/safety"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/workflow"
	"github.com/normanking/conductor/pkg/types"
)

// Stage is one step of command handling.
type Stage interface {
	// Name returns the stage identifier.
	Name() string

	// Execute runs this stage. An error stops the pipeline.
	Execute(ctx context.Context, st *commandState) error
}

// commandState carries data between stages.
type commandState struct {
	cmd *types.Command

	verdict  safety.Verdict
	decision *router.Decision
	bundle   *memory.Bundle

	// executed is set once a tier has been entered; only then is the
	// outcome written back to memory.
	executed  bool
	work      *response.WorkSection
	inputs    map[string]any
	rationale string
}

func (st *commandState) tier() types.Tier {
	if st.decision == nil {
		return types.TierNone
	}
	return st.decision.Tier
}

// ═══════════════════════════════════════════════════════════════════════════════
// INGRESS STAGES
// ═══════════════════════════════════════════════════════════════════════════════

// validateStage rejects commands missing required fields.
type validateStage struct{}

func (validateStage) Name() string { return "validate" }

func (validateStage) Execute(_ context.Context, st *commandState) error {
	if err := st.cmd.Validate(); err != nil {
		return errs.User(errs.WFInvalidCommand, err.Error())
	}
	return nil
}

// safetyStage screens the payload for prompt injection. It only blocks when
// configured to; otherwise the verdict is logged and audited.
type safetyStage struct {
	s *Service
}

func (safetyStage) Name() string { return "safety" }

func (g safetyStage) Execute(ctx context.Context, st *commandState) error {
	text := st.cmd.Text()
	if text == "" || g.s.detector == nil {
		return nil
	}

	v, err := g.s.detector.DetectInjection(ctx, text)
	if err != nil {
		g.s.log.Warn().Err(err).Str("command_id", st.cmd.ID).Msg("injection screening failed")
		return nil // Non-fatal
	}
	st.verdict = v
	if !v.Suspicious() {
		return nil
	}

	g.s.log.Warn().
		Str("command_id", st.cmd.ID).
		Float64("confidence", v.Confidence).
		Strs("matches", v.Matches).
		Msg("possible prompt injection")
	g.s.audit.Record(ctx, audit.Entry{
		Type:      bus.EventInjectionSignal,
		ThreadID:  st.cmd.ThreadID,
		CommandID: st.cmd.ID,
		Payload:   map[string]any{"confidence": v.Confidence, "matches": v.Matches},
	})

	if safety.ShouldBlock(v, g.s.cfg.Safety.Block, g.s.cfg.Safety.Threshold) {
		g.s.bump(func(s *Stats) { s.Blocked++ })
		return errs.User(errs.TOOLInjectionBlocked, "the command was rejected by content screening")
	}
	return nil
}

// authStage asks the authorizer once, before routing.
type authStage struct {
	s *Service
}

func (authStage) Name() string { return "auth" }

func (a authStage) Execute(ctx context.Context, st *commandState) error {
	c := st.cmd
	if err := auth.Require(ctx, a.s.authz, c.UserID, c.Role, c.Type, c.ResourceID); err != nil {
		if errs.IsUser(err) {
			a.s.bump(func(s *Stats) { s.Denied++ })
		}
		return err
	}
	return nil
}

// routeStage picks the tier.
type routeStage struct {
	s *Service
}

func (routeStage) Name() string { return "route" }

func (r routeStage) Execute(ctx context.Context, st *commandState) error {
	d, err := r.s.router.Route(ctx, st.cmd)
	if err != nil {
		return err
	}
	st.decision = d
	st.rationale = rationale(d)
	return nil
}

func rationale(d *router.Decision) string {
	s := fmt.Sprintf("score %.2f selected tier %s (%s)", d.Score, d.Tier, d.Reason)
	if d.Keyword != "" {
		s += fmt.Sprintf(", keyword %q", d.Keyword)
	}
	if d.Reason == router.ReasonCeilingCapped {
		s += fmt.Sprintf(", capped at role ceiling %s", d.Ceiling)
	}
	return s
}

// memoryReadStage loads memory for tiers B and C.
type memoryReadStage struct {
	s *Service
}

func (memoryReadStage) Name() string { return "memory" }

func (m memoryReadStage) Execute(ctx context.Context, st *commandState) error {
	if st.tier() == types.TierA {
		return nil
	}
	st.bundle = m.s.memory.read(ctx, st.cmd)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

// executeStage runs the routed tier.
type executeStage struct {
	s *Service
}

func (executeStage) Name() string { return "execute" }

func (x executeStage) Execute(ctx context.Context, st *commandState) error {
	st.executed = true
	x.s.bump(func(s *Stats) { s.TierCounts[st.tier()]++ })

	var err error
	switch st.tier() {
	case types.TierA:
		err = x.direct(ctx, st)
	case types.TierB:
		err = x.workflow(ctx, st)
	case types.TierC:
		err = x.plan(ctx, st)
	default:
		return errs.System(errs.WFInvalidCommand, "the command could not be routed", fmt.Errorf("no tier for %q", st.tier()))
	}
	if st.work != nil && st.decision != nil {
		st.work.Score = st.decision.Score
	}
	return err
}

// direct is tier A: one dispatcher call, no checkpoints, no memory.
func (x executeStage) direct(ctx context.Context, st *commandState) error {
	c := st.cmd
	req := llm.UserRequest(fmt.Sprintf("Answer the %s request directly and concisely.", c.Type), c.Text())
	req.ThreadID = c.ThreadID
	req.CommandID = c.ID
	req.Purpose = "direct." + c.Type

	res, err := x.s.llm.CallTier(ctx, req, types.TierA)
	st.work = response.WorkFromDispatch(c.ThreadID, res)
	return err
}

// workflow is tier B: the catalog graph for the command type.
func (x executeStage) workflow(ctx context.Context, st *commandState) error {
	c := st.cmd
	g := x.s.catalog.lookup(c.Type)
	initial := workflow.State{keyInput: c.Text(), keyThread: c.ThreadID}.Merge(ownerState(c))
	if len(c.Payload) > 0 {
		initial[keyArgs] = c.Payload
	}

	out, err := x.s.engine.Start(ctx, c.ThreadID, g, initial)
	st.work = workFromOutcome(types.TierB, out)
	if out != nil {
		st.inputs = out.InputsNeeded
	}
	return err
}

// plan is tier C: the planning loop, with a downgraded plan finished by the
// generic workflow on a child thread.
func (x executeStage) plan(ctx context.Context, st *commandState) error {
	c := st.cmd
	goal := c.PayloadString("goal")
	if goal == "" {
		goal = c.Text()
	}

	out, err := x.s.loop.Run(ctx, c.ThreadID, goal, planning.RunOptions{
		Context:      planContext(st.bundle),
		CostApproved: c.CostApproved,
		Seed:         ownerState(c),
	})
	st.work, st.inputs = workFromPlan(out)
	if err != nil {
		return err
	}
	note, err := x.s.finishDowngrade(ctx, c.ThreadID, out, st.work)
	if err != nil {
		return err
	}
	if note != "" {
		st.rationale += "; " + note
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOME HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func workFromOutcome(tier types.Tier, out *workflow.Outcome) *response.WorkSection {
	w := response.WorkFromOutcome(tier, out)
	if w == nil {
		return nil
	}
	if cost, ok := out.State[keyCost].(float64); ok {
		w.Cost = cost
	}
	if rej, _ := out.State[keyRejected].(bool); rej {
		w.Reason = "rejected"
	}
	return w
}

func workFromPlan(out *planning.Outcome) (*response.WorkSection, map[string]any) {
	if out == nil || out.Workflow == nil {
		return nil, nil
	}
	w := response.WorkFromOutcome(types.TierC, out.Workflow)
	w.Plan = response.DigestPlan(out.Plan)
	if out.Plan != nil {
		w.Cost = out.Plan.Spent
		if w.Result == nil {
			w.Result = planResult(out.Plan)
		}
	}
	return w, out.Workflow.InputsNeeded
}

// planResult is the result of the last finished action of the last phase
// that produced one.
func planResult(ps *planning.PlanState) any {
	for i := len(ps.Phases) - 1; i >= 0; i-- {
		acts := ps.Phases[i].Actions
		for j := len(acts) - 1; j >= 0; j-- {
			if acts[j].Done && acts[j].Result != nil {
				return acts[j].Result
			}
		}
	}
	return nil
}

// finishDowngrade runs the single action a downgraded plan leaves behind and
// folds its result into w. It returns a note for the rationale.
func (s *Service) finishDowngrade(ctx context.Context, threadID string, out *planning.Outcome, w *response.WorkSection) (string, error) {
	if out == nil || out.Plan == nil || out.Plan.Downgrade == nil || out.Workflow.Status != store.StatusCompleted {
		return "", nil
	}
	dg := out.Plan.Downgrade
	prompt, _ := dg.Action.Inputs["prompt"].(string)

	child := threadID + "/downgrade"
	res, err := s.engine.Start(ctx, child, s.catalog.generic, workflow.State{keyInput: prompt, keyThread: child})
	if err != nil {
		return "", err
	}
	if w != nil {
		w.Result = res.State[keyResult]
		if cost, ok := res.State[keyCost].(float64); ok {
			w.Cost += cost
		}
		w.Reason = "downgraded"
	}
	s.bump(func(st *Stats) { st.Downgrades++ })
	s.log.Info().Str("thread_id", threadID).Str("phase", dg.Phase).Str("child", child).Msg("downgraded plan finished as a single call")
	return "plan downgraded: " + dg.Reason, nil
}
