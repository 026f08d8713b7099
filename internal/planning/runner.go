package planning

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/tools"
	"github.com/normanking/conductor/internal/workflow"
	"github.com/normanking/conductor/pkg/types"
)

// ToolInvoker runs registered tools. *tools.Registry implements it.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, inputs map[string]any) (*tools.Outcome, error)
}

// WorkflowLauncher runs a named catalog workflow on threadID to completion.
type WorkflowLauncher func(ctx context.Context, threadID, name string, inputs map[string]any) (*workflow.Outcome, error)

// ActionRunner is the default Executor. It dispatches llm_call actions to the
// providers, tool_call actions to the tool registry, and workflow actions to
// a sub-plan or a catalog workflow.
type ActionRunner struct {
	llm    Dispatcher
	tools  ToolInvoker
	launch WorkflowLauncher
	tier   types.Tier
	log    zerolog.Logger
}

// RunnerOption configures an ActionRunner.
type RunnerOption func(*ActionRunner)

// WithLauncher enables workflow actions that name a catalog workflow.
func WithLauncher(fn WorkflowLauncher) RunnerOption {
	return func(r *ActionRunner) { r.launch = fn }
}

// WithActionTier sets the provider tier for llm_call actions (default C).
func WithActionTier(t types.Tier) RunnerOption {
	return func(r *ActionRunner) { r.tier = t }
}

// NewActionRunner creates a runner. Either dependency may be nil, in which
// case actions of that kind fail.
func NewActionRunner(d Dispatcher, t ToolInvoker, opts ...RunnerOption) *ActionRunner {
	r := &ActionRunner{
		llm:   d,
		tools: t,
		tier:  types.TierC,
		log:   logging.Component("planning.runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute implements Executor.
func (r *ActionRunner) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	a := req.Action
	r.log.Debug().Str("thread_id", req.ThreadID).Str("action", a.ID).Str("kind", string(a.Kind)).Msg("running action")

	switch a.Kind {
	case ActionLLMCall:
		return r.callLLM(ctx, req)
	case ActionToolCall:
		return r.callTool(ctx, a)
	case ActionWorkflow:
		if goal, _ := a.Inputs["goal"].(string); goal != "" {
			return r.spawn(ctx, req, goal)
		}
		if name, _ := a.Inputs["workflow"].(string); name != "" {
			return r.launchWorkflow(ctx, req, name)
		}
		return ActionResult{}, errs.User(errs.WFInvalidCommand,
			fmt.Sprintf("workflow action %s needs a goal or a workflow name", a.ID))
	default:
		return ActionResult{}, errs.System(errs.WFInvalidCommand, "the plan contained an action that cannot run",
			fmt.Errorf("action %s of kind %q is not executable", a.ID, a.Kind))
	}
}

func (r *ActionRunner) callLLM(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if r.llm == nil {
		return ActionResult{}, errs.System(errs.LLMNoCandidates, "no language model is configured", fmt.Errorf("runner has no dispatcher"))
	}
	a := req.Action
	prompt, _ := a.Inputs["prompt"].(string)
	if prompt == "" {
		prompt = a.Description
	}
	system, _ := a.Inputs["system"].(string)
	if system == "" {
		system = "You are carrying out one step of a larger plan. Goal: " + req.Goal
	}

	call := llm.UserRequest(system, prompt)
	call.ThreadID = req.ThreadID
	call.Purpose = "plan.action." + a.ID
	res, err := r.llm.CallTier(ctx, call, r.tier)
	if err != nil {
		return ActionResult{}, err
	}
	var content string
	if res.Response != nil {
		content = res.Response.Content
	}
	return ActionResult{Result: content, Cost: res.Cost}, nil
}

func (r *ActionRunner) callTool(ctx context.Context, a Action) (ActionResult, error) {
	if r.tools == nil {
		return ActionResult{}, errs.User(errs.TOOLNotFound, "no tools are available")
	}
	name, _ := a.Inputs["tool"].(string)
	args, _ := a.Inputs["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	out, err := r.tools.Invoke(ctx, name, args)
	if err != nil {
		var cost float64
		if out != nil {
			cost = out.Cost
		}
		return ActionResult{Cost: cost}, err
	}
	return ActionResult{Result: out.Result, Cost: out.Cost}, nil
}

func (r *ActionRunner) spawn(ctx context.Context, req ActionRequest, goal string) (ActionResult, error) {
	if req.Spawn == nil {
		return ActionResult{}, errs.User(errs.WFBudgetExhausted, "the plan may not spawn further sub-plans")
	}
	child, err := req.Spawn(ctx, goal)
	var res ActionResult
	if child != nil {
		res.Cost = child.Spent
		res.Result = map[string]any{
			"thread_id": child.ThreadID,
			"phases":    len(child.Phases),
			"actions":   child.ActionsDone(),
			"spent":     child.Spent,
		}
	}
	return res, err
}

func (r *ActionRunner) launchWorkflow(ctx context.Context, req ActionRequest, name string) (ActionResult, error) {
	if r.launch == nil {
		return ActionResult{}, errs.User(errs.WFInvalidCommand, "catalog workflows are not available to plans")
	}
	inputs, _ := req.Action.Inputs["inputs"].(map[string]any)
	thread := req.ChildThread
	if thread == "" {
		thread = req.ThreadID + "/" + req.Action.ID
	}
	out, err := r.launch(ctx, thread, name, inputs)
	if err != nil {
		return ActionResult{}, err
	}
	if out.Status != store.StatusCompleted {
		return ActionResult{}, fmt.Errorf("workflow %s stopped with status %s (%s)", name, out.Status, out.Reason)
	}
	if v, ok := out.State["result"]; ok {
		return ActionResult{Result: v}, nil
	}
	return ActionResult{Result: map[string]any(out.State)}, nil
}
