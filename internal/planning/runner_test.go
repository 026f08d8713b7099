package planning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/tools"
	"github.com/normanking/conductor/internal/workflow"
)

func newTestRunner(t *testing.T, opts ...RunnerOption) *ActionRunner {
	t.Helper()
	d := llm.NewDispatcher(map[string]llm.Provider{"echo": llm.EchoProvider("echo")}, config.LLMConfig{
		Candidates:               map[string][]string{"c": {"echo"}},
		AttemptTimeout:           time.Second,
		MaxConcurrentPerProvider: 2,
	}, llm.WithLogger(logging.Discard()))

	reg := tools.NewRegistry(tools.WithLogger(logging.Discard()))
	require.NoError(t, tools.RegisterBuiltins(reg))
	return NewActionRunner(d, reg, opts...)
}

func TestActionRunner_LLMCall(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Execute(context.Background(), ActionRequest{
		ThreadID: "t1",
		Goal:     "g",
		Action:   Action{ID: "a1", Kind: ActionLLMCall, Inputs: map[string]any{"prompt": "state the thesis"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "state the thesis", res.Result)

	// The description stands in for a missing prompt.
	res, err = r.Execute(context.Background(), ActionRequest{
		Action: Action{ID: "a2", Kind: ActionLLMCall, Description: "list sources"},
	})
	require.NoError(t, err)
	assert.Equal(t, "list sources", res.Result)
}

func TestActionRunner_ToolCall(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	res, err := r.Execute(ctx, ActionRequest{Action: Action{ID: "a1", Kind: ActionToolCall, Inputs: map[string]any{
		"tool": "echo",
		"args": map[string]any{"text": "hello"},
	}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Result)

	_, err = r.Execute(ctx, ActionRequest{Action: Action{ID: "a2", Kind: ActionToolCall, Inputs: map[string]any{"tool": "rm"}}})
	assert.Equal(t, errs.TOOLNotFound, errs.CodeOf(err))

	_, err = r.Execute(ctx, ActionRequest{Action: Action{ID: "a3", Kind: ActionToolCall, Inputs: map[string]any{"tool": "echo"}}})
	assert.Equal(t, errs.TOOLInvalidInput, errs.CodeOf(err))
}

func TestActionRunner_Workflow(t *testing.T) {
	ctx := context.Background()

	var launched string
	launcher := func(_ context.Context, thread, name string, inputs map[string]any) (*workflow.Outcome, error) {
		launched = thread
		if name == "stuck" {
			return &workflow.Outcome{Status: store.StatusSuspended, Reason: "interrupt"}, nil
		}
		return &workflow.Outcome{Status: store.StatusCompleted, State: workflow.State{"result": inputs["text"]}}, nil
	}
	r := newTestRunner(t, WithLauncher(launcher))

	res, err := r.Execute(ctx, ActionRequest{
		ThreadID:    "t1",
		ChildThread: "t1/p1.1/a4",
		Action: Action{ID: "a4", Kind: ActionWorkflow, Inputs: map[string]any{
			"workflow": "GENERATE",
			"inputs":   map[string]any{"text": "draft"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "draft", res.Result)
	assert.Equal(t, "t1/p1.1/a4", launched)

	_, err = r.Execute(ctx, ActionRequest{ThreadID: "t1", Action: Action{ID: "a5", Kind: ActionWorkflow, Inputs: map[string]any{"workflow": "stuck"}}})
	assert.ErrorContains(t, err, "suspended_for_human")
	assert.Equal(t, "t1/a5", launched)

	_, err = r.Execute(ctx, ActionRequest{Action: Action{ID: "a6", Kind: ActionWorkflow}})
	assert.Equal(t, errs.WFInvalidCommand, errs.CodeOf(err))
	assert.True(t, errs.IsUser(err))
}

func TestActionRunner_SubPlan(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	action := Action{ID: "a1", Kind: ActionWorkflow, Inputs: map[string]any{"goal": "research competitors"}}

	_, err := r.Execute(ctx, ActionRequest{Action: action})
	assert.Equal(t, errs.WFBudgetExhausted, errs.CodeOf(err))

	var gotGoal string
	res, err := r.Execute(ctx, ActionRequest{Action: action, Spawn: func(_ context.Context, goal string) (*PlanState, error) {
		gotGoal = goal
		return &PlanState{ThreadID: "t1/p1.1/a1", Spent: 0.7}, nil
	}})
	require.NoError(t, err)
	assert.Equal(t, "research competitors", gotGoal)
	assert.InDelta(t, 0.7, res.Cost, 1e-9)
	assert.Equal(t, "t1/p1.1/a1", res.Result.(map[string]any)["thread_id"])
}

func TestActionRunner_HumanReviewIsNotExecutable(t *testing.T) {
	_, err := newTestRunner(t).Execute(context.Background(), ActionRequest{Action: Action{ID: "a1", Kind: ActionHumanReview}})
	assert.Equal(t, errs.WFInvalidCommand, errs.CodeOf(err))
	assert.Equal(t, errs.KindSystem, errs.KindOf(err))
}

func TestLoop_OfflineEndToEnd(t *testing.T) {
	f := newFixture()
	f.analyzer = HeuristicAnalyzer()
	f.planner = HeuristicPlanner()
	f.reflector = HeuristicReflector()
	f.executor = newTestRunner(t)
	loop, _ := f.build(t)

	out, err := loop.Run(context.Background(), "t1", "summarize the quarter", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, out.Workflow.Status)
	assert.Equal(t, 15, out.Plan.ActionsDone())
	for _, p := range out.Plan.Phases {
		for _, a := range p.Actions {
			assert.Empty(t, a.Error)
			assert.Contains(t, a.Result, "summarize the quarter")
		}
	}
}
