package planning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/pkg/types"
)

// cannedDispatcher answers every call with the next reply.
type cannedDispatcher struct {
	mu      sync.Mutex
	replies []string
	err     error
	reqs    []*llm.Request
	tiers   []types.Tier
}

func (d *cannedDispatcher) CallTier(_ context.Context, req *llm.Request, tier types.Tier) (*llm.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	d.tiers = append(d.tiers, tier)
	if d.err != nil {
		return nil, d.err
	}
	reply := ""
	if len(d.replies) > 0 {
		reply, d.replies = d.replies[0], d.replies[1:]
	}
	return &llm.DispatchResult{Response: &llm.Response{Content: reply}, Provider: "canned", Cost: 0.01}, nil
}

func (d *cannedDispatcher) prompt(i int) gjson.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gjson.Parse(d.reqs[i].Messages[0].Content)
}

func TestLLMAnalyzer(t *testing.T) {
	d := &cannedDispatcher{replies: []string{"Here is the breakdown:\n```json\n" +
		`{"phases":[{"name":"collect","success_criteria":"sources listed"},` +
		`{"name":"write","success_criteria":"draft exists","depends_on":["collect"]},` +
		`{"name":" polish ","depends_on":["write",""]}]}` + "\n```"}}

	phases, err := NewLLMAnalyzer(d).Analyze(context.Background(), AnalyzeRequest{
		ThreadID: "t1", Goal: "a brief on tariffs", MinPhases: 3, MaxPhases: 7,
	})
	require.NoError(t, err)
	require.Len(t, phases, 3)
	assert.Equal(t, "collect", phases[0].Name)
	assert.Equal(t, "sources listed", phases[0].SuccessCriteria)
	assert.Equal(t, []string{"collect"}, phases[1].DependsOn)
	assert.Equal(t, "polish", phases[2].Name)
	assert.Equal(t, []string{"write"}, phases[2].DependsOn)

	p := d.prompt(0)
	assert.Equal(t, "a brief on tariffs", p.Get("goal").String())
	assert.Equal(t, int64(3), p.Get("min_phases").Int())
	assert.Equal(t, types.TierC, d.tiers[0])
	assert.Equal(t, "plan.analyze", d.reqs[0].Purpose)
	assert.Equal(t, "t1", d.reqs[0].ThreadID)
}

func TestLLMPlanner(t *testing.T) {
	d := &cannedDispatcher{replies: []string{`{"actions":[
		{"id":"a1","kind":"tool_call","description":"count words","inputs":{"tool":"word_count","args":{"text":"x"}},"estimated_cost":0.02,"estimated_duration_seconds":30},
		{"id":"a2","kind":"llm_call","inputs":{"prompt":"summarize"},"depends_on":["a1"]}
	]}`}}

	actions, err := NewLLMPlanner(d).Plan(context.Background(), PlanRequest{
		Goal:      "goal",
		Phase:     Phase{Name: "write", SuccessCriteria: "draft exists"},
		Completed: []Phase{{Name: "collect"}},
		Gaps:      []string{"no sources cited"},
		Guidance:  "use the 2023 filing",
		Attempt:   2,
	})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionToolCall, actions[0].Kind)
	assert.Equal(t, "word_count", actions[0].Inputs["tool"])
	assert.InDelta(t, 0.02, actions[0].EstimatedCost, 1e-9)
	assert.Equal(t, 30*time.Second, actions[0].EstimatedDuration)
	assert.Equal(t, []string{"a1"}, actions[1].DependsOn)

	p := d.prompt(0)
	assert.Equal(t, "write", p.Get("phase.name").String())
	assert.Equal(t, "collect", p.Get("completed_phases.0").String())
	assert.Equal(t, "no sources cited", p.Get("gaps.0").String())
	assert.Equal(t, "use the 2023 filing", p.Get("guidance").String())
	assert.Equal(t, int64(2), p.Get("attempt").Int())
}

func TestLLMPlanner_OmitsEmptyGuidance(t *testing.T) {
	d := &cannedDispatcher{replies: []string{`{"actions":[]}`}}
	_, err := NewLLMPlanner(d).Plan(context.Background(), PlanRequest{Goal: "g", Phase: Phase{Name: "p"}})
	require.NoError(t, err)
	p := d.prompt(0)
	assert.False(t, p.Get("gaps").Exists())
	assert.False(t, p.Get("guidance").Exists())
}

func TestLLMReflector(t *testing.T) {
	d := &cannedDispatcher{replies: []string{`Verdict follows. {"verdict":" Replan ","gaps":["missing totals"]}`}}

	r, err := NewLLMReflector(d).Reflect(context.Background(), ReflectRequest{
		Goal: "g",
		Phase: Phase{Name: "write", Actions: []Action{
			{ID: "a1", Done: true, Result: "draft text"},
			{ID: "a2", Done: true, Error: "tool failed"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictReplan, r.Verdict)
	assert.Equal(t, []string{"missing totals"}, r.Gaps)

	p := d.prompt(0)
	assert.Equal(t, "draft text", p.Get("actions.0.result").String())
	assert.Equal(t, "tool failed", p.Get("actions.1.error").String())
}

func TestLLMSteps_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed reply is transient", func(t *testing.T) {
		d := &cannedDispatcher{replies: []string{"I cannot help with that."}}
		_, err := NewLLMAnalyzer(d).Analyze(ctx, AnalyzeRequest{Goal: "g"})
		assert.Equal(t, errs.LLMMalformedResponse, errs.CodeOf(err))
		assert.True(t, errs.IsTransient(err))
	})

	t.Run("dispatch errors pass through", func(t *testing.T) {
		exhausted := errs.Transient(errs.LLMAllExhausted, "all providers failed", errors.New("503"))
		d := &cannedDispatcher{err: exhausted}
		_, err := NewLLMReflector(d).Reflect(ctx, ReflectRequest{Goal: "g"})
		assert.Same(t, exhausted, err)
	})
}

func TestHeuristicStages(t *testing.T) {
	ctx := context.Background()

	phases, err := HeuristicAnalyzer().Analyze(ctx, AnalyzeRequest{MinPhases: 3, MaxPhases: 7})
	require.NoError(t, err)
	ordered, err := orderPhases(phases, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, "understand", ordered[0].Name)

	actions, err := HeuristicPlanner().Plan(ctx, PlanRequest{Goal: "g", Phase: ordered[0], MinActions: 5, MaxActions: 15})
	require.NoError(t, err)
	valid, err := validateActions(actions, 5, 15)
	require.NoError(t, err)
	levels, err := actionLevels(valid)
	require.NoError(t, err)
	assert.Len(t, levels, 3)

	valid[2].Done = true
	valid[2].Error = "timeout"
	r, err := HeuristicReflector().Reflect(ctx, ReflectRequest{Phase: Phase{Actions: valid}})
	require.NoError(t, err)
	assert.Equal(t, VerdictReplan, r.Verdict)
	assert.Contains(t, r.Gaps, "a3: timeout")
}
