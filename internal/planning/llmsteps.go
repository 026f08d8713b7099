package planning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/pkg/types"
)

// Dispatcher is the part of llm.Dispatcher the planning stages need.
type Dispatcher interface {
	CallTier(ctx context.Context, req *llm.Request, tier types.Tier) (*llm.DispatchResult, error)
}

const (
	analyzeSystem = `You break goals into phases. Reply with JSON only:
{"phases":[{"name":"...","success_criteria":"...","depends_on":["earlier phase name"]}]}
Use between min_phases and max_phases phases. Names must be unique.`

	planSystem = `You plan one phase of a larger goal as concrete actions. Reply with JSON only:
{"actions":[{"id":"a1","kind":"llm_call|tool_call|workflow|human_review","description":"...",
"inputs":{},"depends_on":["a0"],"estimated_cost":0.01,"estimated_duration_seconds":30}]}
Use between min_actions and max_actions actions. Ids are short and unique without spaces or slashes.
llm_call inputs take "prompt". tool_call inputs take "tool" and "args". workflow inputs take "goal".
When gaps or guidance are given, address them.`

	reflectSystem = `You review the result of a phase against its success criteria. Reply with JSON only:
{"verdict":"proceed|replan|escalate","gaps":["what is still missing"]}
Use escalate only when a human decision is required.`
)

// field is one value of a prompt document.
type field struct {
	path  string
	value any
}

// document renders fields into a JSON object with sjson.
func document(fields ...field) (string, error) {
	doc := "{}"
	for _, f := range fields {
		var err error
		if doc, err = sjson.Set(doc, f.path, f.value); err != nil {
			return "", fmt.Errorf("prompt field %s: %w", f.path, err)
		}
	}
	return doc, nil
}

// replyJSON extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose.
func replyJSON(content string) (gjson.Result, error) {
	s := strings.TrimSpace(content)
	if start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); start >= 0 && end > start {
		s = s[start : end+1]
	}
	if !gjson.Valid(s) {
		return gjson.Result{}, errs.Transient(errs.LLMMalformedResponse, "the model returned an unreadable plan",
			fmt.Errorf("reply is not a JSON object: %.80q", content))
	}
	return gjson.Parse(s), nil
}

func stringList(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

// caller sends one planning prompt at a fixed tier.
type caller struct {
	d    Dispatcher
	tier types.Tier
}

func (c caller) ask(ctx context.Context, threadID, purpose, system, prompt string) (gjson.Result, error) {
	req := llm.UserRequest(system, prompt)
	req.ThreadID = threadID
	req.Purpose = purpose
	res, err := c.d.CallTier(ctx, req, c.tier)
	if err != nil {
		return gjson.Result{}, err
	}
	if res.Response == nil {
		return gjson.Result{}, errs.Transient(errs.LLMMalformedResponse, "the model returned an unreadable plan",
			fmt.Errorf("%s: empty response from %s", purpose, res.Provider))
	}
	return replyJSON(res.Response.Content)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANALYZER
// ═══════════════════════════════════════════════════════════════════════════════

// LLMAnalyzer asks a model for the phase decomposition.
type LLMAnalyzer struct{ caller }

// NewLLMAnalyzer creates an analyzer calling d at tier C.
func NewLLMAnalyzer(d Dispatcher) *LLMAnalyzer {
	return &LLMAnalyzer{caller{d: d, tier: types.TierC}}
}

// Analyze implements Analyzer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, req AnalyzeRequest) ([]Phase, error) {
	prompt, err := document(
		field{"goal", req.Goal},
		field{"context", req.Context},
		field{"min_phases", req.MinPhases},
		field{"max_phases", req.MaxPhases},
	)
	if err != nil {
		return nil, err
	}
	reply, err := a.ask(ctx, req.ThreadID, "plan.analyze", analyzeSystem, prompt)
	if err != nil {
		return nil, err
	}

	var phases []Phase
	reply.Get("phases").ForEach(func(_, p gjson.Result) bool {
		phases = append(phases, Phase{
			Name:            strings.TrimSpace(p.Get("name").String()),
			SuccessCriteria: p.Get("success_criteria").String(),
			DependsOn:       stringList(p.Get("depends_on")),
		})
		return true
	})
	return phases, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLANNER
// ═══════════════════════════════════════════════════════════════════════════════

// LLMPlanner asks a model for the actions of a phase.
type LLMPlanner struct{ caller }

// NewLLMPlanner creates a planner calling d at tier C.
func NewLLMPlanner(d Dispatcher) *LLMPlanner {
	return &LLMPlanner{caller{d: d, tier: types.TierC}}
}

// Plan implements Planner.
func (p *LLMPlanner) Plan(ctx context.Context, req PlanRequest) ([]Action, error) {
	done := make([]string, 0, len(req.Completed))
	for _, c := range req.Completed {
		done = append(done, c.Name)
	}
	fields := []field{
		{"goal", req.Goal},
		{"phase.name", req.Phase.Name},
		{"phase.success_criteria", req.Phase.SuccessCriteria},
		{"completed_phases", done},
		{"attempt", req.Attempt},
		{"min_actions", req.MinActions},
		{"max_actions", req.MaxActions},
	}
	if len(req.Gaps) > 0 {
		fields = append(fields, field{"gaps", req.Gaps})
	}
	if req.Guidance != "" {
		fields = append(fields, field{"guidance", req.Guidance})
	}
	prompt, err := document(fields...)
	if err != nil {
		return nil, err
	}
	reply, err := p.ask(ctx, req.ThreadID, "plan.actions", planSystem, prompt)
	if err != nil {
		return nil, err
	}

	var actions []Action
	reply.Get("actions").ForEach(func(_, a gjson.Result) bool {
		inputs, _ := a.Get("inputs").Value().(map[string]any)
		actions = append(actions, Action{
			ID:                strings.TrimSpace(a.Get("id").String()),
			Kind:              ActionKind(a.Get("kind").String()),
			Description:       a.Get("description").String(),
			Inputs:            inputs,
			DependsOn:         stringList(a.Get("depends_on")),
			EstimatedCost:     a.Get("estimated_cost").Float(),
			EstimatedDuration: time.Duration(a.Get("estimated_duration_seconds").Float() * float64(time.Second)),
		})
		return true
	})
	return actions, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// REFLECTOR
// ═══════════════════════════════════════════════════════════════════════════════

// LLMReflector asks a model to judge an executed phase.
type LLMReflector struct{ caller }

// NewLLMReflector creates a reflector calling d at tier C.
func NewLLMReflector(d Dispatcher) *LLMReflector {
	return &LLMReflector{caller{d: d, tier: types.TierC}}
}

// Reflect implements Reflector.
func (r *LLMReflector) Reflect(ctx context.Context, req ReflectRequest) (Reflection, error) {
	prompt, err := document(
		field{"goal", req.Goal},
		field{"phase.name", req.Phase.Name},
		field{"phase.success_criteria", req.Phase.SuccessCriteria},
		field{"attempt", req.Attempt},
		field{"actions", summarize(req.Phase.Actions)},
	)
	if err != nil {
		return Reflection{}, err
	}
	reply, err := r.ask(ctx, req.ThreadID, "plan.reflect", reflectSystem, prompt)
	if err != nil {
		return Reflection{}, err
	}
	return Reflection{
		Verdict: Verdict(strings.ToLower(strings.TrimSpace(reply.Get("verdict").String()))),
		Gaps:    stringList(reply.Get("gaps")),
	}, nil
}

// summarize reduces executed actions to what a reviewer needs.
func summarize(actions []Action) []map[string]any {
	out := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		m := map[string]any{"id": a.ID, "kind": string(a.Kind), "description": a.Description, "done": a.Done}
		if a.Error != "" {
			m["error"] = a.Error
		} else if a.Result != nil {
			m["result"] = a.Result
		}
		out = append(out, m)
	}
	return out
}
