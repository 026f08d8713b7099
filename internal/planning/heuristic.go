package planning

import (
	"context"
	"fmt"
)

// Offline stages plan without a model. They give the CLI's --offline mode
// and smoke tests a deterministic loop: a linear chain of phases, a fan-out
// and fan-in of llm_call actions per phase, and a reflector that proceeds
// unless an action failed.

var offlinePhases = []struct{ name, criteria string }{
	{"understand", "the goal and its constraints are restated"},
	{"produce", "a complete draft exists"},
	{"review", "the draft was checked against the goal"},
	{"refine", "review findings are addressed"},
	{"deliver", "the result is summarized for the requester"},
}

// HeuristicAnalyzer returns MinPhases linear phases (at least three).
func HeuristicAnalyzer() Analyzer {
	return AnalyzerFunc(func(ctx context.Context, req AnalyzeRequest) ([]Phase, error) {
		n := max(req.MinPhases, 3)
		if req.MaxPhases > 0 {
			n = min(n, req.MaxPhases)
		}
		phases := make([]Phase, 0, n)
		for i := 0; i < n; i++ {
			p := Phase{Name: fmt.Sprintf("phase-%d", i+1), SuccessCriteria: "the step is complete"}
			if i < len(offlinePhases) {
				p.Name, p.SuccessCriteria = offlinePhases[i].name, offlinePhases[i].criteria
			}
			if i > 0 {
				p.DependsOn = []string{phases[i-1].Name}
			}
			phases = append(phases, p)
		}
		return phases, nil
	})
}

// HeuristicPlanner returns MinActions llm_call actions (at least five): one
// opening action, a parallel middle and a closing action over all of them.
func HeuristicPlanner() Planner {
	return PlannerFunc(func(ctx context.Context, req PlanRequest) ([]Action, error) {
		n := max(req.MinActions, 5)
		if req.MaxActions > 0 {
			n = min(n, req.MaxActions)
		}
		actions := make([]Action, n)
		middle := make([]string, 0, max(n-2, 0))
		for i := range actions {
			id := fmt.Sprintf("a%d", i+1)
			prompt := fmt.Sprintf("Goal: %s\nPhase %s, step %d of %d. Criteria: %s", req.Goal, req.Phase.Name, i+1, n, req.Phase.SuccessCriteria)
			if req.Guidance != "" {
				prompt += "\nGuidance: " + req.Guidance
			}
			actions[i] = Action{
				ID:          id,
				Kind:        ActionLLMCall,
				Description: fmt.Sprintf("%s step %d", req.Phase.Name, i+1),
				Inputs:      map[string]any{"prompt": prompt},
			}
			switch {
			case i == 0:
			case i == n-1:
				actions[i].DependsOn = middle
			default:
				actions[i].DependsOn = []string{"a1"}
				middle = append(middle, id)
			}
		}
		return actions, nil
	})
}

// HeuristicReflector proceeds when every action succeeded and otherwise asks
// for a replan listing the failures as gaps.
func HeuristicReflector() Reflector {
	return ReflectorFunc(func(ctx context.Context, req ReflectRequest) (Reflection, error) {
		var gaps []string
		for _, a := range req.Phase.Actions {
			if !a.Done {
				gaps = append(gaps, a.ID+" did not run")
			} else if a.Error != "" {
				gaps = append(gaps, a.ID+": "+a.Error)
			}
		}
		if len(gaps) == 0 {
			return Reflection{Verdict: VerdictProceed}, nil
		}
		return Reflection{Verdict: VerdictReplan, Gaps: gaps}, nil
	})
}
