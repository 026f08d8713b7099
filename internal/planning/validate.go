package planning

import (
	"fmt"
	"strings"

	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/planning/graph"
)

func planInvalid(format string, args ...any) error {
	return errs.System(errs.WFPlanInvalid, "the generated plan was not usable", fmt.Errorf(format, args...))
}

// orderPhases checks the phase count and dependencies and returns the phases
// in dependency-first order, every phase reset to pending.
func orderPhases(phases []Phase, lo, hi int) ([]Phase, error) {
	if len(phases) < lo || len(phases) > hi {
		return nil, planInvalid("%d phases, want %d to %d", len(phases), lo, hi)
	}

	g := graph.New()
	byName := make(map[string]Phase, len(phases))
	for _, p := range phases {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, planInvalid("phase with no name")
		}
		if _, dup := byName[name]; dup {
			return nil, planInvalid("duplicate phase %q", name)
		}
		p.Name = name
		byName[name] = p
		g.AddNode(name)
	}
	for _, p := range byName {
		for _, dep := range p.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, planInvalid("phase %q depends on unknown phase %q", p.Name, dep)
			}
		}
	}
	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if err := g.AddEdge(strings.TrimSpace(p.Name), dep); err != nil {
				return nil, planInvalid("phase order: %w", err)
			}
		}
	}

	order, err := g.TopologicalSort()
	if err != nil {
		return nil, planInvalid("phase order: %w", err)
	}
	out := make([]Phase, 0, len(order))
	for _, name := range order {
		p := byName[name]
		p.Status = PhasePending
		p.Actions = nil
		p.Plans = 0
		out = append(out, p)
	}
	return out, nil
}

// validateActions checks a phase plan and resets its execution fields.
func validateActions(actions []Action, lo, hi int) ([]Action, error) {
	if len(actions) < lo || len(actions) > hi {
		return nil, planInvalid("%d actions, want %d to %d", len(actions), lo, hi)
	}
	out := make([]Action, len(actions))
	ids := make(map[string]bool, len(actions))
	for i, a := range actions {
		if a.ID == "" || strings.ContainsAny(a.ID, "/ \t\n") {
			return nil, planInvalid("action %d has an invalid id %q", i, a.ID)
		}
		if ids[a.ID] {
			return nil, planInvalid("duplicate action id %q", a.ID)
		}
		if !a.Kind.IsValid() {
			return nil, planInvalid("action %q has unknown kind %q", a.ID, a.Kind)
		}
		if a.EstimatedCost < 0 {
			return nil, planInvalid("action %q has a negative cost estimate", a.ID)
		}
		ids[a.ID] = true

		a.Result, a.Cost, a.Duration, a.Done, a.Error = nil, 0, 0, false, ""
		out[i] = a
	}
	for _, a := range out {
		for _, dep := range a.DependsOn {
			if !ids[dep] {
				return nil, planInvalid("action %q depends on unknown action %q", a.ID, dep)
			}
		}
	}
	if _, err := actionLevels(out); err != nil {
		return nil, err
	}
	return out, nil
}

// actionLevels returns action indexes grouped into dependency levels.
func actionLevels(actions []Action) ([][]int, error) {
	g := graph.New()
	index := make(map[string]int, len(actions))
	for i, a := range actions {
		g.AddNode(a.ID)
		index[a.ID] = i
	}
	for _, a := range actions {
		for _, dep := range a.DependsOn {
			if err := g.AddEdge(a.ID, dep); err != nil {
				return nil, planInvalid("action order: %w", err)
			}
		}
	}
	levels, err := g.Levels()
	if err != nil {
		return nil, planInvalid("action order: %w", err)
	}
	out := make([][]int, len(levels))
	for i, level := range levels {
		for _, id := range level {
			out[i] = append(out[i], index[id])
		}
	}
	return out, nil
}
