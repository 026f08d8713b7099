// Package response normalizes the outcome of any tier into the single
// envelope returned to callers.
package response

import (
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/memory"
	"github.com/normanking/conductor/internal/planning"
	"github.com/normanking/conductor/internal/workflow"
	"github.com/normanking/conductor/pkg/types"
)

// NextStep tells the caller what has to happen next.
type NextStep string

const (
	NextHuman    NextStep = "human"    // Waiting for approval, review or guidance
	NextContinue NextStep = "continue" // Resubmit or step the thread
	NextComplete NextStep = "complete" // Nothing further to do
)

// Envelope is the unified result of a command. The optional sections are
// present only when their concern applied.
type Envelope struct {
	OK           bool           `json:"ok"`
	Channel      string         `json:"channel"`
	Action       string         `json:"action"`
	NextStep     NextStep       `json:"next_step"`
	Rationale    string         `json:"rationale"`
	InputsNeeded map[string]any `json:"inputs_needed,omitempty"`
	Memory       *MemorySection `json:"memory,omitempty"`
	Work         *WorkSection   `json:"work,omitempty"`
	Error        *ErrorSection  `json:"error,omitempty"`
}

// MemorySection summarizes the memory read before execution and whether the
// write-back landed.
type MemorySection struct {
	Facts        []string `json:"facts,omitempty"`
	OpenLoops    []string `json:"open_loops,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Episodes     int      `json:"episodes"`
	SemanticHits int      `json:"semantic_hits"`
	Written      bool     `json:"written"`
	WriteError   string   `json:"write_error,omitempty"`
}

// WorkSection describes what ran.
type WorkSection struct {
	ThreadID     string      `json:"thread_id"`
	Tier         types.Tier  `json:"tier"`
	Score        float64     `json:"score"`
	GraphID      string      `json:"graph_id,omitempty"`
	Status       string      `json:"status"`
	CheckpointID int64       `json:"checkpoint_id,omitempty"`
	CurrentNode  string      `json:"current_node,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	Attempts     int         `json:"attempts,omitempty"`
	Cost         float64     `json:"cost,omitempty"`
	Result       any         `json:"result,omitempty"`
	Plan         *PlanDigest `json:"plan,omitempty"`
}

// PlanDigest is the caller-facing view of a Tier C plan.
type PlanDigest struct {
	Goal         string   `json:"goal"`
	Phases       []string `json:"phases"`
	CurrentPhase int      `json:"current_phase"`
	ActionsDone  int      `json:"actions_done"`
	Replans      int      `json:"replans"`
	Spent        float64  `json:"spent"`
	Gaps         []string `json:"gaps,omitempty"`
	Downgraded   bool     `json:"downgraded,omitempty"`
}

// ErrorSection carries only what is safe to show.
type ErrorSection struct {
	Code              string `json:"code"`
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	AuditRef          string `json:"audit_ref,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// SECTION BUILDERS
// ═══════════════════════════════════════════════════════════════════════════════

// MemoryFromBundle summarizes a memory read. A nil bundle yields nil.
func MemoryFromBundle(b *memory.Bundle) *MemorySection {
	if b == nil {
		return nil
	}
	m := &MemorySection{Episodes: len(b.Episodes), SemanticHits: len(b.Semantic)}
	if b.Working != nil {
		m.Facts = b.Working.Facts()
		m.OpenLoops = b.Working.OpenLoops()
		m.Summary = b.Working.Summary
	}
	return m
}

// WorkFromDispatch describes a Tier A call.
func WorkFromDispatch(threadID string, res *llm.DispatchResult) *WorkSection {
	w := &WorkSection{ThreadID: threadID, Tier: types.TierA, Status: "completed"}
	if res == nil {
		w.Status = "failed"
		return w
	}
	w.Provider = res.Provider
	w.Attempts = len(res.Attempts)
	w.Cost = res.Cost
	if res.Response != nil {
		w.Result = res.Response.Content
	} else {
		w.Status = "failed"
	}
	return w
}

// WorkFromOutcome describes a workflow run. The "result" state key, when
// present, becomes the result.
func WorkFromOutcome(tier types.Tier, out *workflow.Outcome) *WorkSection {
	if out == nil {
		return nil
	}
	w := &WorkSection{
		ThreadID:     out.ThreadID,
		Tier:         tier,
		GraphID:      out.GraphID,
		Status:       string(out.Status),
		CheckpointID: out.CheckpointID,
		CurrentNode:  out.CurrentNode,
		Reason:       out.Reason,
	}
	if v, ok := out.State["result"]; ok {
		w.Result = v
	}
	return w
}

// DigestPlan summarizes a plan. A nil plan yields nil.
func DigestPlan(ps *planning.PlanState) *PlanDigest {
	if ps == nil {
		return nil
	}
	d := &PlanDigest{
		Goal:         ps.Goal,
		Phases:       make([]string, len(ps.Phases)),
		CurrentPhase: ps.CurrentPhase,
		ActionsDone:  ps.ActionsDone(),
		Spent:        ps.Spent,
		Gaps:         ps.Gaps,
		Downgraded:   ps.Downgrade != nil,
	}
	for i, p := range ps.Phases {
		d.Phases[i] = p.Name
	}
	for _, ev := range ps.EvaluationHistory {
		if ev.Verdict == planning.VerdictReplan {
			d.Replans++
		}
	}
	return d
}
