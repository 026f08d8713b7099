package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/memory"
	"github.com/normanking/conductor/internal/response"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY BRIDGE
// ═══════════════════════════════════════════════════════════════════════════════

// memoryBridge turns commands into memory queries and finished work into
// write-back deltas. Tier A never touches memory.
type memoryBridge struct {
	coord *memory.Coordinator
	log   zerolog.Logger
}

// read loads the memory bundle for a command. A failed read is logged and
// the command continues without memory.
func (m *memoryBridge) read(ctx context.Context, cmd *types.Command) *memory.Bundle {
	if m.coord == nil {
		return nil
	}
	b, err := m.coord.Read(ctx, cmd.ThreadID, queryFor(cmd))
	if err != nil {
		m.log.Warn().Err(err).Str("thread_id", cmd.ThreadID).Msg("memory read failed, continuing without it")
		return nil
	}
	return b
}

// write records the outcome and reports the result in sec, which may be nil.
func (m *memoryBridge) write(ctx context.Context, cmd *types.Command, work *response.WorkSection, runErr error, sec *response.MemorySection) *response.MemorySection {
	if m.coord == nil {
		return sec
	}
	if sec == nil {
		sec = &response.MemorySection{}
	}
	if err := m.coord.Write(ctx, cmd.ThreadID, deltasFor(cmd, work, runErr)); err != nil {
		m.log.Warn().Err(err).Str("thread_id", cmd.ThreadID).Msg("memory write failed")
		sec.WriteError = err.Error()
		return sec
	}
	sec.Written = true
	return sec
}

func queryFor(cmd *types.Command) memory.Query {
	return memory.Query{Text: cmd.Text(), UserID: cmd.UserID}
}

// deltasFor maps an outcome onto the three memory tiers: one episode per
// command, a semantic record for a completed result, and an open loop that
// stays open while the thread waits for a human.
func deltasFor(cmd *types.Command, work *response.WorkSection, runErr error) memory.Deltas {
	ep := &memory.EpisodicEvent{
		UserID:  cmd.UserID,
		Type:    cmd.Type,
		Content: cmd.Text(),
		Outcome: memory.OutcomeSuccess,
		Data:    map[string]any{"command_id": cmd.ID},
	}
	d := memory.Deltas{Episode: ep}
	loop := openLoop(cmd.ThreadID)

	if runErr != nil {
		ep.Outcome = memory.OutcomeFailure
		ep.Data["error"] = runErr.Error()
		return d
	}
	if work == nil {
		return d
	}
	ep.Data["tier"] = string(work.Tier)
	ep.Data["status"] = work.Status

	switch store.Status(work.Status) {
	case store.StatusSuspended:
		ep.Outcome = memory.OutcomePending
		d.Working.OpenLoops = []string{loop}
	case store.StatusCompleted:
		d.Working.ClosedLoops = []string{loop}
		d.Working.Summary = summarize(cmd, work)
		if text := resultText(work.Result); text != "" {
			d.Semantic = []memory.SemanticRecord{{
				Content: text,
				Tags:    []string{strings.ToLower(cmd.Type)},
				UserID:  cmd.UserID,
			}}
		}
	case store.StatusFailed:
		ep.Outcome = memory.OutcomeFailure
	default:
		ep.Outcome = memory.OutcomePending
	}
	return d
}

func openLoop(threadID string) string {
	return "thread " + threadID + " is waiting for human input"
}

func summarize(cmd *types.Command, work *response.WorkSection) string {
	s := fmt.Sprintf("Last %s ran at tier %s", cmd.Type, work.Tier)
	if work.Plan != nil {
		s += fmt.Sprintf(" over %d phases", len(work.Plan.Phases))
	}
	return s + "."
}

func resultText(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(r)
	default:
		return strings.TrimSpace(fmt.Sprint(r))
	}
}

// planContext condenses a bundle into the context handed to a new plan.
func planContext(b *memory.Bundle) string {
	if b == nil {
		return ""
	}
	var parts []string
	if b.Working != nil {
		if b.Working.Summary != "" {
			parts = append(parts, b.Working.Summary)
		}
		for _, f := range b.Working.Facts() {
			parts = append(parts, "- "+f)
		}
	}
	for _, h := range b.Semantic {
		parts = append(parts, "- "+h.Record.Content)
	}
	return strings.Join(parts, "\n")
}
