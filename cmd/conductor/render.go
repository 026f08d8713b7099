package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/normanking/conductor/internal/response"
	"github.com/normanking/conductor/internal/router"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STYLES
// ═══════════════════════════════════════════════════════════════════════════════

const resultWidth = 100

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(14)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func successStyle() lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("82"))
}

func errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
}

func warnStyle() lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENVELOPES
// ═══════════════════════════════════════════════════════════════════════════════

func printEnvelope(w io.Writer, threadID string, env *response.Envelope) error {
	if jsonOut {
		return writeJSON(w, env)
	}
	_, err := fmt.Fprintln(w, renderEnvelope(threadID, env))
	return err
}

func renderEnvelope(threadID string, env *response.Envelope) string {
	var b strings.Builder

	badge := successStyle().Render("OK")
	if !env.OK {
		badge = errorStyle().Render("FAILED")
	} else if env.NextStep == response.NextHuman {
		badge = warnStyle().Render("WAITING")
	}
	b.WriteString(headerStyle.Render(env.Action) + "  " + badge + "\n")

	row(&b, "thread", threadID)
	row(&b, "next step", string(env.NextStep))
	row(&b, "rationale", env.Rationale)

	if w := env.Work; w != nil {
		b.WriteString("\n")
		row(&b, "tier", string(w.Tier))
		row(&b, "score", fmt.Sprintf("%.2f", w.Score))
		row(&b, "status", w.Status)
		row(&b, "graph", w.GraphID)
		row(&b, "node", w.CurrentNode)
		if w.CheckpointID > 0 {
			row(&b, "checkpoint", fmt.Sprintf("%d", w.CheckpointID))
		}
		row(&b, "reason", w.Reason)
		if w.Provider != "" {
			row(&b, "provider", fmt.Sprintf("%s (%d attempts)", w.Provider, w.Attempts))
		}
		if w.Cost > 0 {
			row(&b, "cost", fmt.Sprintf("$%.4f", w.Cost))
		}
		if p := w.Plan; p != nil {
			row(&b, "goal", p.Goal)
			row(&b, "phases", renderPhases(p))
			row(&b, "actions", fmt.Sprintf("%d done, %d replans, $%.4f spent", p.ActionsDone, p.Replans, p.Spent))
			if len(p.Gaps) > 0 {
				row(&b, "gaps", strings.Join(p.Gaps, "; "))
			}
		}
	}

	if len(env.InputsNeeded) > 0 {
		b.WriteString("\n" + warnStyle().Render("Inputs needed") + "\n")
		keys := make([]string, 0, len(env.InputsNeeded))
		for k := range env.InputsNeeded {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			row(&b, k, formatValue(env.InputsNeeded[k]))
		}
		b.WriteString(dimStyle.Render(fmt.Sprintf("conductor resume %s --approve", threadID)) + "\n")
	}

	if m := env.Memory; m != nil {
		b.WriteString("\n")
		row(&b, "memory", fmt.Sprintf("%d episodes, %d semantic hits, %d facts", m.Episodes, m.SemanticHits, len(m.Facts)))
		if len(m.OpenLoops) > 0 {
			row(&b, "open loops", strings.Join(m.OpenLoops, "; "))
		}
		if m.WriteError != "" {
			row(&b, "write-back", errorStyle().Render(m.WriteError))
		}
	}

	if e := env.Error; e != nil {
		b.WriteString("\n")
		row(&b, "error", errorStyle().Render(e.Code)+" "+e.Message)
		row(&b, "kind", e.Kind)
		if e.RetryAfterSeconds > 0 {
			row(&b, "retry after", fmt.Sprintf("%ds", e.RetryAfterSeconds))
		}
		row(&b, "audit ref", e.AuditRef)
	}

	out := boxStyle.Render(strings.TrimRight(b.String(), "\n"))
	if env.Work != nil && env.Work.Result != nil {
		out += "\n" + renderResult(env.Work.Result)
	}
	return out
}

func renderPhases(p *response.PlanDigest) string {
	parts := make([]string, len(p.Phases))
	for i, name := range p.Phases {
		if i == p.CurrentPhase {
			parts[i] = headerStyle.Render(name)
		} else {
			parts[i] = name
		}
	}
	s := strings.Join(parts, " → ")
	if p.Downgraded {
		s += dimStyle.Render(" (downgraded)")
	}
	return s
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHECKPOINTS
// ═══════════════════════════════════════════════════════════════════════════════

func renderCheckpoint(cp *store.Checkpoint) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Thread "+cp.ThreadID) + "  " + statusBadge(cp.Status) + "\n")
	row(&b, "graph", cp.GraphID)
	row(&b, "tier", string(cp.Tier))
	row(&b, "checkpoint", fmt.Sprintf("%d", cp.CheckpointID))
	row(&b, "node", cp.CurrentNode)
	row(&b, "completed", cp.CompletedNode)
	row(&b, "history", strings.Join(cp.NodeHistory, " → "))
	row(&b, "reason", cp.Reason)
	row(&b, "error", cp.Error)
	row(&b, "updated", cp.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	return boxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func renderHistory(threadID string, cps []store.Checkpoint) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Thread "+threadID) + dimStyle.Render(fmt.Sprintf("  %d checkpoints", len(cps))) + "\n")
	for _, cp := range cps {
		node := cp.CompletedNode
		if node == "" {
			node = "-"
		}
		fmt.Fprintf(&b, "%4d  %-10s %-16s %s %s\n",
			cp.CheckpointID,
			statusBadge(cp.Status),
			node,
			dimStyle.Render(cp.CreatedAt.Local().Format("15:04:05")),
			cp.Reason)
	}
	return b.String()
}

func statusBadge(s store.Status) string {
	switch s {
	case store.StatusCompleted:
		return successStyle().Render(string(s))
	case store.StatusFailed:
		return errorStyle().Render(string(s))
	case store.StatusSuspended:
		return warnStyle().Render(string(s))
	default:
		return valueStyle.Render(string(s))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ═══════════════════════════════════════════════════════════════════════════════

func renderDecision(c *types.Command, d *router.Decision) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(c.Type) + "  " + successStyle().Render("tier "+string(d.Tier)) + "\n")
	row(&b, "score", fmt.Sprintf("%.4f", d.Score))
	row(&b, "scored tier", string(d.ScoredTier))
	row(&b, "reason", string(d.Reason))
	row(&b, "keyword", d.Keyword)
	row(&b, "ceiling", string(d.Ceiling))

	ct := d.Contributions
	b.WriteString("\n")
	row(&b, "tools", fmt.Sprintf("%.4f", ct.ToolCount))
	row(&b, "duration", fmt.Sprintf("%.4f", ct.Duration))
	row(&b, "decisions", fmt.Sprintf("%.4f", ct.DecisionPoints))
	row(&b, "memory", fmt.Sprintf("%.4f", ct.Memory))
	row(&b, "review", fmt.Sprintf("%.4f", ct.HumanReview))
	return boxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// renderResult renders string results as markdown. Anything else is shown
// as indented JSON.
func renderResult(v any) string {
	text, ok := v.(string)
	if !ok || noColor || strings.TrimSpace(text) == "" {
		return formatValue(v)
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(resultWidth),
	)
	if err != nil {
		return text
	}
	rendered, err := renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(rendered, "\n")
}

// row writes a labelled line. Empty values are skipped.
func row(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString(labelStyle.Render(label) + valueStyle.Render(value) + "\n")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		out, err := json.MarshalIndent(x, "", "  ")
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(out)
	}
}
