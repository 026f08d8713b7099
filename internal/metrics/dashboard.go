package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/normanking/conductor/internal/bus"
)

// Dashboard renders a collector's session summary for the terminal.
type Dashboard struct {
	collector *Collector
	styles    DashboardStyles
	width     int
	now       func() time.Time
}

// DashboardStyles defines the styling for the dashboard.
type DashboardStyles struct {
	Frame lipgloss.Style
	Title lipgloss.Style
	Label lipgloss.Style
	Value lipgloss.Style
	Good  lipgloss.Style
	Warn  lipgloss.Style
	Bad   lipgloss.Style
}

// NewDashboard creates a dashboard renderer.
func NewDashboard(collector *Collector) *Dashboard {
	return &Dashboard{
		collector: collector,
		width:     80,
		styles:    defaultDashboardStyles(),
		now:       time.Now,
	}
}

func defaultDashboardStyles() DashboardStyles {
	fg := func(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }
	return DashboardStyles{
		Frame: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		Title: fg("86").Bold(true),
		Label: fg("245"),
		Value: fg("255").Bold(true),
		Good:  fg("82").Bold(true),
		Warn:  fg("214").Bold(true),
		Bad:   fg("196").Bold(true),
	}
}

// SetWidth sets the dashboard width.
func (d *Dashboard) SetWidth(w int) {
	d.width = w
}

// cell is one labelled value in a dashboard row.
type cell struct {
	label string
	value string
}

func (d *Dashboard) row(cells ...cell) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = d.styles.Label.Render(c.label+":") + " " + c.value
	}
	return strings.Join(parts, " │ ")
}

// Render returns a framed summary: routing and checkpoints, provider calls,
// then planning and failures.
func (d *Dashboard) Render() string {
	s := d.collector.GetSessionStats()
	v := d.styles.Value.Render

	lines := []string{
		d.styles.Title.Render("CONDUCTOR"),
		d.row(
			cell{"Commands", v(fmt.Sprint(s.Commands))},
			cell{"Tiers", d.styles.Warn.Render(formatTiers(s.TierCounts))},
			cell{"Checkpoints", v(fmt.Sprintf("%d (%d suspended)", s.Checkpoints, s.Suspensions))},
		),
		d.row(
			cell{"Calls", v(fmt.Sprint(s.ProviderCalls))},
			cell{"Success", d.rate(successRate(s))},
			cell{"Latency", v(fmt.Sprintf("%.2fs avg", avgLatency(s).Seconds()))},
			cell{"Cost", d.styles.Warn.Render(fmt.Sprintf("$%.4f", s.ProviderCost))},
		),
		d.row(
			cell{"Replans", v(fmt.Sprintf("%d/%d esc", s.Replans, s.Escalations))},
			cell{"Failures", d.failures(s.WorkflowFailures + s.Errors)},
			cell{"Last", v(d.lastEvent(s))},
			cell{"Recent", d.activity()},
		),
	}
	return d.styles.Frame.Width(d.width - 4).Render(strings.Join(lines, "\n"))
}

// RenderCompact returns a single-line summary.
func (d *Dashboard) RenderCompact() string {
	s := d.collector.GetSessionStats()
	return fmt.Sprintf("[conductor] %d cmd │ %s │ %d calls │ %.2fs avg │ %d ckpt │ %s",
		s.Commands,
		formatTiers(s.TierCounts),
		s.ProviderCalls,
		avgLatency(s).Seconds(),
		s.Checkpoints,
		d.activity(),
	)
}

func (d *Dashboard) rate(pct float64) string {
	text := fmt.Sprintf("%.0f%%", pct)
	switch {
	case pct >= 90:
		return d.styles.Good.Render(text)
	case pct >= 70:
		return d.styles.Warn.Render(text)
	default:
		return d.styles.Bad.Render(text)
	}
}

func (d *Dashboard) failures(n int) string {
	if n > 0 {
		return d.styles.Bad.Render(fmt.Sprint(n))
	}
	return d.styles.Good.Render("0")
}

func (d *Dashboard) lastEvent(s SessionStats) string {
	if s.LastEvent == "" {
		return "none"
	}
	age := d.now().Sub(s.LastEventTime)
	switch {
	case age < time.Second:
		return s.LastEvent + " (now)"
	case age < time.Minute:
		return fmt.Sprintf("%s (%.0fs ago)", s.LastEvent, age.Seconds())
	case age < time.Hour:
		return fmt.Sprintf("%s (%.0fm ago)", s.LastEvent, age.Minutes())
	default:
		return s.LastEvent + " (" + s.LastEventTime.Local().Format("Jan 2 15:04") + ")"
	}
}

// activityWindow is how many recent events the activity strip shows.
const activityWindow = 8

// activity renders the most recent events as one glyph per event kind,
// oldest first, padded with dots.
func (d *Dashboard) activity() string {
	events := d.collector.GetRecentEvents(activityWindow)
	var b strings.Builder
	for _, e := range events {
		b.WriteString(eventGlyph(e.Type))
	}
	b.WriteString(strings.Repeat("·", activityWindow-len(events)))
	return b.String()
}

func eventGlyph(t bus.EventType) string {
	switch t {
	case bus.EventRoutingDecision:
		return "r"
	case bus.EventProviderCall, bus.EventProviderSkipped:
		return "c"
	case bus.EventCheckpoint:
		return "k"
	case bus.EventWorkflowFailed, bus.EventError:
		return "!"
	case bus.EventPlanReflection, bus.EventPlanReplan, bus.EventPlanEscalated, bus.EventPlanDowngraded:
		return "p"
	case bus.EventMemoryWrite:
		return "m"
	default:
		return "?"
	}
}

func successRate(s SessionStats) float64 {
	if s.ProviderCalls == 0 {
		return 100
	}
	return float64(s.ProviderCalls-s.ProviderFailures) / float64(s.ProviderCalls) * 100
}

func avgLatency(s SessionStats) time.Duration {
	if s.ProviderCalls == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.ProviderCalls)
}

// formatTiers renders tier counts as "A:3 B:1", sorted by tier.
func formatTiers(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}
