// Package metrics turns audit events from the bus into Prometheus series.
package metrics

import (
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/router"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/workflow"
)

// Collector subscribes to the event bus and aggregates metrics on a private
// registry.
type Collector struct {
	bus      *bus.Bus
	registry *prometheus.Registry

	routing        *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	checkpoints    *prometheus.CounterVec
	leaseConflicts prometheus.Counter
	replans        prometheus.Counter

	mu           sync.RWMutex
	session      SessionStats
	recentEvents []bus.Event
	maxEvents    int
	subs         []bus.SubscriptionID
	stopped      bool
}

// SessionStats holds a process-local summary for the dashboard.
type SessionStats struct {
	StartTime        time.Time
	Commands         int
	Rejected         int
	ProviderCalls    int
	ProviderFailures int
	TotalLatency     time.Duration
	ProviderCost     float64
	Checkpoints      int
	Suspensions      int
	WorkflowFailures int
	Replans          int
	Escalations      int
	LeaseConflicts   int
	Errors           int
	TierCounts       map[string]int
	LastEvent        string
	LastEventTime    time.Time
}

// NewCollector creates a collector. b may be nil, in which case Start is a
// no-op and the registry stays empty of samples.
func NewCollector(b *bus.Bus) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		bus:      b,
		registry: reg,
		routing: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_routing_decisions_total",
			Help: "Routing decisions by selected tier and reason",
		}, []string{"tier", "reason"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_provider_attempts_total",
			Help: "Provider call attempts by outcome",
		}, []string{"provider", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_workflow_checkpoints_total",
			Help: "Committed workflow checkpoints by status",
		}, []string{"status"}),
		leaseConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "conductor_lease_conflicts_total",
			Help: "Workflow lease acquisitions refused because another owner held the thread",
		}),
		replans: f.NewCounter(prometheus.CounterOpts{
			Name: "conductor_plan_replans_total",
			Help: "Planning loop replans",
		}),
		session:   SessionStats{StartTime: time.Now(), TierCounts: map[string]int{}},
		maxEvents: 50,
	}
}

// Registry exposes the private registry, for an HTTP handler or tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start begins listening to the bus.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || len(c.subs) > 0 {
		return
	}
	c.subs = append(c.subs, c.bus.Subscribe(bus.EventType(""), c.handleEvent))
}

// Stop stops listening. A stopped collector cannot be restarted.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	for _, id := range c.subs {
		_ = c.bus.Unsubscribe(id)
	}
	c.subs = nil
}

// GetSessionStats returns a copy of the session summary.
func (c *Collector) GetSessionStats() SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.session
	stats.TierCounts = make(map[string]int, len(c.session.TierCounts))
	for k, v := range c.session.TierCounts {
		stats.TierCounts[k] = v
	}
	return stats
}

// GetRecentEvents returns up to n of the most recent events, oldest first.
func (c *Collector) GetRecentEvents(n int) []bus.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n = min(n, len(c.recentEvents))
	events := make([]bus.Event, n)
	copy(events, c.recentEvents[len(c.recentEvents)-n:])
	return events
}

// WriteText writes every gathered family in the Prometheus text format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// handleEvent is the central event handler that dispatches on event type.
func (c *Collector) handleEvent(e bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentEvents = append(c.recentEvents, e)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[1:]
	}
	c.session.LastEvent = string(e.Type)
	c.session.LastEventTime = e.Timestamp

	switch e.Type {
	case bus.EventRoutingDecision:
		c.handleRouting(e)
	case bus.EventProviderCall:
		c.handleProviderCall(e)
	case bus.EventCheckpoint, bus.EventWorkflowFailed:
		c.handleCheckpoint(e)
	case bus.EventLeaseConflict:
		c.leaseConflicts.Inc()
		c.session.LeaseConflicts++
	case bus.EventPlanReplan:
		c.replans.Inc()
		c.session.Replans++
	case bus.EventPlanEscalated:
		c.session.Escalations++
	case bus.EventError:
		c.session.Errors++
	}
}

func (c *Collector) handleRouting(e bus.Event) {
	var d router.Decision
	switch p := e.Payload.(type) {
	case *router.Decision:
		d = *p
	case router.Decision:
		d = p
	default:
		return
	}
	if d.Reason == router.ReasonRejected {
		c.routing.WithLabelValues(d.Requested.String(), d.Reason.String()).Inc()
		c.session.Rejected++
		return
	}
	c.routing.WithLabelValues(d.Tier.String(), d.Reason.String()).Inc()
	c.session.Commands++
	c.session.TierCounts[d.Tier.String()]++
}

func (c *Collector) handleProviderCall(e bus.Event) {
	cr, ok := e.Payload.(llm.CallResult)
	if !ok {
		return
	}
	outcome := "ok"
	if !cr.OK {
		outcome = cr.Class
		if outcome == "" {
			outcome = "error"
		}
		c.session.ProviderFailures++
	}
	c.attempts.WithLabelValues(cr.Provider, outcome).Inc()
	c.latency.WithLabelValues(cr.Provider).Observe(cr.Latency.Seconds())

	c.session.ProviderCalls++
	c.session.TotalLatency += cr.Latency
	c.session.ProviderCost += cr.Cost
}

// handleCheckpoint counts commits. A failure event repeats the failed
// checkpoint's commit, so it only feeds the session summary.
func (c *Collector) handleCheckpoint(e bus.Event) {
	ev, ok := e.Payload.(workflow.CheckpointEvent)
	if !ok {
		return
	}
	if e.Type == bus.EventWorkflowFailed {
		c.session.WorkflowFailures++
		return
	}
	c.checkpoints.WithLabelValues(string(ev.Status)).Inc()
	c.session.Checkpoints++
	if ev.Reason != "" && ev.Status == store.StatusSuspended {
		c.session.Suspensions++
	}
}
