package router

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/pkg/types"
)

// scorePrecision is the number of decimal places a score is rounded to, so
// that threshold comparisons are not thrown off by float noise.
const scorePrecision = 1e6

// ComplexityRouter scores commands and picks their tier.
// It is safe for concurrent use; the only mutable state is the statistics.
type ComplexityRouter struct {
	cfg      config.RouterConfig
	keywords *KeywordMatcher
	ceilings map[string]types.Tier
	audit    *audit.Recorder
	log      zerolog.Logger

	// Statistics (thread-safe)
	stats RouterStats
	mu    sync.RWMutex
}

// Option is a functional option for configuring ComplexityRouter.
type Option func(*ComplexityRouter)

// WithAudit records every decision as a routing.decision event.
func WithAudit(r *audit.Recorder) Option {
	return func(cr *ComplexityRouter) {
		cr.audit = r
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cr *ComplexityRouter) {
		cr.log = l
	}
}

// NewComplexityRouter creates a router from a copy of cfg.
func NewComplexityRouter(cfg config.RouterConfig, opts ...Option) (*ComplexityRouter, error) {
	kw, err := NewKeywordMatcher(cfg.Keywords)
	if err != nil {
		return nil, fmt.Errorf("router keywords: %w", err)
	}

	ceilings := make(map[string]types.Tier, len(cfg.RoleCeilings))
	for role, name := range cfg.RoleCeilings {
		tier, err := types.ParseTier(name)
		if err != nil || !tier.IsValid() {
			return nil, fmt.Errorf("role %q: invalid ceiling %q", role, name)
		}
		ceilings[strings.ToLower(role)] = tier
	}

	r := &ComplexityRouter{
		cfg:      cfg,
		keywords: kw,
		ceilings: ceilings,
		log:      logging.Component("router"),
		stats:    newStats(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func newStats() RouterStats {
	return RouterStats{
		TierDistribution:   make(map[types.Tier]int64),
		ReasonDistribution: make(map[Reason]int64),
	}
}

// Score computes the complexity score and the per-signal contributions.
// It is a pure function of the signals and the configured weights.
func (r *ComplexityRouter) Score(s types.Signals) (float64, Contributions) {
	n := r.normalize(s)
	w := r.cfg.Weights
	c := Contributions{
		ToolCount:      w.ToolCount * n.ToolCount,
		Duration:       w.Duration * n.Duration,
		DecisionPoints: w.DecisionPoints * n.DecisionPoints,
		Memory:         w.Memory * n.Memory,
		HumanReview:    w.HumanReview * n.HumanReview,
	}
	score := clamp01(math.Round(c.Total()*scorePrecision) / scorePrecision)
	return score, c
}

// TierFor maps a score onto a tier using the configured thresholds.
func (r *ComplexityRouter) TierFor(score float64) types.Tier {
	switch {
	case score >= r.cfg.TierCThreshold:
		return types.TierC
	case score >= r.cfg.TierBThreshold:
		return types.TierB
	default:
		return types.TierA
	}
}

// Ceiling returns the highest tier a role may be routed to. Roles without a
// configured ceiling are held to tier A.
func (r *ComplexityRouter) Ceiling(role string) types.Tier {
	if t, ok := r.ceilings[strings.ToLower(role)]; ok {
		return t
	}
	return types.TierA
}

// Route scores cmd and decides its tier.
//
// An explicit override wins when it is within the role ceiling and is
// rejected with RBAC_TIER_CEILING otherwise. A payload keyword comes next and
// is capped to the ceiling. The scored tier is capped last.
func (r *ComplexityRouter) Route(ctx context.Context, cmd *types.Command) (*Decision, error) {
	start := time.Now()

	score, contrib := r.Score(cmd.Signals)
	scored := r.TierFor(score)
	ceiling := r.Ceiling(cmd.Role)

	d := &Decision{
		CommandID:     cmd.ID,
		ThreadID:      cmd.ThreadID,
		Score:         score,
		Contributions: contrib,
		ScoredTier:    scored,
		Tier:          scored,
		Reason:        ReasonScored,
		Role:          cmd.Role,
		Ceiling:       ceiling,
	}

	if cmd.TierOverride.IsValid() {
		d.Requested = cmd.TierOverride
		if cmd.TierOverride.Exceeds(ceiling) {
			d.Tier = types.TierNone
			d.Reason = ReasonRejected
			d.DecidedAt = time.Now()
			d.Duration = time.Since(start)
			r.mu.Lock()
			r.stats.Rejected++
			r.mu.Unlock()
			r.log.Warn().
				Str("command_id", cmd.ID).
				Str("role", cmd.Role).
				Str("override", cmd.TierOverride.String()).
				Str("ceiling", ceiling.String()).
				Msg("tier override exceeds role ceiling")
			r.emit(ctx, cmd, d)
			return nil, errs.User(errs.RBACTierCeiling,
				fmt.Sprintf("role %q may not request tier %s", cmd.Role, cmd.TierOverride))
		}
		d.Tier = cmd.TierOverride
		d.Reason = ReasonOverride
	} else if tier, word := r.keywords.Match(cmd.Text()); tier != types.TierNone {
		d.Keyword = word
		d.Tier = tier
		d.Reason = ReasonOverride
		if tier.Exceeds(ceiling) {
			d.Tier = ceiling
			d.Reason = ReasonCeilingCapped
		}
	} else if scored.Exceeds(ceiling) {
		d.Tier = ceiling
		d.Reason = ReasonCeilingCapped
	}

	d.DecidedAt = time.Now()
	d.Duration = time.Since(start)
	r.record(d)

	r.log.Debug().
		Str("command_id", cmd.ID).
		Float64("score", d.Score).
		Str("tier", d.Tier.String()).
		Str("reason", d.Reason.String()).
		Msg("routed command")

	r.emit(ctx, cmd, d)
	return d, nil
}

// emit records a routing decision, refused ones included.
func (r *ComplexityRouter) emit(ctx context.Context, cmd *types.Command, d *Decision) {
	r.audit.Record(ctx, audit.Entry{
		Type:      bus.EventRoutingDecision,
		ThreadID:  cmd.ThreadID,
		CommandID: cmd.ID,
		Payload:   d,
	})
}

// record updates statistics under lock.
func (r *ComplexityRouter) record(d *Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalRequests++
	r.stats.TierDistribution[d.Tier]++
	r.stats.ReasonDistribution[d.Reason]++
	if d.Keyword != "" {
		r.stats.KeywordHits++
	}
	total := float64(r.stats.TotalRequests)
	r.stats.AverageScore = (r.stats.AverageScore*(total-1) + d.Score) / total
}

// Stats returns a copy of the current routing statistics.
func (r *ComplexityRouter) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.stats
	out.TierDistribution = make(map[types.Tier]int64, len(r.stats.TierDistribution))
	for k, v := range r.stats.TierDistribution {
		out.TierDistribution[k] = v
	}
	out.ReasonDistribution = make(map[Reason]int64, len(r.stats.ReasonDistribution))
	for k, v := range r.stats.ReasonDistribution {
		out.ReasonDistribution[k] = v
	}
	return out
}

// ResetStats resets all routing statistics.
func (r *ComplexityRouter) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = newStats()
}

func (r *ComplexityRouter) normalize(s types.Signals) types.NormalizedSignals {
	if s.Normalized != nil {
		n := *s.Normalized
		return types.NormalizedSignals{
			ToolCount:      clamp01(n.ToolCount),
			Duration:       clamp01(n.Duration),
			DecisionPoints: clamp01(n.DecisionPoints),
			Memory:         clamp01(n.Memory),
			HumanReview:    clamp01(n.HumanReview),
		}
	}
	return types.NormalizedSignals{
		ToolCount:      ratio(float64(s.ToolCount), float64(r.cfg.MaxTools)),
		Duration:       ratio(s.EstimatedDuration.Seconds(), r.cfg.MaxDuration.Seconds()),
		DecisionPoints: ratio(float64(s.DecisionPoints), float64(r.cfg.MaxDecisionPoints)),
		Memory:         boolScore(s.NeedsMemory),
		HumanReview:    boolScore(s.NeedsHumanReview),
	}
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return clamp01(v / limit)
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
