package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/types"
)

func newTestRouter(t *testing.T, mutate func(*config.RouterConfig), opts ...Option) *ComplexityRouter {
	t.Helper()
	cfg := config.Default().Router
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewComplexityRouter(cfg, opts...)
	require.NoError(t, err)
	return r
}

func cmdWith(role string, s types.Signals) *types.Command {
	return &types.Command{
		ID:       "cmd-1",
		Type:     types.CommandGenerate,
		UserID:   "u1",
		Role:     role,
		ThreadID: "t1",
		Signals:  s,
	}
}

// ============================================================================
// Scoring
// ============================================================================

func TestRoute_ThresholdBoundaries(t *testing.T) {
	// Only the tool count counts, so score == tools/1000 exactly.
	r := newTestRouter(t, func(c *config.RouterConfig) {
		c.Weights = config.SignalWeights{ToolCount: 1}
		c.MaxTools = 1000
	})

	tests := []struct {
		tools int
		score float64
		tier  types.Tier
	}{
		{0, 0, types.TierA},
		{299, 0.299, types.TierA},
		{300, 0.3, types.TierB},
		{749, 0.749, types.TierB},
		{750, 0.75, types.TierC},
		{1000, 1, types.TierC},
	}
	for _, tt := range tests {
		t.Run(tt.tier.String(), func(t *testing.T) {
			d, err := r.Route(context.Background(), cmdWith("admin", types.Signals{ToolCount: tt.tools}))
			require.NoError(t, err)
			assert.Equal(t, tt.score, d.Score)
			assert.Equal(t, tt.tier, d.Tier)
			assert.Equal(t, ReasonScored, d.Reason)
		})
	}
}

func TestRoute_NormalizedBoundaries(t *testing.T) {
	r := newTestRouter(t, func(c *config.RouterConfig) {
		c.Weights = config.SignalWeights{DecisionPoints: 1}
	})

	for in, want := range map[float64]types.Tier{0: types.TierA, 0.299: types.TierA, 0.3: types.TierB, 0.749: types.TierB, 0.75: types.TierC, 1: types.TierC} {
		d, err := r.Route(context.Background(), cmdWith("admin", types.Signals{
			Normalized: &types.NormalizedSignals{DecisionPoints: in},
		}))
		require.NoError(t, err)
		assert.Equal(t, want, d.Tier, "score %v", in)
	}
}

func TestRoute_Idempotent(t *testing.T) {
	r := newTestRouter(t, nil)
	cmd := cmdWith("admin", types.Signals{
		ToolCount:         3,
		EstimatedDuration: 7 * time.Minute,
		DecisionPoints:    1,
		NeedsMemory:       true,
	})

	first, err := r.Route(context.Background(), cmd)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		d, err := r.Route(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, first.Score, d.Score)
		assert.Equal(t, first.Tier, d.Tier)
		assert.Equal(t, first.Contributions, d.Contributions)
	}
}

func TestScore_DefaultWeights(t *testing.T) {
	r := newTestRouter(t, nil)

	score, c := r.Score(types.Signals{
		ToolCount:         2,
		EstimatedDuration: 450 * time.Second,
		DecisionPoints:    2,
		NeedsMemory:       true,
	})
	assert.Equal(t, 0.5, score)
	assert.InDelta(t, 0.10, c.ToolCount, 1e-9)
	assert.InDelta(t, 0.15, c.Duration, 1e-9)
	assert.InDelta(t, 0.10, c.DecisionPoints, 1e-9)
	assert.InDelta(t, 0.15, c.Memory, 1e-9)
	assert.Zero(t, c.HumanReview)
	assert.Equal(t, types.TierB, r.TierFor(score))
}

func TestScore_ClampsInputs(t *testing.T) {
	r := newTestRouter(t, nil)

	score, _ := r.Score(types.Signals{
		ToolCount:         500,
		EstimatedDuration: 10 * time.Hour,
		DecisionPoints:    99,
		NeedsMemory:       true,
		NeedsHumanReview:  true,
	})
	assert.Equal(t, 1.0, score)

	score, _ = r.Score(types.Signals{Normalized: &types.NormalizedSignals{
		ToolCount: -3, Duration: 7, DecisionPoints: -1,
	}})
	assert.Equal(t, 0.2, score)
}

// ============================================================================
// Overrides and ceilings
// ============================================================================

func TestRoute_OverrideAboveCeilingIsPermissionError(t *testing.T) {
	r := newTestRouter(t, nil)
	cmd := cmdWith("guest", types.Signals{})
	cmd.TierOverride = types.TierC

	d, err := r.Route(context.Background(), cmd)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.Equal(t, errs.RBACTierCeiling, errs.CodeOf(err))
	assert.True(t, errs.IsUser(err))
	assert.Equal(t, int64(1), r.Stats().Rejected)
}

func TestRoute_OverrideWithinCeiling(t *testing.T) {
	r := newTestRouter(t, nil)
	cmd := cmdWith("member", types.Signals{ToolCount: 5, DecisionPoints: 5, NeedsMemory: true, NeedsHumanReview: true})
	cmd.TierOverride = types.TierA

	d, err := r.Route(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, types.TierA, d.Tier)
	assert.Equal(t, types.TierC, d.ScoredTier)
	assert.Equal(t, ReasonOverride, d.Reason)
}

func TestRoute_ScoredTierCappedByCeiling(t *testing.T) {
	r := newTestRouter(t, nil)
	d, err := r.Route(context.Background(), cmdWith("member", types.Signals{
		Normalized: &types.NormalizedSignals{ToolCount: 1, Duration: 1, DecisionPoints: 1, Memory: 1, HumanReview: 1},
	}))
	require.NoError(t, err)
	assert.Equal(t, types.TierC, d.ScoredTier)
	assert.Equal(t, types.TierB, d.Tier)
	assert.Equal(t, ReasonCeilingCapped, d.Reason)
	assert.Equal(t, types.TierB, d.Ceiling)
}

func TestRoute_UnknownRoleHeldToTierA(t *testing.T) {
	r := newTestRouter(t, nil)
	d, err := r.Route(context.Background(), cmdWith("intern", types.Signals{ToolCount: 5, DecisionPoints: 5}))
	require.NoError(t, err)
	assert.Equal(t, types.TierA, d.Tier)
	assert.Equal(t, ReasonCeilingCapped, d.Reason)
}

// ============================================================================
// Keywords
// ============================================================================

func TestRoute_Keywords(t *testing.T) {
	r := newTestRouter(t, nil)

	tests := []struct {
		name    string
		role    string
		text    string
		tier    types.Tier
		reason  Reason
		keyword string
	}{
		{"force C", "admin", "Give me a Comprehensive review", types.TierC, ReasonOverride, "comprehensive"},
		{"force A", "admin", "quick question", types.TierA, ReasonOverride, "quick"},
		{"whole words only", "admin", "quickly now", types.TierB, ReasonScored, ""},
		{"highest keyword wins", "admin", "a quick but comprehensive pass", types.TierC, ReasonOverride, "comprehensive"},
		{"keyword capped", "member", "comprehensive please", types.TierB, ReasonCeilingCapped, "comprehensive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := cmdWith(tt.role, types.Signals{ToolCount: 2, DecisionPoints: 2, NeedsMemory: true})
			cmd.Payload = map[string]any{"text": tt.text}

			d, err := r.Route(context.Background(), cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.tier, d.Tier)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.keyword, d.Keyword)
		})
	}
}

func TestRoute_OverrideBeatsKeyword(t *testing.T) {
	r := newTestRouter(t, nil)
	cmd := cmdWith("admin", types.Signals{})
	cmd.Payload = map[string]any{"text": "comprehensive"}
	cmd.TierOverride = types.TierA

	d, err := r.Route(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, types.TierA, d.Tier)
	assert.Empty(t, d.Keyword)
}

func TestNewComplexityRouter_InvalidConfig(t *testing.T) {
	cfg := config.Default().Router
	cfg.Keywords = map[string]string{"urgent": "Z"}
	_, err := NewComplexityRouter(cfg)
	assert.Error(t, err)

	cfg = config.Default().Router
	cfg.RoleCeilings = map[string]string{"guest": "top"}
	_, err = NewComplexityRouter(cfg)
	assert.Error(t, err)
}

// ============================================================================
// Audit and stats
// ============================================================================

func TestRoute_EmitsAuditEvent(t *testing.T) {
	sink := store.NewMemoryStore()
	r := newTestRouter(t, nil, WithAudit(audit.New(sink, nil)))

	_, err := r.Route(context.Background(), cmdWith("admin", types.Signals{ToolCount: 5}))
	require.NoError(t, err)

	events, err := sink.Events(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(bus.EventRoutingDecision), events[0].Type)
	assert.Equal(t, "cmd-1", events[0].CommandID)

	var got Decision
	require.NoError(t, json.Unmarshal(events[0].Data, &got))
	assert.Equal(t, 0.25, got.Score)
	assert.Equal(t, 0.25, got.Contributions.ToolCount)
	assert.Equal(t, types.TierA, got.Tier)
	assert.Equal(t, ReasonScored, got.Reason)
}

func TestRoute_AuditsRejectedOverride(t *testing.T) {
	sink := store.NewMemoryStore()
	r := newTestRouter(t, nil, WithAudit(audit.New(sink, nil)))

	cmd := cmdWith("guest", types.Signals{})
	cmd.TierOverride = types.TierC
	_, err := r.Route(context.Background(), cmd)
	require.Equal(t, errs.RBACTierCeiling, errs.CodeOf(err))

	events, err := sink.Events(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(bus.EventRoutingDecision), events[0].Type)

	var got Decision
	require.NoError(t, json.Unmarshal(events[0].Data, &got))
	assert.Equal(t, ReasonRejected, got.Reason)
	assert.Equal(t, types.TierNone, got.Tier)
	assert.Equal(t, "guest", got.Role)
	assert.Equal(t, types.TierC, got.Requested)
	assert.Equal(t, types.TierA, got.Ceiling)
}

func TestStats_ConcurrentRoutes(t *testing.T) {
	r := newTestRouter(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Route(context.Background(), cmdWith("admin", types.Signals{ToolCount: i % 6}))
		}(i)
	}
	wg.Wait()

	s := r.Stats()
	assert.Equal(t, int64(50), s.TotalRequests)
	var sum int64
	for _, n := range s.TierDistribution {
		sum += n
	}
	assert.Equal(t, int64(50), sum)
	assert.Equal(t, int64(50), s.ReasonDistribution[ReasonScored])

	r.ResetStats()
	assert.Zero(t, r.Stats().TotalRequests)
	assert.Zero(t, r.Stats().TierRatio(types.TierA))
}
