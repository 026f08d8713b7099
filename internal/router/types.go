// Package router scores commands by estimated complexity and selects the
// execution tier: a direct provider call (A), a checkpointed workflow (B) or
// the multi-phase planning loop (C).
package router

import (
	"time"

	"github.com/normanking/conductor/pkg/types"
)

// Reason explains how the final tier was chosen.
type Reason string

const (
	// ReasonScored means the tier came straight from the complexity score.
	ReasonScored Reason = "scored"
	// ReasonOverride means an explicit tier override or a keyword forced the tier.
	ReasonOverride Reason = "override"
	// ReasonCeilingCapped means the role ceiling lowered the tier.
	ReasonCeilingCapped Reason = "ceiling-capped"
	// ReasonRejected means an override above the role ceiling was refused.
	// The command is not routed and Tier is empty.
	ReasonRejected Reason = "rejected"
)

// String returns the reason as written in audit records.
func (r Reason) String() string {
	return string(r)
}

// Contributions is the weighted share of each signal in the final score.
type Contributions struct {
	ToolCount      float64 `json:"tool_count"`
	Duration       float64 `json:"duration"`
	DecisionPoints float64 `json:"decision_points"`
	Memory         float64 `json:"memory"`
	HumanReview    float64 `json:"human_review"`
}

// Total sums the contributions.
func (c Contributions) Total() float64 {
	return c.ToolCount + c.Duration + c.DecisionPoints + c.Memory + c.HumanReview
}

// Decision contains the result of routing one command.
type Decision struct {
	CommandID string `json:"command_id"`
	ThreadID  string `json:"thread_id"`

	// Score is the complexity score in [0,1], rounded to 6 decimal places.
	Score         float64       `json:"score"`
	Contributions Contributions `json:"contributions"`

	// ScoredTier is the tier the score alone selects.
	ScoredTier types.Tier `json:"scored_tier"`
	// Tier is the tier the command will run at.
	Tier   types.Tier `json:"tier"`
	Reason Reason     `json:"reason"`

	// Keyword is the payload word that forced the tier, if any.
	Keyword string `json:"keyword,omitempty"`
	// Role and Ceiling are the caller's role and the highest tier it may use.
	Role    string     `json:"role,omitempty"`
	Ceiling types.Tier `json:"ceiling"`
	// Requested is the explicit tier override, if any.
	Requested types.Tier `json:"requested,omitempty"`

	DecidedAt time.Time     `json:"decided_at"`
	Duration  time.Duration `json:"duration"`
}

// RouterStats tracks routing statistics for monitoring and tuning.
type RouterStats struct {
	// TotalRequests is the total number of routing requests.
	TotalRequests int64 `json:"total_requests"`

	// Rejected counts overrides refused for exceeding the role ceiling.
	Rejected int64 `json:"rejected"`

	// KeywordHits counts decisions forced by a payload keyword.
	KeywordHits int64 `json:"keyword_hits"`

	// AverageScore is the running average complexity score.
	AverageScore float64 `json:"average_score"`

	// TierDistribution tracks how often each tier is selected.
	TierDistribution map[types.Tier]int64 `json:"tier_distribution"`

	// ReasonDistribution tracks how often each reason applies.
	ReasonDistribution map[Reason]int64 `json:"reason_distribution"`
}

// TierRatio returns the percentage of requests routed to tier.
func (s RouterStats) TierRatio(tier types.Tier) float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TierDistribution[tier]) / float64(s.TotalRequests) * 100
}
