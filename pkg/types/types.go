// Package types defines shared types used across all Conductor modules.
package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN ESTIMATION
// ═══════════════════════════════════════════════════════════════════════════════

// CharsPerToken is the heuristic for token estimation (~4 chars per token).
// This is a common approximation for English text with LLM tokenizers.
const CharsPerToken = 4

// EstimateTokens provides a rough token estimate for a given text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / CharsPerToken
	if n == 0 {
		return 1
	}
	return n
}

// ═══════════════════════════════════════════════════════════════════════════════
// TIERS
// ═══════════════════════════════════════════════════════════════════════════════

// Tier is one of the three execution strategies a command can be routed to.
type Tier string

const (
	TierNone Tier = ""
	TierA    Tier = "A" // Direct provider call
	TierB    Tier = "B" // Checkpointed workflow
	TierC    Tier = "C" // Multi-phase plan
)

// String returns the tier letter.
func (t Tier) String() string {
	if t == TierNone {
		return "none"
	}
	return string(t)
}

// IsValid returns true if t is one of A, B or C.
func (t Tier) IsValid() bool {
	return t == TierA || t == TierB || t == TierC
}

// Rank orders tiers so ceilings can be compared. TierNone ranks 0.
func (t Tier) Rank() int {
	switch t {
	case TierA:
		return 1
	case TierB:
		return 2
	case TierC:
		return 3
	default:
		return 0
	}
}

// Exceeds reports whether t ranks strictly above ceiling.
func (t Tier) Exceeds(ceiling Tier) bool {
	return ceiling.IsValid() && t.Rank() > ceiling.Rank()
}

// ParseTier converts "a", "B", "tier_c" and similar spellings to a Tier.
func ParseTier(s string) (Tier, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "TIER_")
	s = strings.TrimPrefix(s, "TIER")
	switch Tier(s) {
	case TierA, TierB, TierC:
		return Tier(s), nil
	case TierNone:
		return TierNone, nil
	}
	return TierNone, fmt.Errorf("unknown tier %q", s)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

// Well-known command types. Any non-empty type is accepted.
const (
	CommandGenerate = "GENERATE"
	CommandAnswer   = "ANSWER"
	CommandResearch = "RESEARCH"
)

// Signals are the raw complexity inputs attached to a command.
type Signals struct {
	ToolCount         int           `json:"tool_count" yaml:"tool_count"`
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	DecisionPoints    int           `json:"decision_points" yaml:"decision_points"`
	NeedsMemory       bool          `json:"needs_memory" yaml:"needs_memory"`
	NeedsHumanReview  bool          `json:"needs_human_review" yaml:"needs_human_review"`

	// Normalized, when set, replaces the raw signals above with values the
	// caller has already mapped onto [0,1].
	Normalized *NormalizedSignals `json:"normalized,omitempty" yaml:"normalized,omitempty"`
}

// NormalizedSignals are complexity signals already scaled to [0,1].
type NormalizedSignals struct {
	ToolCount      float64 `json:"tool_count" yaml:"tool_count"`
	Duration       float64 `json:"duration" yaml:"duration"`
	DecisionPoints float64 `json:"decision_points" yaml:"decision_points"`
	Memory         float64 `json:"memory" yaml:"memory"`
	HumanReview    float64 `json:"human_review" yaml:"human_review"`
}

// Command is the unit of work routed by the system. It is immutable once accepted.
type Command struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	UserID   string         `json:"user_id"`
	Role     string         `json:"role"`
	ThreadID string         `json:"thread_id"`
	IssuedAt time.Time      `json:"issued_at"`

	// Ingress extras
	Channel      string  `json:"channel,omitempty"`
	ResourceID   string  `json:"resource_id,omitempty"`
	TierOverride Tier    `json:"tier_override,omitempty"`
	CostApproved bool    `json:"cost_approved,omitempty"`
	Signals      Signals `json:"signals"`
}

// ErrInvalidCommand is wrapped by every Validate failure.
var ErrInvalidCommand = errors.New("invalid command")

// Validate checks the fields every command must carry.
func (c *Command) Validate() error {
	var missing []string
	if c.ID == "" {
		missing = append(missing, "id")
	}
	if c.Type == "" {
		missing = append(missing, "type")
	}
	if c.UserID == "" {
		missing = append(missing, "user_id")
	}
	if c.Role == "" {
		missing = append(missing, "role")
	}
	if c.ThreadID == "" {
		missing = append(missing, "thread_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCommand, strings.Join(missing, ", "))
	}
	if c.TierOverride != TierNone && !c.TierOverride.IsValid() {
		return fmt.Errorf("%w: tier override %q", ErrInvalidCommand, c.TierOverride)
	}
	if c.Signals.ToolCount < 0 || c.Signals.DecisionPoints < 0 || c.Signals.EstimatedDuration < 0 {
		return fmt.Errorf("%w: negative complexity signal", ErrInvalidCommand)
	}
	return nil
}

// Text returns the free-text parts of the payload joined in key order.
// Used for keyword overrides, injection screening and memory queries.
func (c *Command) Text() string {
	if len(c.Payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.Payload))
	for k := range c.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		if s, ok := c.Payload[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// PayloadString returns a string payload field or "".
func (c *Command) PayloadString(key string) string {
	if v, ok := c.Payload[key].(string); ok {
		return v
	}
	return ""
}
