package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/conductor/pkg/types"
)

// Config holds all application configuration for Conductor.
// It is loaded from ~/.conductor/config.yaml and can be overridden by environment variables.
// A loaded Config is treated as immutable; components copy the sections they need.
type Config struct {
	Router    RouterConfig            `mapstructure:"router" yaml:"router"`
	Workflow  WorkflowConfig          `mapstructure:"workflow" yaml:"workflow"`
	Planning  PlanningConfig          `mapstructure:"planning" yaml:"planning"`
	LLM       LLMConfig               `mapstructure:"llm" yaml:"llm"`
	Memory    MemoryConfig            `mapstructure:"memory" yaml:"memory"`
	Safety    SafetyConfig            `mapstructure:"safety" yaml:"safety"`
	Auth      AuthConfig              `mapstructure:"auth" yaml:"auth"`
	Store     StoreConfig             `mapstructure:"store" yaml:"store"`
	Workflows map[string]WorkflowSpec `mapstructure:"workflows" yaml:"workflows"`
	Logging   LoggingConfig           `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig           `mapstructure:"metrics" yaml:"metrics"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER
// ═══════════════════════════════════════════════════════════════════════════════

// SignalWeights weights the five complexity signals. They should sum to 1.
type SignalWeights struct {
	ToolCount      float64 `mapstructure:"tool_count" yaml:"tool_count"`
	Duration       float64 `mapstructure:"duration" yaml:"duration"`
	DecisionPoints float64 `mapstructure:"decision_points" yaml:"decision_points"`
	Memory         float64 `mapstructure:"memory" yaml:"memory"`
	HumanReview    float64 `mapstructure:"human_review" yaml:"human_review"`
}

// Sum returns the total weight.
func (w SignalWeights) Sum() float64 {
	return w.ToolCount + w.Duration + w.DecisionPoints + w.Memory + w.HumanReview
}

// RouterConfig configures the complexity router.
type RouterConfig struct {
	Weights SignalWeights `mapstructure:"weights" yaml:"weights"`

	// TierBThreshold is the lowest score routed to tier B (default 0.3)
	TierBThreshold float64 `mapstructure:"tier_b_threshold" yaml:"tier_b_threshold"`
	// TierCThreshold is the lowest score routed to tier C (default 0.75)
	TierCThreshold float64 `mapstructure:"tier_c_threshold" yaml:"tier_c_threshold"`

	// Normalization caps: a raw signal at or above its cap contributes its full weight
	MaxTools          int           `mapstructure:"max_tools" yaml:"max_tools"`
	MaxDuration       time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	MaxDecisionPoints int           `mapstructure:"max_decision_points" yaml:"max_decision_points"`

	// Keywords force a tier when they appear as whole words in the payload text
	Keywords map[string]string `mapstructure:"keywords" yaml:"keywords"`
	// RoleCeilings caps the tier a role may be routed to
	RoleCeilings map[string]string `mapstructure:"role_ceilings" yaml:"role_ceilings"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// WORKFLOW / PLANNING
// ═══════════════════════════════════════════════════════════════════════════════

// RetryConfig controls in-place retry of transient node failures.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// WorkflowConfig configures the workflow engine.
type WorkflowConfig struct {
	LeaseTTL    time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	NodeTimeout time.Duration `mapstructure:"node_timeout" yaml:"node_timeout"`
	Retry       RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

// PlanningConfig configures the tier C planning loop.
type PlanningConfig struct {
	MinPhases       int           `mapstructure:"min_phases" yaml:"min_phases"`
	MaxPhases       int           `mapstructure:"max_phases" yaml:"max_phases"`
	MinActions      int           `mapstructure:"min_actions" yaml:"min_actions"`
	MaxActions      int           `mapstructure:"max_actions" yaml:"max_actions"`
	CheckpointEvery int           `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	MaxReplans      int           `mapstructure:"max_replans" yaml:"max_replans"`
	MaxConcurrency  int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	CostCeiling     float64       `mapstructure:"cost_ceiling" yaml:"cost_ceiling"`
	WallClockCap    time.Duration `mapstructure:"wall_clock_cap" yaml:"wall_clock_cap"`
	MaxDepth        int           `mapstructure:"max_depth" yaml:"max_depth"`
	MaxCost         float64       `mapstructure:"max_cost" yaml:"max_cost"`
	// NodeTimeout replaces workflow.node_timeout for loop stages, which run
	// whole batches of actions.
	NodeTimeout time.Duration `mapstructure:"node_timeout" yaml:"node_timeout"`
}

// NodeSpec declares one node of a catalog workflow.
type NodeSpec struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Kind   string `mapstructure:"kind" yaml:"kind"` // llm_call or tool_call
	Prompt string `mapstructure:"prompt" yaml:"prompt,omitempty"`
	Tool   string `mapstructure:"tool" yaml:"tool,omitempty"`
	Next   string `mapstructure:"next" yaml:"next,omitempty"`
}

// WorkflowSpec declares a tier B workflow for a command type.
type WorkflowSpec struct {
	Nodes          []NodeSpec `mapstructure:"nodes" yaml:"nodes"`
	InterruptAfter []string   `mapstructure:"interrupt_after" yaml:"interrupt_after,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// LLM
// ═══════════════════════════════════════════════════════════════════════════════

// LLMConfig contains configuration for Language Model providers and dispatch.
type LLMConfig struct {
	// Providers maps provider names to their specific configuration
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	// Candidates lists provider names in priority order, per tier ("a", "b", "c")
	Candidates map[string][]string `mapstructure:"candidates" yaml:"candidates"`

	AttemptTimeout           time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	MaxConcurrentPerProvider int           `mapstructure:"max_concurrent_per_provider" yaml:"max_concurrent_per_provider"`
	// DefaultRetryAfter is surfaced when every provider failed transiently without a hint
	DefaultRetryAfter time.Duration `mapstructure:"default_retry_after" yaml:"default_retry_after"`

	Breaker   BreakerConfig       `mapstructure:"breaker" yaml:"breaker"`
	CostRates map[string]CostRate `mapstructure:"cost_rates" yaml:"cost_rates"`
}

// ProviderConfig contains configuration for a specific LLM provider.
type ProviderConfig struct {
	// Kind selects the client implementation: "openai" (any compatible API) or "anthropic"
	Kind    string `mapstructure:"kind" yaml:"kind"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// CostRate is the price per 1K tokens for a model.
type CostRate struct {
	InputPer1K  float64 `mapstructure:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `mapstructure:"output_per_1k" yaml:"output_per_1k"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY / SAFETY / AUTH / STORE
// ═══════════════════════════════════════════════════════════════════════════════

// MemoryConfig configures the memory coordinator.
type MemoryConfig struct {
	WorkingTokenBudget int           `mapstructure:"working_token_budget" yaml:"working_token_budget"`
	WorkingTTL         time.Duration `mapstructure:"working_ttl" yaml:"working_ttl"`
	TopK               int           `mapstructure:"top_k" yaml:"top_k"`
	MinScore           float64       `mapstructure:"min_score" yaml:"min_score"`
	EpisodeWindow      int           `mapstructure:"episode_window" yaml:"episode_window"`
	EmbeddingDims      int           `mapstructure:"embedding_dims" yaml:"embedding_dims"`
}

// SafetyConfig configures prompt-injection screening.
type SafetyConfig struct {
	// Block rejects commands whose injection confidence reaches Threshold
	Block     bool    `mapstructure:"block" yaml:"block"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// RolePolicy lists glob patterns a role may (and may not) act on.
type RolePolicy struct {
	Commands  []string `mapstructure:"commands" yaml:"commands"`
	Resources []string `mapstructure:"resources" yaml:"resources,omitempty"`
	Deny      []string `mapstructure:"deny" yaml:"deny,omitempty"`
}

// AuthConfig holds the role policies used by the default authorizer.
type AuthConfig struct {
	Roles map[string]RolePolicy `mapstructure:"roles" yaml:"roles"`
}

// NATSConfig configures the JetStream persistence backend.
type NATSConfig struct {
	URL              string `mapstructure:"url" yaml:"url"`
	CheckpointBucket string `mapstructure:"checkpoint_bucket" yaml:"checkpoint_bucket"`
	LeaseBucket      string `mapstructure:"lease_bucket" yaml:"lease_bucket"`
	EventStream      string `mapstructure:"event_stream" yaml:"event_stream"`
	EventSubject     string `mapstructure:"event_subject" yaml:"event_subject"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite", "nats" or "memory"
	Backend    string     `mapstructure:"backend" yaml:"backend"`
	SQLitePath string     `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	NATS       NATSConfig `mapstructure:"nats" yaml:"nats"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "console" or "json"
	Format string `mapstructure:"format" yaml:"format"`
	// File is the path to the log file; empty logs to stderr
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// DEFAULTS
// ═══════════════════════════════════════════════════════════════════════════════

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".conductor")

	return &Config{
		Router: RouterConfig{
			Weights: SignalWeights{
				ToolCount:      0.25,
				Duration:       0.20,
				DecisionPoints: 0.25,
				Memory:         0.15,
				HumanReview:    0.15,
			},
			TierBThreshold:    0.3,
			TierCThreshold:    0.75,
			MaxTools:          5,
			MaxDuration:       10 * time.Minute,
			MaxDecisionPoints: 5,
			Keywords: map[string]string{
				"comprehensive": "C",
				"quick":         "A",
			},
			RoleCeilings: map[string]string{
				"guest":  "A",
				"member": "B",
				"admin":  "C",
			},
		},
		Workflow: WorkflowConfig{
			LeaseTTL:    30 * time.Second,
			NodeTimeout: 2 * time.Minute,
			Retry: RetryConfig{
				BaseDelay:   200 * time.Millisecond,
				Multiplier:  2.0,
				MaxDelay:    5 * time.Second,
				MaxAttempts: 3,
			},
		},
		Planning: PlanningConfig{
			MinPhases:       3,
			MaxPhases:       7,
			MinActions:      5,
			MaxActions:      15,
			CheckpointEvery: 10,
			MaxReplans:      2,
			MaxConcurrency:  4,
			CostCeiling:     1.0,
			WallClockCap:    30 * time.Minute,
			MaxDepth:        3,
			MaxCost:         20.0,
			NodeTimeout:     15 * time.Minute,
		},
		LLM: LLMConfig{
			Providers: map[string]ProviderConfig{
				"openai": {
					Kind:  "openai",
					Model: "gpt-4o-mini",
				},
				"anthropic": {
					Kind:  "anthropic",
					Model: "claude-sonnet-4-20250514",
				},
				"ollama": {
					Kind:    "openai",
					BaseURL: "http://127.0.0.1:11434/v1",
					Model:   "llama3.2",
				},
			},
			Candidates: map[string][]string{
				"a": {"ollama", "openai"},
				"b": {"openai", "anthropic", "ollama"},
				"c": {"anthropic", "openai"},
			},
			AttemptTimeout:           60 * time.Second,
			MaxConcurrentPerProvider: 4,
			DefaultRetryAfter:        30 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
			CostRates: map[string]CostRate{
				"gpt-4o-mini":              {InputPer1K: 0.00015, OutputPer1K: 0.0006},
				"claude-sonnet-4-20250514": {InputPer1K: 0.003, OutputPer1K: 0.015},
			},
		},
		Memory: MemoryConfig{
			WorkingTokenBudget: 2000,
			WorkingTTL:         24 * time.Hour,
			TopK:               5,
			MinScore:           0.35,
			EpisodeWindow:      20,
			EmbeddingDims:      256,
		},
		Safety: SafetyConfig{
			Block:     false,
			Threshold: 0.8,
		},
		Auth: AuthConfig{
			Roles: map[string]RolePolicy{
				"guest":  {Commands: []string{"ANSWER"}},
				"member": {Commands: []string{"*"}, Deny: []string{"ADMIN_*"}},
				"admin":  {Commands: []string{"**"}},
			},
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(dataDir, "conductor.db"),
			NATS: NATSConfig{
				URL:              "nats://127.0.0.1:4222",
				CheckpointBucket: "CONDUCTOR_CHECKPOINTS",
				LeaseBucket:      "CONDUCTOR_LEASES",
				EventStream:      "CONDUCTOR_EVENTS",
				EventSubject:     "conductor.events",
			},
		},
		Workflows: map[string]WorkflowSpec{
			"GENERATE": {
				Nodes: []NodeSpec{
					{Name: "draft", Kind: "llm_call", Prompt: "Draft the requested document.", Next: "validate"},
					{Name: "validate", Kind: "llm_call", Prompt: "Check the approved draft for errors and omissions.", Next: "finalize"},
					{Name: "finalize", Kind: "llm_call", Prompt: "Produce the final version of the document."},
				},
				InterruptAfter: []string{"draft"},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOAD / SAVE
// ═══════════════════════════════════════════════════════════════════════════════

// Load reads configuration from the default location (~/.conductor/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".conductor", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: CONDUCTOR_LLM_PROVIDERS_OPENAI_API_KEY
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	cfg.Store.SQLitePath = expandPath(cfg.Store.SQLitePath)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// applyDefaults fills sections that are entirely absent from the file.
// Partially specified sections are kept as written.
func (c *Config) applyDefaults() {
	d := Default()
	fill := func(dst, src any) {
		dv := reflect.ValueOf(dst).Elem()
		if dv.IsZero() {
			dv.Set(reflect.ValueOf(src).Elem())
		}
	}
	fill(&c.Router, &d.Router)
	fill(&c.Workflow, &d.Workflow)
	fill(&c.Planning, &d.Planning)
	fill(&c.LLM, &d.LLM)
	fill(&c.Memory, &d.Memory)
	fill(&c.Safety, &d.Safety)
	fill(&c.Auth, &d.Auth)
	fill(&c.Store, &d.Store)
	fill(&c.Logging, &d.Logging)
	if c.Workflows == nil {
		c.Workflows = d.Workflows
	}
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// YAML renders the configuration the way it would be saved.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// WorkflowFor returns the catalog entry for a command type. Lookups are
// case-insensitive because viper lowercases map keys.
func (c *Config) WorkflowFor(commandType string) (WorkflowSpec, bool) {
	for name, spec := range c.Workflows {
		if strings.EqualFold(name, commandType) {
			return spec, true
		}
	}
	return WorkflowSpec{}, false
}

// CandidatesFor returns the provider chain configured for a tier.
func (c *LLMConfig) CandidatesFor(tier types.Tier) []string {
	for k, v := range c.Candidates {
		if strings.EqualFold(k, string(tier)) {
			out := make([]string, len(v))
			copy(out, v)
			return out
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// VALIDATION
// ═══════════════════════════════════════════════════════════════════════════════

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	r := c.Router
	if sum := r.Weights.Sum(); math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("router.weights must sum to 1, got %.4f", sum)
	}
	if r.TierBThreshold <= 0 || r.TierCThreshold >= 1 || r.TierBThreshold >= r.TierCThreshold {
		return fmt.Errorf("router thresholds must satisfy 0 < tier_b (%.2f) < tier_c (%.2f) < 1", r.TierBThreshold, r.TierCThreshold)
	}
	if r.MaxTools <= 0 || r.MaxDuration <= 0 || r.MaxDecisionPoints <= 0 {
		return fmt.Errorf("router normalization caps must be positive")
	}
	for kw, t := range r.Keywords {
		if tier, err := types.ParseTier(t); err != nil || !tier.IsValid() {
			return fmt.Errorf("router.keywords[%s]: invalid tier %q", kw, t)
		}
	}
	for role, t := range r.RoleCeilings {
		if tier, err := types.ParseTier(t); err != nil || !tier.IsValid() {
			return fmt.Errorf("router.role_ceilings[%s]: invalid tier %q", role, t)
		}
	}

	w := c.Workflow
	if w.LeaseTTL <= 0 || w.NodeTimeout <= 0 {
		return fmt.Errorf("workflow.lease_ttl and workflow.node_timeout must be positive")
	}
	if w.Retry.MaxAttempts < 1 || w.Retry.Multiplier < 1 || w.Retry.BaseDelay <= 0 || w.Retry.MaxDelay < w.Retry.BaseDelay {
		return fmt.Errorf("workflow.retry: need max_attempts >= 1, multiplier >= 1, 0 < base_delay <= max_delay")
	}

	p := c.Planning
	if p.MinPhases < 1 || p.MaxPhases < p.MinPhases {
		return fmt.Errorf("planning phase bounds invalid: %d..%d", p.MinPhases, p.MaxPhases)
	}
	if p.MinActions < 1 || p.MaxActions < p.MinActions {
		return fmt.Errorf("planning action bounds invalid: %d..%d", p.MinActions, p.MaxActions)
	}
	if p.CheckpointEvery < 1 || p.MaxConcurrency < 1 || p.MaxReplans < 0 {
		return fmt.Errorf("planning.checkpoint_every and planning.max_concurrency must be positive")
	}
	if p.WallClockCap <= 0 || p.MaxDepth < 1 || p.MaxCost <= 0 || p.NodeTimeout < 0 {
		return fmt.Errorf("planning.wall_clock_cap, max_depth and max_cost must be positive")
	}

	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("llm.providers cannot be empty")
	}
	for name, pc := range c.LLM.Providers {
		if pc.Kind != "openai" && pc.Kind != "anthropic" {
			return fmt.Errorf("llm.providers[%s]: unknown kind %q", name, pc.Kind)
		}
	}
	for tier, chain := range c.LLM.Candidates {
		for _, name := range chain {
			if _, ok := c.LLM.Providers[name]; !ok {
				return fmt.Errorf("llm.candidates[%s]: provider %q not configured", tier, name)
			}
		}
	}
	if c.LLM.AttemptTimeout <= 0 || c.LLM.MaxConcurrentPerProvider < 1 {
		return fmt.Errorf("llm.attempt_timeout and llm.max_concurrent_per_provider must be positive")
	}

	if c.Memory.WorkingTokenBudget <= 0 || c.Memory.TopK < 0 || c.Memory.EpisodeWindow < 0 {
		return fmt.Errorf("memory limits invalid")
	}
	if c.Safety.Threshold < 0 || c.Safety.Threshold > 1 {
		return fmt.Errorf("safety.threshold must be within [0,1]")
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path cannot be empty")
		}
	case "nats":
		if c.Store.NATS.URL == "" {
			return fmt.Errorf("store.nats.url cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store.backend '%s', must be one of: sqlite, nats, memory", c.Store.Backend)
	}

	for name, spec := range c.Workflows {
		if len(spec.Nodes) == 0 {
			return fmt.Errorf("workflows[%s]: no nodes", name)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
