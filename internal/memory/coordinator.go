package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
)

// Bundle is the memory context assembled for one command.
type Bundle struct {
	Working  *WorkingContext `json:"working,omitempty"`
	Episodes []EpisodicEvent `json:"episodes,omitempty"`
	Semantic []ScoredRecord  `json:"semantic,omitempty"`
}

// Query steers the semantic part of a read.
type Query struct {
	Text   string
	UserID string
	Tags   []string
}

// Deltas is the write-back produced by one command once its outcome is known.
type Deltas struct {
	Episode  *EpisodicEvent
	Semantic []SemanticRecord
	Working  WorkingUpdate
}

// CoordinatorConfig wires the tiers together.
type CoordinatorConfig struct {
	Working  WorkingStore
	Episodic EpisodicLog
	Semantic SemanticStore
	Embedder Embedder
	Memory   config.MemoryConfig
	Audit    *audit.Recorder
	Logger   *zerolog.Logger
}

// Coordinator aggregates the three memory tiers.
type Coordinator struct {
	working  WorkingStore
	episodic EpisodicLog
	semantic SemanticStore
	embedder Embedder
	cfg      config.MemoryConfig
	audit    *audit.Recorder
	log      zerolog.Logger
	now      func() time.Time

	// recompute is read-modify-write on the working context
	workingMu sync.Mutex
}

// NewCoordinator creates a Coordinator. Missing tiers fall back to in-memory
// implementations and a missing embedder to a HashEmbedder.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		working:  cfg.Working,
		episodic: cfg.Episodic,
		semantic: cfg.Semantic,
		embedder: cfg.Embedder,
		cfg:      cfg.Memory,
		audit:    cfg.Audit,
		log:      logging.Component("memory"),
		now:      time.Now,
	}
	if c.working == nil {
		c.working = NewInMemoryWorking()
	}
	if c.episodic == nil {
		c.episodic = NewInMemoryEpisodic()
	}
	if c.semantic == nil {
		c.semantic = NewInMemorySemantic()
	}
	if c.embedder == nil {
		c.embedder = NewHashEmbedder(cfg.Memory.EmbeddingDims)
	}
	if cfg.Logger != nil {
		c.log = *cfg.Logger
	}
	return c
}

// Read composes the working context, the top-K semantic matches above the
// minimum score, and a bounded window of recent episodic events.
func (c *Coordinator) Read(ctx context.Context, threadID string, q Query) (*Bundle, error) {
	b := &Bundle{}

	wc, err := c.working.Get(ctx, threadID)
	if err != nil {
		return nil, errs.System(errs.MEMReadFailed, "memory is temporarily unavailable", fmt.Errorf("working context: %w", err))
	}
	if wc != nil && !wc.Expired(c.now()) {
		b.Working = wc
	}

	if c.cfg.EpisodeWindow > 0 {
		eps, err := c.episodic.Recent(ctx, threadID, c.cfg.EpisodeWindow)
		if err != nil {
			return nil, errs.System(errs.MEMReadFailed, "memory is temporarily unavailable", fmt.Errorf("episodic: %w", err))
		}
		b.Episodes = eps
	}

	if q.Text != "" && c.cfg.TopK > 0 {
		vec, err := c.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, errs.System(errs.MEMReadFailed, "memory is temporarily unavailable", fmt.Errorf("embed query: %w", err))
		}
		hits, err := c.semantic.Search(ctx, vec, SemanticFilter{UserID: q.UserID, Tags: q.Tags}, c.cfg.TopK, c.cfg.MinScore)
		if err != nil {
			return nil, errs.System(errs.MEMReadFailed, "memory is temporarily unavailable", fmt.Errorf("semantic: %w", err))
		}
		b.Semantic = hits
	}

	c.log.Debug().
		Str("thread_id", threadID).
		Bool("working", b.Working != nil).
		Int("episodes", len(b.Episodes)).
		Int("semantic", len(b.Semantic)).
		Msg("memory read")
	return b, nil
}

// Write applies deltas in a fixed order: episodic append, semantic upsert,
// working-context recompute. The first failure stops the sequence, so no
// later tier ever references an episode that was not recorded.
func (c *Coordinator) Write(ctx context.Context, threadID string, d Deltas) error {
	now := c.now().UTC()

	var episodeID string
	if d.Episode != nil {
		ev := *d.Episode
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.ThreadID == "" {
			ev.ThreadID = threadID
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		if err := c.episodic.Append(ctx, ev); err != nil {
			return errs.System(errs.MEMWriteFailed, "memory could not be updated", fmt.Errorf("episodic append: %w", err))
		}
		episodeID = ev.ID
	}

	for _, rec := range d.Semantic {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.ThreadID == "" {
			rec.ThreadID = threadID
		}
		if rec.SourceEvent == "" {
			rec.SourceEvent = episodeID
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		if len(rec.Embedding) == 0 {
			vec, err := c.embedder.Embed(ctx, rec.Content)
			if err != nil {
				return errs.System(errs.MEMWriteFailed, "memory could not be updated", fmt.Errorf("embed record: %w", err))
			}
			rec.Embedding = vec
		}
		if err := c.semantic.Upsert(ctx, rec); err != nil {
			return errs.System(errs.MEMWriteFailed, "memory could not be updated", fmt.Errorf("semantic upsert: %w", err))
		}
	}

	if !d.Working.IsZero() {
		c.workingMu.Lock()
		err := c.recomputeWorking(ctx, threadID, d.Working)
		c.workingMu.Unlock()
		if err != nil {
			return errs.System(errs.MEMWriteFailed, "memory could not be updated", err)
		}
	}

	c.audit.Record(ctx, audit.Entry{
		Type:     bus.EventMemoryWrite,
		ThreadID: threadID,
		Payload: map[string]any{
			"episode_id": episodeID,
			"semantic":   len(d.Semantic),
			"working":    !d.Working.IsZero(),
		},
	})
	return nil
}

func (c *Coordinator) recomputeWorking(ctx context.Context, threadID string, u WorkingUpdate) error {
	prev, err := c.working.Get(ctx, threadID)
	if err != nil {
		return fmt.Errorf("working get: %w", err)
	}
	next := recompute(prev, threadID, u, c.cfg.WorkingTokenBudget, c.cfg.WorkingTTL, c.now())
	if err := c.working.Put(ctx, next); err != nil {
		return fmt.Errorf("working put: %w", err)
	}
	return nil
}
