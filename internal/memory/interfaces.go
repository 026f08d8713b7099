// Package memory implements the three memory tiers consulted around every
// tier B/C command (a token-capped working context, an append-only episodic
// log and a long-term semantic store) and the Coordinator that reads them
// into one bundle and writes them back in a fixed order.
package memory

import (
	"context"
	"time"
)

// Embedder produces vector embeddings for semantic storage and search.
type Embedder interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int
}

// ═══════════════════════════════════════════════════════════════════════════════
// EPISODIC
// ═══════════════════════════════════════════════════════════════════════════════

// Episode outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePending = "pending" // Suspended for human input
)

// EpisodicEvent records what happened. Never mutated once appended.
type EpisodicEvent struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Outcome   string         `json:"outcome"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EpisodicLog is the append-only event history.
type EpisodicLog interface {
	Append(ctx context.Context, ev EpisodicEvent) error
	// Recent returns up to limit of the newest events for a thread, oldest first.
	Recent(ctx context.Context, threadID string, limit int) ([]EpisodicEvent, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// SEMANTIC
// ═══════════════════════════════════════════════════════════════════════════════

// SemanticRecord is long-term knowledge retrieved by similarity.
type SemanticRecord struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	SourceEvent string    `json:"source_event,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ScoredRecord is a search hit.
type ScoredRecord struct {
	Record SemanticRecord `json:"record"`
	Score  float64        `json:"score"`
}

// SemanticFilter narrows a search. Empty fields match everything; Tags must
// all be present on a record.
type SemanticFilter struct {
	UserID string
	Tags   []string
}

// Matches reports whether rec passes the filter.
func (f SemanticFilter) Matches(rec SemanticRecord) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range rec.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SemanticStore holds long-term records. Normal flow never deletes.
type SemanticStore interface {
	Upsert(ctx context.Context, rec SemanticRecord) error
	Search(ctx context.Context, query []float32, filter SemanticFilter, topK int, minScore float64) ([]ScoredRecord, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// WORKING
// ═══════════════════════════════════════════════════════════════════════════════

// WorkingStore persists the per-thread working context.
type WorkingStore interface {
	// Get returns nil, nil when the thread has no working context.
	Get(ctx context.Context, threadID string) (*WorkingContext, error)
	Put(ctx context.Context, wc WorkingContext) error
}
