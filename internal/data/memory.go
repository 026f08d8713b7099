package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/normanking/conductor/internal/memory"
)

// The memory tiers share the database with the checkpoint store but need
// their own method sets, so each is exposed through a thin view.

// Episodic returns the episodic log view.
func (s *Store) Episodic() *EpisodicLog { return &EpisodicLog{s: s} }

// Semantic returns the semantic store view.
func (s *Store) Semantic() *SemanticStore { return &SemanticStore{s: s} }

// Working returns the working-context store view.
func (s *Store) Working() *WorkingStore { return &WorkingStore{s: s} }

var (
	_ memory.EpisodicLog   = (*EpisodicLog)(nil)
	_ memory.SemanticStore = (*SemanticStore)(nil)
	_ memory.WorkingStore  = (*WorkingStore)(nil)
)

// ═══════════════════════════════════════════════════════════════════════════════
// EPISODIC
// ═══════════════════════════════════════════════════════════════════════════════

// EpisodicLog persists memory.EpisodicEvent rows.
type EpisodicLog struct{ s *Store }

// Append implements memory.EpisodicLog.
func (l *EpisodicLog) Append(ctx context.Context, ev memory.EpisodicEvent) error {
	var data sql.NullString
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal episode data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}

	_, err := l.s.db.ExecContext(ctx, `
		INSERT INTO episodic_events (id, thread_id, user_id, type, content, outcome, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ThreadID, nullString(ev.UserID), nullString(ev.Type), ev.Content,
		nullString(ev.Outcome), data, formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// Recent implements memory.EpisodicLog.
func (l *EpisodicLog) Recent(ctx context.Context, threadID string, limit int) ([]memory.EpisodicEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.s.db.QueryContext(ctx, `
		SELECT id, thread_id, user_id, type, content, outcome, data, timestamp FROM (
			SELECT * FROM episodic_events WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var out []memory.EpisodicEvent
	for rows.Next() {
		var ev memory.EpisodicEvent
		var userID, typ, outcome, data sql.NullString
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ThreadID, &userID, &typ, &ev.Content, &outcome, &data, &ts); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		ev.UserID = userID.String
		ev.Type = typ.String
		ev.Outcome = outcome.String
		ev.Timestamp = parseTime(ts)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal episode data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// SEMANTIC
// ═══════════════════════════════════════════════════════════════════════════════

// SemanticStore persists memory.SemanticRecord rows. Search is a brute-force
// scan filtered in SQL by user; that is adequate for a single-node store.
type SemanticStore struct{ s *Store }

// Upsert implements memory.SemanticStore. CreatedAt of an existing record is kept.
func (m *SemanticStore) Upsert(ctx context.Context, rec memory.SemanticRecord) error {
	emb, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = m.s.db.ExecContext(ctx, `
		INSERT INTO semantic_records (id, content, embedding, tags, thread_id, user_id, source_event, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding,
			tags = excluded.tags,
			thread_id = excluded.thread_id,
			user_id = excluded.user_id,
			source_event = excluded.source_event,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Content, string(emb), string(tags), nullString(rec.ThreadID), nullString(rec.UserID),
		nullString(rec.SourceEvent), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert semantic record: %w", err)
	}
	return nil
}

// Search implements memory.SemanticStore.
func (m *SemanticStore) Search(ctx context.Context, query []float32, filter memory.SemanticFilter, topK int, minScore float64) ([]memory.ScoredRecord, error) {
	q := `SELECT id, content, embedding, tags, thread_id, user_id, source_event, created_at, updated_at FROM semantic_records`
	var args []any
	if filter.UserID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, filter.UserID)
	}

	rows, err := m.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query semantic records: %w", err)
	}
	defer rows.Close()

	var hits []memory.ScoredItem[memory.SemanticRecord]
	for rows.Next() {
		var rec memory.SemanticRecord
		var emb, tags, createdAt, updatedAt string
		var threadID, userID, source sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Content, &emb, &tags, &threadID, &userID, &source, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan semantic record: %w", err)
		}
		if err := json.Unmarshal([]byte(emb), &rec.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		rec.ThreadID = threadID.String
		rec.UserID = userID.String
		rec.SourceEvent = source.String
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)

		if !filter.Matches(rec) {
			continue
		}
		if score := memory.CosineSimilarity(query, rec.Embedding); score >= minScore {
			hits = append(hits, memory.ScoredItem[memory.SemanticRecord]{Item: rec, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top := memory.TopK(hits, topK)
	out := make([]memory.ScoredRecord, len(top))
	for i, h := range top {
		out[i] = memory.ScoredRecord{Record: h.Item, Score: h.Score}
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// WORKING
// ═══════════════════════════════════════════════════════════════════════════════

// WorkingStore persists one JSON document per thread.
type WorkingStore struct{ s *Store }

// Get implements memory.WorkingStore.
func (w *WorkingStore) Get(ctx context.Context, threadID string) (*memory.WorkingContext, error) {
	var doc string
	err := w.s.db.QueryRowContext(ctx, `SELECT doc FROM working_contexts WHERE thread_id = ?`, threadID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query working context: %w", err)
	}

	var wc memory.WorkingContext
	if err := json.Unmarshal([]byte(doc), &wc); err != nil {
		return nil, fmt.Errorf("unmarshal working context: %w", err)
	}
	return &wc, nil
}

// Put implements memory.WorkingStore.
func (w *WorkingStore) Put(ctx context.Context, wc memory.WorkingContext) error {
	doc, err := json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("marshal working context: %w", err)
	}
	_, err = w.s.db.ExecContext(ctx, `
		INSERT INTO working_contexts (thread_id, doc, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			doc = excluded.doc, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		wc.ThreadID, string(doc), nullString(formatTime(wc.ExpiresAt)), formatTime(wc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert working context: %w", err)
	}
	return nil
}
