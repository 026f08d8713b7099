package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/normanking/conductor/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT LOG
// ═══════════════════════════════════════════════════════════════════════════════

// Append adds an event to the audit log. Triggers reject updates and
// deletes, so the table is append-only at the storage level too.
func (s *Store) Append(ctx context.Context, ev store.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event ID cannot be empty")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, thread_id, command_id, time, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, nullString(ev.ThreadID), nullString(ev.CommandID),
		formatTime(ev.Time), []byte(ev.Data),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events returns events for a thread in append order. An empty threadID
// returns the whole log.
func (s *Store) Events(ctx context.Context, threadID string) ([]store.Event, error) {
	query := `SELECT id, type, thread_id, command_id, time, data FROM events`
	var args []any
	if threadID != "" {
		query += ` WHERE thread_id = ?`
		args = append(args, threadID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var ev store.Event
		var thread, command sql.NullString
		var ts string
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &thread, &command, &ts, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ThreadID = thread.String
		ev.CommandID = command.String
		ev.Time = parseTime(ts)
		if len(data) > 0 {
			ev.Data = data
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
