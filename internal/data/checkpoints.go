package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/types"
)

var _ store.Backend = (*Store)(nil)
var _ store.EventReader = (*Store)(nil)

// ═══════════════════════════════════════════════════════════════════════════════
// CHECKPOINT OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

const checkpointColumns = `
	thread_id, checkpoint_id, graph_id, current_node, completed_node,
	node_history, state, status, reason, inputs_needed, error, tier,
	created_at, updated_at`

// Put inserts a checkpoint. The id must be exactly one greater than the
// thread's latest, checked and written in the same transaction.
func (s *Store) Put(ctx context.Context, cp store.Checkpoint) error {
	history, err := json.Marshal(cp.NodeHistory)
	if err != nil {
		return fmt.Errorf("marshal node history: %w", err)
	}
	var inputs sql.NullString
	if len(cp.InputsNeeded) > 0 {
		b, err := json.Marshal(cp.InputsNeeded)
		if err != nil {
			return fmt.Errorf("marshal inputs needed: %w", err)
		}
		inputs = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var latest int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(checkpoint_id), 0) FROM checkpoints WHERE thread_id = ?`,
			cp.ThreadID,
		).Scan(&latest)
		if err != nil {
			return fmt.Errorf("query latest checkpoint: %w", err)
		}
		if cp.CheckpointID != latest+1 {
			return fmt.Errorf("thread %s: put %d after %d: %w", cp.ThreadID, cp.CheckpointID, latest, store.ErrCheckpointConflict)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO checkpoints (`+checkpointColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ThreadID, cp.CheckpointID, cp.GraphID, cp.CurrentNode, nullString(cp.CompletedNode),
			string(history), []byte(cp.State), string(cp.Status), nullString(cp.Reason), inputs,
			nullString(cp.Error), nullString(string(cp.Tier)),
			formatTime(cp.CreatedAt), formatTime(cp.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

// GetLatest returns the highest-numbered checkpoint for a thread, or
// store.ErrNotFound.
func (s *Store) GetLatest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT 1`, threadID)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return cp, nil
}

// List returns every checkpoint for a thread in id order.
func (s *Store) List(ctx context.Context, threadID string) ([]store.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE thread_id = ? ORDER BY checkpoint_id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(r rowScanner) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var completed, reason, inputs, errMsg, tier sql.NullString
	var history, status, createdAt, updatedAt string
	var state []byte
	err := r.Scan(
		&cp.ThreadID, &cp.CheckpointID, &cp.GraphID, &cp.CurrentNode, &completed,
		&history, &state, &status, &reason, &inputs, &errMsg, &tier,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(history), &cp.NodeHistory); err != nil {
		return nil, fmt.Errorf("unmarshal node history: %w", err)
	}
	if inputs.Valid {
		if err := json.Unmarshal([]byte(inputs.String), &cp.InputsNeeded); err != nil {
			return nil, fmt.Errorf("unmarshal inputs needed: %w", err)
		}
	}
	if len(state) > 0 {
		cp.State = json.RawMessage(state)
	}
	cp.CompletedNode = completed.String
	cp.Status = store.Status(status)
	cp.Reason = reason.String
	cp.Error = errMsg.String
	cp.Tier = types.Tier(tier.String)
	cp.CreatedAt = parseTime(createdAt)
	cp.UpdatedAt = parseTime(updatedAt)
	return &cp, nil
}
