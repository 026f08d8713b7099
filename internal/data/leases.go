package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/conductor/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEASES
// ═══════════════════════════════════════════════════════════════════════════════

// Acquire claims the thread for owner. It fails fast with store.ErrLeaseHeld
// when a different owner holds an unexpired lease. Every grant bumps the
// epoch so a stale holder can detect takeover.
func (s *Store) Acquire(ctx context.Context, threadID, owner string, ttl time.Duration) (*store.Lease, error) {
	now := s.now()
	var lease *store.Lease

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var curOwner string
		var epoch, expires int64
		err := tx.QueryRowContext(ctx,
			`SELECT owner, epoch, expires_at FROM leases WHERE thread_id = ?`, threadID,
		).Scan(&curOwner, &epoch, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("query lease: %w", err)
		case curOwner != "" && curOwner != owner && now.UnixNano() < expires:
			return fmt.Errorf("thread %s owned by %s: %w", threadID, curOwner, store.ErrLeaseHeld)
		}

		l := store.Lease{ThreadID: threadID, Owner: owner, Epoch: epoch + 1, ExpiresAt: now.Add(ttl)}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO leases (thread_id, owner, epoch, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(thread_id) DO UPDATE SET
				owner = excluded.owner, epoch = excluded.epoch, expires_at = excluded.expires_at`,
			l.ThreadID, l.Owner, l.Epoch, l.ExpiresAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("write lease: %w", err)
		}
		lease = &l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Renew extends a lease still held at the same epoch.
func (s *Store) Renew(ctx context.Context, lease *store.Lease, ttl time.Duration) error {
	expires := s.now().Add(ttl)
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE thread_id = ? AND owner = ? AND epoch = ?`,
		expires.UnixNano(), lease.ThreadID, lease.Owner, lease.Epoch,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", lease.ThreadID, store.ErrLeaseLost)
	}
	lease.ExpiresAt = expires
	return nil
}

// Release gives the lease up. The row is kept so the epoch keeps counting.
func (s *Store) Release(ctx context.Context, lease *store.Lease) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET owner = '', expires_at = 0 WHERE thread_id = ? AND owner = ? AND epoch = ?`,
		lease.ThreadID, lease.Owner, lease.Epoch,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var owner string
		err := s.db.QueryRowContext(ctx, `SELECT owner FROM leases WHERE thread_id = ?`, lease.ThreadID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || owner == "" {
			return nil
		}
		return fmt.Errorf("thread %s: %w", lease.ThreadID, store.ErrLeaseLost)
	}
	return nil
}
