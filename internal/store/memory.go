package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Backend for tests and single-process runs.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string][]Checkpoint
	events      []Event
	leases      map[string]Lease
	epochs      map[string]int64
	now         func() time.Time
}

var _ Backend = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]Checkpoint),
		leases:      make(map[string]Lease),
		epochs:      make(map[string]int64),
		now:         time.Now,
	}
}

// SetClock overrides the time source used for lease expiry.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put implements CheckpointStore.
func (m *MemoryStore) Put(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.checkpoints[cp.ThreadID]
	var latest int64
	if n := len(list); n > 0 {
		latest = list[n-1].CheckpointID
	}
	if cp.CheckpointID != latest+1 {
		return fmt.Errorf("%w: thread %s has %d, got %d", ErrCheckpointConflict, cp.ThreadID, latest, cp.CheckpointID)
	}
	m.checkpoints[cp.ThreadID] = append(list, cp.Clone())
	return nil
}

// GetLatest implements CheckpointStore.
func (m *MemoryStore) GetLatest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.checkpoints[threadID]
	if len(list) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	cp := list[len(list)-1].Clone()
	return &cp, nil
}

// List implements CheckpointStore.
func (m *MemoryStore) List(_ context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.checkpoints[threadID]
	out := make([]Checkpoint, len(list))
	for i, cp := range list {
		out[i] = cp.Clone()
	}
	return out, nil
}

// Append implements EventSink.
func (m *MemoryStore) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events implements EventReader. An empty threadID returns every event.
func (m *MemoryStore) Events(_ context.Context, threadID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, ev := range m.events {
		if threadID == "" || ev.ThreadID == threadID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Acquire implements Leaser.
func (m *MemoryStore) Acquire(_ context.Context, threadID, owner string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[threadID]; ok && cur.Owner != owner && now.Before(cur.ExpiresAt) {
		return nil, fmt.Errorf("thread %s owned by %s: %w", threadID, cur.Owner, ErrLeaseHeld)
	}
	m.epochs[threadID]++
	l := Lease{ThreadID: threadID, Owner: owner, Epoch: m.epochs[threadID], ExpiresAt: now.Add(ttl)}
	m.leases[threadID] = l
	return &l, nil
}

// Renew implements Leaser.
func (m *MemoryStore) Renew(_ context.Context, lease *Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[lease.ThreadID]
	if !ok || cur.Owner != lease.Owner || cur.Epoch != lease.Epoch {
		return fmt.Errorf("thread %s: %w", lease.ThreadID, ErrLeaseLost)
	}
	cur.ExpiresAt = m.now().Add(ttl)
	m.leases[lease.ThreadID] = cur
	lease.ExpiresAt = cur.ExpiresAt
	return nil
}

// Release implements Leaser. Releasing a lease that was taken over is an error
// but leaves the new owner's lease intact.
func (m *MemoryStore) Release(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[lease.ThreadID]
	if !ok {
		return nil
	}
	if cur.Owner != lease.Owner || cur.Epoch != lease.Epoch {
		return fmt.Errorf("thread %s: %w", lease.ThreadID, ErrLeaseLost)
	}
	delete(m.leases, lease.ThreadID)
	return nil
}

// Close implements Backend.
func (m *MemoryStore) Close() error { return nil }
