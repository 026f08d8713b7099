// Package store defines the persistence shapes the orchestration core depends
// on: a checkpoint store keyed by (thread_id, checkpoint_id), an append-only
// event sink, and an exclusive per-thread lease. Backends live in
// internal/data (SQLite), internal/store/natsstore (JetStream) and this
// package (in-memory).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/normanking/conductor/pkg/types"
)

var (
	// ErrNotFound is returned when a thread has no checkpoints.
	ErrNotFound = errors.New("not found")
	// ErrCheckpointConflict is returned when a put is not exactly latest+1.
	ErrCheckpointConflict = errors.New("checkpoint conflict")
	// ErrLeaseHeld is returned when another owner holds an unexpired lease.
	ErrLeaseHeld = errors.New("lease held by another owner")
	// ErrLeaseLost is returned when renewing or releasing a lease that was taken over.
	ErrLeaseLost = errors.New("lease lost")
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHECKPOINTS
// ═══════════════════════════════════════════════════════════════════════════════

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended_for_human"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Checkpoint is a durably committed snapshot of a workflow instance.
// CurrentNode is always the node that runs next.
type Checkpoint struct {
	ThreadID      string          `json:"thread_id"`
	CheckpointID  int64           `json:"checkpoint_id"`
	GraphID       string          `json:"graph_id"`
	CurrentNode   string          `json:"current_node"`
	CompletedNode string          `json:"completed_node,omitempty"`
	NodeHistory   []string        `json:"node_history"`
	State         json.RawMessage `json:"state"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	InputsNeeded  map[string]any  `json:"inputs_needed,omitempty"`
	Error         string          `json:"error,omitempty"`
	Tier          types.Tier      `json:"tier,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (c Checkpoint) Clone() Checkpoint {
	cp := c
	cp.NodeHistory = append([]string(nil), c.NodeHistory...)
	cp.State = append(json.RawMessage(nil), c.State...)
	if c.InputsNeeded != nil {
		cp.InputsNeeded = make(map[string]any, len(c.InputsNeeded))
		for k, v := range c.InputsNeeded {
			cp.InputsNeeded[k] = v
		}
	}
	return cp
}

// CheckpointStore persists checkpoints. Put must reject any checkpoint whose
// id is not exactly one greater than the latest for the thread (or 1 for a new
// thread) with ErrCheckpointConflict.
type CheckpointStore interface {
	Put(ctx context.Context, cp Checkpoint) error
	GetLatest(ctx context.Context, threadID string) (*Checkpoint, error)
	List(ctx context.Context, threadID string) ([]Checkpoint, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// Event is one append-only audit record.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
	Time      time.Time       `json:"time"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventSink appends audit events. Appends are never updated or deleted.
type EventSink interface {
	Append(ctx context.Context, ev Event) error
}

// EventReader lists events for a thread in append order. Optional.
type EventReader interface {
	Events(ctx context.Context, threadID string) ([]Event, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEASES
// ═══════════════════════════════════════════════════════════════════════════════

// Lease is an exclusive, time-bounded claim on a thread.
type Lease struct {
	ThreadID  string    `json:"thread_id"`
	Owner     string    `json:"owner"`
	Epoch     int64     `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Leaser grants exclusive leases. Acquire returns ErrLeaseHeld immediately
// when another owner holds an unexpired lease; it never waits.
type Leaser interface {
	Acquire(ctx context.Context, threadID, owner string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
}

// Backend bundles the three persistence shapes.
type Backend interface {
	CheckpointStore
	EventSink
	Leaser
	Close() error
}
