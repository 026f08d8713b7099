// Package natsstore implements store.Backend on NATS JetStream: checkpoints
// and leases in KV buckets, the audit log in a stream.
//
// Each thread has a head key holding its latest checkpoint. A put commits by
// a compare-and-set update of the head at the revision that was read, so two
// writers can never both commit the same checkpoint id. Full history is kept
// under per-checkpoint keys written after the head.
package natsstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
)

var (
	_ store.Backend     = (*Store)(nil)
	_ store.EventReader = (*Store)(nil)
)

// Store is a JetStream-backed persistence backend.
type Store struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	checkpoints jetstream.KeyValue
	leases      jetstream.KeyValue
	stream      string
	subject     string
	log         zerolog.Logger
	now         func() time.Time
}

// Connect dials the NATS server named in cfg and opens the backend.
// The returned Store owns the connection.
func Connect(ctx context.Context, cfg config.NATSConfig) (*Store, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("conductor"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	s, err := New(ctx, js, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.nc = nc
	return s, nil
}

// New opens the backend on an existing JetStream context, creating the
// buckets and stream if they do not exist.
func New(ctx context.Context, js jetstream.JetStream, cfg config.NATSConfig) (*Store, error) {
	// CreateOrUpdate is idempotent across concurrent starters
	cps, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.CheckpointBucket,
		Description: "Workflow checkpoints",
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}

	leases, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.LeaseBucket,
		Description: "Per-thread workflow leases",
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create lease bucket: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.EventStream,
		Description: "Conductor audit events",
		Subjects:    []string{cfg.EventSubject + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create event stream: %w", err)
	}

	return &Store{
		js:          js,
		checkpoints: cps,
		leases:      leases,
		stream:      cfg.EventStream,
		subject:     cfg.EventSubject,
		log:         logging.Component("natsstore"),
		now:         time.Now,
	}, nil
}

// SetClock overrides the time source used for lease expiry.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close drains the connection if the store owns one.
func (s *Store) Close() error {
	if s.nc == nil {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// encodeToken makes a thread id safe as a single key or subject token.
func encodeToken(threadID string) string {
	if threadID == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(threadID))
}

func headKey(threadID string) string { return "head." + encodeToken(threadID) }

func historyKey(threadID string, id int64) string {
	return fmt.Sprintf("cp.%s.%020d", encodeToken(threadID), id)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHECKPOINTS
// ═══════════════════════════════════════════════════════════════════════════════

// Put implements store.CheckpointStore.
func (s *Store) Put(ctx context.Context, cp store.Checkpoint) error {
	now := s.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	key := headKey(cp.ThreadID)
	entry, err := s.checkpoints.Get(ctx, key)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		if cp.CheckpointID != 1 {
			return fmt.Errorf("thread %s: put %d on empty thread: %w", cp.ThreadID, cp.CheckpointID, store.ErrCheckpointConflict)
		}
		if _, err := s.checkpoints.Create(ctx, key, data); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("thread %s: %w", cp.ThreadID, store.ErrCheckpointConflict)
			}
			return fmt.Errorf("create head: %w", err)
		}
	case err != nil:
		return fmt.Errorf("get head: %w", err)
	default:
		var head store.Checkpoint
		if err := json.Unmarshal(entry.Value(), &head); err != nil {
			return fmt.Errorf("unmarshal head: %w", err)
		}
		if cp.CheckpointID != head.CheckpointID+1 {
			return fmt.Errorf("thread %s: put %d after %d: %w", cp.ThreadID, cp.CheckpointID, head.CheckpointID, store.ErrCheckpointConflict)
		}
		if _, err := s.checkpoints.Update(ctx, key, data, entry.Revision()); err != nil {
			if isWrongSequence(err) {
				return fmt.Errorf("thread %s: concurrent put: %w", cp.ThreadID, store.ErrCheckpointConflict)
			}
			return fmt.Errorf("update head: %w", err)
		}
	}

	// History is derived; List falls back to the head if this write is lost.
	if _, err := s.checkpoints.Put(ctx, historyKey(cp.ThreadID, cp.CheckpointID), data); err != nil {
		s.log.Warn().Err(err).Str("thread_id", cp.ThreadID).Int64("checkpoint_id", cp.CheckpointID).Msg("checkpoint history write failed")
	}
	return nil
}

// GetLatest implements store.CheckpointStore.
func (s *Store) GetLatest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	entry, err := s.checkpoints.Get(ctx, headKey(threadID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get head: %w", err)
	}
	var cp store.Checkpoint
	if err := json.Unmarshal(entry.Value(), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// List implements store.CheckpointStore.
func (s *Store) List(ctx context.Context, threadID string) ([]store.Checkpoint, error) {
	prefix := "cp." + encodeToken(threadID) + "."
	keys, err := s.checkpoints.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	byID := make(map[int64]store.Checkpoint)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		entry, err := s.checkpoints.Get(ctx, k)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyDeleted) || errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get %s: %w", k, err)
		}
		var cp store.Checkpoint
		if err := json.Unmarshal(entry.Value(), &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		byID[cp.CheckpointID] = cp
	}

	head, err := s.GetLatest(ctx, threadID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		byID[head.CheckpointID] = *head
	}

	out := make([]store.Checkpoint, 0, len(byID))
	for _, cp := range byID {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckpointID < out[j].CheckpointID })
	return out, nil
}

// isWrongSequence reports a failed compare-and-set.
func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEASES
// ═══════════════════════════════════════════════════════════════════════════════

// Acquire implements store.Leaser. A lost compare-and-set race is reported
// as store.ErrLeaseHeld, the same as finding a live lease.
func (s *Store) Acquire(ctx context.Context, threadID, owner string, ttl time.Duration) (*store.Lease, error) {
	key := encodeToken(threadID)
	now := s.now()

	cur, rev, err := s.getLease(ctx, key)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.Owner != "" && cur.Owner != owner && now.Before(cur.ExpiresAt) {
		return nil, fmt.Errorf("thread %s owned by %s: %w", threadID, cur.Owner, store.ErrLeaseHeld)
	}

	l := store.Lease{ThreadID: threadID, Owner: owner, Epoch: 1, ExpiresAt: now.Add(ttl)}
	if cur != nil {
		l.Epoch = cur.Epoch + 1
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal lease: %w", err)
	}

	if cur == nil {
		_, err = s.leases.Create(ctx, key, data)
	} else {
		_, err = s.leases.Update(ctx, key, data, rev)
	}
	if err != nil {
		if isWrongSequence(err) {
			return nil, fmt.Errorf("thread %s: lost acquire race: %w", threadID, store.ErrLeaseHeld)
		}
		return nil, fmt.Errorf("write lease: %w", err)
	}
	return &l, nil
}

// Renew implements store.Leaser.
func (s *Store) Renew(ctx context.Context, lease *store.Lease, ttl time.Duration) error {
	return s.rewriteLease(ctx, lease, func(l *store.Lease) {
		l.ExpiresAt = s.now().Add(ttl)
	})
}

// Release implements store.Leaser. The key is kept so the epoch keeps counting.
func (s *Store) Release(ctx context.Context, lease *store.Lease) error {
	err := s.rewriteLease(ctx, lease, func(l *store.Lease) {
		l.Owner = ""
		l.ExpiresAt = time.Time{}
	})
	if errors.Is(err, store.ErrLeaseLost) {
		cur, _, gerr := s.getLease(ctx, encodeToken(lease.ThreadID))
		if gerr == nil && (cur == nil || cur.Owner == "") {
			return nil
		}
	}
	return err
}

func (s *Store) rewriteLease(ctx context.Context, lease *store.Lease, mutate func(*store.Lease)) error {
	key := encodeToken(lease.ThreadID)
	cur, rev, err := s.getLease(ctx, key)
	if err != nil {
		return err
	}
	if cur == nil || cur.Owner != lease.Owner || cur.Epoch != lease.Epoch {
		return fmt.Errorf("thread %s: %w", lease.ThreadID, store.ErrLeaseLost)
	}

	next := *cur
	mutate(&next)
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	if _, err := s.leases.Update(ctx, key, data, rev); err != nil {
		if isWrongSequence(err) {
			return fmt.Errorf("thread %s: %w", lease.ThreadID, store.ErrLeaseLost)
		}
		return fmt.Errorf("update lease: %w", err)
	}
	lease.ExpiresAt = next.ExpiresAt
	return nil
}

func (s *Store) getLease(ctx context.Context, key string) (*store.Lease, uint64, error) {
	entry, err := s.leases.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("get lease: %w", err)
	}
	var l store.Lease
	if err := json.Unmarshal(entry.Value(), &l); err != nil {
		return nil, 0, fmt.Errorf("unmarshal lease: %w", err)
	}
	return &l, entry.Revision(), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// Append implements store.EventSink. The event id doubles as the JetStream
// message id, so a retried append inside the duplicate window is a no-op.
func (s *Store) Append(ctx context.Context, ev store.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event ID cannot be empty")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.subject + "." + encodeToken(ev.ThreadID)
	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Events implements store.EventReader.
func (s *Store) Events(ctx context.Context, threadID string) ([]store.Event, error) {
	filter := s.subject + ".>"
	if threadID != "" {
		filter = s.subject + "." + encodeToken(threadID)
	}

	cons, err := s.js.OrderedConsumer(ctx, s.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("consumer info: %w", err)
	}

	var out []store.Event
	remaining := int(info.NumPending)
	for remaining > 0 {
		batch, err := cons.Fetch(remaining, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("fetch events: %w", err)
		}
		got := 0
		for msg := range batch.Messages() {
			got++
			var ev store.Event
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				return nil, fmt.Errorf("unmarshal event: %w", err)
			}
			out = append(out, ev)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("fetch events: %w", err)
		}
		if got == 0 {
			break
		}
		remaining -= got
	}
	return out, nil
}
