// Package audit records audit events durably and then fans them out on the
// in-process bus.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
)

// DefaultWriteTimeout bounds a single sink append.
const DefaultWriteTimeout = 5 * time.Second

// Recorder writes audit events. A nil *Recorder is valid and records nothing,
// so components can be constructed without an audit trail in tests.
type Recorder struct {
	sink    store.EventSink
	bus     *bus.Bus
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a Recorder. Either sink or b may be nil.
func New(sink store.EventSink, b *bus.Bus) *Recorder {
	return &Recorder{
		sink:    sink,
		bus:     b,
		timeout: DefaultWriteTimeout,
		log:     logging.Component("audit"),
	}
}

// Entry describes one event to record.
type Entry struct {
	Type      bus.EventType
	ThreadID  string
	CommandID string
	Payload   any
}

// Record appends the entry to the sink and publishes it on the bus.
// It returns the event id, which doubles as the audit reference shown to
// users. Sink failures are logged, never returned: auditing must not fail a
// command that otherwise succeeded.
func (r *Recorder) Record(ctx context.Context, e Entry) string {
	if r == nil {
		return ""
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	if r.sink != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			r.log.Warn().Err(err).Str("type", string(e.Type)).Msg("audit payload not serializable")
			data = nil
		}

		// The command context may already be cancelled; the trail must still land.
		wctx, cancel := logging.DetachContextWithTimeout(ctx, r.timeout)
		err = r.sink.Append(wctx, store.Event{
			ID:        id,
			Type:      string(e.Type),
			ThreadID:  e.ThreadID,
			CommandID: e.CommandID,
			Time:      now,
			Data:      data,
		})
		cancel()
		if err != nil {
			r.log.Error().Err(err).Str("type", string(e.Type)).Str("thread_id", e.ThreadID).Msg("audit append failed")
		}
	}

	if r.bus != nil {
		_ = r.bus.Publish(bus.Event{
			ID:        id,
			Timestamp: now,
			Type:      e.Type,
			ThreadID:  e.ThreadID,
			CommandID: e.CommandID,
			Payload:   e.Payload,
		})
	}

	return id
}
