package metrics

import (
	"encoding/json"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/router"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/workflow"
)

// Replay feeds persisted audit events through the collector as if they had
// arrived on the bus. Events whose payload cannot be decoded are still
// counted as recent events. It returns the number of events replayed.
func (c *Collector) Replay(events []store.Event) int {
	for _, ev := range events {
		c.handleEvent(bus.Event{
			ID:        ev.ID,
			Timestamp: ev.Time,
			Type:      bus.EventType(ev.Type),
			ThreadID:  ev.ThreadID,
			CommandID: ev.CommandID,
			Payload:   decodePayload(bus.EventType(ev.Type), ev.Data),
		})
	}
	return len(events)
}

func decodePayload(t bus.EventType, data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	switch t {
	case bus.EventRoutingDecision:
		var d router.Decision
		if json.Unmarshal(data, &d) == nil {
			return d
		}
	case bus.EventProviderCall:
		var cr llm.CallResult
		if json.Unmarshal(data, &cr) == nil {
			return cr
		}
	case bus.EventCheckpoint, bus.EventWorkflowFailed:
		var ce workflow.CheckpointEvent
		if json.Unmarshal(data, &ce) == nil {
			return ce
		}
	}
	return data
}
