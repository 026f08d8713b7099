// Package bus provides the in-process audit event bus. Every routing
// decision, provider attempt, checkpoint commit and memory write is published
// here after it has been appended to the persistent event sink, so observers
// (metrics, CLI progress output) can react without touching storage.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of audit event.
type EventType string

const (
	// Routing
	EventRoutingDecision EventType = "routing.decision"

	// Provider dispatch
	EventProviderCall    EventType = "llm.call"
	EventProviderSkipped EventType = "llm.skipped"

	// Workflow lifecycle
	EventCheckpoint     EventType = "workflow.checkpoint"
	EventWorkflowFailed EventType = "workflow.failed"
	EventLeaseConflict  EventType = "workflow.lease_conflict"

	// Planning
	EventPlanReflection EventType = "plan.reflection"
	EventPlanReplan     EventType = "plan.replan"
	EventPlanEscalated  EventType = "plan.escalated"
	EventPlanDowngraded EventType = "plan.downgraded"

	// Memory and safety
	EventMemoryWrite     EventType = "memory.write"
	EventInjectionSignal EventType = "safety.injection"

	// Errors surfaced to users with an audit reference
	EventError EventType = "error"
)

// Event is one published audit record. Payload carries the component's own
// record type (for example *llm.CallResult); observers type-assert it.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	ThreadID  string    `json:"thread_id,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

var eventIDCounter atomic.Uint64

// generateEventID creates a process-unique event identifier.
func generateEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter.Add(1))
}

// NewEvent creates a new event with the current timestamp and generated ID.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}
