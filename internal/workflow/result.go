package workflow

import (
	"encoding/json"
	"fmt"
)

// Kind says what a node wants the engine to do next.
type Kind int

const (
	kindInvalid Kind = iota
	// KindContinue runs the named successor.
	KindContinue
	// KindSuspend commits and waits for human input.
	KindSuspend
	// KindDone completes the instance.
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindSuspend:
		return "suspend"
	case KindDone:
		return "done"
	default:
		return "invalid"
	}
}

// Result is the outcome of one node. Build it with Continue, Suspend or Done;
// the zero value is rejected.
type Result struct {
	Kind         Kind
	Next         string
	State        State
	Reason       string
	InputsNeeded map[string]any
}

// Continue moves to next with the given state.
func Continue(next string, s State) Result {
	return Result{Kind: KindContinue, Next: next, State: s}
}

// Suspend commits the state and waits for input. next is the node that runs
// on resume; it must be a declared successor, or the node itself.
func Suspend(reason, next string, s State, inputsNeeded map[string]any) Result {
	return Result{Kind: KindSuspend, Reason: reason, Next: next, State: s, InputsNeeded: inputsNeeded}
}

// Done completes the instance.
func Done(s State) Result {
	return Result{Kind: KindDone, State: s}
}

// State is the opaque, JSON-serializable data carried between nodes.
type State map[string]any

// Clone returns a shallow copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a copy of s with every key of p set over it.
func (s State) Merge(p map[string]any) State {
	out := s.Clone()
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Decode unmarshals the value under key into v. Values restored from a
// checkpoint are generic JSON, so they are round-tripped through encoding/json.
func (s State) Decode(key string, v any) error {
	raw, ok := s[key]
	if !ok {
		return fmt.Errorf("state has no %q", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// GetString returns a string value or "".
func (s State) GetString(key string) string {
	v, _ := s[key].(string)
	return v
}

// GetBool returns a bool value or false.
func (s State) GetBool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

func encodeState(s State) (json.RawMessage, error) {
	if s == nil {
		s = State{}
	}
	return json.Marshal(s)
}

func decodeState(raw json.RawMessage) (State, error) {
	s := State{}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}
