package response

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/types"
)

// DefaultRetryAfter is suggested for transient errors that carry no hint.
const DefaultRetryAfter = 30 * time.Second

// SystemMessage replaces the message of every system error.
const SystemMessage = "Something went wrong while processing this command. Quote the audit reference when reporting it."

// Result is everything the orchestrator knows once a command has run.
type Result struct {
	Command      *types.Command
	Rationale    string
	Work         *WorkSection
	Memory       *MemorySection
	InputsNeeded map[string]any
	Err          error
}

// Assembler builds envelopes and records the detail of system errors.
type Assembler struct {
	audit      *audit.Recorder
	retryAfter time.Duration
	log        zerolog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithDefaultRetryAfter sets the hint used for transient errors without one.
func WithDefaultRetryAfter(d time.Duration) Option {
	return func(a *Assembler) { a.retryAfter = d }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

// NewAssembler creates an Assembler. rec may be nil; system errors then get
// an audit reference that points nowhere but is still unique.
func NewAssembler(rec *audit.Recorder, opts ...Option) *Assembler {
	a := &Assembler{
		audit:      rec,
		retryAfter: DefaultRetryAfter,
		log:        logging.Component("response"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble turns a result into an envelope.
func (a *Assembler) Assemble(ctx context.Context, r Result) *Envelope {
	env := &Envelope{
		OK:           r.Err == nil,
		Rationale:    r.Rationale,
		InputsNeeded: r.InputsNeeded,
		Memory:       r.Memory,
		Work:         r.Work,
	}
	if r.Command != nil {
		env.Channel = r.Command.Channel
		env.Action = r.Command.Type
	}

	if r.Err != nil {
		env.Error = a.classify(ctx, r)
		env.NextStep = NextComplete
		if env.Error.Kind == string(errs.KindTransient) {
			env.NextStep = NextContinue
		}
		return env
	}

	env.NextStep = nextStep(r.Work)
	if env.NextStep == NextHuman && env.InputsNeeded == nil {
		env.InputsNeeded = map[string]any{}
	}
	return env
}

func nextStep(w *WorkSection) NextStep {
	if w == nil {
		return NextComplete
	}
	switch store.Status(w.Status) {
	case store.StatusSuspended:
		return NextHuman
	case store.StatusRunning:
		return NextContinue
	default:
		return NextComplete
	}
}

// classify reduces err to its safe parts. Unclassified errors count as
// system errors; deadline expiry counts as a provider timeout.
func (a *Assembler) classify(ctx context.Context, r Result) *ErrorSection {
	e, ok := errs.As(r.Err)
	if !ok {
		if errs.IsTransient(r.Err) {
			e = errs.Transient(errs.LLMTimeout, "the command timed out", r.Err)
		} else {
			e = errs.System(errs.WFNodeFailed, "unclassified failure", r.Err)
		}
	}

	sec := &ErrorSection{Code: string(e.Code), Kind: string(e.Kind), Message: e.Message}
	switch e.Kind {
	case errs.KindTransient:
		retry := e.RetryAfter
		if retry <= 0 {
			retry = a.retryAfter
		}
		sec.RetryAfterSeconds = int(math.Ceil(retry.Seconds()))
	case errs.KindSystem:
		sec.Message = SystemMessage
		sec.AuditRef = a.recordSystemError(ctx, r, e)
	}
	return sec
}

// recordSystemError writes the full detail to the audit sink and returns the
// reference shown to the user.
func (a *Assembler) recordSystemError(ctx context.Context, r Result, e *errs.Error) string {
	if e.AuditRef != "" {
		return e.AuditRef
	}
	var threadID, commandID string
	if r.Command != nil {
		threadID, commandID = r.Command.ThreadID, r.Command.ID
	}
	if r.Work != nil && r.Work.ThreadID != "" {
		threadID = r.Work.ThreadID
	}

	ref := a.audit.Record(ctx, audit.Entry{
		Type:      bus.EventError,
		ThreadID:  threadID,
		CommandID: commandID,
		Payload: map[string]any{
			"code":    string(e.Code),
			"kind":    string(e.Kind),
			"message": e.Message,
			"detail":  r.Err.Error(),
		},
	})
	if ref == "" {
		ref = uuid.NewString()
	}
	a.log.Error().Err(r.Err).Str("code", string(e.Code)).Str("audit_ref", ref).Str("thread_id", threadID).Msg("command failed")
	return ref
}
