// Package errs defines the structured error type shared by every Conductor
// component. Each error carries a stable code from one of the code families
// (LLM_*, MEM_*, TOOL_*, RBAC_*, WF_*), a kind that drives retry policy, and a
// message that is safe to show to end users.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for retry and presentation purposes.
type Kind string

const (
	KindTransient Kind = "transient" // Rate limits, timeouts, unavailable upstreams
	KindUser      Kind = "user"      // Missing fields, permission denied, invalid override
	KindSystem    Kind = "system"    // Store unavailable, corrupt state, lease conflict
)

// Code is a stable machine-readable error identifier.
type Code string

// Family returns the code family prefix, e.g. "LLM" for LLM_TIMEOUT.
func (c Code) Family() string {
	if i := strings.IndexByte(string(c), '_'); i > 0 {
		return string(c)[:i]
	}
	return string(c)
}

const (
	// LLM_*: provider dispatch
	LLMTimeout           Code = "LLM_TIMEOUT"
	LLMRateLimited       Code = "LLM_RATE_LIMITED"
	LLMUnavailable       Code = "LLM_UNAVAILABLE"
	LLMAuth              Code = "LLM_AUTH"
	LLMBadRequest        Code = "LLM_BAD_REQUEST"
	LLMQuotaExhausted    Code = "LLM_QUOTA_EXHAUSTED"
	LLMAllExhausted      Code = "LLM_ALL_PROVIDERS_EXHAUSTED"
	LLMNoCandidates      Code = "LLM_NO_CANDIDATES"
	LLMMalformedResponse Code = "LLM_MALFORMED_RESPONSE"
	LLMUnknownProvider   Code = "LLM_UNKNOWN_PROVIDER"

	// MEM_*: memory tiers
	MEMReadFailed  Code = "MEM_READ_FAILED"
	MEMWriteFailed Code = "MEM_WRITE_FAILED"

	// TOOL_*: tools and content safety
	TOOLNotFound         Code = "TOOL_NOT_FOUND"
	TOOLInvalidInput     Code = "TOOL_INVALID_INPUT"
	TOOLFailed           Code = "TOOL_FAILED"
	TOOLInjectionBlocked Code = "TOOL_INJECTION_BLOCKED"

	// RBAC_*: authorization
	RBACPermissionDenied Code = "RBAC_PERMISSION_DENIED"
	RBACTierCeiling      Code = "RBAC_TIER_CEILING"

	// WF_*: workflow and state
	WFInvalidCommand      Code = "WF_INVALID_COMMAND"
	WFInvalidGraph        Code = "WF_INVALID_GRAPH"
	WFNodeFailed          Code = "WF_NODE_FAILED"
	WFLeaseConflict       Code = "WF_LEASE_CONFLICT"
	WFCheckpointConflict  Code = "WF_CHECKPOINT_CONFLICT"
	WFNotFound            Code = "WF_NOT_FOUND"
	WFNotSuspended        Code = "WF_NOT_SUSPENDED"
	WFTerminal            Code = "WF_TERMINAL"
	WFCancelled           Code = "WF_CANCELLED"
	WFCorruptState        Code = "WF_CORRUPT_STATE"
	WFStoreUnavailable    Code = "WF_STORE_UNAVAILABLE"
	WFPlanInvalid         Code = "WF_PLAN_INVALID"
	WFBudgetExhausted     Code = "WF_BUDGET_EXHAUSTED"
	WFEscalationExhausted Code = "WF_ESCALATION_EXHAUSTED"
	WFMissingContinuation Code = "WF_MISSING_CONTINUATION"
)

// Error is the structured error returned across component boundaries.
type Error struct {
	Code       Code
	Kind       Kind
	Message    string        // Safe for end users
	RetryAfter time.Duration // Set on transient exhaustion
	AuditRef   string        // Set once the detail has been written to the audit log
	err        error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Detail returns the underlying cause, which must never reach end users.
func (e *Error) Detail() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

// New creates an error without an underlying cause.
func New(code Code, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// Wrap attaches a code, kind and safe message to err.
func Wrap(err error, code Code, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message, err: err}
}

// Transient is shorthand for a transient error.
func Transient(code Code, message string, err error) *Error {
	return Wrap(err, code, KindTransient, message)
}

// User is shorthand for a user error.
func User(code Code, message string) *Error {
	return New(code, KindUser, message)
}

// System is shorthand for a system error.
func System(code Code, message string, err error) *Error {
	return Wrap(err, code, KindSystem, message)
}

// WithRetryAfter returns a copy with the retry hint set.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// WithAuditRef returns a copy with the audit reference set.
func (e *Error) WithAuditRef(ref string) *Error {
	cp := *e
	cp.AuditRef = ref
	return &cp
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// KindOf returns the kind of err. Unclassified errors are system errors,
// except deadline expiry which is transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindSystem
}

// IsTransient returns true if the error may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsUser returns true if the error was caused by the caller's input.
func IsUser(err error) bool {
	return err != nil && KindOf(err) == KindUser
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
