package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/normanking/conductor/internal/errs"
)

// ProviderError is a failed upstream call.
type ProviderError struct {
	Provider   string
	StatusCode int
	// Code is the upstream error code/type, e.g. "insufficient_quota".
	Code       string
	RetryAfter time.Duration
	// Malformed is set when the call succeeded but the body was unusable.
	Malformed bool
	err       error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Malformed:
		return fmt.Sprintf("%s: malformed response: %v", e.Provider, e.err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d (%s): %v", e.Provider, e.StatusCode, e.Code, e.err)
	default:
		return fmt.Sprintf("%s: %v", e.Provider, e.err)
	}
}

func (e *ProviderError) Unwrap() error { return e.err }

// Class is the dispatcher's view of a failed attempt.
type Class int

const (
	// ClassTransient advances to the next candidate.
	ClassTransient Class = iota
	// ClassFatal aborts the whole chain.
	ClassFatal
)

func (c Class) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "transient"
}

// Classification is the result of Classify.
type Classification struct {
	Class      Class
	Code       errs.Code
	RetryAfter time.Duration
}

// Phrases seen in provider error text when no status code is available.
var (
	transientPatterns = []string{
		"status 429",
		"rate_limit",
		"too many requests",
		"overloaded",
		"status 500",
		"status 502",
		"status 503",
		"status 504",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"connection refused",
		"connection reset",
		"no such host",
		"dns lookup",
	}
	fatalPatterns = []string{
		"insufficient_quota",
		"quota exceeded",
		"invalid_api_key",
		"unauthorized",
		"authentication",
		"does not support",
		"not supported",
		"model not found",
	}
)

// Classify decides whether a failed attempt is transient or fatal.
func Classify(err error) Classification {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Malformed {
			return Classification{Class: ClassTransient, Code: errs.LLMMalformedResponse}
		}
		if pe.StatusCode != 0 {
			c := classifyStatus(pe.StatusCode, pe.Code)
			c.RetryAfter = pe.RetryAfter
			return c
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Class: ClassTransient, Code: errs.LLMTimeout}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Classification{Class: ClassTransient, Code: errs.LLMUnavailable}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Class: ClassTransient, Code: errs.LLMTimeout}
		}
		return Classification{Class: ClassTransient, Code: errs.LLMUnavailable}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			code := errs.LLMAuth
			switch {
			case strings.Contains(p, "quota"):
				code = errs.LLMQuotaExhausted
			case strings.Contains(p, "support"), strings.Contains(p, "not found"):
				code = errs.LLMBadRequest
			}
			return Classification{Class: ClassFatal, Code: code}
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			code := errs.LLMUnavailable
			if strings.Contains(p, "429") || strings.Contains(p, "rate") || strings.Contains(p, "many") {
				code = errs.LLMRateLimited
			}
			return Classification{Class: ClassTransient, Code: code}
		}
	}
	// A dropped stream often arrives flattened to text.
	if hasWord(msg, "eof") {
		return Classification{Class: ClassTransient, Code: errs.LLMUnavailable}
	}
	if strings.Contains(msg, "timeout") {
		return Classification{Class: ClassTransient, Code: errs.LLMTimeout}
	}

	// Unknown failures move on to the next candidate.
	return Classification{Class: ClassTransient, Code: errs.LLMUnavailable}
}

// hasWord reports whether w appears in msg as a whole word.
func hasWord(msg, w string) bool {
	words := strings.FieldsFunc(msg, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return slices.Contains(words, w)
}

func classifyStatus(status int, code string) Classification {
	switch {
	case status == http.StatusTooManyRequests:
		if code == "insufficient_quota" {
			return Classification{Class: ClassFatal, Code: errs.LLMQuotaExhausted}
		}
		return Classification{Class: ClassTransient, Code: errs.LLMRateLimited}
	case status == http.StatusPaymentRequired:
		return Classification{Class: ClassFatal, Code: errs.LLMQuotaExhausted}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Classification{Class: ClassFatal, Code: errs.LLMAuth}
	case status == http.StatusRequestTimeout:
		return Classification{Class: ClassTransient, Code: errs.LLMTimeout}
	case status == http.StatusNotImplemented:
		return Classification{Class: ClassFatal, Code: errs.LLMBadRequest}
	case status >= 500:
		return Classification{Class: ClassTransient, Code: errs.LLMUnavailable}
	case status >= 400:
		return Classification{Class: ClassFatal, Code: errs.LLMBadRequest}
	default:
		return Classification{Class: ClassTransient, Code: errs.LLMUnavailable}
	}
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
