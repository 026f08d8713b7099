// Package tools provides the tool registry used by workflow and plan actions.
// Tools are external collaborators: the registry only validates inputs
// against each tool's declared schema, screens them against the security
// policy, bounds their run time and normalizes their outcomes.
package tools

import (
	"context"
	"fmt"
	"time"
)

// RiskLevel indicates how dangerous a tool invocation is.
type RiskLevel int

const (
	RiskNone     RiskLevel = iota // Safe operations (read, list)
	RiskLow                       // Low risk (local writes)
	RiskMedium                    // Medium risk (network calls, process start)
	RiskHigh                      // High risk (system modification)
	RiskCritical                  // Critical risk (destructive)
)

// String returns a human-readable risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Input types a schema can declare.
const (
	TypeString = "string"
	TypeNumber = "number"
	TypeBool   = "boolean"
	TypeObject = "object"
	TypeArray  = "array"
	TypeAny    = "any"
)

// Schema declares a tool's inputs.
type Schema struct {
	// Required lists inputs that must be present and non-null.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
	// Properties maps input names to one of the Type* constants.
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Validate checks inputs against the schema. Inputs not named in Properties
// are allowed and not checked.
func (s Schema) Validate(inputs map[string]any) error {
	for _, name := range s.Required {
		if v, ok := inputs[name]; !ok || v == nil {
			return fmt.Errorf("missing required input %q", name)
		}
	}
	for name, want := range s.Properties {
		v, ok := inputs[name]
		if !ok || v == nil {
			continue
		}
		if !typeMatches(want, v) {
			return fmt.Errorf("input %q must be %s, got %T", name, want, v)
		}
	}
	return nil
}

func typeMatches(want string, v any) bool {
	switch want {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		if !ok {
			_, ok = v.([]string)
		}
		return ok
	default:
		return true
	}
}

// InvokeFunc runs a tool. A returned error means the tool could not run;
// a tool that ran but did not succeed reports OK=false in its Outcome.
type InvokeFunc func(ctx context.Context, inputs map[string]any) (*Outcome, error)

// Tool is a named, schema-described capability.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Risk        RiskLevel
	Invoke      InvokeFunc
}

// Outcome is the normalized result of one tool invocation.
type Outcome struct {
	OK       bool          `json:"ok"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Cost     float64       `json:"cost"`
	Duration time.Duration `json:"duration"`
}

// SecurityPolicy screens string inputs before any tool runs.
type SecurityPolicy struct {
	// BlockedPatterns are regex patterns that reject an invocation.
	BlockedPatterns []string `json:"blocked_patterns,omitempty"`

	// MaxTimeout bounds every invocation.
	MaxTimeout time.Duration `json:"max_timeout,omitempty"`

	// MaxRisk rejects tools declared above this level.
	MaxRisk RiskLevel `json:"max_risk"`
}

// DefaultSecurityPolicy returns a reasonable default policy.
func DefaultSecurityPolicy() *SecurityPolicy {
	return &SecurityPolicy{
		BlockedPatterns: []string{
			`rm\s+-rf?\s+/($|\s)`,    // rm -rf /
			`>\s*/dev/sd[a-z]`,       // Write to block devices
			`curl.*\|\s*(ba)?sh`,     // Pipe curl to shell
			`wget.*\|\s*(ba)?sh`,     // Pipe wget to shell
			`/etc/(passwd|shadow)`,   // Sensitive files
			`\.ssh/(id_|authorized)`, // SSH keys
		},
		MaxTimeout: 5 * time.Minute,
		MaxRisk:    RiskMedium,
	}
}
