// Package safety screens command text for prompt-injection attempts.
package safety

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the result of one inspection.
type Verdict struct {
	// Confidence in [0,1] that the text is an injection attempt.
	Confidence float64 `json:"confidence"`
	// Matches names the rules that fired.
	Matches []string `json:"matches,omitempty"`
}

// Suspicious reports whether any rule fired.
func (v Verdict) Suspicious() bool {
	return v.Confidence > 0
}

// Detector inspects text.
type Detector interface {
	DetectInjection(ctx context.Context, text string) (Verdict, error)
}

// Rule is a weighted pattern.
type Rule struct {
	Name    string
	Pattern string
	Weight  float64
}

// DefaultRules covers common instruction-override and exfiltration phrasing.
func DefaultRules() []Rule {
	return []Rule{
		{"ignore_instructions", `(?i)\b(ignore|disregard|forget)\b.{0,30}\b(previous|prior|above|earlier|all)\b.{0,20}\b(instructions?|prompts?|rules?|directions?)\b`, 0.7},
		{"role_override", `(?i)\byou are (now|no longer)\b`, 0.4},
		{"system_prompt_extraction", `(?i)\b(reveal|print|show|repeat|output)\b.{0,30}\b(system|hidden|initial)\s+(prompt|instructions?|message)\b`, 0.6},
		{"jailbreak_persona", `(?i)\b(developer mode|jailbreak|do anything now)\b`, 0.5},
		{"fake_delimiter", `(?i)(<\|?(im_start|system)\|?>|\[/?(INST|SYS)\]|###\s*system)`, 0.5},
		{"override_safety", `(?i)\b(bypass|disable|turn off)\b.{0,20}\b(safety|filters?|guardrails?|restrictions?)\b`, 0.5},
		{"exfiltrate_secrets", `(?i)\b(send|post|upload|leak)\b.{0,40}\b(api[_ ]?keys?|passwords?|credentials|secrets?|tokens?)\b`, 0.6},
		{"shell_payload", "(curl|wget)[^\\n]*\\|\\s*(ba)?sh|`[^`]+`|\\$\\([^)]*\\)", 0.3},
	}
}

// PatternDetector scores text by weighted regex matches. Weights combine as
// independent evidence: confidence = 1 - Π(1 - w).
type PatternDetector struct {
	rules []compiledRule
}

type compiledRule struct {
	name   string
	re     *regexp.Regexp
	weight float64
}

// NewPatternDetector compiles rules. Weights must be in (0,1].
func NewPatternDetector(rules []Rule) (*PatternDetector, error) {
	d := &PatternDetector{}
	for _, r := range rules {
		if r.Weight <= 0 || r.Weight > 1 {
			return nil, fmt.Errorf("rule %s: weight %.2f outside (0,1]", r.Name, r.Weight)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		d.rules = append(d.rules, compiledRule{name: r.Name, re: re, weight: r.Weight})
	}
	return d, nil
}

// NewDefaultDetector returns a PatternDetector over DefaultRules.
func NewDefaultDetector() *PatternDetector {
	d, err := NewPatternDetector(DefaultRules())
	if err != nil {
		panic(err)
	}
	return d
}

// DetectInjection implements Detector.
func (d *PatternDetector) DetectInjection(ctx context.Context, text string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Verdict{}, nil
	}

	clean := 1.0
	var v Verdict
	for _, r := range d.rules {
		if r.re.MatchString(text) {
			clean *= 1 - r.weight
			v.Matches = append(v.Matches, r.name)
		}
	}
	v.Confidence = 1 - clean
	return v, nil
}

// ShouldBlock applies the blocking policy to a verdict.
func ShouldBlock(v Verdict, block bool, threshold float64) bool {
	return block && v.Confidence >= threshold
}
