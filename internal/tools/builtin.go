package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Builtins returns the tools every registry starts with. They have no side
// effects and are safe for offline runs.
func Builtins() []Tool {
	return []Tool{
		{
			Name:        "echo",
			Description: "Returns its text input unchanged.",
			Schema: Schema{
				Required:   []string{"text"},
				Properties: map[string]string{"text": TypeString},
			},
			Invoke: func(_ context.Context, in map[string]any) (*Outcome, error) {
				return &Outcome{OK: true, Result: in["text"]}, nil
			},
		},
		{
			Name:        "word_count",
			Description: "Counts words and lines, failing below an optional minimum word count.",
			Schema: Schema{
				Required:   []string{"text"},
				Properties: map[string]string{"text": TypeString, "min_words": TypeNumber},
			},
			Invoke: wordCount,
		},
		{
			Name:        "json_extract",
			Description: "Extracts a value from a JSON document with a gjson path.",
			Schema: Schema{
				Required:   []string{"document", "path"},
				Properties: map[string]string{"document": TypeString, "path": TypeString},
			},
			Invoke: jsonExtract,
		},
	}
}

// RegisterBuiltins adds Builtins to r.
func RegisterBuiltins(r *Registry) error {
	for _, t := range Builtins() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func wordCount(_ context.Context, in map[string]any) (*Outcome, error) {
	text, _ := in["text"].(string)
	words := len(strings.Fields(text))
	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
	}
	result := map[string]any{"words": words, "lines": lines}

	if floor, ok := toInt(in["min_words"]); ok && words < floor {
		return &Outcome{OK: false, Result: result, Error: fmt.Sprintf("%d words, need at least %d", words, floor)}, nil
	}
	return &Outcome{OK: true, Result: result}, nil
}

func jsonExtract(_ context.Context, in map[string]any) (*Outcome, error) {
	doc, _ := in["document"].(string)
	path, _ := in["path"].(string)
	if !gjson.Valid(doc) {
		return &Outcome{OK: false, Error: "document is not valid JSON"}, nil
	}
	res := gjson.Get(doc, path)
	if !res.Exists() {
		return &Outcome{OK: false, Error: fmt.Sprintf("path %q not found", path)}, nil
	}
	return &Outcome{OK: true, Result: res.Value()}, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
