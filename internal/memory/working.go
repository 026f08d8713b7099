package memory

import (
	"sort"
	"time"
	"unicode/utf8"

	"github.com/normanking/conductor/pkg/types"
)

// Working item kinds.
const (
	ItemFact     = "fact"
	ItemOpenLoop = "open_loop"
)

// WorkingItem is one evictable entry of the working context.
type WorkingItem struct {
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	AddedAt time.Time `json:"added_at"`
}

// WorkingContext is the bounded rolling buffer for a thread.
type WorkingContext struct {
	ThreadID  string        `json:"thread_id"`
	Persona   string        `json:"persona,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	Items     []WorkingItem `json:"items,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Facts returns fact contents, oldest first.
func (w *WorkingContext) Facts() []string { return w.contents(ItemFact) }

// OpenLoops returns open-loop contents, oldest first.
func (w *WorkingContext) OpenLoops() []string { return w.contents(ItemOpenLoop) }

func (w *WorkingContext) contents(kind string) []string {
	var out []string
	for _, it := range w.Items {
		if it.Kind == kind {
			out = append(out, it.Content)
		}
	}
	return out
}

// Tokens estimates the size of the context.
func (w *WorkingContext) Tokens() int {
	n := types.EstimateTokens(w.Persona) + types.EstimateTokens(w.Summary)
	for _, it := range w.Items {
		n += types.EstimateTokens(it.Content)
	}
	return n
}

// Expired reports whether the whole context has passed its TTL.
func (w *WorkingContext) Expired(now time.Time) bool {
	return !w.ExpiresAt.IsZero() && now.After(w.ExpiresAt)
}

// WorkingUpdate carries the working-context part of a write-back.
type WorkingUpdate struct {
	Persona     string
	Summary     string
	Facts       []string
	OpenLoops   []string
	ClosedLoops []string
}

// IsZero reports whether the update changes nothing.
func (u WorkingUpdate) IsZero() bool {
	return u.Persona == "" && u.Summary == "" && len(u.Facts) == 0 &&
		len(u.OpenLoops) == 0 && len(u.ClosedLoops) == 0
}

// recompute applies an update to prev and enforces the TTL and token budget.
// Expired items are dropped first; then the oldest items are evicted until
// the context fits. Persona and summary are never evicted, but a summary
// that alone exceeds the budget is truncated.
func recompute(prev *WorkingContext, threadID string, u WorkingUpdate, budget int, ttl time.Duration, now time.Time) WorkingContext {
	wc := WorkingContext{ThreadID: threadID}
	if prev != nil && !prev.Expired(now) {
		wc = *prev
		wc.Items = append([]WorkingItem(nil), prev.Items...)
	}

	if u.Persona != "" {
		wc.Persona = u.Persona
	}
	if u.Summary != "" {
		wc.Summary = u.Summary
	}

	if len(u.ClosedLoops) > 0 {
		closed := make(map[string]bool, len(u.ClosedLoops))
		for _, c := range u.ClosedLoops {
			closed[c] = true
		}
		kept := wc.Items[:0]
		for _, it := range wc.Items {
			if it.Kind == ItemOpenLoop && closed[it.Content] {
				continue
			}
			kept = append(kept, it)
		}
		wc.Items = kept
	}

	for _, f := range u.Facts {
		wc.Items = append(wc.Items, WorkingItem{Kind: ItemFact, Content: f, AddedAt: now})
	}
	for _, l := range u.OpenLoops {
		wc.Items = append(wc.Items, WorkingItem{Kind: ItemOpenLoop, Content: l, AddedAt: now})
	}

	if ttl > 0 {
		kept := wc.Items[:0]
		for _, it := range wc.Items {
			if now.Sub(it.AddedAt) <= ttl {
				kept = append(kept, it)
			}
		}
		wc.Items = kept
	}

	sort.SliceStable(wc.Items, func(i, j int) bool { return wc.Items[i].AddedAt.Before(wc.Items[j].AddedAt) })
	for budget > 0 && len(wc.Items) > 0 && wc.Tokens() > budget {
		wc.Items = wc.Items[1:]
	}
	if budget > 0 && wc.Tokens() > budget {
		room := budget - types.EstimateTokens(wc.Persona)
		if room < 0 {
			room = 0
		}
		wc.Summary = truncateUTF8(wc.Summary, room*types.CharsPerToken)
	}

	wc.UpdatedAt = now
	if ttl > 0 {
		wc.ExpiresAt = now.Add(ttl)
	}
	return wc
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
