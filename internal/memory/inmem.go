package memory

import (
	"context"
	"sync"
)

// InMemoryEpisodic is an EpisodicLog held in process memory.
type InMemoryEpisodic struct {
	mu     sync.RWMutex
	events []EpisodicEvent
}

// NewInMemoryEpisodic creates an empty log.
func NewInMemoryEpisodic() *InMemoryEpisodic { return &InMemoryEpisodic{} }

// Append implements EpisodicLog.
func (l *InMemoryEpisodic) Append(_ context.Context, ev EpisodicEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

// Recent implements EpisodicLog.
func (l *InMemoryEpisodic) Recent(_ context.Context, threadID string, limit int) ([]EpisodicEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []EpisodicEvent
	for i := len(l.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if l.events[i].ThreadID == threadID {
			out = append(out, l.events[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// InMemorySemantic is a brute-force SemanticStore.
type InMemorySemantic struct {
	mu      sync.RWMutex
	records map[string]SemanticRecord
	order   []string
}

// NewInMemorySemantic creates an empty store.
func NewInMemorySemantic() *InMemorySemantic {
	return &InMemorySemantic{records: make(map[string]SemanticRecord)}
}

// Upsert implements SemanticStore.
func (s *InMemorySemantic) Upsert(_ context.Context, rec SemanticRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.records[rec.ID]; ok {
		rec.CreatedAt = old.CreatedAt
	} else {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

// Search implements SemanticStore.
func (s *InMemorySemantic) Search(_ context.Context, query []float32, filter SemanticFilter, topK int, minScore float64) ([]ScoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []ScoredItem[SemanticRecord]
	for _, id := range s.order {
		rec := s.records[id]
		if !filter.Matches(rec) {
			continue
		}
		if score := CosineSimilarity(query, rec.Embedding); score >= minScore {
			hits = append(hits, ScoredItem[SemanticRecord]{Item: rec, Score: score})
		}
	}

	top := TopK(hits, topK)
	out := make([]ScoredRecord, len(top))
	for i, h := range top {
		out[i] = ScoredRecord{Record: h.Item, Score: h.Score}
	}
	return out, nil
}

// Len returns the number of records.
func (s *InMemorySemantic) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// InMemoryWorking is a WorkingStore held in process memory.
type InMemoryWorking struct {
	mu   sync.RWMutex
	ctxs map[string]WorkingContext
}

// NewInMemoryWorking creates an empty store.
func NewInMemoryWorking() *InMemoryWorking {
	return &InMemoryWorking{ctxs: make(map[string]WorkingContext)}
}

// Get implements WorkingStore.
func (w *InMemoryWorking) Get(_ context.Context, threadID string) (*WorkingContext, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	wc, ok := w.ctxs[threadID]
	if !ok {
		return nil, nil
	}
	wc.Items = append([]WorkingItem(nil), wc.Items...)
	return &wc, nil
}

// Put implements WorkingStore.
func (w *InMemoryWorking) Put(_ context.Context, wc WorkingContext) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	wc.Items = append([]WorkingItem(nil), wc.Items...)
	w.ctxs[wc.ThreadID] = wc
	return nil
}
