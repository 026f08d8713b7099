package memory

import (
	"container/heap"
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"
)

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns 0 for mismatched or zero-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ============================================================================
// TOP-K SELECTION
// ============================================================================

// ScoredItem pairs an item with its relevance score.
type ScoredItem[T any] struct {
	Item  T
	Score float64
}

type scoredHeap[T any] []ScoredItem[T]

func (h scoredHeap[T]) Len() int           { return len(h) }
func (h scoredHeap[T]) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h scoredHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap[T]) Push(x any)        { *h = append(*h, x.(ScoredItem[T])) }
func (h *scoredHeap[T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK returns the k highest-scoring items in descending score order.
// A min-heap keeps this O(n log k).
func TopK[T any](items []ScoredItem[T], k int) []ScoredItem[T] {
	if k <= 0 || len(items) == 0 {
		return nil
	}

	h := make(scoredHeap[T], 0, k)
	for _, it := range items {
		if h.Len() < k {
			heap.Push(&h, it)
		} else if it.Score > h[0].Score {
			h[0] = it
			heap.Fix(&h, 0)
		}
	}

	out := []ScoredItem[T](h)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ============================================================================
// HASH EMBEDDER
// ============================================================================

// HashEmbedder is a deterministic bag-of-words embedder using the hashing
// trick. It needs no model server, so memory works offline and in tests;
// deployments with an embedding service plug their own Embedder in.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder producing vectors of the given size.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dimension implements Embedder.
func (e *HashEmbedder) Dimension() int { return e.dims }

// Embed implements Embedder. The result is L2-normalized.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dims))
		if sum&(1<<31) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}
