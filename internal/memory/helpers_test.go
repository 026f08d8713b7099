package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched", []float32{1}, []float32{1, 0}, 0},
		{"zero", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestTopK(t *testing.T) {
	items := []ScoredItem[string]{
		{"a", 0.1}, {"b", 0.9}, {"c", 0.5}, {"d", 0.7}, {"e", 0.3},
	}

	top := TopK(items, 3)
	require.Len(t, top, 3)
	assert.Equal(t, "b", top[0].Item)
	assert.Equal(t, "d", top[1].Item)
	assert.Equal(t, "c", top[2].Item)

	assert.Len(t, TopK(items, 10), 5)
	assert.Nil(t, TopK(items, 0))
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "breach of contract")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Breach of CONTRACT!")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "weather forecast tomorrow")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6, "case and punctuation must not matter")
	assert.Less(t, CosineSimilarity(a, c), 0.5)
}
