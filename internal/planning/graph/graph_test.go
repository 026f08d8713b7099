package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_AddNode(t *testing.T) {
	g := New()
	g.AddNode("A")
	g.AddNode("B")
	g.AddNode("A")

	assert.True(t, g.Has("A"))
	assert.True(t, g.Has("B"))
	assert.False(t, g.Has("C"))
	assert.Equal(t, 2, g.Len())
}

func TestGraph_CycleRejected(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("B", "C"))

	found, _ := g.HasCycle()
	assert.False(t, found)

	err := g.AddEdge("C", "A")
	require.Error(t, err)
	assert.True(t, IsCycleError(err))
	assert.True(t, IsCycleError(fmt.Errorf("phase order: %w", err)))

	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ce.Path[0], ce.Path[len(ce.Path)-1])
	assert.Contains(t, err.Error(), "circular dependency")

	// The rejected edge was not kept.
	found, _ = g.HasCycle()
	assert.False(t, found)
}

func TestGraph_SelfDependency(t *testing.T) {
	g := New()
	err := g.AddEdge("A", "A")
	assert.True(t, IsCycleError(err))
}

func TestGraph_TopologicalSortDependencyFirst(t *testing.T) {
	g := New()
	// A depends on B, B depends on C.
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("B", "C"))

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, order)
}

func TestGraph_Levels(t *testing.T) {
	g := New()
	for _, id := range []string{"fetch", "parse", "index", "summarize", "report"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("index", "parse"))
	require.NoError(t, g.AddEdge("parse", "fetch"))
	require.NoError(t, g.AddEdge("summarize", "fetch"))
	require.NoError(t, g.AddEdge("report", "index"))
	require.NoError(t, g.AddEdge("report", "summarize"))

	levels, err := g.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"fetch"},
		{"parse", "summarize"},
		{"index"},
		{"report"},
	}, levels)
}

func TestGraph_LevelsIndependentNodesShareLevel(t *testing.T) {
	g := New()
	g.AddNode("x")
	g.AddNode("y")
	g.AddNode("z")

	levels, err := g.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"x", "y", "z"}}, levels)
}

func TestGraph_LevelsDetectCycle(t *testing.T) {
	g := New()
	g.AddNode("A")
	g.AddNode("B")
	// Bypass AddEdge to build a cycle directly.
	g.deps["A"] = []string{"B"}
	g.deps["B"] = []string{"A"}

	_, err := g.Levels()
	assert.True(t, IsCycleError(err))
}

func TestGraph_Blockers(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("A", "C"))
	require.NoError(t, g.AddEdge("B", "D"))

	assert.ElementsMatch(t, []string{"B", "C", "D"}, g.Blockers("A"))
	assert.Empty(t, g.Blockers("D"))
	assert.Nil(t, g.Blockers("missing"))
}

func BenchmarkCycleDetection(b *testing.B) {
	g := New()
	for i := 0; i < 100; i++ {
		g.AddNode(fmt.Sprintf("n%03d", i))
	}
	for i := 0; i < 99; i++ {
		g.deps[fmt.Sprintf("n%03d", i)] = []string{fmt.Sprintf("n%03d", i+1)}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.HasCycle()
	}
}
