// Package graph provides dependency graph algorithms for plan phases and
// actions. Cycle detection and topological sort algorithms adapted from
// TaskWing (https://github.com/josephgoksu/TaskWing) under MIT License.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Graph is a directed dependency graph. Output order is deterministic: ties
// are broken by the order nodes were added.
type Graph struct {
	order []string
	nodes map[string]bool
	deps  map[string][]string // node -> nodes it depends on
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]bool),
		deps:  make(map[string][]string),
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	if g.nodes[id] {
		return
	}
	g.nodes[id] = true
	g.order = append(g.order, id)
}

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// AddEdge records that from depends on to (to must complete before from).
// An edge that would close a cycle is rejected with a *CycleError.
func (g *Graph) AddEdge(from, to string) error {
	g.AddNode(from)
	g.AddNode(to)

	if g.canReach(to, from) {
		return &CycleError{Path: g.cyclePath(from, to)}
	}
	for _, d := range g.deps[from] {
		if d == to {
			return nil
		}
	}
	g.deps[from] = append(g.deps[from], to)
	return nil
}

// HasCycle performs DFS-based cycle detection and returns the cycle path.
func (g *Graph) HasCycle() (bool, []string) {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(node string) (bool, []string)
	dfs = func(node string) (bool, []string) {
		visited[node] = true
		onStack[node] = true

		for _, dep := range g.deps[node] {
			if !visited[dep] {
				parent[dep] = node
				if found, path := dfs(dep); found {
					return true, path
				}
			} else if onStack[dep] {
				cycle := []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				return true, append([]string{dep}, cycle...)
			}
		}

		onStack[node] = false
		return false, nil
	}

	for _, node := range g.order {
		if !visited[node] {
			if found, path := dfs(node); found {
				return true, path
			}
		}
	}
	return false, nil
}

// cyclePath reports the cycle adding from->to would create.
func (g *Graph) cyclePath(from, to string) []string {
	original := g.deps[from]
	g.deps[from] = append(append([]string(nil), original...), to)
	_, path := g.HasCycle()
	g.deps[from] = original
	return path
}

// canReach reports whether from reaches to by following dependencies.
func (g *Graph) canReach(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.deps[cur] {
			if dep == to {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return false
}

// TopologicalSort returns nodes in dependency-first order using Kahn's
// algorithm.
func (g *Graph) TopologicalSort() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(g.order))
	for _, level := range levels {
		out = append(out, level...)
	}
	return out, nil
}

// Levels groups nodes into waves: every node's dependencies are in earlier
// levels, and nodes within one level are independent of each other.
func (g *Graph) Levels() ([][]string, error) {
	pending := make(map[string]int, len(g.order))
	dependents := make(map[string][]string)
	for _, node := range g.order {
		pending[node] = len(g.deps[node])
		for _, dep := range g.deps[node] {
			dependents[dep] = append(dependents[dep], node)
		}
	}

	var current []string
	for _, node := range g.order {
		if pending[node] == 0 {
			current = append(current, node)
		}
	}

	var levels [][]string
	seen := 0
	for len(current) > 0 {
		levels = append(levels, current)
		seen += len(current)

		var next []string
		for _, node := range current {
			for _, d := range dependents[node] {
				pending[d]--
				if pending[d] == 0 {
					next = append(next, d)
				}
			}
		}
		current = g.inOrder(next)
	}

	if seen != len(g.order) {
		if found, path := g.HasCycle(); found {
			return nil, &CycleError{Path: path}
		}
		return nil, errors.New("topological sort failed: graph may contain cycle")
	}
	return levels, nil
}

// inOrder sorts ids by insertion order.
func (g *Graph) inOrder(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range g.order {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}

// Blockers returns every transitive dependency of id.
func (g *Graph) Blockers(id string) []string {
	if !g.nodes[id] {
		return nil
	}
	visited := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.deps[cur] {
			if !visited[dep] {
				visited[dep] = true
				out = append(out, dep)
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// CycleError represents a circular dependency.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "circular dependency detected"
	}
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// IsCycleError reports whether err is or wraps a *CycleError.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
