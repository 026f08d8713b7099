// Package workflow runs checkpointed, interruptible state machines.
//
// A Graph is a set of named nodes. Each node returns a Result saying where
// execution goes next. After every node the Engine commits a checkpoint
// before doing anything else, so a crash loses at most the node in flight and
// a restarted engine resumes from the last commit.
package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/normanking/conductor/pkg/types"
)

// NodeFunc is the body of a node. It receives a copy of the instance state
// and returns the state the next node should see.
type NodeFunc func(ctx context.Context, state State) (Result, error)

// Node is one step of a graph: either a function or a nested graph.
type Node struct {
	Name string
	Run  NodeFunc
	// Subgraph, when set, runs as a child thread instead of Run.
	Subgraph *Graph
	// Next lists the nodes this node may continue to.
	Next []string
}

// Graph is a workflow definition. Graphs are immutable once validated and
// may be shared by any number of threads.
type Graph struct {
	ID             string
	Entry          string
	Tier           types.Tier
	Nodes          map[string]*Node
	InterruptAfter map[string]bool
}

// NewGraph creates an empty graph. The first node added becomes the entry
// unless SetEntry says otherwise.
func NewGraph(id string) *Graph {
	return &Graph{
		ID:             id,
		Nodes:          make(map[string]*Node),
		InterruptAfter: make(map[string]bool),
	}
}

// AddNode registers a function node.
func (g *Graph) AddNode(name string, fn NodeFunc, next ...string) *Graph {
	return g.add(&Node{Name: name, Run: fn, Next: next})
}

// AddSubgraph registers a node that runs child as a nested workflow. It may
// declare at most one successor; without one, the parent completes when the
// child does.
func (g *Graph) AddSubgraph(name string, child *Graph, next ...string) *Graph {
	return g.add(&Node{Name: name, Subgraph: child, Next: next})
}

func (g *Graph) add(n *Node) *Graph {
	if g.Entry == "" {
		g.Entry = n.Name
	}
	g.Nodes[n.Name] = n
	return g
}

// SetEntry overrides the entry node.
func (g *Graph) SetEntry(name string) *Graph {
	g.Entry = name
	return g
}

// SetTier records the tier the graph executes at.
func (g *Graph) SetTier(t types.Tier) *Graph {
	g.Tier = t
	return g
}

// Interrupt marks nodes after which the instance suspends for human input.
func (g *Graph) Interrupt(names ...string) *Graph {
	for _, n := range names {
		g.InterruptAfter[n] = true
	}
	return g
}

// Validate checks that the entry exists, every declared successor exists and
// every node is reachable from the entry.
func (g *Graph) Validate() error {
	if g == nil {
		return fmt.Errorf("nil graph")
	}
	if g.ID == "" {
		return fmt.Errorf("graph has no id")
	}
	if _, ok := g.Nodes[g.Entry]; !ok {
		return fmt.Errorf("graph %s: entry node %q not defined", g.ID, g.Entry)
	}

	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := g.Nodes[name]
		if n.Name != name {
			return fmt.Errorf("graph %s: node %q registered as %q", g.ID, n.Name, name)
		}
		if (n.Run == nil) == (n.Subgraph == nil) {
			return fmt.Errorf("graph %s: node %q must have exactly one of Run or Subgraph", g.ID, name)
		}
		if n.Subgraph != nil {
			if len(n.Next) > 1 {
				return fmt.Errorf("graph %s: subgraph node %q may declare at most one successor", g.ID, name)
			}
			if err := n.Subgraph.Validate(); err != nil {
				return fmt.Errorf("graph %s: subgraph %q: %w", g.ID, name, err)
			}
		}
		for _, next := range n.Next {
			if _, ok := g.Nodes[next]; !ok {
				return fmt.Errorf("graph %s: node %q continues to undefined node %q", g.ID, name, next)
			}
		}
	}
	for name := range g.InterruptAfter {
		if _, ok := g.Nodes[name]; !ok {
			return fmt.Errorf("graph %s: interrupt after undefined node %q", g.ID, name)
		}
	}

	reached := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Nodes[cur].Next {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, name := range names {
		if !reached[name] {
			return fmt.Errorf("graph %s: node %q is not reachable from %q", g.ID, name, g.Entry)
		}
	}
	return nil
}

// allows reports whether from may continue to next.
func (n *Node) allows(next string) bool {
	for _, s := range n.Next {
		if s == next {
			return true
		}
	}
	return false
}
