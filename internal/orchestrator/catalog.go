package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/planning"
	"github.com/normanking/conductor/internal/workflow"
	"github.com/normanking/conductor/pkg/types"
)

// GenericGraphID is the one-node workflow used for command types without a
// catalog entry and for downgraded plans.
const GenericGraphID = "execute"

// Node kinds a catalog workflow may declare.
const (
	KindLLMCall  = "llm_call"
	KindToolCall = "tool_call"
)

// Workflow state keys.
const (
	keyInput    = "input"
	keyThread   = "thread_id"
	keyArgs     = "args"
	keyResult   = "result"
	keyCost     = "cost"
	keyApproved = "approved"
	keyRejected = "rejected"
	keyUser     = "user_id"
	keyRole     = "role"
)

// catalog holds the tier B graphs, built once from configuration.
type catalog struct {
	graphs  map[string]*workflow.Graph
	generic *workflow.Graph
	llm     planning.Dispatcher
	tools   planning.ToolInvoker
}

func newCatalog(specs map[string]config.WorkflowSpec, d planning.Dispatcher, t planning.ToolInvoker) (*catalog, error) {
	c := &catalog{graphs: make(map[string]*workflow.Graph, len(specs)), llm: d, tools: t}

	for name, spec := range specs {
		id := strings.ToUpper(strings.TrimSpace(name))
		if strings.EqualFold(id, GenericGraphID) || strings.EqualFold(id, planning.GraphID) {
			return nil, fmt.Errorf("workflow %q: reserved name", name)
		}
		g, err := c.build(id, spec)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
		c.graphs[id] = g
	}

	generic, err := c.build(GenericGraphID, config.WorkflowSpec{Nodes: []config.NodeSpec{
		{Name: "execute", Kind: KindLLMCall, Prompt: "Carry out the request below."},
	}})
	if err != nil {
		return nil, err
	}
	c.generic = generic
	return c, nil
}

func (c *catalog) build(id string, spec config.WorkflowSpec) (*workflow.Graph, error) {
	if len(spec.Nodes) == 0 {
		return nil, fmt.Errorf("no nodes")
	}
	g := workflow.NewGraph(id).SetTier(types.TierB)
	for _, n := range spec.Nodes {
		var fn workflow.NodeFunc
		switch n.Kind {
		case KindLLMCall:
			fn = c.llmNode(id, n)
		case KindToolCall:
			if n.Tool == "" {
				return nil, fmt.Errorf("node %q: tool_call without a tool", n.Name)
			}
			fn = c.toolNode(n)
		default:
			return nil, fmt.Errorf("node %q: unknown kind %q", n.Name, n.Kind)
		}
		if n.Next != "" {
			g.AddNode(n.Name, fn, n.Next)
		} else {
			g.AddNode(n.Name, fn)
		}
	}
	g.Interrupt(spec.InterruptAfter...)
	for _, name := range spec.InterruptAfter {
		if _, ok := g.Nodes[name]; !ok {
			return nil, fmt.Errorf("interrupt_after names unknown node %q", name)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// lookup returns the graph for a command type, falling back to the generic
// workflow.
func (c *catalog) lookup(commandType string) *workflow.Graph {
	if g, ok := c.graphs[strings.ToUpper(commandType)]; ok {
		return g
	}
	return c.generic
}

// byID returns a tier B graph by its id, for resuming a stored thread.
func (c *catalog) byID(id string) (*workflow.Graph, bool) {
	if id == GenericGraphID {
		return c.generic, true
	}
	g, ok := c.graphs[id]
	return g, ok
}

// names lists the catalog workflows.
func (c *catalog) names() []string {
	out := make([]string, 0, len(c.graphs))
	for id := range c.graphs {
		out = append(out, id)
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// NODES
// ═══════════════════════════════════════════════════════════════════════════════

// rejected reports whether a reviewer explicitly declined the previous node.
func rejected(s workflow.State) bool {
	v, ok := s[keyApproved].(bool)
	return ok && !v
}

func advance(n config.NodeSpec, s workflow.State) workflow.Result {
	if n.Next == "" {
		return workflow.Done(s)
	}
	return workflow.Continue(n.Next, s)
}

func addCost(s workflow.State, cost float64) {
	prev, _ := s[keyCost].(float64)
	s[keyCost] = prev + cost
}

func (c *catalog) llmNode(graphID string, n config.NodeSpec) workflow.NodeFunc {
	return func(ctx context.Context, s workflow.State) (workflow.Result, error) {
		if rejected(s) {
			s[keyRejected] = true
			return workflow.Done(s), nil
		}
		if c.llm == nil {
			return workflow.Result{}, errs.System(errs.LLMNoCandidates, "no language model is configured", fmt.Errorf("catalog has no dispatcher"))
		}

		var b strings.Builder
		b.WriteString(n.Prompt)
		if in := s.GetString(keyInput); in != "" {
			b.WriteString("\n\nRequest:\n")
			b.WriteString(in)
		}
		if prev := s.GetString(keyResult); prev != "" {
			b.WriteString("\n\nPrevious step:\n")
			b.WriteString(prev)
		}

		req := llm.UserRequest(fmt.Sprintf("You are running the %s step of the %s workflow.", n.Name, graphID), b.String())
		req.ThreadID = s.GetString(keyThread)
		req.Purpose = "workflow." + graphID + "." + n.Name
		res, err := c.llm.CallTier(ctx, req, types.TierB)
		if err != nil {
			return workflow.Result{}, err
		}

		var content string
		if res.Response != nil {
			content = res.Response.Content
		}
		s[n.Name] = content
		s[keyResult] = content
		addCost(s, res.Cost)
		return advance(n, s), nil
	}
}

func (c *catalog) toolNode(n config.NodeSpec) workflow.NodeFunc {
	return func(ctx context.Context, s workflow.State) (workflow.Result, error) {
		if rejected(s) {
			s[keyRejected] = true
			return workflow.Done(s), nil
		}
		if c.tools == nil {
			return workflow.Result{}, errs.User(errs.TOOLNotFound, "no tools are available")
		}

		args, _ := s[keyArgs].(map[string]any)
		if args == nil {
			text := s.GetString(keyResult)
			if text == "" {
				text = s.GetString(keyInput)
			}
			args = map[string]any{"text": text}
		}
		out, err := c.tools.Invoke(ctx, n.Tool, args)
		if err != nil {
			return workflow.Result{}, err
		}
		s[n.Name] = out.Result
		s[keyResult] = out.Result
		addCost(s, out.Cost)
		return advance(n, s), nil
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LAUNCHER
// ═══════════════════════════════════════════════════════════════════════════════

// launcher lets plan actions run catalog workflows as child threads.
func (c *catalog) launcher(engine *workflow.Engine) planning.WorkflowLauncher {
	return func(ctx context.Context, threadID, name string, inputs map[string]any) (*workflow.Outcome, error) {
		g, ok := c.graphs[strings.ToUpper(name)]
		if !ok && !strings.EqualFold(name, GenericGraphID) {
			return nil, errs.User(errs.WFInvalidCommand, fmt.Sprintf("no workflow named %s", name))
		}
		if !ok {
			g = c.generic
		}
		state := workflow.State{keyThread: threadID}
		for k, v := range inputs {
			state[k] = v
		}
		return engine.Start(ctx, threadID, g, state)
	}
}
