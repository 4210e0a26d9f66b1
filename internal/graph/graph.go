package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/state"
)

var (
	// ErrDeadlock means no node is eligible and the terminal node was
	// not reached: a malformed graph, e.g. an unsatisfiable join.
	ErrDeadlock = errors.New("graph: scheduling deadlock")
)

// TimeoutDetail is the error detail recorded when a node exceeds its
// timeout. Downstream joins treat it like any other errored branch.
const TimeoutDetail = "timeout"

// NodeFunc executes one node. view is a consistent snapshot taken when
// the node became eligible; inputs are the results of fired
// predecessors in completion order. Returned results carry the node's
// state delta in Writes; the scheduler commits it.
//
// A returned error is converted to an error result at the node
// boundary unless it is wrapped in Fatal, which aborts the whole run.
type NodeFunc func(ctx context.Context, task agent.Task, view state.Snapshot, inputs []agent.Result) (agent.Result, error)

type Node struct {
	Name    string
	Run     NodeFunc
	Timeout time.Duration // 0 = scheduler default
	Retries int           // transient failures only; default 0
	Branch  string        // non-empty: writes land under branch.<name>. until a join merges them
}

type EdgeKind int

const (
	// EdgeAlways fires unconditionally once the source completes.
	EdgeAlways EdgeKind = iota
	// EdgeConditional fires only if its predicate holds over the state
	// after the source's commit; otherwise it is dead.
	EdgeConditional
	// EdgeJoin contributes to a barrier: the target runs only once all
	// of its join predecessors have completed.
	EdgeJoin
)

type Edge struct {
	From, To string
	Kind     EdgeKind
	When     func(state.Snapshot) bool // EdgeConditional only
}

// Graph is a validated DAG of nodes. Build it with AddNode/AddEdge,
// then Validate before scheduling.
type Graph struct {
	nodes    map[string]*Node
	order    []string
	edges    []Edge
	entry    string
	terminal string
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

func (g *Graph) AddNode(n *Node) error {
	if n.Name == "" {
		return fmt.Errorf("node has no name")
	}
	if _, exists := g.nodes[n.Name]; exists {
		return fmt.Errorf("duplicate node %q", n.Name)
	}
	if n.Run == nil {
		return fmt.Errorf("node %q has no run function", n.Name)
	}
	g.nodes[n.Name] = n
	g.order = append(g.order, n.Name)
	return nil
}

func (g *Graph) AddEdge(e Edge) error {
	if e.Kind == EdgeConditional && e.When == nil {
		return fmt.Errorf("conditional edge %s->%s has no predicate", e.From, e.To)
	}
	g.edges = append(g.edges, e)
	return nil
}

func (g *Graph) SetEntry(name string) {
	g.entry = name
}

func (g *Graph) SetTerminal(name string) {
	g.terminal = name
}

func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Validate checks edge references, entry/terminal designation, and
// acyclicity (Kahn). Cycles are a configuration error, never a
// runtime condition.
func (g *Graph) Validate() error {
	if g.entry == "" || g.terminal == "" {
		return fmt.Errorf("graph needs entry and terminal nodes")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry node %q not defined", g.entry)
	}
	if _, ok := g.nodes[g.terminal]; !ok {
		return fmt.Errorf("terminal node %q not defined", g.terminal)
	}

	inDegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		inDegree[name] = 0
	}
	adj := make(map[string][]string)
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		adj[e.From] = append(adj[e.From], e.To)
		inDegree[e.To]++
	}

	if inDegree[g.entry] != 0 {
		return fmt.Errorf("entry node %q has incoming edges", g.entry)
	}

	// Kahn's algorithm; leftover nodes mean a cycle.
	queue := make([]string, 0, len(g.nodes))
	for _, name := range g.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range adj[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(g.nodes) {
		return errors.New("graph contains a cycle")
	}

	return nil
}

// joinPredecessors returns the declared join set for a node, empty when
// the node has no join edges.
func (g *Graph) joinPredecessors(name string) []string {
	var preds []string
	for _, e := range g.edges {
		if e.To == name && e.Kind == EdgeJoin {
			preds = append(preds, e.From)
		}
	}
	return preds
}

func (g *Graph) incoming(name string) []Edge {
	var in []Edge
	for _, e := range g.edges {
		if e.To == name {
			in = append(in, e)
		}
	}
	return in
}

func (g *Graph) outgoing(name string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.From == name {
			out = append(out, e)
		}
	}
	return out
}

// Fatal wraps an error that must abort the whole run instead of being
// contained as an error result at the node boundary. Structural
// failures (no route, exhausted mesh) use it.
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string {
	return f.Err.Error()
}

func (f *Fatal) Unwrap() error {
	return f.Err
}
