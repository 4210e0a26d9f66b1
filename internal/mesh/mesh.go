package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/aggregate"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/graph"
	"github.com/mtzanidakis/archon/internal/registry"
	"github.com/mtzanidakis/archon/internal/state"
)

var (
	// ErrExhausted means every neighbor of the current peer is already
	// on the visited trail. Structural: not retried.
	ErrExhausted = errors.New("mesh: all neighbors exhausted")

	// ErrHopLimit means a forwarding chain exceeded the configured
	// maximum hop count.
	ErrHopLimit = errors.New("mesh: hop limit exceeded")
)

// Mesh is the decentralized routing variant: each peer carries its own
// confidence function and may forward a task to a neighbor instead of
// asking a central router.
type Mesh struct {
	registry  *registry.Registry
	neighbors map[string][]string
	threshold float64
	maxHops   int
	timeout   time.Duration
	events    func(event string, fields map[string]any)
}

type Options struct {
	PeerTimeout time.Duration
	Events      func(event string, fields map[string]any)
}

func New(reg *registry.Registry, cfg config.MeshConfig, opts Options) *Mesh {
	return &Mesh{
		registry:  reg,
		neighbors: make(map[string][]string),
		threshold: cfg.Threshold,
		maxHops:   cfg.MaxHops,
		timeout:   opts.PeerTimeout,
		events:    opts.Events,
	}
}

// Connect declares a peer's known-neighbors list. Both ends must be
// registered agents.
func (m *Mesh) Connect(peer string, neighbors ...string) error {
	if _, ok := m.registry.Get(peer); !ok {
		return fmt.Errorf("mesh: unknown peer %q", peer)
	}
	for _, nb := range neighbors {
		if _, ok := m.registry.Get(nb); !ok {
			return fmt.Errorf("mesh: peer %s references unknown neighbor %q", peer, nb)
		}
	}
	m.neighbors[peer] = append(m.neighbors[peer], neighbors...)
	return nil
}

// Route forwards the task peer to peer until one is confident enough
// to execute it. Each hop appends the forwarding peer to the
// visited_agents trail; a task is never forwarded back to a visited
// peer, and exhausting all neighbors fails the route.
func (m *Mesh) Route(ctx context.Context, task agent.Task, start string, st *state.State) (agent.Result, error) {
	current := start
	if _, ok := m.registry.Get(current); !ok {
		return agent.Result{}, fmt.Errorf("mesh: unknown entry peer %q", current)
	}

	for hop := 0; ; hop++ {
		if m.maxHops > 0 && hop >= m.maxHops {
			return agent.Result{}, fmt.Errorf("%w: %d hops from %s", ErrHopLimit, hop, start)
		}

		a, _ := m.registry.Get(current)
		st.AppendVisited(current)
		confidence := a.CanHandle(task)

		m.event("peer_evaluated", map[string]any{
			"peer":       current,
			"task":       task.ID,
			"confidence": confidence,
			"hop":        hop,
		})

		if confidence >= m.threshold {
			st.SetCurrentAgent(current)
			res := m.execute(ctx, a, task, st.Snapshot())
			res.Branch = current
			return res, nil
		}

		next := m.bestNeighbor(task, current, st)
		if next == "" {
			return agent.Result{}, fmt.Errorf("%w: at %s after %d hops", ErrExhausted, current, hop)
		}
		slog.Debug("forwarding task", "from", current, "to", next, "task", task.ID)
		current = next
	}
}

// bestNeighbor returns the highest-confidence unvisited neighbor, ties
// broken by declaration order. Empty when none remain.
func (m *Mesh) bestNeighbor(task agent.Task, peer string, st *state.State) string {
	visited := make(map[string]bool)
	for _, v := range st.Visited() {
		visited[v] = true
	}

	best := ""
	bestConf := -1.0
	for _, nb := range m.neighbors[peer] {
		if visited[nb] {
			continue
		}
		a, ok := m.registry.Get(nb)
		if !ok {
			continue
		}
		if conf := a.CanHandle(task); conf > bestConf {
			best, bestConf = nb, conf
		}
	}
	return best
}

// Consensus solicits every listed peer in parallel and hands all
// positions to the synthesizer once the join barrier releases. A peer
// overrunning the peer timeout contributes an error branch instead of
// stalling the join. Structurally this is the same fan-out/join the
// execution graph implements, so it is built on it.
func (m *Mesh) Consensus(ctx context.Context, task agent.Task, peers []string, agg *aggregate.Aggregator) (agent.Result, *state.State, error) {
	if len(peers) == 0 {
		return agent.Result{}, nil, fmt.Errorf("mesh: consensus requires at least one peer")
	}

	g := graph.New()
	if err := g.AddNode(&graph.Node{
		Name: "solicit",
		Run: func(_ context.Context, _ agent.Task, _ state.Snapshot, _ []agent.Result) (agent.Result, error) {
			return agent.Result{Status: agent.StatusSuccess}, nil
		},
	}); err != nil {
		return agent.Result{}, nil, err
	}

	for _, peer := range peers {
		a, ok := m.registry.Get(peer)
		if !ok {
			return agent.Result{}, nil, fmt.Errorf("mesh: unknown consensus peer %q", peer)
		}
		peer := peer
		agentRef := a
		if err := g.AddNode(&graph.Node{
			Name:    peer,
			Branch:  peer,
			Timeout: m.timeout,
			Run: func(ctx context.Context, task agent.Task, view state.Snapshot, _ []agent.Result) (agent.Result, error) {
				return agentRef.Execute(ctx, task, view)
			},
		}); err != nil {
			return agent.Result{}, nil, err
		}
		if err := g.AddEdge(graph.Edge{From: "solicit", To: peer}); err != nil {
			return agent.Result{}, nil, err
		}
		if err := g.AddEdge(graph.Edge{From: peer, To: "synthesize", Kind: graph.EdgeJoin}); err != nil {
			return agent.Result{}, nil, err
		}
	}

	if err := g.AddNode(&graph.Node{
		Name: "synthesize",
		Run: func(ctx context.Context, task agent.Task, _ state.Snapshot, inputs []agent.Result) (agent.Result, error) {
			return agg.Combine(ctx, task, inputs), nil
		},
	}); err != nil {
		return agent.Result{}, nil, err
	}

	g.SetEntry("solicit")
	g.SetTerminal("synthesize")

	sched, err := graph.NewScheduler(g, graph.Options{NodeTimeout: m.timeout, Events: m.events})
	if err != nil {
		return agent.Result{}, nil, err
	}
	return sched.Run(ctx, task)
}

func (m *Mesh) execute(ctx context.Context, a agent.Agent, task agent.Task, view state.Snapshot) agent.Result {
	attemptCtx := ctx
	cancel := func() {}
	if m.timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, m.timeout)
	}
	defer cancel()

	name := a.Descriptor().Name

	type outcome struct {
		res agent.Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		r, err := a.Execute(attemptCtx, task, view)
		out <- outcome{r, err}
	}()

	select {
	case o := <-out:
		if o.err != nil {
			return agent.ErrorResult(name, o.err.Error())
		}
		return o.res
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return agent.ErrorResult(name, "cancelled")
		}
		return agent.ErrorResult(name, graph.TimeoutDetail)
	}
}

func (m *Mesh) event(name string, fields map[string]any) {
	if m.events != nil {
		m.events(name, fields)
	}
}
