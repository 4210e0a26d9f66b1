package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/state"
)

// Options tunes one scheduler. Node retries default to zero because
// most agent tool calls are not guaranteed idempotent; they must be
// enabled per node.
type Options struct {
	NodeTimeout time.Duration
	RunDeadline time.Duration
	Events      func(event string, fields map[string]any)
}

// Scheduler drives a validated graph to a fixed point: run every node
// whose predecessors are satisfied, commit its writes, mark outgoing
// edges, until the terminal node completes. State commits are
// serialized in completion order even when node execution overlaps.
type Scheduler struct {
	g    *Graph
	opts Options
}

func NewScheduler(g *Graph, opts Options) (*Scheduler, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return &Scheduler{g: g, opts: opts}, nil
}

type nodeStatus int

const (
	statusPending nodeStatus = iota
	statusRunning
	statusDone
	statusSkipped
)

type completion struct {
	node   string
	result agent.Result
	fatal  error
}

// Run executes the graph against a fresh state and returns the
// terminal node's result plus the final state.
func (s *Scheduler) Run(ctx context.Context, task agent.Task) (agent.Result, *state.State, error) {
	st := state.New()
	res, err := s.RunWith(ctx, task, st)
	return res, st, err
}

func (s *Scheduler) RunWith(ctx context.Context, task agent.Task, st *state.State) (agent.Result, error) {
	runCtx := ctx
	cancel := func() {}
	if s.opts.RunDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.opts.RunDeadline)
	}
	defer cancel()

	status := make(map[string]nodeStatus, len(s.g.nodes))
	results := make(map[string]agent.Result, len(s.g.nodes))
	var completed []string // commit order
	edgeFired := make([]bool, len(s.g.edges))
	edgeDead := make([]bool, len(s.g.edges))
	running := 0

	// Buffered so late completions after a deadline never block.
	done := make(chan completion, len(s.g.nodes))

	for {
		launched := false
		for _, name := range s.g.order {
			if !s.eligible(name, status, edgeFired) {
				continue
			}
			s.prepareJoin(name, status, st)
			node := s.g.nodes[name]
			snap := st.Snapshot()
			inputs := s.inputsFor(name, completed, results, edgeFired)
			status[name] = statusRunning
			running++
			launched = true
			s.event("node_started", map[string]any{"node": name, "task": task.ID})
			go s.runNode(runCtx, node, task, snap, inputs, done)
		}

		s.propagateSkips(status, edgeFired, edgeDead)

		if status[s.g.terminal] == statusDone {
			return results[s.g.terminal], nil
		}
		if running == 0 && !launched {
			return agent.Result{}, fmt.Errorf("%w: terminal %q unreachable", ErrDeadlock, s.g.terminal)
		}
		if launched {
			continue
		}

		select {
		case c := <-done:
			running--
			if c.fatal != nil {
				cancel()
				return agent.Result{}, c.fatal
			}
			s.commit(c, task, st, status, results, &completed, edgeFired, edgeDead)
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return agent.Result{}, ctx.Err()
			}
			// Per-run deadline: cancel pending work and force the
			// terminal node to run with whatever results exist.
			slog.Warn("run deadline exceeded, forcing terminal node", "task", task.ID, "terminal", s.g.terminal)
			return s.forceTerminal(ctx, task, st, completed, results, status)
		}
	}
}

func (s *Scheduler) eligible(name string, status map[string]nodeStatus, edgeFired []bool) bool {
	if status[name] != statusPending {
		return false
	}
	incoming := s.g.incoming(name)
	if len(incoming) == 0 {
		return name == s.g.entry
	}

	joinPreds := s.g.joinPredecessors(name)
	if len(joinPreds) > 0 {
		// Join barrier: fires exactly once, only after every declared
		// predecessor has produced a result (success, error or timeout).
		for _, pred := range joinPreds {
			if status[pred] != statusDone {
				return false
			}
		}
		return true
	}

	for i, e := range s.g.edges {
		if e.To == name && edgeFired[i] {
			return true
		}
	}
	return false
}

// prepareJoin merges branch-namespaced writes of join predecessors
// into the top-level state before the join node snapshots it.
func (s *Scheduler) prepareJoin(name string, status map[string]nodeStatus, st *state.State) {
	for _, pred := range s.g.joinPredecessors(name) {
		if status[pred] != statusDone {
			continue
		}
		if node, ok := s.g.nodes[pred]; ok && node.Branch != "" {
			st.MergeBranch(node.Branch)
		}
	}
}

// inputsFor collects predecessor results in the order they completed.
func (s *Scheduler) inputsFor(name string, completed []string, results map[string]agent.Result, edgeFired []bool) []agent.Result {
	preds := make(map[string]bool)
	for i, e := range s.g.edges {
		if e.To != name {
			continue
		}
		if e.Kind == EdgeJoin || edgeFired[i] {
			preds[e.From] = true
		}
	}
	var inputs []agent.Result
	for _, n := range completed {
		if preds[n] {
			inputs = append(inputs, results[n])
		}
	}
	return inputs
}

func (s *Scheduler) commit(c completion, task agent.Task, st *state.State, status map[string]nodeStatus,
	results map[string]agent.Result, completed *[]string, edgeFired, edgeDead []bool) {

	res := c.result
	node := s.g.nodes[c.node]

	if len(res.Writes) > 0 {
		delta := make(state.Delta, len(res.Writes))
		for k, v := range res.Writes {
			key := k
			if node.Branch != "" {
				key = state.BranchKey(node.Branch, k)
			}
			delta[key] = v
		}
		if err := st.Apply(delta); err != nil {
			// A node tried to write a scheduler-owned key; its result
			// degrades to an error rather than corrupting the state.
			res = agent.ErrorResult(c.node, err.Error())
		}
	}

	st.SetCurrentAgent(c.node)
	st.BumpIteration()

	status[c.node] = statusDone
	results[c.node] = res
	*completed = append(*completed, c.node)

	snap := st.Snapshot()
	for i, e := range s.g.edges {
		if e.From != c.node {
			continue
		}
		switch e.Kind {
		case EdgeConditional:
			if e.When(snap) {
				edgeFired[i] = true
			} else {
				edgeDead[i] = true
			}
		default:
			edgeFired[i] = true
		}
	}

	s.event("node_completed", map[string]any{
		"node":   c.node,
		"task":   task.ID,
		"status": string(res.Status),
	})
}

// propagateSkips marks nodes whose every incoming edge is dead, and
// kills their outgoing edges, to a fixed point. Branches not taken by
// a conditional router fall out of the schedule this way.
func (s *Scheduler) propagateSkips(status map[string]nodeStatus, edgeFired, edgeDead []bool) {
	for changed := true; changed; {
		changed = false
		for _, name := range s.g.order {
			if status[name] != statusPending {
				continue
			}
			incoming := s.g.incoming(name)
			if len(incoming) == 0 {
				continue
			}
			allDead := true
			for i, e := range s.g.edges {
				if e.To != name {
					continue
				}
				if !edgeDead[i] {
					allDead = false
					break
				}
			}
			if !allDead {
				continue
			}
			status[name] = statusSkipped
			changed = true
			for i, e := range s.g.edges {
				if e.From == name && !edgeFired[i] {
					edgeDead[i] = true
				}
			}
		}
	}
}

// forceTerminal runs the terminal node outside the expired run
// deadline with the results that are available, and reports partial.
func (s *Scheduler) forceTerminal(ctx context.Context, task agent.Task, st *state.State,
	completed []string, results map[string]agent.Result, status map[string]nodeStatus) (agent.Result, error) {

	if status[s.g.terminal] == statusDone {
		return results[s.g.terminal], nil
	}

	node := s.g.nodes[s.g.terminal]
	preds := make(map[string]bool)
	for _, e := range s.g.incoming(s.g.terminal) {
		preds[e.From] = true
	}
	var inputs []agent.Result
	for _, n := range completed {
		if preds[n] {
			inputs = append(inputs, results[n])
		}
	}

	timeout := node.Timeout
	if timeout == 0 {
		timeout = s.opts.NodeTimeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}
	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	res, err := node.Run(termCtx, task, st.Snapshot(), inputs)
	if err != nil {
		res = agent.ErrorResult(s.g.terminal, err.Error())
	}
	if len(res.Writes) > 0 {
		_ = st.Apply(state.Delta(res.Writes))
	}
	if res.Status == agent.StatusSuccess {
		res.Status = agent.StatusPartial
		if res.ErrorDetail == "" {
			res.ErrorDetail = "run deadline exceeded before all branches completed"
		}
	}
	s.event("run_deadline_exceeded", map[string]any{"task": task.ID, "completed": len(completed)})
	return res, nil
}

func (s *Scheduler) runNode(ctx context.Context, n *Node, task agent.Task, snap state.Snapshot,
	inputs []agent.Result, done chan<- completion) {

	timeout := n.Timeout
	if timeout == 0 {
		timeout = s.opts.NodeTimeout
	}

	var res agent.Result
	for attempt := 0; attempt <= n.Retries; attempt++ {
		var fatal error
		res, fatal = s.attempt(ctx, n, task, snap, inputs, timeout)
		if fatal != nil {
			done <- completion{node: n.Name, fatal: fatal}
			return
		}
		if !res.Failed() || ctx.Err() != nil {
			break
		}
		if attempt < n.Retries {
			slog.Debug("retrying node", "node", n.Name, "attempt", attempt+1, "detail", res.ErrorDetail)
		}
	}

	if res.Branch == "" {
		res.Branch = n.Name
	}
	done <- completion{node: n.Name, result: res}
}

func (s *Scheduler) attempt(ctx context.Context, n *Node, task agent.Task, snap state.Snapshot,
	inputs []agent.Result, timeout time.Duration) (agent.Result, error) {

	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		res agent.Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		r, err := n.Run(attemptCtx, task, snap, inputs)
		out <- outcome{r, err}
	}()

	select {
	case o := <-out:
		if o.err == nil {
			return o.res, nil
		}
		var fatal *Fatal
		if errors.As(o.err, &fatal) {
			return agent.Result{}, fatal.Err
		}
		detail := o.err.Error()
		if errors.Is(o.err, context.DeadlineExceeded) {
			detail = TimeoutDetail
		}
		return agent.ErrorResult(n.Name, detail), nil
	case <-attemptCtx.Done():
		// The node overran its timeout (or the run was cancelled); the
		// branch is synthesized as an error and joins proceed without
		// waiting further.
		if ctx.Err() != nil {
			return agent.ErrorResult(n.Name, "cancelled"), nil
		}
		return agent.ErrorResult(n.Name, TimeoutDetail), nil
	}
}

func (s *Scheduler) event(name string, fields map[string]any) {
	if s.opts.Events != nil {
		s.opts.Events(name, fields)
	}
}
