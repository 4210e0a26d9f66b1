package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/aggregate"
	"github.com/mtzanidakis/archon/internal/graph"
	"github.com/mtzanidakis/archon/internal/router"
	"github.com/mtzanidakis/archon/internal/state"
)

// runSupervisor builds and runs the hub-and-spoke shape: a route node
// picks exactly one worker, conditional edges activate only that
// worker's branch, and a terminal synthesis node folds whatever
// completed into the final result.
func (c *Coordinator) runSupervisor(ctx context.Context, task agent.Task) (agent.Result, error) {
	g, err := c.buildSupervisorGraph()
	if err != nil {
		return agent.Result{}, err
	}

	sched, err := graph.NewScheduler(g, graph.Options{
		NodeTimeout: c.cfg.Engine.NodeTimeout,
		RunDeadline: c.cfg.Engine.RunDeadline,
		Events:      c.eventsFor(task.ID),
	})
	if err != nil {
		return agent.Result{}, err
	}

	res, _, err := sched.Run(ctx, task)
	return res, err
}

func (c *Coordinator) buildSupervisorGraph() (*graph.Graph, error) {
	g := graph.New()

	routeNode := &graph.Node{
		Name: "route",
		Run: func(ctx context.Context, task agent.Task, _ state.Snapshot, _ []agent.Result) (agent.Result, error) {
			dec, err := c.router.Route(ctx, task)
			if err != nil {
				// Oracle failures are the collaborator's problem and stay
				// contained; a missing route is structural and aborts.
				var execErr *agent.ExecError
				if errors.As(err, &execErr) {
					return agent.Result{}, err
				}
				return agent.Result{}, &graph.Fatal{Err: err}
			}
			return agent.Result{
				Status:    agent.StatusSuccess,
				OutputKey: state.KeyRoutedTo,
				Payload:   dec.Target,
				Writes: map[string]any{
					state.KeyRoutedTo:  dec.Target,
					"route_confidence": dec.Confidence,
					"route_rationale":  dec.Rationale,
				},
			}, nil
		},
	}
	if err := g.AddNode(routeNode); err != nil {
		return nil, err
	}

	for _, name := range c.registry.Names() {
		a, ok := c.registry.Get(name)
		if !ok {
			return nil, fmt.Errorf("agent %q vanished from registry", name)
		}
		name := name
		worker := a
		if err := g.AddNode(&graph.Node{
			Name:    name,
			Retries: c.cfg.Engine.NodeRetries,
			Run: func(ctx context.Context, task agent.Task, view state.Snapshot, _ []agent.Result) (agent.Result, error) {
				return worker.Execute(ctx, task, view)
			},
		}); err != nil {
			return nil, err
		}

		target := name
		if err := g.AddEdge(graph.Edge{
			From: "route",
			To:   name,
			Kind: graph.EdgeConditional,
			When: func(snap state.Snapshot) bool {
				return snap.GetString(state.KeyRoutedTo) == target
			},
		}); err != nil {
			return nil, err
		}
		if err := g.AddEdge(graph.Edge{From: name, To: "synthesize", Kind: graph.EdgeAlways}); err != nil {
			return nil, err
		}
	}

	// A contained routing failure writes no target, which kills every
	// worker edge; this edge carries the errored route result to the
	// terminal so the run still ends with a result, not a deadlock.
	if err := g.AddEdge(graph.Edge{
		From: "route",
		To:   "synthesize",
		Kind: graph.EdgeConditional,
		When: func(snap state.Snapshot) bool {
			return snap.GetString(state.KeyRoutedTo) == ""
		},
	}); err != nil {
		return nil, err
	}

	agg := aggregate.New("result", nil, aggregate.Policy{})
	if err := g.AddNode(&graph.Node{
		Name: "synthesize",
		Run: func(ctx context.Context, task agent.Task, _ state.Snapshot, inputs []agent.Result) (agent.Result, error) {
			return agg.Combine(ctx, task, inputs), nil
		},
	}); err != nil {
		return nil, err
	}

	g.SetEntry("route")
	g.SetTerminal("synthesize")
	return g, nil
}

// RouteOnly answers the classification question without executing the
// chosen agent; the web surface uses it for dry runs.
func (c *Coordinator) RouteOnly(ctx context.Context, task agent.Task) (router.Decision, error) {
	return c.router.Route(ctx, task)
}
