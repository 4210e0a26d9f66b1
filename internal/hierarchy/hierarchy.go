package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/aggregate"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/graph"
	"github.com/mtzanidakis/archon/internal/registry"
	"github.com/mtzanidakis/archon/internal/router"
	"github.com/mtzanidakis/archon/internal/state"
)

// SubTask is one unit of a decomposed goal, tagged with the team that
// owns it.
type SubTask struct {
	Team    string `json:"team"`
	Content string `json:"content"`
}

// Decomposer splits a top-level task into team-tagged sub-tasks. It is
// an external collaborator; the default hands every team the whole
// goal.
type Decomposer func(ctx context.Context, task agent.Task) ([]SubTask, error)

// Team is a mid-level coordinator: its own router and aggregator over
// a subset of the worker agents.
type Team struct {
	Name       string
	Router     *router.Router
	Aggregator *aggregate.Aggregator
	Registry   *registry.Registry
	DependsOn  []string
}

type Options struct {
	NodeTimeout time.Duration
	RunDeadline time.Duration
	Events      func(event string, fields map[string]any)
}

// Coordinator composes teams into a two-level tree: decompose the goal,
// fan sub-tasks out to teams (respecting declared dependencies), then
// synthesize across team results. A team's internal failure is caught
// at team level and surfaces as a single error entry to the top
// aggregator; sibling teams are unaffected.
type Coordinator struct {
	teams     map[string]*Team
	order     []string
	topAgg    *aggregate.Aggregator
	decompose Decomposer
	opts      Options
}

// Build constructs the coordinator from team configs. Every team gets
// a sub-registry over its declared agents; team routers route only
// within their team.
func Build(reg *registry.Registry, teams map[string]config.TeamConfig, order []string,
	topAgg *aggregate.Aggregator, decompose Decomposer, opts Options) (*Coordinator, error) {

	if len(teams) == 0 {
		return nil, fmt.Errorf("hierarchy: no teams configured")
	}

	c := &Coordinator{
		teams:     make(map[string]*Team, len(teams)),
		order:     order,
		topAgg:    topAgg,
		decompose: decompose,
		opts:      opts,
	}
	if c.decompose == nil {
		c.decompose = broadcastDecomposer(order)
	}

	for _, name := range order {
		tc, ok := teams[name]
		if !ok {
			return nil, fmt.Errorf("hierarchy: team %q not configured", name)
		}
		sub := registry.New(nil, nil, nil)
		for _, agentName := range tc.Agents {
			a, ok := reg.Get(agentName)
			if !ok {
				return nil, fmt.Errorf("hierarchy: team %s references unknown agent %q", name, agentName)
			}
			if err := sub.Register(a); err != nil {
				return nil, fmt.Errorf("hierarchy: team %s: %w", name, err)
			}
		}
		c.teams[name] = &Team{
			Name:       name,
			Router:     router.New(sub, config.RouterConfig{Rules: tc.Rules, DefaultRoute: tc.DefaultRoute}),
			Aggregator: aggregate.New(name, nil, aggregate.Policy{}),
			Registry:   sub,
			DependsOn:  tc.DependsOn,
		}
	}

	return c, nil
}

// Team returns a configured mid-level coordinator by name.
func (c *Coordinator) Team(name string) (*Team, bool) {
	t, ok := c.teams[name]
	return t, ok
}

// Run decomposes the task, executes the team graph, and returns the
// top aggregator's synthesis.
func (c *Coordinator) Run(ctx context.Context, task agent.Task) (agent.Result, *state.State, error) {
	subTasks, err := c.decompose(ctx, task)
	if err != nil {
		return agent.Result{}, nil, fmt.Errorf("decompose: %w", err)
	}

	byTeam := make(map[string][]SubTask)
	for _, st := range subTasks {
		if _, ok := c.teams[st.Team]; !ok {
			return agent.Result{}, nil, fmt.Errorf("hierarchy: sub-task targets unknown team %q", st.Team)
		}
		byTeam[st.Team] = append(byTeam[st.Team], st)
	}

	g, err := c.buildGraph(task, byTeam)
	if err != nil {
		return agent.Result{}, nil, err
	}

	sched, err := graph.NewScheduler(g, graph.Options{
		NodeTimeout: c.opts.NodeTimeout,
		RunDeadline: c.opts.RunDeadline,
		Events:      c.opts.Events,
	})
	if err != nil {
		return agent.Result{}, nil, err
	}
	return sched.Run(ctx, task)
}

func (c *Coordinator) buildGraph(task agent.Task, byTeam map[string][]SubTask) (*graph.Graph, error) {
	g := graph.New()

	if err := g.AddNode(&graph.Node{
		Name: "decompose",
		Run: func(_ context.Context, _ agent.Task, _ state.Snapshot, _ []agent.Result) (agent.Result, error) {
			return agent.Result{Status: agent.StatusSuccess}, nil
		},
	}); err != nil {
		return nil, err
	}

	for _, name := range c.order {
		team := c.teams[name]
		subs := byTeam[name]
		teamRef := team
		if err := g.AddNode(&graph.Node{
			Name:   "team:" + name,
			Branch: name,
			Run: func(ctx context.Context, task agent.Task, view state.Snapshot, _ []agent.Result) (agent.Result, error) {
				return teamRef.run(ctx, task, subs, view), nil
			},
		}); err != nil {
			return nil, err
		}

		if len(team.DependsOn) == 0 {
			if err := g.AddEdge(graph.Edge{From: "decompose", To: "team:" + name}); err != nil {
				return nil, err
			}
		} else {
			// A dependent team starts only after every dependency's
			// result is committed.
			for _, dep := range team.DependsOn {
				if err := g.AddEdge(graph.Edge{From: "team:" + dep, To: "team:" + name, Kind: graph.EdgeJoin}); err != nil {
					return nil, err
				}
			}
		}

		if err := g.AddEdge(graph.Edge{From: "team:" + name, To: "synthesize", Kind: graph.EdgeJoin}); err != nil {
			return nil, err
		}
	}

	if err := g.AddNode(&graph.Node{
		Name: "synthesize",
		Run: func(ctx context.Context, task agent.Task, _ state.Snapshot, inputs []agent.Result) (agent.Result, error) {
			return c.topAgg.Combine(ctx, task, inputs), nil
		},
	}); err != nil {
		return nil, err
	}

	g.SetEntry("decompose")
	g.SetTerminal("synthesize")
	return g, nil
}

// run executes a team's sub-tasks: route each to one worker, execute
// workers in parallel, aggregate to one result. All failures, routing
// included, are contained here as error results.
func (t *Team) run(ctx context.Context, task agent.Task, subs []SubTask, view state.Snapshot) agent.Result {
	if len(subs) == 0 {
		subs = []SubTask{{Team: t.Name, Content: task.Content}}
	}

	results := make([]agent.Result, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub SubTask) {
			defer wg.Done()
			results[i] = t.runSubTask(ctx, task, sub, view)
		}(i, sub)
	}
	wg.Wait()

	out := t.Aggregator.Combine(ctx, task, results)
	out.Branch = t.Name
	return out
}

func (t *Team) runSubTask(ctx context.Context, parent agent.Task, sub SubTask, view state.Snapshot) agent.Result {
	subTask := parent.Subtask(sub.Content)

	decision, err := t.Router.Route(ctx, subTask)
	if err != nil {
		slog.Warn("team routing failed", "team", t.Name, "task", subTask.ID, "error", err)
		return agent.ErrorResult(t.Name, fmt.Sprintf("routing: %v", err))
	}

	worker, _ := t.Registry.Get(decision.Target)
	res, err := worker.Execute(ctx, subTask, view)
	if err != nil {
		return agent.ErrorResult(decision.Target, (&agent.ExecError{Agent: decision.Target, Err: err}).Error())
	}
	if res.Branch == "" {
		res.Branch = decision.Target
	}
	return res
}

// broadcastDecomposer hands every team one sub-task carrying the whole
// goal, in team order.
func broadcastDecomposer(order []string) Decomposer {
	return func(_ context.Context, task agent.Task) ([]SubTask, error) {
		subs := make([]SubTask, 0, len(order))
		for _, team := range order {
			subs = append(subs, SubTask{Team: team, Content: task.Content})
		}
		return subs, nil
	}
}
