package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/aggregate"
	"github.com/mtzanidakis/archon/internal/bus"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/hierarchy"
	"github.com/mtzanidakis/archon/internal/mesh"
	"github.com/mtzanidakis/archon/internal/pipeline"
	"github.com/mtzanidakis/archon/internal/registry"
	"github.com/mtzanidakis/archon/internal/router"
	"github.com/mtzanidakis/archon/internal/state"
	"github.com/mtzanidakis/archon/internal/store"
)

type Topology string

const (
	TopologySupervisor   Topology = "supervisor"
	TopologyHierarchical Topology = "hierarchical"
	TopologySequential   Topology = "sequential"
	TopologyPeer         Topology = "peer"
)

// Invocation is one task submission. Topology empty means the
// configured default. Entry selects the peer topology's starting
// agent; Consensus switches the peer topology from forwarding to the
// solicit-all variant.
type Invocation struct {
	Task      agent.Task `json:"task"`
	Topology  Topology   `json:"topology,omitempty"`
	Entry     string     `json:"entry,omitempty"`
	Consensus bool       `json:"consensus,omitempty"`
	Peers     []string   `json:"peers,omitempty"`
}

// Coordinator is the engine's front door: it turns an invocation into
// the right executable shape for its topology, runs it, persists the
// run, and publishes lifecycle events.
type Coordinator struct {
	cfg      *config.Config
	registry *registry.Registry
	store    *store.Store
	client   *bus.Client
	router   *router.Router
	mesh     *mesh.Mesh
	teams    *hierarchy.Coordinator
	pipe     *pipeline.Pipeline
}

func New(cfg *config.Config, reg *registry.Registry, s *store.Store, b *bus.Bus, rtr *router.Router) (*Coordinator, error) {
	c := &Coordinator{
		cfg:      cfg,
		registry: reg,
		store:    s,
		router:   rtr,
	}

	if b != nil {
		client, err := bus.NewClient(b)
		if err != nil {
			slog.Error("coordinator nats client failed", "error", err)
		} else {
			c.client = client
		}
	}

	c.mesh = mesh.New(reg, cfg.Mesh, mesh.Options{
		PeerTimeout: cfg.Engine.NodeTimeout,
	})
	for peer, neighbors := range cfg.Peers {
		if err := c.mesh.Connect(peer, neighbors...); err != nil {
			return nil, fmt.Errorf("wire mesh: %w", err)
		}
	}

	if len(cfg.Teams) > 0 {
		teams, err := hierarchy.Build(reg, cfg.Teams, cfg.TeamOrder(), aggregate.New("result", nil, aggregate.Policy{}), nil, hierarchy.Options{
			NodeTimeout: cfg.Engine.NodeTimeout,
			RunDeadline: cfg.Engine.RunDeadline,
		})
		if err != nil {
			return nil, fmt.Errorf("build hierarchy: %w", err)
		}
		c.teams = teams
	}

	if len(cfg.Pipeline) > 0 {
		stages := make([]pipeline.Stage, 0, len(cfg.Pipeline))
		for _, sc := range cfg.Pipeline {
			a, ok := reg.Get(sc.Agent)
			if !ok {
				return nil, fmt.Errorf("pipeline stage %s references unknown agent %q", sc.Name, sc.Agent)
			}
			stages = append(stages, pipeline.Stage{
				Name:            sc.Name,
				Agent:           a,
				Reads:           sc.Reads,
				Writes:          sc.Writes,
				ContinueOnError: sc.ContinueOnError,
				Retries:         sc.Retries,
			})
		}
		pipe, err := pipeline.New("default", stages, pipeline.Options{
			StageTimeout: cfg.Engine.NodeTimeout,
			Store:        s,
		})
		if err != nil {
			return nil, fmt.Errorf("build pipeline: %w", err)
		}
		c.pipe = pipe
	}

	return c, nil
}

// Submit persists a running record and executes the invocation in the
// background; the run outlives the submitting request.
func (c *Coordinator) Submit(inv Invocation) (*store.Run, error) {
	topo := c.topologyFor(inv)

	run := &store.Run{
		ID:         inv.Task.ID,
		TaskID:     inv.Task.ID,
		ParentTask: inv.Task.ParentTaskID,
		Topology:   string(topo),
		Task:       inv.Task.Content,
		Status:     "running",
	}
	if err := c.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	c.publishEvent(run.ID, "run_started", map[string]any{
		"topology": string(topo),
		"task":     inv.Task.Content,
	})

	go c.executeAndRecord(context.Background(), inv, run)

	return run, nil
}

func (c *Coordinator) executeAndRecord(ctx context.Context, inv Invocation, run *store.Run) {
	res, err := c.Execute(ctx, inv)
	if err != nil {
		slog.Error("run failed", "run", run.ID, "error", err)
		detail, _ := json.Marshal([]string{err.Error()})
		_ = c.store.UpdateRun(run.ID, "failed", "", nil, detail)
		c.publishEvent(run.ID, "run_failed", map[string]any{"error": err.Error()})
		return
	}

	payload, _ := json.Marshal(res.Payload)
	var branchErrors json.RawMessage
	if len(res.BranchErrors) > 0 {
		branchErrors, _ = json.Marshal(res.BranchErrors)
	}
	_ = c.store.UpdateRun(run.ID, string(res.Status), res.OutputKey, payload, branchErrors)

	c.publishEventTo(bus.TopicRunResult(run.ID), run.ID, "run_result", map[string]any{
		"status":  string(res.Status),
		"payload": res.Payload,
	})
	c.publishEvent(run.ID, "run_completed", map[string]any{
		"status": string(res.Status),
	})
	slog.Info("run finished", "run", run.ID, "status", res.Status)
}

// Execute runs one invocation synchronously and returns the terminal
// result. Structural errors (no route, deadlock, exhausted mesh, hop
// limit) abort the invocation; agent failures surface in the result's
// status instead.
func (c *Coordinator) Execute(ctx context.Context, inv Invocation) (agent.Result, error) {
	topo := c.topologyFor(inv)

	switch topo {
	case TopologySupervisor:
		return c.runSupervisor(ctx, inv.Task)
	case TopologySequential:
		if c.pipe == nil {
			return agent.Result{}, fmt.Errorf("sequential topology selected but no pipeline configured")
		}
		res, _, err := c.pipe.Run(ctx, inv.Task)
		return res, err
	case TopologyHierarchical:
		if c.teams == nil {
			return agent.Result{}, fmt.Errorf("hierarchical topology selected but no teams configured")
		}
		res, _, err := c.teams.Run(ctx, inv.Task)
		return res, err
	case TopologyPeer:
		return c.runPeer(ctx, inv)
	default:
		return agent.Result{}, fmt.Errorf("unknown topology: %s", topo)
	}
}

func (c *Coordinator) runPeer(ctx context.Context, inv Invocation) (agent.Result, error) {
	if inv.Consensus {
		peers := inv.Peers
		if len(peers) == 0 {
			peers = c.registry.Names()
		}
		agg := aggregate.New("result", nil, aggregate.Policy{})
		res, _, err := c.mesh.Consensus(ctx, inv.Task, peers, agg)
		return res, err
	}

	entry := inv.Entry
	if entry == "" {
		names := c.registry.Names()
		if len(names) == 0 {
			return agent.Result{}, fmt.Errorf("%w: empty registry", router.ErrNoRoute)
		}
		entry = names[0]
	}
	return c.mesh.Route(ctx, inv.Task, entry, state.New())
}

// Resume continues a checkpointed sequential run from its last
// completed stage. Only the sequential topology checkpoints.
func (c *Coordinator) Resume(ctx context.Context, task agent.Task) (agent.Result, error) {
	if c.pipe == nil {
		return agent.Result{}, fmt.Errorf("no pipeline configured")
	}
	res, _, err := c.pipe.Resume(ctx, task)
	if err != nil {
		return agent.Result{}, err
	}

	payload, _ := json.Marshal(res.Payload)
	var branchErrors json.RawMessage
	if len(res.BranchErrors) > 0 {
		branchErrors, _ = json.Marshal(res.BranchErrors)
	}
	_ = c.store.UpdateRun(task.ID, string(res.Status), res.OutputKey, payload, branchErrors)
	return res, nil
}

// GetRun is the result surface: the persisted run by task id.
func (c *Coordinator) GetRun(taskID string) (*store.Run, error) {
	return c.store.GetRunByTask(taskID)
}

func (c *Coordinator) ListRuns() ([]store.Run, error) {
	return c.store.ListRuns()
}

func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

func (c *Coordinator) topologyFor(inv Invocation) Topology {
	if inv.Topology != "" {
		return inv.Topology
	}
	return Topology(c.cfg.Topology)
}

func (c *Coordinator) publishEvent(runID, eventType string, data map[string]any) {
	c.publishEventTo(bus.TopicRunEvents(runID), runID, eventType, data)
}

func (c *Coordinator) publishEventTo(topic, runID, eventType string, data map[string]any) {
	if c.client == nil {
		return
	}

	event := map[string]any{
		"type":      eventType,
		"run_id":    runID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = c.client.Publish(topic, payload)
}

// eventsFor adapts the scheduler event hook to NATS publication. Node
// lifecycle events go out on the per-node subject so clients can
// subscribe to a single branch; everything else lands on the run's
// event subject.
func (c *Coordinator) eventsFor(runID string) func(event string, fields map[string]any) {
	return func(event string, fields map[string]any) {
		if node, ok := fields["node"].(string); ok {
			c.publishEventTo(bus.TopicNodeEvents(runID, node), runID, event, fields)
			return
		}
		c.publishEvent(runID, event, fields)
	}
}
