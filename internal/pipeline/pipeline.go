package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/state"
	"github.com/mtzanidakis/archon/internal/store"
)

// Stage is one step of a sequential pipeline. Reads and Writes declare
// the state keys it touches; the declaration is validated at build
// time so a stage can never depend on a later stage's output.
type Stage struct {
	Name            string
	Agent           agent.Agent
	Reads           []string
	Writes          []string
	ContinueOnError bool
	Retries         int
	Timeout         time.Duration
}

type Options struct {
	StageTimeout time.Duration
	Store        *store.Store // nil disables checkpointing
	Events       func(event string, fields map[string]any)
}

// Pipeline executes a fixed, ordered sequence of agents, threading
// state between stages. Strictly ordered, no cycles; terminal after
// the last stage or the first unhandled error.
type Pipeline struct {
	name   string
	stages []Stage
	opts   Options
}

func New(name string, stages []Stage, opts Options) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %s has no stages", name)
	}

	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("pipeline %s: stage with no name", name)
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("pipeline %s: duplicate stage %q", name, st.Name)
		}
		seen[st.Name] = true
		if st.Agent == nil {
			return nil, fmt.Errorf("pipeline %s: stage %q has no agent", name, st.Name)
		}
	}

	// No forward references: a stage may not read a key that only a
	// later stage writes.
	for i, st := range stages {
		for _, key := range st.Reads {
			for j := i + 1; j < len(stages); j++ {
				for _, w := range stages[j].Writes {
					if key == w {
						return nil, fmt.Errorf("pipeline %s: stage %q reads %q written by later stage %q",
							name, st.Name, key, stages[j].Name)
					}
				}
			}
		}
	}

	return &Pipeline{name: name, stages: stages, opts: opts}, nil
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) Stages() int {
	return len(p.stages)
}

// Run executes the pipeline from the first stage against a fresh state.
func (p *Pipeline) Run(ctx context.Context, task agent.Task) (agent.Result, *state.State, error) {
	st := state.New()
	res, err := p.run(ctx, task, st, 0)
	return res, st, err
}

// Resume continues a previously checkpointed run. Stages at or below
// the checkpoint are not re-executed; with unchanged prior-stage
// outputs the final result matches an uninterrupted run.
func (p *Pipeline) Resume(ctx context.Context, task agent.Task) (agent.Result, *state.State, error) {
	if p.opts.Store == nil {
		return p.Run(ctx, task)
	}
	cp, err := p.opts.Store.LatestCheckpoint(task.ID)
	if err != nil {
		return agent.Result{}, nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return p.Run(ctx, task)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(cp.State, &snap); err != nil {
		return agent.Result{}, nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	st := state.Restore(snap)

	if cp.Stage >= len(p.stages)-1 {
		var res agent.Result
		if err := json.Unmarshal(cp.Result, &res); err != nil {
			return agent.Result{}, nil, fmt.Errorf("decode checkpoint result: %w", err)
		}
		return res, st, nil
	}

	slog.Info("resuming pipeline", "pipeline", p.name, "task", task.ID, "after_stage", cp.StageName)
	res, err := p.run(ctx, task, st, cp.Stage+1)
	return res, st, err
}

func (p *Pipeline) run(ctx context.Context, task agent.Task, st *state.State, from int) (agent.Result, error) {
	var last agent.Result

	for i := from; i < len(p.stages); i++ {
		stage := p.stages[i]
		if err := st.Set(state.KeyPipelineStage, stage.Name); err != nil {
			return agent.Result{}, err
		}

		res := p.runStage(ctx, stage, task, st)
		st.SetCurrentAgent(stage.Agent.Descriptor().Name)
		st.BumpIteration()

		if len(res.Writes) > 0 && !res.Failed() {
			if err := st.Apply(state.Delta(res.Writes)); err != nil {
				res = agent.ErrorResult(stage.Name, err.Error())
			}
		}

		p.event("stage_completed", map[string]any{
			"pipeline": p.name,
			"stage":    stage.Name,
			"task":     task.ID,
			"status":   string(res.Status),
		})

		if res.Failed() {
			if !stage.ContinueOnError {
				// Final result is the failing stage's error; later
				// stages never execute. No checkpoint: a resume
				// re-runs the failing stage.
				return res, nil
			}
			// Record and advance.
			_ = st.Set(state.KeyError, fmt.Sprintf("%s: %s", stage.Name, res.ErrorDetail))
		}

		p.checkpoint(task, i, stage.Name, st, res)
		last = res
	}

	return last, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, task agent.Task, st *state.State) agent.Result {
	timeout := stage.Timeout
	if timeout == 0 {
		timeout = p.opts.StageTimeout
	}

	for attempt := 0; ; attempt++ {
		res := p.attempt(ctx, stage, task, st.Snapshot(), timeout)
		if !res.Failed() || attempt >= stage.Retries || ctx.Err() != nil {
			res.Branch = stage.Name
			return res
		}
		slog.Debug("retrying stage", "pipeline", p.name, "stage", stage.Name, "attempt", attempt+1)
	}
}

func (p *Pipeline) attempt(ctx context.Context, stage Stage, task agent.Task, snap state.Snapshot, timeout time.Duration) agent.Result {
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
		r, err := stage.Agent.Execute(attemptCtx, task, snap)
		out <- outcome{r, err}
	}()

	select {
	case o := <-out:
		if o.err != nil {
			return agent.ErrorResult(stage.Name, o.err.Error())
		}
		return o.res
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return agent.ErrorResult(stage.Name, "cancelled")
		}
		return agent.ErrorResult(stage.Name, "timeout")
	}
}

func (p *Pipeline) checkpoint(task agent.Task, stage int, stageName string, st *state.State, res agent.Result) {
	if p.opts.Store == nil {
		return
	}
	stateJSON, err := json.Marshal(st.Snapshot())
	if err != nil {
		slog.Error("marshal checkpoint state", "pipeline", p.name, "stage", stageName, "error", err)
		return
	}
	resultJSON, err := json.Marshal(res)
	if err != nil {
		slog.Error("marshal checkpoint result", "pipeline", p.name, "stage", stageName, "error", err)
		return
	}
	cp := &store.Checkpoint{
		RunID:     task.ID,
		Stage:     stage,
		StageName: stageName,
		State:     stateJSON,
		Result:    resultJSON,
	}
	if err := p.opts.Store.SaveCheckpoint(cp); err != nil {
		slog.Error("save checkpoint", "pipeline", p.name, "stage", stageName, "error", err)
	}
}

func (p *Pipeline) event(name string, fields map[string]any) {
	if p.opts.Events != nil {
		p.opts.Events(name, fields)
	}
}
