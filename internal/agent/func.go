package agent

import (
	"context"

	"github.com/mtzanidakis/archon/internal/state"
)

// Func adapts a plain function plus a descriptor into an Agent. The
// confidence function is optional; without one the agent reports a
// flat 0.5 so it never self-selects over a specialist.
type Func struct {
	Desc       Descriptor
	Run        func(ctx context.Context, task Task, view state.Snapshot) (Result, error)
	Confidence func(task Task) float64
}

func (f *Func) Descriptor() Descriptor {
	return f.Desc
}

func (f *Func) Execute(ctx context.Context, task Task, view state.Snapshot) (Result, error) {
	return f.Run(ctx, task, view)
}

func (f *Func) CanHandle(task Task) float64 {
	if f.Confidence != nil {
		return f.Confidence(task)
	}
	return 0.5
}
