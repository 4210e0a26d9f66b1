package aggregate

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/archon/internal/agent"
)

// Synthesizer produces the combined payload from branch results. It is
// an external collaborator (e.g. an LLM summarizer); the aggregation
// policy around it stays deterministic and engine-owned.
type Synthesizer func(ctx context.Context, task agent.Task, results []agent.Result) (any, error)

// Policy controls error propagation. With OverrideErrors unset, any
// errored input downgrades the combined result to partial and the
// errored branches surface in the error detail.
type Policy struct {
	OverrideErrors bool
}

type Aggregator struct {
	synth     Synthesizer
	policy    Policy
	outputKey string
}

func New(outputKey string, synth Synthesizer, policy Policy) *Aggregator {
	if synth == nil {
		synth = Concatenate
	}
	if outputKey == "" {
		outputKey = "result"
	}
	return &Aggregator{synth: synth, policy: policy, outputKey: outputKey}
}

// Combine merges an ordered list of branch results into one result.
// Errored inputs are never dropped silently: they are excluded from
// synthesis input but recorded in the output's error detail.
func (a *Aggregator) Combine(ctx context.Context, task agent.Task, results []agent.Result) agent.Result {
	var errored []string
	usable := make([]agent.Result, 0, len(results))
	for _, r := range results {
		if r.Failed() {
			errored = append(errored, fmt.Sprintf("%s: %s", r.Branch, r.ErrorDetail))
			continue
		}
		usable = append(usable, r)
	}

	if len(usable) == 0 && len(errored) > 0 {
		return agent.Result{
			Status:       agent.StatusError,
			OutputKey:    a.outputKey,
			ErrorDetail:  strings.Join(errored, "; "),
			BranchErrors: errored,
		}
	}

	payload, err := a.synth(ctx, task, usable)
	if err != nil {
		return agent.Result{
			Status:      agent.StatusError,
			OutputKey:   a.outputKey,
			ErrorDetail: fmt.Sprintf("synthesis failed: %v", err),
		}
	}

	out := agent.Result{
		Status:    agent.StatusSuccess,
		OutputKey: a.outputKey,
		Payload:   payload,
		Writes:    map[string]any{a.outputKey: payload},
	}

	if len(errored) > 0 && !a.policy.OverrideErrors {
		out.Status = agent.StatusPartial
		out.ErrorDetail = strings.Join(errored, "; ")
		out.BranchErrors = errored
	}
	for _, r := range usable {
		if r.Status != agent.StatusPartial {
			continue
		}
		if out.Status == agent.StatusSuccess {
			out.Status = agent.StatusPartial
			if out.ErrorDetail == "" {
				out.ErrorDetail = r.ErrorDetail
			}
		}
		out.BranchErrors = append(out.BranchErrors, r.BranchErrors...)
	}

	return out
}

// Concatenate is the default synthesizer: branch payloads joined in
// input order, each labeled with its branch identity.
func Concatenate(_ context.Context, _ agent.Task, results []agent.Result) (any, error) {
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if r.Branch != "" {
			fmt.Fprintf(&sb, "[%s] ", r.Branch)
		}
		fmt.Fprintf(&sb, "%v", r.Payload)
	}
	return sb.String(), nil
}
