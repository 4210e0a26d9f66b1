package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mtzanidakis/archon/internal/state"
)

// Task is an opaque unit of work. Immutable once created; subtasks
// carry the parent's ID for decomposition traceability.
type Task struct {
	ID           string            `json:"id"`
	ParentTaskID string            `json:"parent_task_id,omitempty"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func NewTask(content string) Task {
	return Task{ID: uuid.New().String(), Content: content}
}

func (t Task) Subtask(content string) Task {
	return Task{ID: uuid.New().String(), ParentTaskID: t.ID, Content: content, Metadata: t.Metadata}
}

// Descriptor is the registration-time description of an agent. It is
// read-only during execution; routers match against it.
type Descriptor struct {
	Name           string   `yaml:"name" json:"name"`
	Role           string   `yaml:"role" json:"role"`
	Goal           string   `yaml:"goal" json:"goal"`
	CapabilityTags []string `yaml:"capability_tags" json:"capability_tags,omitempty"`
	ToolNames      []string `yaml:"tools" json:"tools,omitempty"`
	MaxIterations  int      `yaml:"max_iterations" json:"max_iterations,omitempty"`
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPartial Status = "partial"
)

// Result is produced by an agent or aggregator and consumed by the
// next graph node or the caller. Branch identifies which concurrent
// branch produced it, so join logic is independent of arrival order.
// Writes is the state delta the scheduler commits on the node's behalf.
type Result struct {
	Status       Status         `json:"status"`
	OutputKey    string         `json:"output_key,omitempty"`
	Payload      any            `json:"payload,omitempty"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
	BranchErrors []string       `json:"branch_errors,omitempty"`
	Branch       string         `json:"branch,omitempty"`
	Writes       map[string]any `json:"-"`
}

func (r Result) Failed() bool {
	return r.Status == StatusError
}

// ErrorResult synthesizes an error result for a branch, used by the
// scheduler for timeouts and caught agent failures.
func ErrorResult(branch, detail string) Result {
	return Result{Status: StatusError, Branch: branch, ErrorDetail: detail}
}

// Agent is the unit of work: an opaque capability with a declared
// contract. Execute must be safe to re-invoke for the same
// (task.ID, snapshot) pair; side effects against external
// collaborators are the agent's own responsibility to make safe.
// CanHandle reports a confidence in [0,1] for peer-mesh self-routing.
type Agent interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, task Task, view state.Snapshot) (Result, error)
	CanHandle(task Task) float64
}

// ExecError wraps any failure raised inside an agent's tool use so
// callers can distinguish transient agent failures from structural
// routing errors.
type ExecError struct {
	Agent string
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Agent, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
