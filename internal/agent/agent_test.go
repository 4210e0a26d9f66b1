package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mtzanidakis/archon/internal/state"
)

func TestNewTask(t *testing.T) {
	task := NewTask("write the summary")
	if task.ID == "" {
		t.Error("expected generated task id")
	}
	if task.Content != "write the summary" {
		t.Errorf("unexpected content: %s", task.Content)
	}
	if task.ParentTaskID != "" {
		t.Errorf("fresh task has no parent, got %s", task.ParentTaskID)
	}
}

func TestSubtask(t *testing.T) {
	parent := NewTask("orchestrate")
	sub := parent.Subtask("one slice")
	if sub.ParentTaskID != parent.ID {
		t.Errorf("expected parent %s, got %s", parent.ID, sub.ParentTaskID)
	}
	if sub.ID == parent.ID {
		t.Error("subtask must get its own id")
	}
	if sub.Content != "one slice" {
		t.Errorf("unexpected content: %s", sub.Content)
	}
}

func TestResultFailed(t *testing.T) {
	if (Result{Status: StatusSuccess}).Failed() {
		t.Error("success is not failed")
	}
	if (Result{Status: StatusPartial}).Failed() {
		t.Error("partial is not failed")
	}
	if !(Result{Status: StatusError}).Failed() {
		t.Error("error is failed")
	}
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult("coder", "timeout")
	if res.Status != StatusError {
		t.Errorf("expected error status, got %s", res.Status)
	}
	if res.Branch != "coder" {
		t.Errorf("expected branch coder, got %s", res.Branch)
	}
	if res.ErrorDetail != "timeout" {
		t.Errorf("expected detail timeout, got %s", res.ErrorDetail)
	}
}

func TestExecErrorUnwrap(t *testing.T) {
	base := errors.New("api unavailable")
	err := &ExecError{Agent: "researcher", Err: base}
	if !errors.Is(err, base) {
		t.Error("ExecError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "researcher") {
		t.Errorf("error text should name the agent: %s", err.Error())
	}
}

func TestFuncDefaults(t *testing.T) {
	f := &Func{
		Desc: Descriptor{Name: "noop"},
		Run: func(_ context.Context, task Task, _ state.Snapshot) (Result, error) {
			return Result{Status: StatusSuccess, Payload: task.Content}, nil
		},
	}

	if got := f.CanHandle(NewTask("anything")); got != 0.5 {
		t.Errorf("expected flat 0.5 confidence, got %v", got)
	}

	res, err := f.Execute(context.Background(), NewTask("ping"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Payload != "ping" {
		t.Errorf("unexpected payload: %v", res.Payload)
	}
}

func TestEchoConfidence(t *testing.T) {
	a := NewEcho(Descriptor{
		Name:           "coder",
		CapabilityTags: []string{"code", "refactor"},
	})

	if got := a.CanHandle(NewTask("please refactor this code")); got != 0.9 {
		t.Errorf("two tag matches should score 0.9, got %v", got)
	}
	if got := a.CanHandle(NewTask("write some code")); got != 0.7 {
		t.Errorf("one tag match should score 0.7, got %v", got)
	}
	if got := a.CanHandle(NewTask("bake a cake")); got != 0.3 {
		t.Errorf("no matches should score 0.3, got %v", got)
	}
}

func TestEchoExecute(t *testing.T) {
	a := NewEcho(Descriptor{Name: "writer"})
	res, err := a.Execute(context.Background(), NewTask("hello"), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("expected success, got %s", res.Status)
	}
	if res.Writes["writer_output"] != "[writer] hello" {
		t.Errorf("unexpected writes: %v", res.Writes)
	}
}
