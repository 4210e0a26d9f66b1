package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/orchestrator"
	"github.com/mtzanidakis/archon/internal/store"
)

type fakeExecutor struct {
	invocations []orchestrator.Invocation
	err         error
}

func (f *fakeExecutor) Execute(_ context.Context, inv orchestrator.Invocation) (agent.Result, error) {
	f.invocations = append(f.invocations, inv)
	if f.err != nil {
		return agent.Result{}, f.err
	}
	return agent.Result{Status: agent.StatusSuccess}, nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPollExecutesDue(t *testing.T) {
	s := testStore(t)
	exec := &fakeExecutor{}
	sched := New(s, exec, nil, config.SchedulerConfig{PollInterval: time.Second})

	past := time.Now().Add(-time.Minute)
	rec := &store.RecurringInvocation{
		ID:        "rec-1",
		Name:      "nightly-report",
		Topology:  "supervisor",
		Schedule:  `{"kind":"interval","interval_ms":60000}`,
		Task:      "compile the nightly report",
		Status:    "active",
		NextRunAt: &past,
	}
	if err := s.SaveRecurring(rec); err != nil {
		t.Fatalf("save recurring: %v", err)
	}

	sched.poll(context.Background())

	if len(exec.invocations) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(exec.invocations))
	}
	inv := exec.invocations[0]
	if inv.Task.Content != "compile the nightly report" {
		t.Errorf("unexpected task content: %s", inv.Task.Content)
	}
	if inv.Topology != orchestrator.TopologySupervisor {
		t.Errorf("unexpected topology: %s", inv.Topology)
	}
	if inv.Task.Metadata["trigger"] != "scheduler" {
		t.Errorf("expected scheduler trigger metadata, got %v", inv.Task.Metadata)
	}

	got, err := s.GetRecurring("rec-1")
	if err != nil {
		t.Fatalf("get recurring: %v", err)
	}
	if got.LastStatus != "success" {
		t.Errorf("expected last status success, got %q", got.LastStatus)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Errorf("expected future next run, got %v", got.NextRunAt)
	}
}

func TestPollSkipsNotDue(t *testing.T) {
	s := testStore(t)
	exec := &fakeExecutor{}
	sched := New(s, exec, nil, config.SchedulerConfig{})

	future := time.Now().Add(time.Hour)
	rec := &store.RecurringInvocation{
		ID:        "rec-2",
		Name:      "later",
		Topology:  "sequential",
		Schedule:  `{"kind":"interval","interval_ms":3600000}`,
		Task:      "not yet",
		Status:    "active",
		NextRunAt: &future,
	}
	if err := s.SaveRecurring(rec); err != nil {
		t.Fatalf("save recurring: %v", err)
	}

	sched.poll(context.Background())

	if len(exec.invocations) != 0 {
		t.Fatalf("expected no invocations, got %d", len(exec.invocations))
	}
}

func TestExecuteRecordsError(t *testing.T) {
	s := testStore(t)
	exec := &fakeExecutor{err: errors.New("no route found")}
	sched := New(s, exec, nil, config.SchedulerConfig{})

	past := time.Now().Add(-time.Minute)
	rec := &store.RecurringInvocation{
		ID:        "rec-3",
		Name:      "doomed",
		Topology:  "supervisor",
		Schedule:  `{"kind":"interval","interval_ms":60000}`,
		Task:      "fail please",
		Status:    "active",
		NextRunAt: &past,
	}
	if err := s.SaveRecurring(rec); err != nil {
		t.Fatalf("save recurring: %v", err)
	}

	sched.poll(context.Background())

	got, err := s.GetRecurring("rec-3")
	if err != nil {
		t.Fatalf("get recurring: %v", err)
	}
	if got.LastStatus != "error" {
		t.Errorf("expected last status error, got %q", got.LastStatus)
	}
	if got.LastError != "no route found" {
		t.Errorf("expected last error recorded, got %q", got.LastError)
	}
}

func TestOneOffCompletes(t *testing.T) {
	s := testStore(t)
	exec := &fakeExecutor{}
	sched := New(s, exec, nil, config.SchedulerConfig{})

	past := time.Now().Add(-time.Minute)
	rec := &store.RecurringInvocation{
		ID:        "rec-4",
		Name:      "one-shot",
		Topology:  "supervisor",
		Schedule:  fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past.UnixMilli()),
		Task:      "run once",
		Status:    "active",
		NextRunAt: &past,
	}
	if err := s.SaveRecurring(rec); err != nil {
		t.Fatalf("save recurring: %v", err)
	}

	sched.poll(context.Background())

	if len(exec.invocations) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(exec.invocations))
	}
	got, err := s.GetRecurring("rec-4")
	if err != nil {
		t.Fatalf("get recurring: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("expected status completed, got %q", got.Status)
	}
}

func TestUpdateConfigSignalsReload(t *testing.T) {
	s := testStore(t)
	sched := New(s, &fakeExecutor{}, nil, config.SchedulerConfig{PollInterval: time.Minute})

	sched.UpdateConfig(10 * time.Second)
	if sched.pollInterval != 10*time.Second {
		t.Errorf("expected 10s poll interval, got %v", sched.pollInterval)
	}
	select {
	case <-sched.reloadCh:
	default:
		t.Error("expected reload signal")
	}
}
