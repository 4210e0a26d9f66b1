package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/state"
	"github.com/mtzanidakis/archon/internal/store"
)

func stageAgent(name string, run func(ctx context.Context, task agent.Task, view state.Snapshot) (agent.Result, error)) agent.Agent {
	return &agent.Func{
		Desc: agent.Descriptor{Name: name},
		Run:  run,
	}
}

func writerAgent(name, key, value string) agent.Agent {
	return stageAgent(name, func(_ context.Context, _ agent.Task, _ state.Snapshot) (agent.Result, error) {
		return agent.Result{
			Status: agent.StatusSuccess,
			Writes: map[string]any{key: value},
		}, nil
	})
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

func TestRunThreadsState(t *testing.T) {
	stages := []Stage{
		{Name: "draft", Agent: writerAgent("drafter", "draft", "rough text"), Writes: []string{"draft"}},
		{Name: "review", Agent: stageAgent("reviewer", func(_ context.Context, _ agent.Task, view state.Snapshot) (agent.Result, error) {
			if view.GetString("draft") != "rough text" {
				t.Errorf("review saw no draft: %v", view)
			}
			return agent.Result{Status: agent.StatusSuccess, Writes: map[string]any{"review": "lgtm"}}, nil
		}), Reads: []string{"draft"}, Writes: []string{"review"}},
		{Name: "publish", Agent: stageAgent("publisher", func(_ context.Context, _ agent.Task, view state.Snapshot) (agent.Result, error) {
			return agent.Result{
				Status:  agent.StatusSuccess,
				Payload: view.GetString("draft") + " / " + view.GetString("review"),
			}, nil
		}), Reads: []string{"draft", "review"}},
	}

	p, err := New("publishing", stages, Options{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	res, st, err := p.Run(context.Background(), agent.NewTask("write the post"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != agent.StatusSuccess {
		t.Errorf("expected success, got %s", res.Status)
	}
	if res.Payload != "rough text / lgtm" {
		t.Errorf("unexpected payload: %v", res.Payload)
	}

	snap := st.Snapshot()
	if snap[state.KeyIteration] != 3 {
		t.Errorf("expected 3 iterations, got %v", snap[state.KeyIteration])
	}
	if snap.GetString(state.KeyPipelineStage) != "publish" {
		t.Errorf("expected last stage recorded, got %v", snap[state.KeyPipelineStage])
	}
}

func TestFailureHaltsPipeline(t *testing.T) {
	thirdRan := false
	stages := []Stage{
		{Name: "one", Agent: writerAgent("a", "one", "done")},
		{Name: "two", Agent: stageAgent("b", func(_ context.Context, _ agent.Task, _ state.Snapshot) (agent.Result, error) {
			return agent.Result{}, errors.New("validation failed")
		})},
		{Name: "three", Agent: stageAgent("c", func(_ context.Context, _ agent.Task, _ state.Snapshot) (agent.Result, error) {
			thirdRan = true
			return agent.Result{Status: agent.StatusSuccess}, nil
		})},
	}

	p, err := New("halting", stages, Options{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	res, _, err := p.Run(context.Background(), agent.NewTask("t"))
	if err != nil {
		t.Fatalf("stage errors are results, not run errors: %v", err)
	}
	if res.Status != agent.StatusError {
		t.Errorf("expected error result, got %s", res.Status)
	}
	if !strings.Contains(res.ErrorDetail, "validation failed") {
		t.Errorf("unexpected detail: %q", res.ErrorDetail)
	}
	if thirdRan {
		t.Error("stage after the failure must not execute")
	}
}

func TestContinueOnErrorAdvances(t *testing.T) {
	stages := []Stage{
		{Name: "optional", Agent: stageAgent("opt", func(_ context.Context, _ agent.Task, _ state.Snapshot) (agent.Result, error) {
			return agent.Result{}, errors.New("enrichment unavailable")
		}), ContinueOnError: true},
		{Name: "final", Agent: stageAgent("fin", func(_ context.Context, _ agent.Task, view state.Snapshot) (agent.Result, error) {
			return agent.Result{Status: agent.StatusSuccess, Payload: view.GetString(state.KeyError)}, nil
		})},
	}

	p, err := New("lenient", stages, Options{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	res, st, err := p.Run(context.Background(), agent.NewTask("t"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != agent.StatusSuccess {
		t.Errorf("expected success after tolerated failure, got %s", res.Status)
	}
	errVal := st.Snapshot().GetString(state.KeyError)
	if !strings.Contains(errVal, "optional") || !strings.Contains(errVal, "enrichment unavailable") {
		t.Errorf("error key not recorded: %q", errVal)
	}
}

func TestStageTimeout(t *testing.T) {
	stages := []Stage{
		{Name: "stuck", Timeout: 30 * time.Millisecond, Agent: stageAgent("slow", func(_ context.Context, _ agent.Task, _ state.Snapshot) (agent.Result, error) {
			time.Sleep(500 * time.Millisecond)
			return agent.Result{Status: agent.StatusSuccess}, nil
		})},
	}

	p, err := New("timed", stages, Options{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	res, _, err := p.Run(context.Background(), agent.NewTask("t"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != agent.StatusError || res.ErrorDetail != "timeout" {
		t.Errorf("expected timeout error, got %s/%s", res.Status, res.ErrorDetail)
	}
}

func TestStageRetries(t *testing.T) {
	attempts := 0
	stages := []Stage{
		{Name: "flaky", Retries: 2, Agent: stageAgent("f", func(_ context.Context, _ agent.Task, _ state.Snapshot) (agent.Result, error) {
			attempts++
			if attempts < 3 {
				return agent.Result{}, errors.New("transient")
			}
			return agent.Result{Status: agent.StatusSuccess}, nil
		})},
	}

	p, err := New("retrying", stages, Options{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	res, _, err := p.Run(context.Background(), agent.NewTask("t"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != agent.StatusSuccess {
		t.Errorf("expected success after retries, got %s", res.Status)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestForwardReferenceRejected(t *testing.T) {
	stages := []Stage{
		{Name: "early", Agent: writerAgent("a", "x", "1"), Reads: []string{"late_output"}},
		{Name: "late", Agent: writerAgent("b", "late_output", "2"), Writes: []string{"late_output"}},
	}

	if _, err := New("bad", stages, Options{}); err == nil {
		t.Fatal("expected forward-reference rejection")
	}
}

func TestDuplicateStageRejected(t *testing.T) {
	stages := []Stage{
		{Name: "same", Agent: writerAgent("a", "x", "1")},
		{Name: "same", Agent: writerAgent("b", "y", "2")},
	}
	if _, err := New("dup", stages, Options{}); err == nil {
		t.Fatal("expected duplicate-stage rejection")
	}
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	s := testStore(t)
	firstRuns := 0
	failSecond := true
	stages := []Stage{
		{Name: "gather", Agent: stageAgent("g", func(_ context.Context, _ agent.Task, _ state.Snapshot) (agent.Result, error) {
			firstRuns++
			return agent.Result{Status: agent.StatusSuccess, Writes: map[string]any{"gathered": "facts"}}, nil
		}), Writes: []string{"gathered"}},
		{Name: "compose", Agent: stageAgent("c", func(_ context.Context, _ agent.Task, view state.Snapshot) (agent.Result, error) {
			if failSecond {
				return agent.Result{}, errors.New("model overloaded")
			}
			return agent.Result{Status: agent.StatusSuccess, Payload: "from " + view.GetString("gathered")}, nil
		}), Reads: []string{"gathered"}},
	}

	p, err := New("resumable", stages, Options{Store: s})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	task := agent.NewTask("t")
	res, _, err := p.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res.Status != agent.StatusError {
		t.Fatalf("expected first run to halt, got %s", res.Status)
	}

	failSecond = false
	res, st, err := p.Resume(context.Background(), task)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != agent.StatusSuccess {
		t.Errorf("expected success on resume, got %s", res.Status)
	}
	if res.Payload != "from facts" {
		t.Errorf("resumed stage lost checkpointed state: %v", res.Payload)
	}
	if firstRuns != 1 {
		t.Errorf("completed stage re-executed on resume: %d runs", firstRuns)
	}
	// The checkpoint round-trips through JSON; the iteration counter
	// must continue from the restored value, not restart.
	if n, _ := st.Get(state.KeyIteration); n != 2 {
		t.Errorf("iteration did not survive the checkpoint round trip: got %v, want 2", n)
	}
}

func TestResumeOfFinishedRunReplaysResult(t *testing.T) {
	s := testStore(t)
	runs := 0
	stages := []Stage{
		{Name: "only", Agent: stageAgent("o", func(_ context.Context, _ agent.Task, _ state.Snapshot) (agent.Result, error) {
			runs++
			return agent.Result{Status: agent.StatusSuccess, Payload: "answer"}, nil
		})},
	}

	p, err := New("idempotent", stages, Options{Store: s})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	task := agent.NewTask("t")
	if _, _, err := p.Run(context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}

	res, _, err := p.Resume(context.Background(), task)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Payload != "answer" {
		t.Errorf("expected replayed result, got %v", res.Payload)
	}
	if runs != 1 {
		t.Errorf("finished run re-executed: %d runs", runs)
	}
}

func TestResumeWithoutCheckpointRunsFresh(t *testing.T) {
	s := testStore(t)
	stages := []Stage{
		{Name: "only", Agent: writerAgent("o", "k", "v")},
	}
	p, err := New("fresh", stages, Options{Store: s})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	res, _, err := p.Resume(context.Background(), agent.NewTask("never ran"))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != agent.StatusSuccess {
		t.Errorf("expected a fresh run, got %s", res.Status)
	}
}
