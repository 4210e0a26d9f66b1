package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := testStore(t)

	run := &Run{
		ID:       "run-1",
		TaskID:   "task-1",
		Topology: "supervisor",
		Task:     "summarize the report",
		Status:   "running",
	}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil || got.Status != "running" || got.Topology != "supervisor" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("running run must not be completed")
	}

	payload, _ := json.Marshal("the summary")
	if err := s.UpdateRun("run-1", "success", "result", payload, nil); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err = s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "success" || got.OutputKey != "result" {
		t.Errorf("update not applied: %+v", got)
	}
	if string(got.Payload) != `"the summary"` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}
	if got.CompletedAt == nil {
		t.Error("terminal status must set completed_at")
	}
}

func TestGetRunMissing(t *testing.T) {
	s := testStore(t)
	got, err := s.GetRun("nope")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing run, got %+v", got)
	}
}

func TestGetRunByTask(t *testing.T) {
	s := testStore(t)
	if err := s.SaveRun(&Run{ID: "r1", TaskID: "t1", Topology: "sequential", Task: "x", Status: "running"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetRunByTask("t1")
	if err != nil {
		t.Fatalf("get by task: %v", err)
	}
	if got == nil || got.ID != "r1" {
		t.Errorf("unexpected run: %+v", got)
	}
}

func TestSaveRunUpsert(t *testing.T) {
	s := testStore(t)
	run := &Run{ID: "r1", TaskID: "t1", Topology: "peer", Task: "x", Status: "running"}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("save: %v", err)
	}
	run.Status = "failed"
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("upsert duplicated the row: %d runs", len(runs))
	}
	if runs[0].Status != "failed" {
		t.Errorf("status not updated: %s", runs[0].Status)
	}
}

func TestDeleteRunCascadesCheckpoints(t *testing.T) {
	s := testStore(t)
	if err := s.SaveRun(&Run{ID: "r1", TaskID: "t1", Topology: "sequential", Task: "x", Status: "running"}); err != nil {
		t.Fatalf("save run: %v", err)
	}
	cp := &Checkpoint{RunID: "r1", Stage: 0, StageName: "draft", State: json.RawMessage(`{}`), Result: json.RawMessage(`{}`)}
	if err := s.SaveCheckpoint(cp); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	if err := s.DeleteRun("r1"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	got, err := s.GetRun("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Error("run not deleted")
	}
	left, err := s.ListCheckpoints("r1")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("checkpoints not cascaded: %+v", left)
	}
}

func TestCheckpointLatestWins(t *testing.T) {
	s := testStore(t)
	for i, name := range []string{"draft", "review", "publish"} {
		cp := &Checkpoint{
			RunID:     "t1",
			Stage:     i,
			StageName: name,
			State:     json.RawMessage(`{"stage":"` + name + `"}`),
			Result:    json.RawMessage(`{}`),
		}
		if err := s.SaveCheckpoint(cp); err != nil {
			t.Fatalf("save checkpoint %d: %v", i, err)
		}
	}

	latest, err := s.LatestCheckpoint("t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.Stage != 2 || latest.StageName != "publish" {
		t.Errorf("unexpected latest: %+v", latest)
	}

	all, err := s.ListCheckpoints("t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Stage != 0 || all[2].Stage != 2 {
		t.Errorf("unexpected list: %+v", all)
	}
}

func TestCheckpointUpsertSameStage(t *testing.T) {
	s := testStore(t)
	cp := &Checkpoint{RunID: "t1", Stage: 0, StageName: "draft", State: json.RawMessage(`{"v":1}`), Result: json.RawMessage(`{}`)}
	if err := s.SaveCheckpoint(cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp.State = json.RawMessage(`{"v":2}`)
	if err := s.SaveCheckpoint(cp); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	all, err := s.ListCheckpoints("t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("same stage duplicated: %d rows", len(all))
	}
	if string(all[0].State) != `{"v":2}` {
		t.Errorf("state not replaced: %s", all[0].State)
	}
}

func TestLatestCheckpointMissing(t *testing.T) {
	s := testStore(t)
	cp, err := s.LatestCheckpoint("never")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cp != nil {
		t.Errorf("expected nil, got %+v", cp)
	}
}

func TestAgentRoundTrip(t *testing.T) {
	s := testStore(t)
	a := &Agent{
		Name:           "coder",
		Role:           "engineer",
		Goal:           "ship features",
		CapabilityTags: []string{"code", "review"},
		Tools:          []string{"compiler"},
		MaxIterations:  5,
	}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("coder")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil || got.Role != "engineer" || got.MaxIterations != 5 {
		t.Fatalf("unexpected agent: %+v", got)
	}
	if len(got.CapabilityTags) != 2 || got.CapabilityTags[1] != "review" {
		t.Errorf("tags lost: %v", got.CapabilityTags)
	}
}

func TestDeleteAgentsNotIn(t *testing.T) {
	s := testStore(t)
	for _, name := range []string{"keep", "drop"} {
		if err := s.SaveAgent(&Agent{Name: name}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	if err := s.DeleteAgentsNotIn([]string{"keep"}); err != nil {
		t.Fatalf("delete not in: %v", err)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "keep" {
		t.Errorf("unexpected agents: %+v", agents)
	}
}

func TestRecurringDueQuery(t *testing.T) {
	s := testStore(t)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due := &RecurringInvocation{ID: "due", Name: "nightly", Topology: "sequential", Schedule: `{"kind":"cron","expr":"0 2 * * *"}`, Task: "report", Status: "active", NextRunAt: &past}
	notYet := &RecurringInvocation{ID: "later", Name: "hourly", Topology: "supervisor", Schedule: `{"kind":"interval","interval_ms":3600000}`, Task: "check", Status: "active", NextRunAt: &future}
	paused := &RecurringInvocation{ID: "paused", Name: "off", Topology: "peer", Schedule: `{"kind":"cron","expr":"* * * * *"}`, Task: "x", Status: "paused", NextRunAt: &past}
	for _, r := range []*RecurringInvocation{due, notYet, paused} {
		if err := s.SaveRecurring(r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	got, err := s.GetDueRecurring(time.Now())
	if err != nil {
		t.Fatalf("due query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		t.Errorf("unexpected due set: %+v", got)
	}
}

func TestRecurringRunUpdate(t *testing.T) {
	s := testStore(t)
	next := time.Now().Add(time.Hour)
	rec := &RecurringInvocation{ID: "r1", Name: "n", Topology: "sequential", Schedule: `{"kind":"interval","interval_ms":60000}`, Task: "x", Status: "active", NextRunAt: &next}
	if err := s.SaveRecurring(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	later := time.Now().Add(2 * time.Hour)
	if err := s.UpdateRecurringRun("r1", "error", "backend down", &later); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err := s.GetRecurring("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastStatus != "error" || got.LastError != "backend down" {
		t.Errorf("last run not recorded: %+v", got)
	}
	if got.LastRunAt == nil {
		t.Error("last_run_at not set")
	}

	if err := s.UpdateRecurringStatus("r1", "completed"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = s.GetRecurring("r1")
	if got.Status != "completed" {
		t.Errorf("status not updated: %s", got.Status)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	s := testStore(t)
	sec := &Secret{Name: "api-key", Value: []byte{1, 2, 3}, Nonce: []byte{9, 8, 7}}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("api-key")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil || string(got.Value) != string([]byte{1, 2, 3}) || len(got.Nonce) != 3 {
		t.Fatalf("unexpected secret: %+v", got)
	}

	names, err := s.ListSecretNames()
	if err != nil {
		t.Fatalf("list names: %v", err)
	}
	if len(names) != 1 || names[0] != "api-key" {
		t.Errorf("unexpected names: %v", names)
	}

	if err := s.DeleteSecret("api-key"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.GetSecret("api-key")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Error("secret not deleted")
	}
}
