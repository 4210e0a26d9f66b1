package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/state"
	"github.com/mtzanidakis/archon/internal/store"
	"github.com/mtzanidakis/archon/internal/vault"
)

func stub(desc agent.Descriptor) agent.Agent {
	return &agent.Func{
		Desc: desc,
		Run: func(_ context.Context, _ agent.Task, _ state.Snapshot) (agent.Result, error) {
			return agent.Result{Status: agent.StatusSuccess}, nil
		},
	}
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

func TestRegisterAndGet(t *testing.T) {
	r := New(nil, nil, nil)
	if err := r.Register(stub(agent.Descriptor{Name: "coder", Role: "engineer"})); err != nil {
		t.Fatalf("register: %v", err)
	}

	a, ok := r.Get("coder")
	if !ok {
		t.Fatal("registered agent not found")
	}
	if a.Descriptor().Role != "engineer" {
		t.Errorf("unexpected descriptor: %+v", a.Descriptor())
	}
	if _, ok := r.Get("ghost"); ok {
		t.Error("unknown agent should not resolve")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New(nil, nil, nil)
	if err := r.Register(stub(agent.Descriptor{Name: "coder"})); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(stub(agent.Descriptor{Name: "coder"})); err == nil {
		t.Fatal("expected duplicate rejection")
	}
}

func TestRegisterRejectsUnnamed(t *testing.T) {
	r := New(nil, nil, nil)
	if err := r.Register(stub(agent.Descriptor{})); err == nil {
		t.Fatal("expected unnamed rejection")
	}
}

func TestToolAccessControl(t *testing.T) {
	grants := map[string][]string{
		"code": {"compiler", "linter"},
	}
	r := New(nil, nil, grants)

	err := r.Register(stub(agent.Descriptor{
		Name:           "coder",
		CapabilityTags: []string{"code"},
		ToolNames:      []string{"compiler"},
	}))
	if err != nil {
		t.Fatalf("granted tool rejected: %v", err)
	}

	err = r.Register(stub(agent.Descriptor{
		Name:           "rogue",
		CapabilityTags: []string{"code"},
		ToolNames:      []string{"shell"},
	}))
	if err == nil {
		t.Fatal("ungranted tool accepted")
	}
}

func TestNoGrantsMeansNoRestriction(t *testing.T) {
	r := New(nil, nil, nil)
	err := r.Register(stub(agent.Descriptor{Name: "free", ToolNames: []string{"anything"}}))
	if err != nil {
		t.Fatalf("empty grant table must not restrict: %v", err)
	}
}

func TestNamesPreserveRegistrationOrder(t *testing.T) {
	r := New(nil, nil, nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(stub(agent.Descriptor{Name: name})); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	names := r.Names()
	if len(names) != 3 || names[0] != "zeta" || names[1] != "alpha" || names[2] != "mid" {
		t.Errorf("order not preserved: %v", names)
	}
	if r.Len() != 3 {
		t.Errorf("expected 3 agents, got %d", r.Len())
	}
}

func TestSyncPersistsAndPrunes(t *testing.T) {
	s := testStore(t)

	// A stale row from a previous deployment.
	if err := s.SaveAgent(&store.Agent{Name: "retired"}); err != nil {
		t.Fatalf("seed stale agent: %v", err)
	}

	r := New(s, nil, nil)
	if err := r.Register(stub(agent.Descriptor{Name: "coder", Role: "engineer", Goal: "ship"})); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := s.GetAgent("coder")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil || got.Role != "engineer" || got.Goal != "ship" {
		t.Errorf("descriptor not persisted: %+v", got)
	}

	stale, err := s.GetAgent("retired")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale != nil {
		t.Error("stale agent row not pruned")
	}
}

func TestResolveEnvLiteralsPassThrough(t *testing.T) {
	r := New(nil, nil, nil)
	env, err := r.ResolveEnv("coder", config.AgentConfig{
		Env: map[string]string{"MODE": "fast", "KEY": "secret:api-key"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if env["MODE"] != "fast" {
		t.Errorf("literal not passed through: %v", env)
	}
	// No vault: the reference is dropped, never passed as a literal.
	if _, ok := env["KEY"]; ok {
		t.Errorf("unresolvable reference leaked: %v", env)
	}
}

func TestResolveEnvThroughVault(t *testing.T) {
	s := testStore(t)
	v := vault.New("passphrase")

	ciphertext, nonce, err := v.Encrypt([]byte("tok-12345"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := s.SaveSecret(&store.Secret{Name: "api-key", Value: ciphertext, Nonce: nonce}); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	r := New(s, v, nil)
	env, err := r.ResolveEnv("coder", config.AgentConfig{
		Env: map[string]string{"KEY": "secret:api-key"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if env["KEY"] != "tok-12345" {
		t.Errorf("secret not resolved: %v", env)
	}
}

func TestResolveEnvMissingSecretDropped(t *testing.T) {
	s := testStore(t)
	v := vault.New("passphrase")

	r := New(s, v, nil)
	env, err := r.ResolveEnv("coder", config.AgentConfig{
		Env: map[string]string{"KEY": "secret:nonexistent"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := env["KEY"]; ok {
		t.Errorf("missing secret should be dropped: %v", env)
	}
}
