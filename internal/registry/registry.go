package registry

import (
	"fmt"
	"sync"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/store"
	"github.com/mtzanidakis/archon/internal/vault"
)

// Registry holds the executable agents for one deployment. Agents are
// registered once at startup; descriptors are read-only afterwards.
// Registration order is preserved for deterministic router
// tie-breaking.
type Registry struct {
	mu     sync.RWMutex
	store  *store.Store
	vault  *vault.Vault
	grants map[string][]string // capability tag -> permitted tools
	agents map[string]agent.Agent
	order  []string
	env    map[string]map[string]string // agent name -> resolved env
}

func New(s *store.Store, v *vault.Vault, grants map[string][]string) *Registry {
	return &Registry{
		store:  s,
		vault:  v,
		grants: grants,
		agents: make(map[string]agent.Agent),
		env:    make(map[string]map[string]string),
	}
}

// Register adds an agent. Tool access control happens here, not at
// call time: every declared tool must be granted by one of the agent's
// capability tags.
func (r *Registry) Register(a agent.Agent) error {
	desc := a.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("agent has no name")
	}

	for _, tool := range desc.ToolNames {
		if !r.toolPermitted(desc.CapabilityTags, tool) {
			return fmt.Errorf("agent %s: tool %q not granted by capability tags %v", desc.Name, tool, desc.CapabilityTags)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[desc.Name]; exists {
		return fmt.Errorf("agent %s already registered", desc.Name)
	}
	r.agents[desc.Name] = a
	r.order = append(r.order, desc.Name)
	return nil
}

func (r *Registry) Get(name string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns registered agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) Descriptor(name string) (agent.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return agent.Descriptor{}, false
	}
	return a.Descriptor(), true
}

// Descriptions returns name -> role/goal summaries for the delegated
// routing oracle's candidate list.
func (r *Registry) Descriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.agents))
	for name, a := range r.agents {
		d := a.Descriptor()
		out[name] = d.Role + ": " + d.Goal
	}
	return out
}

// Sync persists all registered descriptors to the store and removes
// stale rows for agents no longer registered.
func (r *Registry) Sync() error {
	if r.store == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		d := r.agents[name].Descriptor()
		rec := &store.Agent{
			Name:           d.Name,
			Role:           d.Role,
			Goal:           d.Goal,
			CapabilityTags: d.CapabilityTags,
			Tools:          d.ToolNames,
			MaxIterations:  d.MaxIterations,
		}
		if err := r.store.SaveAgent(rec); err != nil {
			return fmt.Errorf("sync agent %s: %w", name, err)
		}
	}

	if err := r.store.DeleteAgentsNotIn(r.order); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}

// ResolveEnv resolves secret:name references in an agent definition's
// env through the vault-backed secret store. Unresolvable references
// are dropped rather than passed through as literals.
func (r *Registry) ResolveEnv(name string, def config.AgentConfig) (map[string]string, error) {
	env := make(map[string]string, len(def.Env))
	for k, v := range def.Env {
		secretName, isRef := vault.IsRef(v)
		if !isRef {
			env[k] = v
			continue
		}
		if r.vault == nil || r.store == nil {
			continue
		}
		sec, err := r.store.GetSecret(secretName)
		if err != nil {
			return nil, fmt.Errorf("resolve secret %s for agent %s: %w", secretName, name, err)
		}
		if sec == nil {
			continue
		}
		plaintext, err := r.vault.Decrypt(sec.Value, sec.Nonce)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %s for agent %s: %w", secretName, name, err)
		}
		env[k] = string(plaintext)
	}

	r.mu.Lock()
	r.env[name] = env
	r.mu.Unlock()
	return env, nil
}

func (r *Registry) toolPermitted(tags []string, tool string) bool {
	if len(r.grants) == 0 {
		return true
	}
	for _, tag := range tags {
		for _, t := range r.grants[tag] {
			if t == tool {
				return true
			}
		}
	}
	return false
}
