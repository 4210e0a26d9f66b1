package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Reserved keys are owned by the scheduler. Components write them only
// through the dedicated methods below; generic writes are rejected.
const (
	KeyCurrentAgent  = "current_agent"
	KeyIteration     = "iteration"
	KeyError         = "error"
	KeyMessages      = "messages"
	KeyRoutedTo      = "routed_to"
	KeyPipelineStage = "pipeline_stage"
	KeyVisitedAgents = "visited_agents"
)

var (
	ErrNotFound    = errors.New("state: key not found")
	ErrReservedKey = errors.New("state: reserved key")
)

var reserved = map[string]bool{
	KeyCurrentAgent: true,
	KeyIteration:    true,
}

// Delta is a set of key writes submitted by a node for the scheduler
// to commit. Nodes never mutate the state directly.
type Delta map[string]any

// Snapshot is an immutable view of the state at a point in time,
// handed to nodes so concurrent branches cannot observe each other's
// in-flight writes.
type Snapshot map[string]any

func (s Snapshot) Get(key string) (any, error) {
	v, ok := s[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func (s Snapshot) GetString(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// State is the shared context threaded through one task invocation.
// It is created fresh per invocation and owned by the scheduler, which
// serializes all commits.
type State struct {
	mu     sync.RWMutex
	values map[string]any
	order  []string
}

func New() *State {
	return &State{values: make(map[string]any)}
}

// Restore rebuilds a state from a persisted snapshot, reserved keys
// included. Only the engine's checkpoint path uses it. Checkpoints
// round-trip through JSON, which widens ints to float64 and string
// slices to []any; the engine-owned keys are narrowed back here so
// BumpIteration and AppendVisited keep counting after a resume.
func Restore(snap Snapshot) *State {
	s := New()
	for k, v := range snap {
		switch k {
		case KeyIteration:
			switch n := v.(type) {
			case float64:
				v = int(n)
			case int64:
				v = int(n)
			}
		case KeyVisitedAgents:
			if vals, ok := v.([]any); ok {
				trail := make([]string, 0, len(vals))
				for _, item := range vals {
					if name, ok := item.(string); ok {
						trail = append(trail, name)
					}
				}
				v = trail
			}
		}
		s.set(k, v)
	}
	return s
}

func (s *State) Get(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func (s *State) Set(key string, value any) error {
	if reserved[key] {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value)
	return nil
}

// Apply commits a delta atomically. Reserved keys are rejected before
// any write is applied.
func (s *State) Apply(d Delta) error {
	for key := range d {
		if reserved[key] {
			return fmt.Errorf("%w: %s", ErrReservedKey, key)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range sortedKeys(d) {
		s.set(key, d[key])
	}
	return nil
}

// Snapshot returns a consistent copy of the current state. The copy is
// detached: later commits are not visible through it.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(Snapshot, len(s.values))
	for k, v := range s.values {
		snap[k] = v
	}
	return snap
}

// Keys returns all keys in first-write order.
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// SetCurrentAgent and BumpIteration are the scheduler's write path for
// the reserved keys.
func (s *State) SetCurrentAgent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(KeyCurrentAgent, name)
}

func (s *State) BumpIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.values[KeyIteration].(int)
	n++
	s.set(KeyIteration, n)
	return n
}

// AppendVisited appends an agent name to the visited_agents trail and
// reports whether it was already present.
func (s *State) AppendVisited(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	trail, _ := s.values[KeyVisitedAgents].([]string)
	for _, v := range trail {
		if v == name {
			return true
		}
	}
	s.set(KeyVisitedAgents, append(trail, name))
	return false
}

func (s *State) Visited() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail, _ := s.values[KeyVisitedAgents].([]string)
	out := make([]string, len(trail))
	copy(out, trail)
	return out
}

func (s *State) set(key string, value any) {
	if _, ok := s.values[key]; !ok {
		s.order = append(s.order, key)
	}
	s.values[key] = value
}

// BranchKey namespaces a key under a branch so parallel writers never
// collide before the join point.
func BranchKey(branch, key string) string {
	return "branch." + branch + "." + key
}

// MergeBranch promotes all keys written under a branch namespace to
// top-level keys and removes the namespaced copies. Called by the
// scheduler at a join point.
func (s *State) MergeBranch(branch string) {
	prefix := "branch." + branch + "."
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.order {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		s.set(strings.TrimPrefix(key, prefix), s.values[key])
		delete(s.values, key)
	}
	kept := s.order[:0]
	for _, key := range s.order {
		if _, ok := s.values[key]; ok {
			kept = append(kept, key)
		}
	}
	s.order = kept
}

func sortedKeys(d Delta) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	// Stable commit order keeps Apply deterministic for equal deltas.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
