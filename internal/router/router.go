package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/registry"
)

var (
	// ErrNoRoute means neither rules, oracle, nor a default route
	// produced a target. Structural: not retried.
	ErrNoRoute = errors.New("router: no route found")

	// ErrUnknownTarget means a routing source named an agent absent
	// from the registry.
	ErrUnknownTarget = errors.New("router: unknown target agent")
)

// NoMatch is the sentinel an oracle returns when it cannot pick any
// candidate.
const NoMatch = "NO_MATCH"

// Oracle is the delegated classification collaborator consulted when
// no rule matches. It must return one of the candidate names or
// NoMatch; the router never trusts its output without validating it
// against the registry.
type Oracle func(ctx context.Context, task agent.Task, candidates []string) (string, error)

// Decision is the router's output: the chosen target plus how sure it
// is and why.
type Decision struct {
	Target     string  `json:"target_agent_name"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Rule is an ordered keyword match against task content. Highest
// priority wins; ties break by declaration order.
type Rule struct {
	Pattern  string
	Target   string
	Priority int
}

type Router struct {
	registry     *registry.Registry
	rules        []Rule // sorted by priority desc, declaration order within
	oracle       Oracle
	defaultRoute string
}

func New(reg *registry.Registry, cfg config.RouterConfig) *Router {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, Rule{Pattern: r.Pattern, Target: r.Target, Priority: r.Priority})
	}
	// Stable sort keeps declaration order between equal priorities.
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	return &Router{
		registry:     reg,
		rules:        rules,
		defaultRoute: cfg.DefaultRoute,
	}
}

func (r *Router) SetOracle(o Oracle) {
	r.oracle = o
}

func (r *Router) DefaultRoute() string {
	return r.defaultRoute
}

// Route selects exactly one target agent for the task: rules first,
// then the delegated oracle, then the default route. Every returned
// decision names an agent present in the registry.
func (r *Router) Route(ctx context.Context, task agent.Task) (Decision, error) {
	if r.registry.Len() == 0 {
		return Decision{}, fmt.Errorf("%w: empty registry", ErrNoRoute)
	}

	// 1. Ordered rule match
	content := strings.ToLower(task.Content)
	for _, rule := range r.rules {
		if !strings.Contains(content, strings.ToLower(rule.Pattern)) {
			continue
		}
		if _, ok := r.registry.Get(rule.Target); !ok {
			return Decision{}, fmt.Errorf("%w: rule %q targets %q", ErrUnknownTarget, rule.Pattern, rule.Target)
		}
		return Decision{
			Target:     rule.Target,
			Confidence: 1.0,
			Rationale:  fmt.Sprintf("rule match: %q", rule.Pattern),
		}, nil
	}

	// 2. Delegated oracle, post-validated against the registry
	if r.oracle != nil {
		candidates := r.registry.Names()
		name, err := r.oracle(ctx, task, candidates)
		if err != nil {
			// Oracle failure is an execution error on the router
			// node, not a structural routing failure.
			return Decision{}, &agent.ExecError{Agent: "router-oracle", Err: err}
		}
		name = strings.TrimSpace(name)
		if name != "" && name != NoMatch {
			if _, ok := r.registry.Get(name); !ok {
				slog.Debug("oracle returned unregistered agent", "agent", name)
				return Decision{}, fmt.Errorf("%w: oracle returned %q", ErrUnknownTarget, name)
			}
			return Decision{
				Target:     name,
				Confidence: 0.7,
				Rationale:  "delegated oracle decision",
			}, nil
		}
	}

	// 3. Default route
	if r.defaultRoute == "" {
		return Decision{}, ErrNoRoute
	}
	if _, ok := r.registry.Get(r.defaultRoute); !ok {
		return Decision{}, fmt.Errorf("%w: default route %q", ErrUnknownTarget, r.defaultRoute)
	}
	return Decision{
		Target:     r.defaultRoute,
		Confidence: 0.5,
		Rationale:  "default route",
	}, nil
}
