package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Topology  string                  `yaml:"topology"`
	Agents    map[string]AgentConfig  `yaml:"agents"`
	AgentList []string                `yaml:"agent_order"`
	Tools     map[string][]string     `yaml:"tools"` // capability tag -> permitted tools
	Router    RouterConfig            `yaml:"router"`
	Engine    EngineConfig            `yaml:"engine"`
	Mesh      MeshConfig              `yaml:"mesh"`
	Peers     map[string][]string     `yaml:"peers"` // agent -> known neighbors
	Pipeline  []StageConfig           `yaml:"pipeline"`
	Teams     map[string]TeamConfig   `yaml:"teams"`
	TeamList  []string                `yaml:"team_order"`
	Store     StoreConfig             `yaml:"store"`
	NATS      NATSConfig              `yaml:"nats"`
	Web       WebConfig               `yaml:"web"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	Vault     VaultConfig             `yaml:"vault"`
}

type AgentConfig struct {
	Role           string            `yaml:"role"`
	Goal           string            `yaml:"goal"`
	CapabilityTags []string          `yaml:"capability_tags"`
	ToolNames      []string          `yaml:"tools"`
	MaxIterations  int               `yaml:"max_iterations"`
	Env            map[string]string `yaml:"env"` // values may be secret:name references
}

type RouterConfig struct {
	Rules        []RuleConfig `yaml:"rules"`
	DefaultRoute string       `yaml:"default_route"`
}

type RuleConfig struct {
	Pattern  string `yaml:"pattern"`
	Target   string `yaml:"target"`
	Priority int    `yaml:"priority"`
}

type EngineConfig struct {
	NodeTimeout time.Duration `yaml:"node_timeout"`
	RunDeadline time.Duration `yaml:"run_deadline"`
	NodeRetries int           `yaml:"node_retries"`
}

type MeshConfig struct {
	Threshold float64 `yaml:"threshold"`
	MaxHops   int     `yaml:"max_hops"`
}

type StageConfig struct {
	Name            string   `yaml:"name"`
	Agent           string   `yaml:"agent"`
	Reads           []string `yaml:"reads"`
	Writes          []string `yaml:"writes"`
	ContinueOnError bool     `yaml:"continue_on_error"`
	Retries         int      `yaml:"retries"`
}

type TeamConfig struct {
	Agents       []string     `yaml:"agents"`
	Rules        []RuleConfig `yaml:"rules"`
	DefaultRoute string       `yaml:"default_route"`
	DependsOn    []string     `yaml:"depends_on"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Topology: "supervisor",
		Engine: EngineConfig{
			NodeTimeout: 5 * time.Minute,
			RunDeadline: 30 * time.Minute,
			NodeRetries: 0,
		},
		Mesh: MeshConfig{
			Threshold: 0.6,
			MaxHops:   5,
		},
		Store: StoreConfig{
			Path: "data/archon.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("ARCHON_CONFIG")
	if path == "" {
		path = "config/archon.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate performs the build-time checks the engine relies on: the
// selected topology is known, rules and teams only reference declared
// agents, and team dependencies form no cycle.
func (c *Config) Validate() error {
	switch c.Topology {
	case "supervisor", "hierarchical", "sequential", "peer":
	default:
		return fmt.Errorf("unknown topology: %s", c.Topology)
	}

	for _, r := range c.Router.Rules {
		if _, ok := c.Agents[r.Target]; !ok {
			return fmt.Errorf("routing rule %q targets unknown agent %q", r.Pattern, r.Target)
		}
	}
	if c.Router.DefaultRoute != "" {
		if _, ok := c.Agents[c.Router.DefaultRoute]; !ok {
			return fmt.Errorf("default route targets unknown agent %q", c.Router.DefaultRoute)
		}
	}

	for name, team := range c.Teams {
		for _, a := range team.Agents {
			if _, ok := c.Agents[a]; !ok {
				return fmt.Errorf("team %s references unknown agent %q", name, a)
			}
		}
		for _, dep := range team.DependsOn {
			if _, ok := c.Teams[dep]; !ok {
				return fmt.Errorf("team %s depends on unknown team %q", name, dep)
			}
		}
	}
	if err := checkTeamCycles(c.Teams); err != nil {
		return err
	}

	for _, st := range c.Pipeline {
		if _, ok := c.Agents[st.Agent]; !ok {
			return fmt.Errorf("pipeline stage %q references unknown agent %q", st.Name, st.Agent)
		}
	}
	for peer, neighbors := range c.Peers {
		if _, ok := c.Agents[peer]; !ok {
			return fmt.Errorf("mesh peer %q is not a declared agent", peer)
		}
		for _, nb := range neighbors {
			if _, ok := c.Agents[nb]; !ok {
				return fmt.Errorf("mesh peer %q references unknown neighbor %q", peer, nb)
			}
		}
	}

	for name, def := range c.Agents {
		for _, tool := range def.ToolNames {
			if !toolPermitted(c.Tools, def.CapabilityTags, tool) {
				return fmt.Errorf("agent %s declares tool %q not granted by its capability tags", name, tool)
			}
		}
	}

	return nil
}

// AgentOrder returns agent names in declaration order when the config
// supplies one, falling back to sorted map order. Routers use this for
// deterministic tie-breaking.
func (c *Config) AgentOrder() []string {
	if len(c.AgentList) > 0 {
		return c.AgentList
	}
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// TeamOrder mirrors AgentOrder for teams.
func (c *Config) TeamOrder() []string {
	if len(c.TeamList) > 0 {
		return c.TeamList
	}
	names := make([]string, 0, len(c.Teams))
	for name := range c.Teams {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

func toolPermitted(grants map[string][]string, tags []string, tool string) bool {
	if len(grants) == 0 {
		return true
	}
	for _, tag := range tags {
		for _, t := range grants[tag] {
			if t == tool {
				return true
			}
		}
	}
	return false
}

func checkTeamCycles(teams map[string]TeamConfig) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(teams))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return fmt.Errorf("team dependency cycle through %q", name)
		case black:
			return nil
		}
		color[name] = grey
		for _, dep := range teams[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range teams {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ARCHON_TOPOLOGY"); v != "" {
		cfg.Topology = v
	}
	if v := os.Getenv("ARCHON_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ARCHON_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("ARCHON_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("ARCHON_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("ARCHON_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
