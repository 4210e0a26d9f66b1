package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/bus"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/orchestrator"
	"github.com/mtzanidakis/archon/internal/registry"
	"github.com/mtzanidakis/archon/internal/router"
	"github.com/mtzanidakis/archon/internal/scheduler"
	"github.com/mtzanidakis/archon/internal/store"
	"github.com/mtzanidakis/archon/internal/vault"
	"github.com/mtzanidakis/archon/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("archon %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "run":
		if err := runOnce(os.Args[2:]); err != nil {
			slog.Error("run failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	case "export":
		if err := runExport(os.Args[2:]); err != nil {
			slog.Error("export failed", "error", err)
			os.Exit(1)
		}
	case "import":
		if err := runImport(os.Args[2:]); err != nil {
			slog.Error("import failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: archon <command>

Commands:
  gateway    Start the Archon gateway service
  run        Execute one task and print the result
  vault      Manage encrypted secrets
  export     Export run history to a compressed archive
  import     Import run history from a compressed archive
  version    Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting archon gateway", "version", version, "topology", cfg.Topology)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	b, err := bus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer b.Close()
	slog.Info("nats started", "port", b.Port())

	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
	} else {
		slog.Warn("vault passphrase not set, secret references disabled")
	}

	reg := registry.New(db, v, cfg.Tools)
	registerConfiguredAgents(reg, cfg)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}

	rtr := router.New(reg, cfg.Router)

	coord, err := orchestrator.New(cfg, reg, db, b, rtr)
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	sched := scheduler.New(db, coord, b, cfg.Scheduler)
	go sched.Start(ctx)

	if cfg.Web.Enabled {
		srv := web.NewServer(db, b, coord, reg, cfg.Web, v, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}

func runOnce(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: archon run <task> [-topology <name>]")
	}

	content := args[0]
	topology := ""
	for i := 1; i < len(args)-1; i++ {
		if args[i] == "-topology" {
			topology = args[i+1]
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
	}

	reg := registry.New(db, v, cfg.Tools)
	registerConfiguredAgents(reg, cfg)

	rtr := router.New(reg, cfg.Router)

	coord, err := orchestrator.New(cfg, reg, db, nil, rtr)
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	res, err := coord.Execute(context.Background(), orchestrator.Invocation{
		Task:     agent.NewTask(content),
		Topology: orchestrator.Topology(topology),
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// registerConfiguredAgents turns config agent definitions into echo
// placeholders so the engine has something to execute before real
// adapters are wired in. Each placeholder reports the agent's
// capability tags as its routing confidence surface.
func registerConfiguredAgents(reg *registry.Registry, cfg *config.Config) {
	for _, name := range cfg.AgentOrder() {
		def := cfg.Agents[name]
		a := agent.NewEcho(agent.Descriptor{
			Name:           name,
			Role:           def.Role,
			Goal:           def.Goal,
			CapabilityTags: def.CapabilityTags,
			ToolNames:      def.ToolNames,
		})
		if err := reg.Register(a); err != nil {
			slog.Warn("skipping agent registration", "agent", name, "error", err)
		}
	}
}
