package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/monitor"
	"github.com/mtzanidakis/smini/internal/natsbus"
	"github.com/mtzanidakis/smini/internal/notify"
	"github.com/mtzanidakis/smini/internal/pool"
	"github.com/mtzanidakis/smini/internal/runner"
	"github.com/mtzanidakis/smini/internal/scheduler"
	"github.com/mtzanidakis/smini/internal/store"
	"github.com/mtzanidakis/smini/internal/swarm"
	"github.com/mtzanidakis/smini/internal/web"
	"github.com/mtzanidakis/smini/internal/workflow"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("smini %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "run":
		if err := runWorkflow(os.Args[2:]); err != nil {
			slog.Error("run failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: smini <command>

Commands:
  serve               Start the swarm service
  run <workflow.yml>  Execute a workflow file and print the result
  backup              Archive the data directory
  restore             Restore a data directory archive
  version             Print version
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting smini", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer events.Close()

	body, err := runner.FromConfig(cfg.Runner)
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}

	agents := pool.New(cfg.Pool, cfg.Health, body)
	slog.Info("agent pool ready", "agents", agents.Size(), "runner", cfg.Runner.Kind)

	coord := swarm.NewCoordinator(agents, cfg.Swarm,
		swarm.WithStore(db), swarm.WithEvents(events))

	mon := monitor.New(agents, cfg.Monitor, monitor.WithEvents(events))
	go mon.Run(ctx, 0)

	sched := scheduler.New(db, coord, bus, cfg.Scheduler)
	go sched.Start(ctx)

	if cfg.Telegram.Token != "" {
		notifier, err := notify.New(cfg.Telegram, bus)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		if err := notifier.Start(); err != nil {
			return fmt.Errorf("start notifier: %w", err)
		}
		defer notifier.Close()
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, coord, mon, cfg.Web, version)
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

func runWorkflow(args []string) error {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: smini run <workflow.yml>\n")
		return fmt.Errorf("missing workflow file")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	def, err := workflow.LoadDefinition(args[0])
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}

	body, err := runner.FromConfig(cfg.Runner)
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	agents := pool.New(cfg.Pool, cfg.Health, body)
	coord := swarm.NewCoordinator(agents, cfg.Swarm)

	result, runErr := coord.RunDefinition(ctx, def)

	out, err := json.MarshalIndent(result, "", "  ")
	if err == nil {
		fmt.Println(string(out))
	}
	if runErr != nil {
		return fmt.Errorf("workflow %s: %w", def.Name, runErr)
	}
	return nil
}
