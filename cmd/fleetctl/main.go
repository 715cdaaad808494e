// Command fleetctl runs the agent fleet orchestrator as a long-lived
// process: it loads configuration, wires the composition root, and
// serves the operator status page until interrupted.
//
// Parsing of the orchestrator's actual operations (spawn, send, pause,
// resume, destroy, ...) is intentionally out of scope here — those are
// invoked by a parent LLM's tool-call surface against the running
// process, not by flags on this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentfleet/orchestrator/internal/config"
	"github.com/agentfleet/orchestrator/internal/fleet"
	"github.com/agentfleet/orchestrator/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("fleetctl", flag.ExitOnError)
	configPath := fs.String("config", "", "optional YAML config file overlay")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	if level, err := logging.ParseLevel(*logLevel); err != nil {
		slog.Error("fatal", "error", fmt.Errorf("invalid log level %q: %w", *logLevel, err))
		os.Exit(1)
	} else {
		logging.SetLevel(level)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("fatal", "error", fmt.Errorf("load config: %w", err))
		os.Exit(1)
	}

	logging.PrintBanner("fleet", version, cfg.VersBaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := fleet.New(ctx, cfg)
	if err != nil {
		slog.Error("fatal", "error", fmt.Errorf("construct fleet: %w", err))
		os.Exit(1)
	}

	if err := server.Serve(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
