// Package main implements cupcake-hook, the thin per-event binary agents
// configure as their hook command. It reads one hook payload on stdin,
// forwards it to a running cupcaked daemon when one is listening, and
// otherwise builds an embedded engine for a one-shot evaluation. The shaped
// response is written to stdout; the exit code carries the decision class
// for harnesses that key off it: 0 for allow-like outcomes, 2 for
// halt/deny/block, 1 for an unexpected engine error.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cupcake/internal/bootstrap"
	"cupcake/internal/config"
	"cupcake/internal/daemon"
	"cupcake/internal/harness"
	"cupcake/internal/logging"
	"cupcake/internal/orchestrator"
	"cupcake/internal/rulebook"
	"cupcake/internal/scanner"
	"cupcake/internal/synth"

	_ "cupcake/internal/harness/claudecode"
	_ "cupcake/internal/harness/cursor"
	_ "cupcake/internal/harness/factory"
	_ "cupcake/internal/harness/opencode"
)

const (
	exitOK      = 0
	exitError   = 1
	exitBlocked = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	harnessName := flag.String("harness", envOrDefault("CUPCAKE_HARNESS", "claude_code"), "Harness emitting this event (claude_code, cursor, factory, opencode)")
	projectDir := flag.String("project", envOrDefault("CUPCAKE_PROJECT_DIR", "."), "Project root (or .cupcake directory)")
	socketPath := flag.String("socket", envOrDefault("CUPCAKE_SOCKET", "/tmp/cupcaked.sock"), "cupcaked socket to try before falling back to an embedded engine")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall evaluation deadline")

	remaining := logging.Init(os.Args[1:])
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read stdin:", err)
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	// Fast path: a running daemon owns the compiled engine.
	if resp, err := daemon.Evaluate(ctx, *socketPath, *harnessName, raw); err == nil {
		if resp.Error != "" {
			fmt.Fprintln(os.Stderr, resp.Error)
			return exitError
		}
		os.Stdout.Write(resp.Body)
		return exitFor(resp.Decision)
	} else {
		slog.Debug("no daemon reachable, using embedded engine", "socket", *socketPath, "err", err)
	}

	h, err := harness.New(harness.Type(*harnessName))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}

	orch, err := buildEmbedded(ctx, *projectDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine initialization failed:", err)
		return exitError
	}

	body, decision, err := orch.Evaluate(ctx, h, raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	os.Stdout.Write(body)
	return exitFor(decision.Kind.String())
}

// buildEmbedded constructs a one-shot orchestrator: both realms, no
// telemetry persistence (a per-event process has nowhere durable to flush
// to by default), trust enforcement from the environment.
func buildEmbedded(ctx context.Context, projectDir string) (*orchestrator.Orchestrator, error) {
	projectPaths, err := config.Resolve(projectDir)
	if err != nil {
		return nil, err
	}
	globalPaths, err := config.ResolveGlobal()
	if err != nil {
		return nil, err
	}

	trustEnabled := envBool("CUPCAKE_TRUST_ENABLED")
	var watchdog rulebook.SignalBackend
	if wd, ok := rulebook.NewWatchdog(os.Getenv("CUPCAKE_WATCHDOG_MODEL")); ok {
		watchdog = wd
	}

	project, err := bootstrap.BuildEngine(ctx, projectPaths, bootstrap.Options{
		Name:        "project",
		Entrypoint:  scanner.EntrypointProject,
		EnableTrust: trustEnabled,
		Watchdog:    watchdog,
	})
	if err != nil {
		return nil, fmt.Errorf("project realm: %w", err)
	}

	var global *orchestrator.Engine
	if globalPaths != nil {
		global, err = bootstrap.BuildEngine(ctx, globalPaths, bootstrap.Options{
			Name:        "global",
			Entrypoint:  scanner.EntrypointGlobal,
			EnableTrust: trustEnabled,
			Watchdog:    watchdog,
		})
		if err != nil {
			return nil, fmt.Errorf("global realm: %w", err)
		}
	}

	return &orchestrator.Orchestrator{Global: global, Project: project}, nil
}

func exitFor(decision string) int {
	switch decision {
	case synth.KindHalt.String(), synth.KindDeny.String(), synth.KindBlock.String():
		return exitBlocked
	default:
		return exitOK
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true"
}
