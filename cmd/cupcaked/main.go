// Package main implements cupcaked, the long-running policy engine daemon.
// It compiles both realms' policy trees once at startup, then serves hook
// evaluations over a unix socket so per-event hook processes don't pay the
// compile and WASM-instantiation cost on every agent event. Policy or
// rulebook changes on disk trigger a full re-compile and an atomic engine
// swap; in-flight evaluations finish on the snapshot they started with.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"cupcake/internal/daemon"
	"cupcake/internal/logging"
	"cupcake/internal/telemetry"

	_ "cupcake/internal/harness/claudecode"
	_ "cupcake/internal/harness/cursor"
	_ "cupcake/internal/harness/factory"
	_ "cupcake/internal/harness/opencode"
)

type daemonConfig struct {
	projectDir      string
	socketPath      string
	telemetryDSN    string
	memoryCeilingMB int
	trustEnabled    bool
	watch           bool
	watchdogModel   string
}

func main() {
	var cfg daemonConfig
	flag.StringVar(&cfg.projectDir, "project", envOrDefault("CUPCAKE_PROJECT_DIR", "."), "Project root (or .cupcake directory) to serve")
	flag.StringVar(&cfg.socketPath, "socket", envOrDefault("CUPCAKE_SOCKET", "/tmp/cupcaked.sock"), "Unix socket to listen on")
	flag.StringVar(&cfg.telemetryDSN, "telemetry-dsn", envOrDefault("CUPCAKE_TELEMETRY_DSN", ""), "Telemetry span store DSN (SQLite path or postgres:// URL; empty disables persistence)")
	flag.IntVar(&cfg.memoryCeilingMB, "memory-ceiling-mb", 10, "Per-evaluation VM memory ceiling in MiB")
	flag.BoolVar(&cfg.trustEnabled, "trust", envBool("CUPCAKE_TRUST_ENABLED"), "Enforce the .trust script manifest before spawning signals/actions")
	flag.BoolVar(&cfg.watch, "watch", true, "Recompile and swap the engine when policies or the rulebook change on disk")
	flag.StringVar(&cfg.watchdogModel, "watchdog-model", envOrDefault("CUPCAKE_WATCHDOG_MODEL", ""), "Model for the LLM-backed watchdog signal (empty disables)")

	// logging.Init must run before flag.Parse so it can strip --log-level
	// before the flag package sees it.
	remaining := logging.Init(os.Args[1:])
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	var store *telemetry.Store
	if cfg.telemetryDSN != "" {
		var err error
		store, err = telemetry.NewStore(telemetry.StoreConfig{DSN: cfg.telemetryDSN})
		if err != nil {
			slog.Error("failed to open telemetry store", "dsn", cfg.telemetryDSN, "err", err)
			os.Exit(1)
		}
	}
	writer := telemetry.NewWriter(store, 0)
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	holder := &engineHolder{cfg: cfg, writer: writer}
	if err := holder.rebuild(ctx); err != nil {
		slog.Error("engine initialization failed", "err", err)
		os.Exit(1)
	}

	if cfg.watch {
		if err := holder.watchAndReload(ctx); err != nil {
			slog.Warn("filesystem watch unavailable, hot-reload disabled", "err", err)
		}
	}

	// A stale socket from a crashed daemon would make Listen fail.
	os.Remove(cfg.socketPath)
	ln, err := net.Listen("unix", cfg.socketPath)
	if err != nil {
		slog.Error("failed to listen", "socket", cfg.socketPath, "err", err)
		os.Exit(1)
	}
	defer os.Remove(cfg.socketPath)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down cupcaked...")
		cancel()
	}()

	slog.Info("cupcaked serving",
		"socket", cfg.socketPath,
		"project", cfg.projectDir,
		"trust", cfg.trustEnabled,
		"watch", cfg.watch)

	srv := &daemon.Server{Eval: holder}
	if err := srv.Serve(ctx, ln); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("cupcaked stopped")
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
