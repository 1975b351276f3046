package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"cupcake/internal/bootstrap"
	"cupcake/internal/config"
	"cupcake/internal/harness"
	"cupcake/internal/orchestrator"
	"cupcake/internal/rulebook"
	"cupcake/internal/scanner"
	"cupcake/internal/synth"
	"cupcake/internal/telemetry"
)

// engineHolder owns the current orchestrator behind an atomic pointer.
// rebuild constructs a complete replacement (both realms, fresh routing
// index, fresh bytecode) and swaps it in; readers that loaded the old
// pointer keep evaluating against the old snapshot until they finish.
type engineHolder struct {
	cfg     daemonConfig
	writer  *telemetry.Writer
	current atomic.Pointer[orchestrator.Orchestrator]
}

// rebuild runs the full initialization path for both realms and atomically
// installs the result. On error the previous orchestrator (if any) stays
// installed, so a broken edit to a policy file doesn't take down a running
// daemon — the failure only blocks the swap.
func (e *engineHolder) rebuild(ctx context.Context) error {
	projectPaths, err := config.Resolve(e.cfg.projectDir)
	if err != nil {
		return err
	}
	globalPaths, err := config.ResolveGlobal()
	if err != nil {
		return err
	}

	var watchdog rulebook.SignalBackend
	if wd, ok := rulebook.NewWatchdog(e.cfg.watchdogModel); ok {
		watchdog = wd
	}

	ceiling := e.cfg.memoryCeilingMB * 1024 * 1024

	project, err := bootstrap.BuildEngine(ctx, projectPaths, bootstrap.Options{
		Name:               "project",
		Entrypoint:         scanner.EntrypointProject,
		MemoryCeilingBytes: ceiling,
		EnableTrust:        e.cfg.trustEnabled,
		Watchdog:           watchdog,
	})
	if err != nil {
		return fmt.Errorf("project realm: %w", err)
	}

	var global *orchestrator.Engine
	if globalPaths != nil {
		global, err = bootstrap.BuildEngine(ctx, globalPaths, bootstrap.Options{
			Name:               "global",
			Entrypoint:         scanner.EntrypointGlobal,
			MemoryCeilingBytes: ceiling,
			EnableTrust:        e.cfg.trustEnabled,
			Watchdog:           watchdog,
		})
		if err != nil {
			return fmt.Errorf("global realm: %w", err)
		}
	}

	e.current.Store(&orchestrator.Orchestrator{
		Global:    global,
		Project:   project,
		Telemetry: e.writer,
		TraceID:   uuid.NewString(),
	})
	return nil
}

// Evaluate satisfies daemon.Evaluator against whichever orchestrator is
// currently installed.
func (e *engineHolder) Evaluate(ctx context.Context, h harness.Harness, raw []byte) ([]byte, synth.FinalDecision, error) {
	return e.current.Load().Evaluate(ctx, h, raw)
}

// watchPaths lists the directories whose contents feed engine construction:
// changing anything under them warrants a re-compile.
func (e *engineHolder) watchPaths() ([]string, error) {
	projectPaths, err := config.Resolve(e.cfg.projectDir)
	if err != nil {
		return nil, err
	}
	paths := []string{projectPaths.Root}
	if globalPaths, err := config.ResolveGlobal(); err == nil && globalPaths != nil {
		paths = append(paths, globalPaths.Root)
	}
	return paths, nil
}
