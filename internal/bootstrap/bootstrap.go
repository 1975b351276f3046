// Package bootstrap wires the Path & Config Resolver, Policy Scanner &
// Compiler, Routing Index, Rulebook, Trust Verifier, and Evaluation Core
// together into a ready-to-evaluate orchestrator.Engine for one realm.
// Both cmd/cupcaked (the long-running daemon) and cmd/cupcake-hook (the
// thin per-event fallback) share this initialization path so "a fatal
// error in the global realm is treated as fail-closed" means
// the same thing regardless of which binary hosts the engine.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"cupcake/internal/config"
	"cupcake/internal/orchestrator"
	"cupcake/internal/routing"
	"cupcake/internal/rulebook"
	"cupcake/internal/scanner"
	"cupcake/internal/trust"
	"cupcake/internal/vm"
)

// Options configures realm construction for one realm: entrypoint, memory
// ceiling, trust enforcement.
type Options struct {
	Name               string // "global" or "project"
	Entrypoint         string // scanner.EntrypointProject or EntrypointGlobal
	MemoryCeilingBytes int
	EnableTrust        bool
	Watchdog           rulebook.SignalBackend // optional, nil disables the watchdog backend
}

// BuildEngine takes already-resolved paths, loads the rulebook, scans and
// compiles the policy tree, optionally loads the trust manifest, and compiles the bytecode
// module — the full Policy Scanner & Compiler + Evaluation Core
// initialization path for one realm.
func BuildEngine(ctx context.Context, paths *config.ProjectPaths, opts Options) (*orchestrator.Engine, error) {
	rb, err := rulebook.Load(paths.RulebookPath, paths.SignalsDir, paths.ActionsDir)
	if err != nil {
		return nil, fmt.Errorf("load %s rulebook: %w", opts.Name, err)
	}

	units, err := scanner.Scan(paths.PoliciesDir, paths.BuiltinsDir, rb.EnabledBuiltins())
	if err != nil {
		return nil, fmt.Errorf("scan %s policies: %w", opts.Name, err)
	}

	bytecode, err := scanner.Compile(ctx, paths.PoliciesDir, units, opts.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("compile %s policies: %w", opts.Name, err)
	}

	module, err := vm.Compile(ctx, bytecode, opts.Entrypoint, opts.MemoryCeilingBytes)
	if err != nil {
		return nil, fmt.Errorf("load %s bytecode module: %w", opts.Name, err)
	}

	idx := routing.Build(units)

	engine := &orchestrator.Engine{
		Name:          opts.Name,
		Routing:       idx,
		VM:            module,
		Rulebook:      rb,
		Watchdog:      opts.Watchdog,
		TrustCwd:      paths.Root,
		BuiltinConfig: rb.BuiltinConfigs(),
	}

	if opts.EnableTrust {
		manifest, err := loadOrInitTrust(paths, rb)
		if err != nil {
			return nil, fmt.Errorf("load %s trust manifest: %w", opts.Name, err)
		}
		engine.Trust = manifest
	}

	return engine, nil
}

// loadOrInitTrust loads an existing .trust manifest, or — if none exists
// yet — seals a fresh one from the rulebook's current signals/actions, so a
// freshly cloned project with trust enabled doesn't fail closed on its
// first run.
func loadOrInitTrust(paths *config.ProjectPaths, rb *rulebook.Rulebook) (*trust.Manifest, error) {
	key := trust.DeriveKey(paths.Root)

	if _, err := os.Stat(paths.TrustPath); err == nil {
		return trust.Load(paths.TrustPath, key)
	}

	scripts := map[trust.Scope]map[string]string{
		trust.ScopeSignals: {},
		trust.ScopeActions: rb.ActionScripts(),
	}
	for name, entry := range rb.Signals {
		if entry.Backend == "" {
			scripts[trust.ScopeSignals][name] = entry.Command
		}
	}

	return trust.Init(paths.TrustPath, key, scripts, paths.Root)
}
