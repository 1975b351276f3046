// Package orchestrator implements the dual-realm orchestrator: it holds
// one Engine per realm (global, project), runs the per-event pipeline end
// to end, and applies the global-realm short-circuit before folding both
// realms' verb bags into one FinalDecision.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cupcake/internal/cupcakeerr"
	"cupcake/internal/dispatch"
	"cupcake/internal/harness"
	"cupcake/internal/preprocess"
	"cupcake/internal/routing"
	"cupcake/internal/rulebook"
	"cupcake/internal/synth"
	"cupcake/internal/telemetry"
	"cupcake/internal/trust"
)

// PolicyVM is the slice of *vm.Module the engine invokes: one synchronous
// evaluation of the compiled bytecode against a JSON input document.
// Extracted as an interface so the hot path is testable without compiling
// real bytecode.
type PolicyVM interface {
	Eval(ctx context.Context, input json.RawMessage, out any) error
}

// Engine is everything one realm (global or project) needs to route,
// gather signals for, and evaluate a canonical event.
// It is immutable after construction; re-initialization builds a fresh
// Engine and swaps it in atomically.
type Engine struct {
	Name     string // "global" or "project", used in telemetry and error rule ids
	Routing  *routing.Index
	VM       PolicyVM
	Rulebook *rulebook.Rulebook
	Watchdog rulebook.SignalBackend // optional

	Trust    *trust.Manifest // optional; nil disables trust enforcement
	TrustCwd string

	BuiltinConfig map[string]any // static, non-spawning config injected into VM input
}

// verifySignal consults the trust manifest (when configured) before a
// signal's command is allowed to spawn. It is a no-op when the
// engine has no trust manifest loaded.
func (e *Engine) verifySignal(name, command string) error {
	if e.Trust == nil {
		return nil
	}
	return trust.Verify(e.Trust, trust.ScopeSignals, name, command, e.TrustCwd)
}

// Evaluate runs the Evaluation Core's hot path for one realm:
// route → gather signals (trust-verified) → build VM input → invoke the
// bytecode VM → return the raw verb bag. An empty routed set short-circuits
// to an empty VerbBag without invoking the VM. A non-nil phase collects
// this realm's telemetry: per-signal execution records and the verb counts
// of the returned bag.
func (e *Engine) Evaluate(ctx context.Context, ev *harness.CanonicalEvent, phase *telemetry.PolicyPhase) (synth.VerbBag, error) {
	if phase != nil {
		phase.Realm = e.Name
		phase.StartedAt = time.Now()
		defer func() { phase.Duration = time.Since(phase.StartedAt) }()
	}

	routed := e.Routing.Lookup(ev.EventName, ev.ToolName)
	if len(routed) == 0 {
		return synth.VerbBag{}, nil
	}

	requiredSignals := routing.RequiredSignals(routed)
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return synth.VerbBag{}, e.record(phase, &cupcakeerr.EvaluationError{Cause: fmt.Errorf("marshal canonical event: %w", err)})
	}

	var signals map[string]any
	if e.Rulebook != nil {
		if err := e.verifyAllSignals(requiredSignals); err != nil {
			return synth.VerbBag{}, e.record(phase, err)
		}
		var observe rulebook.SignalObserver
		if phase != nil {
			phase.Signals.StartedAt = time.Now()
			observe = phase.Signals.AddSignal
		}
		signals = e.Rulebook.GatherSignals(ctx, requiredSignals, eventJSON, e.Watchdog, observe)
		if phase != nil {
			phase.Signals.Duration = time.Since(phase.Signals.StartedAt)
		}
	}

	input, err := e.buildVMInput(ev, signals)
	if err != nil {
		return synth.VerbBag{}, e.record(phase, &cupcakeerr.EvaluationError{Cause: err})
	}

	var bag synth.VerbBag
	if err := e.VM.Eval(ctx, input, &bag); err != nil {
		return synth.VerbBag{}, e.record(phase, err)
	}

	if phase != nil {
		phase.Result = telemetry.EvaluationResult{
			HaltCount:          len(bag.Halts),
			DenyCount:          len(bag.Denials),
			BlockCount:         len(bag.Blocks),
			AskCount:           len(bag.Asks),
			AllowOverrideCount: len(bag.AllowOverrides),
			ModificationCount:  len(bag.Modifications),
		}
	}
	return bag, nil
}

// record stamps a failed evaluation onto its telemetry phase and passes
// the error through unchanged.
func (e *Engine) record(phase *telemetry.PolicyPhase, err error) error {
	if phase != nil {
		phase.Result.Error = err.Error()
	}
	return err
}

// verifyAllSignals checks every required signal's command against the
// trust manifest before any are spawned, so a single tampered script fails
// the whole gather rather than silently running alongside trusted ones.
func (e *Engine) verifyAllSignals(names []string) error {
	if e.Trust == nil || e.Rulebook == nil {
		return nil
	}
	for _, name := range names {
		entry, ok := e.Rulebook.Signals[name]
		if !ok || entry.Backend != "" {
			continue // unregistered or backend-provided signals (e.g. watchdog) aren't filesystem scripts
		}
		if err := e.verifySignal(name, entry.Command); err != nil {
			return err
		}
	}
	return nil
}

// buildVMInput assembles the document the VM entrypoint evaluates against:
// the canonical event's fields, a "signals" key with every gathered
// result, and an optional "builtin_config" key for static, non-spawning
// configuration.
func (e *Engine) buildVMInput(ev *harness.CanonicalEvent, signals map[string]any) (json.RawMessage, error) {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical event: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(eventJSON, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal canonical event into input document: %w", err)
	}
	for k, v := range ev.Raw {
		if _, exists := doc[k]; !exists {
			doc[k] = v
		}
	}
	if signals != nil {
		doc["signals"] = signals
	} else {
		doc["signals"] = map[string]any{}
	}
	if e.BuiltinConfig != nil {
		doc["builtin_config"] = e.BuiltinConfig
	}
	return json.Marshal(doc)
}

// Dispatcher builds the Action Dispatcher for this engine's rulebook,
// trust-verifying actions the same way signals are.
func (e *Engine) Dispatcher() *dispatch.Dispatcher {
	var verifier dispatch.Verifier
	if e.Trust != nil {
		verifier = dispatch.NewManifestVerifier(e.Trust, e.TrustCwd)
	}
	return &dispatch.Dispatcher{Rulebook: e.Rulebook, Verifier: verifier}
}

// PreprocessConfig returns this engine's preprocessing configuration:
// preprocess.DefaultConfig(), or every stage disabled when the rulebook
// sets enable_preprocessing to false. Individual stages are not read from
// the rulebook.
func (e *Engine) PreprocessConfig() preprocess.Config {
	cfg := preprocess.DefaultConfig()
	if e.Rulebook != nil && e.Rulebook.EnablePreproc != nil && !*e.Rulebook.EnablePreproc {
		return preprocess.Config{}
	}
	return cfg
}
