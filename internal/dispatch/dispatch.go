// Package dispatch implements the Action Dispatcher:
// fire-and-forget execution of the rulebook's configured side-effect
// scripts for a FinalDecision. Dispatch never blocks the decision already
// returned to the agent and never alters it: action failures are
// logged, not surfaced back into the evaluation.
package dispatch

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"cupcake/internal/cupcakeerr"
	"cupcake/internal/rulebook"
	"cupcake/internal/synth"
	"cupcake/internal/trust"
)

// ActionTimeout bounds how long a fire-and-forget action subprocess may
// run before being killed; it never gates the reply to the agent since the
// dispatch itself returns immediately.
const ActionTimeout = 30 * time.Second

// Verifier is the subset of trust.Manifest-backed verification dispatch
// needs before spawning an action script. A nil Verifier disables
// trust checking, matching the Trust Verifier's "optional by default"
// design.
type Verifier interface {
	VerifyAction(command string) error
}

// manifestVerifier adapts a loaded trust.Manifest to the Verifier
// interface for the actions scope.
type manifestVerifier struct {
	manifest *trust.Manifest
	cwd      string
}

func NewManifestVerifier(m *trust.Manifest, cwd string) Verifier {
	if m == nil {
		return nil
	}
	return &manifestVerifier{manifest: m, cwd: cwd}
}

// VerifyAction resolves command's trust-manifest name by filename stem —
// the same convention the Rulebook uses to auto-discover action scripts
// (ActionsFor resolves a registered action to its full script path, so the
// stem is the only link back to the name it was trusted under).
func (v *manifestVerifier) VerifyAction(command string) error {
	name := strings.TrimSuffix(filepath.Base(command), filepath.Ext(command))
	return trust.Verify(v.manifest, trust.ScopeActions, name, command, v.cwd)
}

// Dispatcher fires the rulebook's on_any_denial and by_rule_id actions for
// a synthesized FinalDecision.
type Dispatcher struct {
	Rulebook *rulebook.Rulebook
	Verifier Verifier // optional
}

// Dispatch inspects decision and spawns the actions it triggers:
//   - Deny: on_any_denial actions, plus by_rule_id actions for every rule
//     id in the denial set.
//   - Halt/Block: by_rule_id actions only; on_any_denial never fires for
//     Halt or Block.
// Dispatch returns immediately; every spawned command runs in its own
// goroutine and its outcome is only logged, never awaited.
func (d *Dispatcher) Dispatch(decision synth.FinalDecision) {
	if d.Rulebook == nil || !decision.TriggersByRuleActions() {
		return
	}

	commands := d.Rulebook.ActionsFor(decision.RuleIDs, decision.IsDenial())
	for _, command := range commands {
		command := command
		go d.run(command)
	}
}

func (d *Dispatcher) run(command string) {
	if d.Verifier != nil {
		if err := d.Verifier.VerifyAction(command); err != nil {
			var sec *cupcakeerr.SecurityError
			if se, ok := err.(*cupcakeerr.SecurityError); ok {
				sec = se
			}
			slog.Error("action dispatch blocked by trust violation", "security", true, "command", command, "error", err, "kind", sec)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ActionTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		slog.Warn("action dispatch failed", "command", command, "error", err, "output", string(output))
		return
	}
	slog.Debug("action dispatched", "command", command, "output", string(output))
}
