package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"cupcake/internal/cupcakeerr"
	"cupcake/internal/harness"
	"cupcake/internal/preprocess"
	"cupcake/internal/synth"
	"cupcake/internal/telemetry"
)

// Realm is the subset of *Engine the fold logic needs: routing, signal
// gathering, and VM invocation for one realm. Extracted as an
// interface so the short-circuit/fold logic (decide) is testable with a
// fake realm that doesn't require a compiled WASM module.
type Realm interface {
	Evaluate(ctx context.Context, ev *harness.CanonicalEvent, phase *telemetry.PolicyPhase) (synth.VerbBag, error)
}

// Orchestrator holds the two independently-initialized realm engines.
// Project is required; Global is optional — a nil Global
// means no global realm is configured, and every evaluation runs the
// project realm alone.
type Orchestrator struct {
	Global  *Engine // optional
	Project *Engine

	// Telemetry is the drop-guard span writer. Nil disables
	// telemetry capture entirely; Evaluate still works, it just never
	// builds or flushes a span.
	Telemetry *telemetry.Writer

	// TraceID correlates every span this orchestrator emits across a
	// daemon's lifetime; empty gives each span its own
	// fresh trace id, matching a standalone per-event process.
	TraceID string
}

// Evaluate runs one hook event through the full pipeline: harness.Parse →
// preprocess → route+evaluate the global realm → (short-circuit, or)
// route+evaluate the project realm → synthesize → dispatch actions →
// harness.Shape. It returns the harness-specific response bytes the caller
// writes back to the agent, plus the synthesized decision so hosts that
// signal outcomes out-of-band (exit codes, FFI result structs) don't have
// to re-parse the shaped response.
func (o *Orchestrator) Evaluate(ctx context.Context, h harness.Harness, raw []byte) ([]byte, synth.FinalDecision, error) {
	ev, err := h.Parse(raw)
	if err != nil {
		return nil, synth.FinalDecision{}, &cupcakeerr.ParseError{Harness: string(h.Type()), Reason: err.Error()}
	}

	span := telemetry.New(string(h.Type()), ev.EventName, ev.ToolName, ev.SessionID, o.TraceID)
	defer o.Telemetry.DropGuard(span)()

	preStart := time.Now()
	preprocess.Apply(ev, o.Project.PreprocessConfig())
	span.Preprocessing = telemetry.PreprocessingPhase{StartedAt: preStart, Duration: time.Since(preStart)}

	var global Realm
	if o.Global != nil {
		global = o.Global
	}
	globalPhase := &telemetry.PolicyPhase{Realm: "global"}
	projectPhase := &telemetry.PolicyPhase{Realm: "project"}
	decision, firedGlobal, firedProject := decide(ctx, global, o.Project, ev, globalPhase, projectPhase)
	if firedGlobal {
		globalPhase.Result.ShortCircuited = !firedProject
		span.Policies = append(span.Policies, *globalPhase)
	}
	if firedProject {
		span.Policies = append(span.Policies, *projectPhase)
	}

	if firedGlobal {
		o.Global.Dispatcher().Dispatch(decision)
	}
	if firedProject {
		o.Project.Dispatcher().Dispatch(decision)
	}

	span.FinalDecisionKind = decision.Kind.String()
	span.FinalDecisionRule = strings.Join(decision.RuleIDs, ",")
	span.Cause = decision.Cause
	span.Finish()
	o.Telemetry.Flush(span)

	resp, err := h.Shape(decision, ev)
	return resp, decision, err
}

// decide implements the global-realm short-circuit and fold: it evaluates
// global first; if global emits any Halt/Deny/Block, project is never
// entered and firedProject is false (observable via a side-effect probe
// signal in the project rulebook). Any fatal realm error fails the whole
// evaluation closed rather than returning a partial decision; a caller
// cancellation is distinguished from an engine fault by its cause.
func decide(ctx context.Context, global, project Realm, ev *harness.CanonicalEvent, globalPhase, projectPhase *telemetry.PolicyPhase) (decision synth.FinalDecision, firedGlobal, firedProject bool) {
	var globalBag synth.VerbBag

	if global != nil {
		bag, err := global.Evaluate(ctx, ev, globalPhase)
		if err != nil {
			if ctx.Err() != nil {
				return failClosed("cancelled", err), false, false
			}
			if cupcakeerr.IsSecurity(err) {
				return failClosed("trust-violation", err), false, false
			}
			return failClosed("global-init-failed", err), false, false
		}
		globalBag = bag

		if globalBag.HasShortCircuitVerb() {
			return synth.Synthesize(globalBag, synth.VerbBag{}), true, false
		}
	}

	projectBag, err := project.Evaluate(ctx, ev, projectPhase)
	if err != nil {
		ruleID := "engine-fault"
		switch {
		case ctx.Err() != nil:
			ruleID = "cancelled"
		case cupcakeerr.IsSecurity(err):
			ruleID = "trust-violation"
		}
		return failClosed(ruleID, err), false, false
	}

	return synth.Synthesize(globalBag, projectBag), global != nil, true
}

func failClosed(ruleID string, err error) synth.FinalDecision {
	slog.Error("evaluation failed closed", "rule_id", ruleID, "error", err)
	return synth.FailClosed(ruleID, err.Error())
}
