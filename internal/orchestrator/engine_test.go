package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"cupcake/internal/harness"
	"cupcake/internal/policy"
	"cupcake/internal/routing"
	"cupcake/internal/rulebook"
	"cupcake/internal/synth"
	"cupcake/internal/telemetry"
)

// fakeVM records the input document it was invoked with and returns a
// canned verb bag.
type fakeVM struct {
	called bool
	input  map[string]any
	bag    synth.VerbBag
}

func (f *fakeVM) Eval(_ context.Context, input json.RawMessage, out any) error {
	f.called = true
	if err := json.Unmarshal(input, &f.input); err != nil {
		return err
	}
	*out.(*synth.VerbBag) = f.bag
	return nil
}

func routedUnit(event, tool string, signals ...string) *policy.Unit {
	return &policy.Unit{
		PackageName: "cupcake.policies.test",
		Directive: policy.RoutingDirective{
			RequiredEvents:  []string{event},
			RequiredTools:   []string{tool},
			RequiredSignals: signals,
		},
	}
}

func bashEvent() *harness.CanonicalEvent {
	return &harness.CanonicalEvent{
		Harness:   harness.ClaudeCode,
		EventName: "PreToolUse",
		ToolName:  "Bash",
		ToolInput: json.RawMessage(`{"command":"ls"}`),
	}
}

func TestEngineUnroutedEventSkipsVM(t *testing.T) {
	fake := &fakeVM{}
	e := &Engine{
		Name:    "project",
		Routing: routing.Build([]*policy.Unit{routedUnit("UserPromptSubmit", "")}),
		VM:      fake,
	}

	bag, err := e.Evaluate(context.Background(), bashEvent(), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if fake.called {
		t.Fatal("an unrouted event must not invoke the VM")
	}
	if bag.HasShortCircuitVerb() || len(bag.AddContext) != 0 {
		t.Fatalf("got non-empty bag %+v", bag)
	}
}

func TestEngineGathersExactlyRequiredSignals(t *testing.T) {
	dir := t.TempDir()
	signalsDir := filepath.Join(dir, "signals")
	if err := os.MkdirAll(signalsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"wanted_a", "wanted_b", "unwanted"} {
		path := filepath.Join(signalsDir, name+".sh")
		if err := os.WriteFile(path, []byte("#!/bin/sh\necho '{\"ok\": true}'\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	rb, err := rulebook.Load(filepath.Join(dir, "rulebook.yml"), signalsDir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	fake := &fakeVM{}
	e := &Engine{
		Name: "project",
		Routing: routing.Build([]*policy.Unit{
			routedUnit("PreToolUse", "Bash", "wanted_a"),
			routedUnit("PreToolUse", "*", "wanted_b", "wanted_a"),
		}),
		VM:       fake,
		Rulebook: rb,
	}

	if _, err := e.Evaluate(context.Background(), bashEvent(), nil); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	signals, ok := fake.input["signals"].(map[string]any)
	if !ok {
		t.Fatalf("input.signals missing: %v", fake.input)
	}
	var keys []string
	for k := range signals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "wanted_a" || keys[1] != "wanted_b" {
		t.Fatalf("got signal keys %v, want exactly the routed policies' required signals", keys)
	}
}

func TestEngineInjectsBuiltinConfig(t *testing.T) {
	fake := &fakeVM{}
	e := &Engine{
		Name:          "project",
		Routing:       routing.Build([]*policy.Unit{routedUnit("PreToolUse", "Bash")}),
		VM:            fake,
		BuiltinConfig: map[string]any{"file_guard": map[string]any{"protected_paths": []string{"production.env"}}},
	}

	if _, err := e.Evaluate(context.Background(), bashEvent(), nil); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if _, ok := fake.input["builtin_config"]; !ok {
		t.Fatal("builtin_config must reach the VM input document")
	}
}

func TestEngineRecordsPhaseTelemetry(t *testing.T) {
	dir := t.TempDir()
	signalsDir := filepath.Join(dir, "signals")
	if err := os.MkdirAll(signalsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(signalsDir, "probe.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho probe-ok\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	rb, err := rulebook.Load(filepath.Join(dir, "rulebook.yml"), signalsDir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	fake := &fakeVM{bag: synth.VerbBag{Denials: []synth.Verb{{RuleID: "r1", Reason: "no"}}}}
	e := &Engine{
		Name:     "project",
		Routing:  routing.Build([]*policy.Unit{routedUnit("PreToolUse", "Bash", "probe")}),
		VM:       fake,
		Rulebook: rb,
	}

	phase := &telemetry.PolicyPhase{}
	bag, err := e.Evaluate(context.Background(), bashEvent(), phase)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(bag.Denials) != 1 {
		t.Fatalf("got bag %+v", bag)
	}
	if phase.Realm != "project" || phase.Duration == 0 {
		t.Fatalf("phase not stamped: %+v", phase)
	}
	if phase.Result.DenyCount != 1 {
		t.Fatalf("got result %+v", phase.Result)
	}
	if len(phase.Signals.Signals) != 1 || phase.Signals.Signals[0].Name != "probe" {
		t.Fatalf("got signal records %+v", phase.Signals.Signals)
	}
	if !phase.Signals.Signals[0].Success {
		t.Fatal("probe signal should have succeeded")
	}
}
