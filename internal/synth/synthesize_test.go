package synth

import (
	"encoding/json"
	"testing"
)

func TestSynthesizePrecedenceHaltBeatsEverything(t *testing.T) {
	global := VerbBag{Denials: []Verb{{RuleID: "d1", Reason: "deny"}}}
	project := VerbBag{
		Halts: []Verb{{RuleID: "h1", Reason: "halt"}},
		Asks:  []Verb{{RuleID: "a1", Reason: "ask"}},
	}
	got := Synthesize(global, project)
	if got.Kind != KindHalt {
		t.Fatalf("expected KindHalt, got %v", got.Kind)
	}
}

func TestSynthesizeDefaultAllow(t *testing.T) {
	got := Synthesize(VerbBag{}, VerbBag{})
	if got.Kind != KindAllow {
		t.Fatalf("expected KindAllow, got %v", got.Kind)
	}
}

func TestSynthesizeAllowContextDedupFirstSeen(t *testing.T) {
	global := VerbBag{AddContext: []string{"a", "b"}}
	project := VerbBag{AddContext: []string{"b", "c"}}
	got := Synthesize(global, project)
	if got.Kind != KindAllow {
		t.Fatalf("expected KindAllow, got %v", got.Kind)
	}
	want := []string{"a", "b", "c"}
	if len(got.Context) != len(want) {
		t.Fatalf("got %v", got.Context)
	}
	for i, w := range want {
		if got.Context[i] != w {
			t.Fatalf("got %v, want %v", got.Context, want)
		}
	}
}

func TestSynthesizeReasonAggregationDedupesRuleIDs(t *testing.T) {
	global := VerbBag{Denials: []Verb{{RuleID: "rule-a", Reason: "first"}}}
	project := VerbBag{Denials: []Verb{
		{RuleID: "rule-a", Reason: "duplicate rule id, must not repeat"},
		{RuleID: "rule-b", Reason: "second"},
	}}
	got := Synthesize(global, project)
	if got.Kind != KindDeny {
		t.Fatalf("expected KindDeny, got %v", got.Kind)
	}
	if got.Reason != "first; second" {
		t.Fatalf("got reason %q", got.Reason)
	}
	if len(got.RuleIDs) != 2 {
		t.Fatalf("expected 2 deduped rule ids, got %v", got.RuleIDs)
	}
}

func TestSynthesizeModifyMergeHigherPriorityWins(t *testing.T) {
	high := Modification{
		Verb:         Verb{RuleID: "high", Reason: "enforce timeout"},
		Priority:     10,
		UpdatedInput: json.RawMessage(`{"command":"deploy --timeout=30","env":{"FOO":"1"}}`),
	}
	low := Modification{
		Verb:         Verb{RuleID: "low", Reason: "add flag"},
		Priority:     1,
		UpdatedInput: json.RawMessage(`{"command":"deploy","env":{"FOO":"2","BAR":"3"}}`),
	}
	got := Synthesize(VerbBag{}, VerbBag{Modifications: []Modification{low, high}})
	if got.Kind != KindModify {
		t.Fatalf("expected KindModify, got %v", got.Kind)
	}

	var merged map[string]any
	if err := json.Unmarshal(got.UpdatedInput, &merged); err != nil {
		t.Fatalf("unmarshal merged input: %v", err)
	}
	if merged["command"] != "deploy --timeout=30" {
		t.Fatalf("expected higher priority command to win, got %v", merged["command"])
	}
	env := merged["env"].(map[string]any)
	if env["FOO"] != "1" {
		t.Fatalf("expected higher priority FOO to win, got %v", env["FOO"])
	}
	if env["BAR"] != "3" {
		t.Fatalf("expected non-conflicting BAR from lower priority to survive, got %v", env["BAR"])
	}
	if got.Reason == "" || got.Reason[:9] != "Multiple " {
		t.Fatalf("expected multi-entry aggregation reason, got %q", got.Reason)
	}
}

func TestSynthesizeModifySingleEntryReasonVerbatim(t *testing.T) {
	mod := Modification{
		Verb:         Verb{RuleID: "only", Reason: "verbatim reason"},
		Priority:     5,
		UpdatedInput: json.RawMessage(`{"command":"x"}`),
	}
	got := Synthesize(VerbBag{}, VerbBag{Modifications: []Modification{mod}})
	if got.Reason != "verbatim reason" {
		t.Fatalf("got %q", got.Reason)
	}
}

func TestFailClosedTrustViolationIsHalt(t *testing.T) {
	d := FailClosed("trust-violation", "manifest tampered")
	if d.Kind != KindHalt {
		t.Fatalf("expected KindHalt for trust-violation, got %v", d.Kind)
	}
	if d.Cause != "trust-violation" {
		t.Fatalf("expected Cause to be set, got %q", d.Cause)
	}
}

func TestFailClosedEngineFaultIsDeny(t *testing.T) {
	d := FailClosed("engine-fault", "vm trap")
	if d.Kind != KindDeny {
		t.Fatalf("expected KindDeny for engine-fault, got %v", d.Kind)
	}
}
