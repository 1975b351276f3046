package dispatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cupcake/internal/rulebook"
	"cupcake/internal/synth"
)

func TestDispatchFiresOnAnyDenialAndByRuleID(t *testing.T) {
	dir := t.TempDir()

	marker := func(tag string) string {
		out := filepath.Join(dir, tag+".out")
		return "echo " + tag + " > " + out
	}

	rb := &rulebook.Rulebook{
		Actions: rulebook.ActionsConfig{
			OnAnyDenial: []string{marker("any-denial")},
			ByRuleID:    map[string][]string{"rule-a": {marker("rule-a")}},
		},
	}

	d := &Dispatcher{Rulebook: rb}
	decision := synth.FinalDecision{Kind: synth.KindDeny, RuleIDs: []string{"rule-a"}}
	d.Dispatch(decision)

	// Dispatch must return before the subprocess completes; poll
	// briefly for the fire-and-forget goroutines to finish.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fileExists(filepath.Join(dir, "any-denial.out")) && fileExists(filepath.Join(dir, "rule-a.out")) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !fileExists(filepath.Join(dir, "any-denial.out")) {
		t.Error("expected on_any_denial action to fire for a Deny decision")
	}
	if !fileExists(filepath.Join(dir, "rule-a.out")) {
		t.Error("expected by_rule_id action to fire for the denying rule")
	}
}

func TestDispatchSkipsOnAnyDenialForBlock(t *testing.T) {
	dir := t.TempDir()
	rb := &rulebook.Rulebook{
		Actions: rulebook.ActionsConfig{
			OnAnyDenial: []string{"echo should-not-run > " + filepath.Join(dir, "any-denial.out")},
		},
	}
	d := &Dispatcher{Rulebook: rb}
	d.Dispatch(synth.FinalDecision{Kind: synth.KindBlock, RuleIDs: []string{"rule-b"}})

	time.Sleep(100 * time.Millisecond)
	if fileExists(filepath.Join(dir, "any-denial.out")) {
		t.Error("on_any_denial must not fire for Block; it fires only for Deny")
	}
}

func TestDispatchNoOpForAllow(t *testing.T) {
	d := &Dispatcher{Rulebook: &rulebook.Rulebook{}}
	d.Dispatch(synth.FinalDecision{Kind: synth.KindAllow})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
