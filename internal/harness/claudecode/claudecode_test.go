package claudecode

import (
	"encoding/json"
	"testing"

	"cupcake/internal/harness"
	"cupcake/internal/synth"
)

func TestParsePreToolUse(t *testing.T) {
	raw := []byte(`{
		"session_id": "abc",
		"cwd": "/repo",
		"hook_event_name": "PreToolUse",
		"tool_name": "Bash",
		"tool_input": {"command": "ls"}
	}`)

	ev, err := New().Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.EventName != "PreToolUse" || ev.ToolName != "Bash" || ev.SessionID != "abc" {
		t.Fatalf("got %+v", ev)
	}
}

func TestShapePreToolUseDowngradesModify(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "PreToolUse"}
	decision := synth.FinalDecision{Kind: synth.KindModify, Reason: "patched", UpdatedInput: json.RawMessage(`{"command":"ls -la"}`)}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}

	var r harness.Response
	if err := json.Unmarshal(out, &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.HookSpecificOutput == nil || r.HookSpecificOutput.PermissionDecision != "allow" {
		t.Fatalf("expected modify to downgrade to allow, got %+v", r.HookSpecificOutput)
	}
	if len(r.HookSpecificOutput.UpdatedInput) != 0 {
		t.Fatalf("expected updated_input to be dropped for claude code, got %s", r.HookSpecificOutput.UpdatedInput)
	}
}

func TestShapeFeedbackLoopDenyBlocks(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "PostToolUse"}
	decision := synth.FinalDecision{Kind: synth.KindDeny, Reason: "bad output"}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r harness.Response
	_ = json.Unmarshal(out, &r)
	if r.Decision == nil || *r.Decision != "block" || r.Reason == nil || *r.Reason != "bad output" {
		t.Fatalf("got %+v", r)
	}
}

func TestShapeContextInjectionAllowWithContext(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "UserPromptSubmit"}
	decision := synth.FinalDecision{Kind: synth.KindAllow, Context: []string{"line 1", "line 2"}}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r harness.Response
	_ = json.Unmarshal(out, &r)
	if r.HookSpecificOutput == nil || r.HookSpecificOutput.AdditionalContext != "line 1\nline 2" {
		t.Fatalf("got %+v", r.HookSpecificOutput)
	}
}

func TestShapeGenericBlockSetsContinueFalse(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "Notification"}
	decision := synth.FinalDecision{Kind: synth.KindBlock, Reason: "rejected"}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r harness.Response
	_ = json.Unmarshal(out, &r)
	if r.Continue == nil || *r.Continue != false || r.StopReason == nil || *r.StopReason != "rejected" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseLifecycleExtrasPreservedInRaw(t *testing.T) {
	raw := []byte(`{
		"session_id": "abc",
		"hook_event_name": "PreCompact",
		"trigger": "auto",
		"stop_hook_active": true
	}`)

	ev, err := New().Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.EventName != harness.EventPreCompact {
		t.Fatalf("got event %q", ev.EventName)
	}
	if ev.Raw["trigger"] != "auto" {
		t.Fatalf("trigger must survive into Raw, got %v", ev.Raw["trigger"])
	}
	if ev.Raw["stop_hook_active"] != true {
		t.Fatalf("stop_hook_active must survive into Raw, got %v", ev.Raw["stop_hook_active"])
	}
}

func TestShapePermissionRequestUsesPermissionDecision(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: harness.EventPermissionRequest}
	out, err := New().Shape(synth.FinalDecision{Kind: synth.KindAsk, Reason: "confirm?"}, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r harness.Response
	if err := json.Unmarshal(out, &r); err != nil {
		t.Fatal(err)
	}
	if r.HookSpecificOutput == nil || r.HookSpecificOutput.PermissionDecision != "ask" {
		t.Fatalf("got %s", out)
	}
}

func TestShapeHaltOnSessionEndStopsProcessing(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: harness.EventSessionEnd}
	out, err := New().Shape(synth.FinalDecision{Kind: synth.KindHalt, Reason: "manifest tampered"}, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r harness.Response
	if err := json.Unmarshal(out, &r); err != nil {
		t.Fatal(err)
	}
	if r.Continue == nil || *r.Continue {
		t.Fatalf("halt must set continue=false, got %s", out)
	}
	if r.StopReason == nil || *r.StopReason != "manifest tampered" {
		t.Fatalf("got %s", out)
	}
}
