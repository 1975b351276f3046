package opencode

import (
	"encoding/json"
	"testing"

	"cupcake/internal/harness"
	"cupcake/internal/synth"
)

func TestParsePreToolUse(t *testing.T) {
	raw := []byte(`{
		"hook_event_name": "PreToolUse",
		"session_id": "session123",
		"cwd": "/home/user",
		"tool": "bash",
		"args": {"command": "ls"}
	}`)

	ev, err := New().Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.ToolName != "bash" || ev.SessionID != "session123" {
		t.Fatalf("got %+v", ev)
	}
}

func TestShapeModifyDowngradesToAllow(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "PreToolUse"}
	decision := synth.FinalDecision{Kind: synth.KindModify, Reason: "patched", UpdatedInput: json.RawMessage(`{}`)}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r response
	_ = json.Unmarshal(out, &r)
	if r.Decision != "allow" {
		t.Fatalf("got %+v", r)
	}
}

func TestShapeDenyVsBlockVsHalt(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "PreToolUse"}

	for _, tc := range []struct {
		kind synth.Kind
		want string
	}{
		{synth.KindDeny, "deny"},
		{synth.KindBlock, "block"},
		{synth.KindHalt, "deny"},
		{synth.KindAsk, "ask"},
	} {
		out, err := New().Shape(synth.FinalDecision{Kind: tc.kind, Reason: "r"}, ev)
		if err != nil {
			t.Fatalf("Shape: %v", err)
		}
		var r response
		_ = json.Unmarshal(out, &r)
		if r.Decision != tc.want {
			t.Fatalf("kind %v: got %q, want %q", tc.kind, r.Decision, tc.want)
		}
	}
}

func TestShapeAllowWithContext(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "PreToolUse"}
	decision := synth.FinalDecision{Kind: synth.KindAllow, Context: []string{"ctx1"}}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r response
	_ = json.Unmarshal(out, &r)
	if len(r.Context) != 1 || r.Context[0] != "ctx1" {
		t.Fatalf("got %+v", r)
	}
}
