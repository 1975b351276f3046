package cursor

import (
	"encoding/json"
	"testing"

	"cupcake/internal/harness"
	"cupcake/internal/synth"
)

func TestParseBeforeShellExecution(t *testing.T) {
	raw := []byte(`{
		"hook_event_name": "beforeShellExecution",
		"conversation_id": "conv-1",
		"command": "rm -rf /",
		"cwd": "/repo"
	}`)

	ev, err := New().Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.EventName != "PreToolUse" {
		t.Fatalf("got event %q, want canonical PreToolUse", ev.EventName)
	}
	if ev.ToolName != "Bash" || ev.SessionID != "conv-1" {
		t.Fatalf("got %+v", ev)
	}
	var input map[string]string
	_ = json.Unmarshal(ev.ToolInput, &input)
	if input["command"] != "rm -rf /" {
		t.Fatalf("got tool input %v", input)
	}
}

func TestParseCanonicalizesEventNames(t *testing.T) {
	cases := map[string]string{
		"beforeShellExecution": "PreToolUse",
		"beforeMCPExecution":   "PreToolUse",
		"beforeReadFile":       "PreToolUse",
		"afterFileEdit":        "PostToolUse",
		"beforeSubmitPrompt":   "UserPromptSubmit",
		"stop":                 "Stop",
	}
	for wire, want := range cases {
		raw, _ := json.Marshal(map[string]string{"hook_event_name": wire})
		ev, err := New().Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%s): %v", wire, err)
		}
		if ev.EventName != want {
			t.Errorf("%s: got %q, want %q", wire, ev.EventName, want)
		}
	}
}

func TestShapeUsesWireEventNameFromRaw(t *testing.T) {
	ev := &harness.CanonicalEvent{
		EventName: "PreToolUse",
		Raw:       map[string]any{"hook_event_name": "beforeReadFile"},
	}
	out, err := New().Shape(synth.FinalDecision{Kind: synth.KindDeny, Reason: "protected"}, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r map[string]any
	_ = json.Unmarshal(out, &r)
	if r["permission"] != "deny" {
		t.Fatalf("expected beforeReadFile's permission-only schema, got %v", r)
	}
}

func TestShapeBeforeSubmitPromptAskBecomesDeny(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "beforeSubmitPrompt"}
	decision := synth.FinalDecision{Kind: synth.KindAsk, Reason: "confirm?"}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r map[string]any
	_ = json.Unmarshal(out, &r)
	if r["continue"] != false {
		t.Fatalf("expected ask to collapse to continue=false, got %v", r)
	}
}

func TestShapeBeforeReadFileAskBecomesDeny(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "beforeReadFile"}
	decision := synth.FinalDecision{Kind: synth.KindAsk, Reason: "confirm?"}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r map[string]any
	_ = json.Unmarshal(out, &r)
	if r["permission"] != "deny" {
		t.Fatalf("expected ask to collapse to deny, got %v", r)
	}
}

func TestShapeBeforeShellExecutionAsk(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "beforeShellExecution"}
	decision := synth.FinalDecision{Kind: synth.KindAsk, Reason: "sure?"}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	var r map[string]any
	_ = json.Unmarshal(out, &r)
	if r["permission"] != "ask" || r["question"] != "sure?" {
		t.Fatalf("got %v", r)
	}
}

func TestShapeAfterFileEditAlwaysEmpty(t *testing.T) {
	ev := &harness.CanonicalEvent{EventName: "afterFileEdit"}
	decision := synth.FinalDecision{Kind: synth.KindDeny, Reason: "nope"}

	out, err := New().Shape(decision, ev)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	if string(out) != "{}" {
		t.Fatalf("expected empty object, got %s", out)
	}
}
