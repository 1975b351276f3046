// Package claudecode adapts Claude Code's hook contract: PreToolUse and
// PermissionRequest use hookSpecificOutput.permissionDecision; PostToolUse,
// Stop and SubagentStop use a flat decision/reason feedback-loop shape;
// UserPromptSubmit and SessionStart inject via
// hookSpecificOutput.additionalContext; Notification, SessionEnd and
// PreCompact fall back to continue/stopReason.
package claudecode

import (
	"encoding/json"
	"log/slog"

	"cupcake/internal/harness"
	"cupcake/internal/synth"
)

func init() {
	harness.Register(harness.ClaudeCode, func() harness.Harness { return New() })
}

// feedbackLoopEvents use the flat decision/reason shape for self-correction.
var feedbackLoopEvents = map[string]bool{
	harness.EventPostToolUse:  true,
	harness.EventStop:         true,
	harness.EventSubagentStop: true,
}

// contextInjectionEvents carry agent context via hookSpecificOutput.
var contextInjectionEvents = map[string]bool{
	harness.EventUserPromptSubmit: true,
	harness.EventSessionStart:     true,
}

type payload struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path"`
	Cwd            string          `json:"cwd"`
	HookEventName  string          `json:"hook_event_name"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
	Prompt         string          `json:"prompt"`

	// Lifecycle-event extras, preserved in Raw for policies but parsed
	// here so shaping can reason about them without re-decoding:
	// Notification's message, SessionStart's source, SessionEnd's reason,
	// PreCompact's trigger, Stop's re-entrancy flag.
	Message        string `json:"message"`
	Source         string `json:"source"`
	Reason         string `json:"reason"`
	Trigger        string `json:"trigger"`
	StopHookActive bool   `json:"stop_hook_active"`
}

// ClaudeCode implements harness.Harness for Anthropic's Claude Code CLI.
type ClaudeCode struct{}

func New() *ClaudeCode { return &ClaudeCode{} }

func (ClaudeCode) Type() harness.Type { return harness.ClaudeCode }

func (ClaudeCode) Parse(raw []byte) (*harness.CanonicalEvent, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	var asMap map[string]any
	_ = json.Unmarshal(raw, &asMap)

	return &harness.CanonicalEvent{
		Harness:   harness.ClaudeCode,
		EventName: p.HookEventName,
		SessionID: p.SessionID,
		Cwd:       p.Cwd,
		ToolName:  p.ToolName,
		ToolInput: p.ToolInput,
		Prompt:    p.Prompt,
		Raw:       asMap,
	}, nil
}

func (ClaudeCode) Shape(decision synth.FinalDecision, event *harness.CanonicalEvent) ([]byte, error) {
	switch {
	case event.EventName == harness.EventPreToolUse || event.EventName == harness.EventPermissionRequest:
		return shapePreToolUse(decision, event)
	case feedbackLoopEvents[event.EventName]:
		return shapeFeedbackLoop(decision)
	case contextInjectionEvents[event.EventName]:
		return shapeContextInjection(decision, event.EventName == harness.EventUserPromptSubmit)
	default:
		// Notification, SessionEnd, PreCompact.
		return shapeGeneric(decision)
	}
}

func shapePreToolUse(decision synth.FinalDecision, event *harness.CanonicalEvent) ([]byte, error) {
	out := &harness.HookSpecificOutput{HookEventName: event.EventName}

	switch decision.Kind {
	case synth.KindAllow, synth.KindAllowOverride:
		out.PermissionDecision = "allow"
		out.PermissionDecisionReason = decision.Reason
	case synth.KindAsk:
		out.PermissionDecision = "ask"
		out.PermissionDecisionReason = decision.Reason
	case synth.KindModify:
		// Claude Code's PreToolUse hook contract does not carry updated_input;
		// the decision still allows the call through, just unmodified.
		slog.Warn("modify not supported for claude code PreToolUse, treating as allow", "event", event.EventName)
		out.PermissionDecision = "allow"
		out.PermissionDecisionReason = decision.Reason
	default: // Deny, Block, Halt
		out.PermissionDecision = "deny"
		out.PermissionDecisionReason = decision.Reason
	}

	return marshal(harness.Response{HookSpecificOutput: out})
}

func shapeFeedbackLoop(decision synth.FinalDecision) ([]byte, error) {
	r := harness.Response{}
	switch decision.Kind {
	case synth.KindDeny, synth.KindBlock, synth.KindHalt:
		d := "block"
		r.Decision = &d
		reason := decision.Reason
		r.Reason = &reason
	}
	return marshal(r)
}

func shapeContextInjection(decision synth.FinalDecision, isUserPromptSubmit bool) ([]byte, error) {
	r := harness.Response{}

	switch decision.Kind {
	case synth.KindDeny, synth.KindBlock, synth.KindHalt:
		if isUserPromptSubmit {
			d := "block"
			r.Decision = &d
			reason := decision.Reason
			r.Reason = &reason
		} else {
			r.Continue = harnessBool(false)
			reason := decision.Reason
			r.StopReason = &reason
		}
	case synth.KindAsk:
		slog.Warn("ask not supported for context-injection event, treating as allow with context")
		r.HookSpecificOutput = contextOutput(isUserPromptSubmit, decision.Reason)
	case synth.KindModify:
		slog.Warn("modify not supported for context-injection event, treating as allow")
		if ctx := joinContext(decision.Context); ctx != "" {
			r.HookSpecificOutput = contextOutput(isUserPromptSubmit, ctx)
		}
	default: // Allow, AllowOverride
		if ctx := joinContext(decision.Context); ctx != "" {
			r.HookSpecificOutput = contextOutput(isUserPromptSubmit, ctx)
		}
	}
	return marshal(r)
}

func shapeGeneric(decision synth.FinalDecision) ([]byte, error) {
	r := harness.Response{}
	switch decision.Kind {
	case synth.KindDeny, synth.KindBlock, synth.KindHalt:
		r.Continue = harnessBool(false)
		reason := decision.Reason
		r.StopReason = &reason
	case synth.KindAsk:
		slog.Warn("ask not supported for generic event, treating as allow")
	case synth.KindModify:
		slog.Warn("modify not supported for generic events, treating as allow")
	}
	return marshal(r)
}

func contextOutput(isUserPromptSubmit bool, context string) *harness.HookSpecificOutput {
	name := harness.EventSessionStart
	if isUserPromptSubmit {
		name = harness.EventUserPromptSubmit
	}
	return &harness.HookSpecificOutput{HookEventName: name, AdditionalContext: context}
}

func joinContext(context []string) string {
	out := ""
	for i, c := range context {
		if i > 0 {
			out += "\n"
		}
		out += c
	}
	return out
}

func harnessBool(b bool) *bool { return &b }

func marshal(r harness.Response) ([]byte, error) {
	return json.Marshal(r)
}
