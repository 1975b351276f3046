// Package factory adapts Factory AI Droid's hook contract. It shares its
// response envelope lineage with Claude Code (flat decision/reason for
// PostToolUse/Stop/SubagentStop, hookSpecificOutput.additionalContext for
// UserPromptSubmit/SessionStart) but, uniquely among the four harnesses,
// PreToolUse carries updatedInput end to end — Factory is the one harness
// the Decision Synthesizer's Modify verb was built for.
package factory

import (
	"encoding/json"
	"log/slog"

	"cupcake/internal/harness"
	"cupcake/internal/synth"
)

func init() {
	harness.Register(harness.Factory, func() harness.Harness { return New() })
}

var feedbackLoopEvents = map[string]bool{
	harness.EventPostToolUse:  true,
	harness.EventStop:         true,
	harness.EventSubagentStop: true,
}

var contextInjectionEvents = map[string]bool{
	harness.EventUserPromptSubmit: true,
	harness.EventSessionStart:     true,
}

type payload struct {
	SessionID      string          `json:"sessionId"`
	TranscriptPath string          `json:"transcriptPath"`
	Cwd            string          `json:"cwd"`
	PermissionMode string          `json:"permissionMode"`
	HookEventName  string          `json:"hook_event_name"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
	Prompt         string          `json:"prompt"`
}

// Factory implements harness.Harness for Factory AI's Droid CLI.
type Factory struct{}

func New() *Factory { return &Factory{} }

func (Factory) Type() harness.Type { return harness.Factory }

func (Factory) Parse(raw []byte) (*harness.CanonicalEvent, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	var asMap map[string]any
	_ = json.Unmarshal(raw, &asMap)

	return &harness.CanonicalEvent{
		Harness:   harness.Factory,
		EventName: p.HookEventName,
		SessionID: p.SessionID,
		Cwd:       p.Cwd,
		ToolName:  p.ToolName,
		ToolInput: p.ToolInput,
		Prompt:    p.Prompt,
		Raw:       asMap,
	}, nil
}

func (Factory) Shape(decision synth.FinalDecision, event *harness.CanonicalEvent) ([]byte, error) {
	switch {
	case event.EventName == harness.EventPreToolUse:
		return shapePreToolUse(decision, event)
	case feedbackLoopEvents[event.EventName]:
		return shapeFeedbackLoop(decision)
	case contextInjectionEvents[event.EventName]:
		return shapeContextInjection(decision, event.EventName == harness.EventUserPromptSubmit)
	default:
		return shapeGeneric(decision)
	}
}

// shapePreToolUse supports the full decision lattice, including Modify:
// Factory's hook contract is the only one of the four that carries
// updatedInput back to the agent.
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
		out.PermissionDecision = "allow"
		out.PermissionDecisionReason = decision.Reason
		out.UpdatedInput = decision.UpdatedInput
	default: // Deny, Block, Halt
		out.PermissionDecision = "deny"
		out.PermissionDecisionReason = decision.Reason
	}

	return json.Marshal(harness.Response{HookSpecificOutput: out})
}

func shapeFeedbackLoop(decision synth.FinalDecision) ([]byte, error) {
	r := harness.Response{}
	if decision.Kind == synth.KindDeny || decision.Kind == synth.KindBlock || decision.Kind == synth.KindHalt {
		d := "block"
		r.Decision = &d
		reason := decision.Reason
		r.Reason = &reason
	}
	return json.Marshal(r)
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
			f := false
			r.Continue = &f
			reason := decision.Reason
			r.StopReason = &reason
		}
	case synth.KindAsk:
		slog.Warn("ask not supported for factory context-injection event, treating as allow with context")
		r.HookSpecificOutput = contextOutput(isUserPromptSubmit, decision.Reason)
	default: // Allow, AllowOverride, Modify
		if decision.Kind == synth.KindModify {
			slog.Warn("modify not supported for factory context-injection event, treating as allow")
		}
		if ctx := joinContext(decision.Context); ctx != "" {
			r.HookSpecificOutput = contextOutput(isUserPromptSubmit, ctx)
		}
	}
	return json.Marshal(r)
}

func shapeGeneric(decision synth.FinalDecision) ([]byte, error) {
	r := harness.Response{}
	if decision.Kind == synth.KindDeny || decision.Kind == synth.KindBlock || decision.Kind == synth.KindHalt {
		f := false
		r.Continue = &f
		reason := decision.Reason
		r.StopReason = &reason
	}
	return json.Marshal(r)
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
