// Package cursor adapts Cursor's hook contract: per-event, intentionally
// minimal JSON shapes that, unlike Claude Code, have no shared envelope.
// beforeShellExecution and beforeMCPExecution support the full
// permission/ask/message model; beforeReadFile collapses Ask into deny;
// beforeSubmitPrompt collapses both Ask and context injection (it has no
// additionalContext equivalent); afterFileEdit and stop are notification-only
// and always return {}.
package cursor

import (
	"encoding/json"
	"log/slog"

	"cupcake/internal/harness"
	"cupcake/internal/synth"
)

func init() {
	harness.Register(harness.Cursor, func() harness.Harness { return New() })
}

type payload struct {
	HookEventName  string          `json:"hook_event_name"`
	ConversationID string          `json:"conversation_id"`
	Command        string          `json:"command"`
	FilePath       string          `json:"file_path"`
	Prompt         string          `json:"prompt"`
	Cwd            string          `json:"cwd"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
}

// Cursor implements harness.Harness for the Cursor editor's hook system.
type Cursor struct{}

func New() *Cursor { return &Cursor{} }

func (Cursor) Type() harness.Type { return harness.Cursor }

func (Cursor) Parse(raw []byte) (*harness.CanonicalEvent, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	var asMap map[string]any
	_ = json.Unmarshal(raw, &asMap)

	ev := &harness.CanonicalEvent{
		Harness:   harness.Cursor,
		EventName: canonicalEventName(p.HookEventName),
		SessionID: p.ConversationID,
		Cwd:       p.Cwd,
		Prompt:    p.Prompt,
		Raw:       asMap,
	}

	switch p.HookEventName {
	case "beforeShellExecution":
		// Commands live at the payload's top-level command field; re-nest
		// under tool_input.command so routing and policies see the same
		// shape every other harness produces.
		ev.ToolName = "Bash"
		ev.ToolInput, _ = json.Marshal(map[string]string{"command": p.Command})
	case "beforeMCPExecution":
		ev.ToolName = p.ToolName
		ev.ToolInput = p.ToolInput
	case "beforeReadFile":
		ev.ToolName = "Read"
		ev.ToolInput, _ = json.Marshal(map[string]string{"file_path": p.FilePath})
	case "afterFileEdit":
		ev.ToolName = "Edit"
		ev.ToolInput, _ = json.Marshal(map[string]string{"file_path": p.FilePath})
	}

	return ev, nil
}

// canonicalEventName maps Cursor's camelCase hook names onto the shared
// PascalCase event names routing keys use, so a policy routed on
// PreToolUse fires for beforeShellExecution without knowing Cursor exists.
// The wire name stays available in Raw for Shape.
func canonicalEventName(name string) string {
	switch name {
	case "beforeShellExecution", "beforeMCPExecution", "beforeReadFile":
		return harness.EventPreToolUse
	case "afterFileEdit":
		return harness.EventPostToolUse
	case "beforeSubmitPrompt":
		return harness.EventUserPromptSubmit
	case "stop":
		return harness.EventStop
	default:
		return name
	}
}

// wireEventName recovers the Cursor-native hook name for reply shaping; a
// CanonicalEvent built outside Parse (no Raw) falls back to EventName.
func wireEventName(event *harness.CanonicalEvent) string {
	if event.Raw != nil {
		if name, ok := event.Raw["hook_event_name"].(string); ok && name != "" {
			return name
		}
	}
	return event.EventName
}

func (Cursor) Shape(decision synth.FinalDecision, event *harness.CanonicalEvent) ([]byte, error) {
	switch wireEventName(event) {
	case "beforeShellExecution", "beforeMCPExecution":
		return json.Marshal(permissionAskMessageShape(decision))
	case "beforeReadFile":
		return json.Marshal(permissionOnlyShape(decision))
	case "beforeSubmitPrompt":
		return json.Marshal(continueShape(decision))
	default:
		// afterFileEdit, stop: notification-only, always empty.
		return json.Marshal(map[string]any{})
	}
}

// permissionAskMessageShape is beforeShellExecution/beforeMCPExecution's
// full {permission, user_message, agent_message, question} schema.
func permissionAskMessageShape(decision synth.FinalDecision) map[string]any {
	switch decision.Kind {
	case synth.KindAllow, synth.KindAllowOverride, synth.KindModify:
		if decision.Kind == synth.KindModify {
			slog.Warn("modify not supported by cursor, treating as allow")
		}
		return map[string]any{"permission": "allow"}
	case synth.KindAsk:
		return map[string]any{
			"permission":    "ask",
			"question":      decision.Reason,
			"user_message":  decision.Reason,
			"agent_message": agentMessage(decision),
		}
	default: // Deny, Block, Halt
		return map[string]any{
			"permission":    "deny",
			"user_message":  decision.Reason,
			"agent_message": agentMessage(decision),
		}
	}
}

// permissionOnlyShape is beforeReadFile's {permission: allow|deny} schema;
// Ask has no representation so it collapses to deny.
func permissionOnlyShape(decision synth.FinalDecision) map[string]any {
	switch decision.Kind {
	case synth.KindAllow, synth.KindAllowOverride, synth.KindModify:
		if decision.Kind == synth.KindModify {
			slog.Warn("modify not supported by cursor, treating as allow")
		}
		return map[string]any{"permission": "allow"}
	default: // Deny, Block, Halt, Ask
		return map[string]any{"permission": "deny"}
	}
}

// continueShape is beforeSubmitPrompt's {continue: bool} schema. It has no
// additionalContext equivalent, so Allow's context is silently dropped, and
// Ask collapses to a block since there's no way to prompt the user at this
// stage.
func continueShape(decision synth.FinalDecision) map[string]any {
	switch decision.Kind {
	case synth.KindAllow, synth.KindAllowOverride, synth.KindModify:
		return map[string]any{"continue": true}
	default: // Deny, Block, Halt, Ask
		return map[string]any{"continue": false}
	}
}

func agentMessage(decision synth.FinalDecision) string {
	if len(decision.AgentContext) == 0 {
		return decision.Reason
	}
	out := ""
	for i, m := range decision.AgentContext {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}
