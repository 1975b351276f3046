// Package opencode adapts the OpenCode plugin's hook contract: only
// PreToolUse and PostToolUse exist, and the response is a single flat
// {decision, reason, context} object the plugin interprets directly (throw
// to block, return to allow) rather than a harness-specific envelope.
package opencode

import (
	"encoding/json"
	"log/slog"

	"cupcake/internal/harness"
	"cupcake/internal/synth"
)

func init() {
	harness.Register(harness.OpenCode, func() harness.Harness { return New() })
}

type payload struct {
	HookEventName string          `json:"hook_event_name"`
	SessionID     string          `json:"session_id"`
	Cwd           string          `json:"cwd"`
	Tool          string          `json:"tool"`
	Args          json.RawMessage `json:"args"`
}

// response is OpenCode's flat decision shape; decision is one of "allow",
// "deny", "block", or "ask" (the plugin itself converts ask into a deny with
// an approval message, since it has no interactive prompt path).
type response struct {
	Decision string   `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	Context  []string `json:"context,omitempty"`
}

// OpenCode implements harness.Harness for the OpenCode editor plugin.
type OpenCode struct{}

func New() *OpenCode { return &OpenCode{} }

func (OpenCode) Type() harness.Type { return harness.OpenCode }

func (OpenCode) Parse(raw []byte) (*harness.CanonicalEvent, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	var asMap map[string]any
	_ = json.Unmarshal(raw, &asMap)

	return &harness.CanonicalEvent{
		Harness:   harness.OpenCode,
		EventName: p.HookEventName,
		SessionID: p.SessionID,
		Cwd:       p.Cwd,
		ToolName:  p.Tool,
		ToolInput: p.Args,
		Raw:       asMap,
	}, nil
}

func (OpenCode) Shape(decision synth.FinalDecision, event *harness.CanonicalEvent) ([]byte, error) {
	r := response{}

	switch decision.Kind {
	case synth.KindAllow, synth.KindAllowOverride:
		r.Decision = "allow"
		if len(decision.Context) > 0 {
			r.Context = decision.Context
		}
	case synth.KindModify:
		slog.Warn("modify not supported by opencode, treating as allow", "event", event.EventName)
		r.Decision = "allow"
	case synth.KindAsk:
		r.Decision = "ask"
		r.Reason = decision.Reason
	case synth.KindBlock:
		r.Decision = "block"
		r.Reason = decision.Reason
	default: // Deny, Halt
		r.Decision = "deny"
		r.Reason = decision.Reason
	}

	return json.Marshal(r)
}
