package harness

import "encoding/json"

// Response is the common JSON envelope shared by Claude Code's and Factory's
// hook contracts (both forked from the same "July hook contract" lineage):
// a flat decision/reason pair for feedback-loop style events, plus an
// optional hookSpecificOutput for events that carry a richer shape
// (PreToolUse's permissionDecision, UserPromptSubmit/SessionStart's
// additionalContext).
type Response struct {
	Continue       *bool  `json:"continue,omitempty"`
	StopReason     *string `json:"stopReason,omitempty"`
	SuppressOutput *bool  `json:"suppressOutput,omitempty"`
	Decision       *string `json:"decision,omitempty"`
	Reason         *string `json:"reason,omitempty"`

	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// HookSpecificOutput carries the handful of mutually-exclusive shapes the
// "hookSpecificOutput" field can take, keyed by hookEventName. Only the
// fields relevant to that event are set.
type HookSpecificOutput struct {
	HookEventName string `json:"hookEventName"`

	// PreToolUse
	PermissionDecision       string          `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string          `json:"permissionDecisionReason,omitempty"`
	UpdatedInput             json.RawMessage `json:"updatedInput,omitempty"`

	// UserPromptSubmit / SessionStart
	AdditionalContext string `json:"additionalContext,omitempty"`
}

