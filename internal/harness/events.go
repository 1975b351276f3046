package harness

// Canonical event names, shared across every harness after parsing. Routing
// keys, policy metadata, and response shaping all speak these; each harness
// maps its own wire names onto them in Parse.
const (
	EventPreToolUse        = "PreToolUse"
	EventPostToolUse       = "PostToolUse"
	EventUserPromptSubmit  = "UserPromptSubmit"
	EventNotification      = "Notification"
	EventStop              = "Stop"
	EventSubagentStop      = "SubagentStop"
	EventSessionStart      = "SessionStart"
	EventSessionEnd        = "SessionEnd"
	EventPreCompact        = "PreCompact"
	EventPermissionRequest = "PermissionRequest"
)

// CanonicalEvents enumerates every event name the engine routes on, in the
// order they appear in the hook lifecycle.
var CanonicalEvents = []string{
	EventSessionStart,
	EventUserPromptSubmit,
	EventPermissionRequest,
	EventPreToolUse,
	EventPostToolUse,
	EventNotification,
	EventPreCompact,
	EventStop,
	EventSubagentStop,
	EventSessionEnd,
}
