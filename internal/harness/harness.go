// Package harness implements the Harness Adapter: translating
// each coding agent's wire format into a canonical event the rest of the
// engine understands, and shaping a FinalDecision back into that agent's
// response contract — including the per-harness decision downgrades needed
// when an agent's hook protocol can't express the full decision lattice.
package harness

import (
	"encoding/json"
	"fmt"

	"cupcake/internal/synth"
)

// Type identifies a supported coding-agent harness.
type Type string

const (
	ClaudeCode Type = "claude_code"
	Cursor     Type = "cursor"
	Factory    Type = "factory"
	OpenCode   Type = "opencode"
)

// CanonicalEvent is the harness-agnostic shape every policy sees, and the
// shape the Preprocessor and routing layer operate on.
// Harness-specific fields that don't map onto these live in Raw, preserved
// verbatim so a policy written for a specific harness can still reach them.
type CanonicalEvent struct {
	Harness   Type   `json:"harness"`
	EventName string `json:"hook_event_name"`
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`

	// ToolName and ToolInput are populated only for tool-shaped events
	// (PreToolUse/PostToolUse-equivalents). ToolName is empty for
	// lifecycle/prompt events.
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// Prompt is populated only for UserPromptSubmit-equivalent events.
	Prompt string `json:"prompt,omitempty"`

	// ResolvedFilePath/OriginalFilePath/IsSymlink are populated by the
	// Preprocessor when ToolInput carries a file_path.
	ResolvedFilePath string `json:"resolved_file_path,omitempty"`
	OriginalFilePath string `json:"original_file_path,omitempty"`
	IsSymlink        bool   `json:"is_symlink,omitempty"`

	// Raw is the original decoded payload, kept so a Harness's Shape step
	// can recover fields CanonicalEvent doesn't generalize (e.g. Cursor's
	// wire hook_event_name, Factory's permissionMode).
	Raw map[string]any `json:"-"`
}

// Harness adapts one coding agent's wire protocol to the engine's canonical
// event and back. Implementations must be stateless and safe for concurrent
// use — one instance is shared across every evaluation for that harness.
type Harness interface {
	// Type returns the identifier routed on in config.
	Type() Type

	// Parse decodes a raw hook payload into a CanonicalEvent.
	Parse(raw []byte) (*CanonicalEvent, error)

	// Shape renders a synthesized FinalDecision into this harness's
	// response contract, applying any decision downgrades the harness's
	// hook protocol requires for the originating event.
	Shape(decision synth.FinalDecision, event *CanonicalEvent) ([]byte, error)
}

// ErrUnknownEvent describes a hook_event_name (or its harness-specific
// equivalent) that doesn't match any event a harness recognizes. The
// harnesses in this module do not return it: their Parse passes an
// unrecognized event name through unchanged.
type ErrUnknownEvent struct {
	Harness Type
	Event   string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("harness %s: unrecognized event %q", e.Harness, e.Event)
}

// registry is populated by each subpackage's init via Register, so callers
// need only import the subpackages they want to support (cmd/cupcaked
// imports all four unconditionally).
var registry = map[Type]func() Harness{}

// Register installs a constructor for a harness Type. Subpackages call this
// from an init func.
func Register(t Type, ctor func() Harness) {
	registry[t] = ctor
}

// New constructs the Harness for a configured Type, or an error if no
// subpackage registered it (i.e. it was never imported).
func New(t Type) (Harness, error) {
	ctor, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("harness: %q is not registered (missing import?)", t)
	}
	return ctor(), nil
}
