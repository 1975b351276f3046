// Package preprocess implements the Preprocessor: a set of
// idempotent, best-effort transforms applied to a CanonicalEvent after
// harness parsing and before routing. Transforms never fail the pipeline —
// a transform that can't apply (no tool_input.command, a path that doesn't
// exist) leaves the event untouched.
package preprocess

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"cupcake/internal/harness"
)

// Config toggles individual preprocessing stages. The rulebook's
// enable_preprocessing: false turns every stage off; the stages are not
// set individually from the rulebook.
type Config struct {
	NormalizeWhitespace     bool `yaml:"normalize_whitespace"`
	AuditTransformations    bool `yaml:"audit_transformations"`
	EnableScriptInspection  bool `yaml:"enable_script_inspection"`
	EnableSymlinkResolution bool `yaml:"enable_symlink_resolution"`
}

// DefaultConfig matches the rulebook's implicit defaults when
// `enable_preprocessing` is not set to false.
func DefaultConfig() Config {
	return Config{
		NormalizeWhitespace:     true,
		AuditTransformations:    false,
		EnableScriptInspection:  true,
		EnableSymlinkResolution: true,
	}
}

// Apply runs every enabled transform on ev in place and returns it for
// chaining. Applying Apply twice to the same event is a no-op on the
// second pass.
func Apply(ev *harness.CanonicalEvent, cfg Config) *harness.CanonicalEvent {
	if cfg.NormalizeWhitespace {
		normalizeCommand(ev)
	}
	if cfg.EnableSymlinkResolution {
		resolveSymlink(ev)
	}
	if cfg.EnableScriptInspection {
		inlineScriptContent(ev)
	}
	return ev
}

// normalizeCommand collapses runs of shell whitespace (spaces, tabs,
// newlines) to single spaces in tool_input.command, preserving whitespace
// inside single or double quoted spans verbatim. Only applies to events
// that carry a command field; afterFileEdit-style file events are
// untouched.
func normalizeCommand(ev *harness.CanonicalEvent) {
	if len(ev.ToolInput) == 0 {
		return
	}
	var input map[string]any
	if err := json.Unmarshal(ev.ToolInput, &input); err != nil {
		return
	}
	cmd, ok := input["command"].(string)
	if !ok {
		return
	}

	normalized := collapseWhitespace(cmd)
	if normalized == cmd {
		return
	}
	input["command"] = normalized
	out, err := json.Marshal(input)
	if err != nil {
		return
	}
	ev.ToolInput = out
}

// collapseWhitespace walks the command rune by rune, collapsing any run of
// whitespace outside of a quoted span into a single space, and leaves
// quoted spans (single or double) byte-for-byte intact.
func collapseWhitespace(s string) string {
	var b strings.Builder
	var quote rune
	inWhitespaceRun := false

	for _, r := range s {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		if r == '\'' || r == '"' {
			quote = r
			b.WriteRune(r)
			inWhitespaceRun = false
			continue
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !inWhitespaceRun {
				b.WriteRune(' ')
				inWhitespaceRun = true
			}
			continue
		}
		inWhitespaceRun = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// resolveSymlink populates ResolvedFilePath/OriginalFilePath/IsSymlink for
// any event carrying a file_path, whether in tool_input or as a top-level
// field of the raw payload (applies to all file operations, regardless
// of whether whitespace normalization applies to that event).
func resolveSymlink(ev *harness.CanonicalEvent) {
	original := extractFilePath(ev)
	if original == "" {
		return
	}

	ev.OriginalFilePath = original
	ev.ResolvedFilePath = original

	resolved, err := filepath.EvalSymlinks(original)
	if err != nil {
		// A dangling symlink still exposes its target so protection checks
		// see the path the operation would actually touch; a path that
		// doesn't exist at all (e.g. a Write target) keeps the original.
		if target, rlErr := os.Readlink(original); rlErr == nil {
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(original), target)
			}
			ev.ResolvedFilePath = target
			ev.IsSymlink = true
		}
		return
	}

	ev.ResolvedFilePath = resolved
	ev.IsSymlink = resolved != original
}

func extractFilePath(ev *harness.CanonicalEvent) string {
	if ev.OriginalFilePath != "" {
		return ev.OriginalFilePath
	}
	var input map[string]any
	if len(ev.ToolInput) > 0 {
		if err := json.Unmarshal(ev.ToolInput, &input); err == nil {
			if p, ok := input["file_path"].(string); ok {
				return p
			}
		}
	}
	if ev.Raw != nil {
		if p, ok := ev.Raw["file_path"].(string); ok {
			return p
		}
	}
	return ""
}

// maxInlinedScriptBytes caps how large a script body script inspection
// will inline; bigger scripts are skipped rather than truncated so a
// policy never matches against half a file.
const maxInlinedScriptBytes = 64 * 1024

// inlineScriptContent best-effort-inlines the contents of a script a
// shell command invokes directly (e.g. "./deploy.sh --production") into
// ev.Raw["executed_script_content"], so policies can inspect a script's
// body without spawning it. Failure to read the file is silent: the field
// is simply left unset.
func inlineScriptContent(ev *harness.CanonicalEvent) {
	if len(ev.ToolInput) == 0 {
		return
	}
	var input map[string]any
	if err := json.Unmarshal(ev.ToolInput, &input); err != nil {
		return
	}
	cmd, ok := input["command"].(string)
	if !ok {
		return
	}

	script := firstToken(cmd)
	if script == "" || !looksLikeScriptInvocation(script) {
		return
	}

	path := script
	if !filepath.IsAbs(path) {
		path = filepath.Join(ev.Cwd, path)
	}
	if info, err := os.Stat(path); err != nil || info.Size() > maxInlinedScriptBytes {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return
	}

	if ev.Raw == nil {
		ev.Raw = map[string]any{}
	}
	ev.Raw["executed_script_path"] = script
	ev.Raw["executed_script_content"] = string(content)
}

func firstToken(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func looksLikeScriptInvocation(token string) bool {
	return strings.HasPrefix(token, "./") || strings.HasPrefix(token, "/") ||
		strings.HasSuffix(token, ".sh") || strings.HasSuffix(token, ".py")
}
