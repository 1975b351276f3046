// Package trust implements the Trust Verifier: an HMAC-sealed
// manifest binding every signal/action script reference to a content hash,
// checked before any external-process spawn so a script modified between
// approval and execution is caught rather than silently run.
package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cupcake/internal/cupcakeerr"
)

// Version is the trust manifest format version.
const Version = 1

// EnvTestKey, when set, is hashed in place of the executable, machine and
// user material in DeriveKey so tests are reproducible across machines; the
// project path is still mixed into the key.
const EnvTestKey = "CUPCAKE_TEST_TRUST_KEY"

// Scope identifies which script directory a ScriptEntry belongs to.
type Scope string

const (
	ScopeSignals Scope = "signals"
	ScopeActions Scope = "actions"
)

// ScriptEntry is one trusted script reference. Exactly one of Hash (for an
// inline/file script) or CommandHash+PathHash (for a complex command that
// references a separate script path) is meaningful, distinguishing three
// variants:
//   - Inline command: Hash is over the command string itself.
//   - File script: Hash is over the file's bytes.
//   - Complex command: CommandHash covers the command string; PathHash
//     additionally covers the bytes of any script path the command
//     references, when one can be resolved.
type ScriptEntry struct {
	Kind        string `json:"kind"` // "inline", "file", "complex"
	Hash        string `json:"hash,omitempty"`
	CommandHash string `json:"command_hash,omitempty"`
	ScriptPath  string `json:"script_path,omitempty"`
	PathHash    string `json:"path_hash,omitempty"`
}

// Manifest is the persisted .cupcake/.trust document.
type Manifest struct {
	Version   int                           `json:"version"`
	CreatedAt time.Time                     `json:"created_at"`
	Entries   map[Scope]map[string]ScriptEntry `json:"entries"`
	HMAC      string                        `json:"hmac"`
}

// hashFile returns "sha256:<hex>" over a file's bytes.
func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return hashBytes(data), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// classify builds the ScriptEntry for a named signal/action given its
// configured command: a command that resolves to an existing file on disk
// is a "file" entry hashed over its bytes; a command that names an
// existing script path as one of its tokens (e.g. "bash ./deploy.sh --env
// prod") is a "complex" entry hashing both the command string and that
// script's bytes; anything else is an "inline" entry hashing the command
// string verbatim.
func classify(command string, cwd string) ScriptEntry {
	if info, err := os.Stat(command); err == nil && !info.IsDir() {
		if h, err := hashFile(command); err == nil {
			return ScriptEntry{Kind: "file", Hash: h}
		}
	}

	if scriptPath, ok := findScriptToken(command, cwd); ok {
		if h, err := hashFile(scriptPath); err == nil {
			return ScriptEntry{
				Kind:        "complex",
				CommandHash: hashBytes([]byte(command)),
				ScriptPath:  scriptPath,
				PathHash:    h,
			}
		}
	}

	return ScriptEntry{Kind: "inline", Hash: hashBytes([]byte(command))}
}

// findScriptToken looks for a whitespace-separated token in command that
// resolves to an existing file, best-effort (no shell parsing).
func findScriptToken(command, cwd string) (string, bool) {
	start := 0
	for i := 0; i <= len(command); i++ {
		if i == len(command) || command[i] == ' ' {
			tok := command[start:i]
			start = i + 1
			if tok == "" {
				continue
			}
			path := tok
			if !filepath.IsAbs(path) && cwd != "" {
				path = filepath.Join(cwd, tok)
			}
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, true
			}
		}
	}
	return "", false
}

// canonicalize serializes m without its HMAC field, for sealing/verifying.
func canonicalize(m *Manifest) ([]byte, error) {
	clone := *m
	clone.HMAC = ""
	return json.Marshal(clone)
}

func seal(m *Manifest, key []byte) {
	data, _ := canonicalize(m)
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	m.HMAC = "hmac-sha256:" + hex.EncodeToString(mac.Sum(nil))
}

func verifySeal(m *Manifest, key []byte) bool {
	expected := m.HMAC
	clone := *m
	data, _ := canonicalize(&clone)
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	computed := "hmac-sha256:" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(computed))
}

// Init walks every signal/action command in the rulebook and writes a
// fresh HMAC-sealed manifest to path.
// scripts maps scope -> (name -> command).
func Init(path string, key []byte, scripts map[Scope]map[string]string, cwd string) (*Manifest, error) {
	m := &Manifest{
		Version:   Version,
		CreatedAt: time.Now(),
		Entries:   make(map[Scope]map[string]ScriptEntry, len(scripts)),
	}
	for scope, byName := range scripts {
		m.Entries[scope] = make(map[string]ScriptEntry, len(byName))
		for name, command := range byName {
			m.Entries[scope][name] = classify(command, cwd)
		}
	}
	seal(m, key)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal trust manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write trust manifest %q: %w", path, err)
	}
	return m, nil
}

// Load reads and HMAC-verifies the manifest at path. A tampered manifest
// returns *cupcakeerr.SecurityError{Kind: "manifest_tampered"}.
func Load(path string, key []byte) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse trust manifest %q: %w", path, err)
	}
	if !verifySeal(&m, key) {
		return nil, &cupcakeerr.SecurityError{Kind: "manifest_tampered", Detail: "HMAC verification failed"}
	}
	return &m, nil
}

// Update re-seals the manifest with the current filesystem state (explicit
// user opt-in only).
func Update(path string, key []byte, scripts map[Scope]map[string]string, cwd string) (*Manifest, error) {
	return Init(path, key, scripts, cwd)
}

// Verify checks that command (in scope, under name) still matches its
// trusted entry in m. A missing entry or mismatched hash fails closed:
//   - not present in the manifest at all: ScriptNotTrusted
//   - present but its current hash differs: ScriptModified
func Verify(m *Manifest, scope Scope, name, command, cwd string) error {
	byName, ok := m.Entries[scope]
	if !ok {
		return &cupcakeerr.SecurityError{Kind: "script_not_trusted", Path: name, Detail: "no entries for scope " + string(scope)}
	}
	entry, ok := byName[name]
	if !ok {
		return &cupcakeerr.SecurityError{Kind: "script_not_trusted", Path: name}
	}

	current := classify(command, cwd)
	if current.Kind != entry.Kind {
		return &cupcakeerr.SecurityError{Kind: "script_modified", Path: name, Detail: fmt.Sprintf("script kind changed from %s to %s", entry.Kind, current.Kind)}
	}

	switch entry.Kind {
	case "file":
		if current.Hash != entry.Hash {
			return &cupcakeerr.SecurityError{Kind: "script_modified", Path: name, Detail: fmt.Sprintf("expected %s, got %s", entry.Hash, current.Hash)}
		}
	case "complex":
		if current.CommandHash != entry.CommandHash || current.PathHash != entry.PathHash {
			return &cupcakeerr.SecurityError{Kind: "script_modified", Path: name, Detail: "command or referenced script path changed"}
		}
	default: // "inline"
		if current.Hash != entry.Hash {
			return &cupcakeerr.SecurityError{Kind: "script_modified", Path: name, Detail: fmt.Sprintf("expected %s, got %s", entry.Hash, current.Hash)}
		}
	}
	return nil
}
