// Package rulebook loads and serves .cupcake/rulebook.yml: declarative
// signal and action wiring, auto-discovery of executable scripts under
// signals/ and actions/, and concurrent signal gathering ahead of
// evaluation.
package rulebook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// DefaultSignalTimeout is used when a rulebook entry doesn't override it
const DefaultSignalTimeout = 5 * time.Second

// MinWatchdogTimeout is the floor enforced on the watchdog signal backend's
// timeout: LLM round-trips routinely exceed a naive shell-script default.
const MinWatchdogTimeout = 5 * time.Second

// SignalEntry configures a single named signal: the script (or
// built-in backend) to run and an optional timeout override.
type SignalEntry struct {
	Command        string        `yaml:"command"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Backend        string        `yaml:"backend"` // "" for a script, "watchdog" for the LLM backend
}

func (s SignalEntry) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultSignalTimeout
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ActionsConfig configures fire-and-forget dispatch.
type ActionsConfig struct {
	OnAnyDenial []string            `yaml:"on_any_denial"`
	ByRuleID    map[string][]string `yaml:"by_rule_id"`
}

// BuiltinEntry configures one pre-authored builtin policy: whether its file
// is admitted into the compiled bundle, plus arbitrary configuration keys
// injected into the evaluation input as builtin_config.<name>. YAML accepts
// either the full mapping form ({enabled: true, protected_paths: [...]}) or
// a bare bool shorthand.
type BuiltinEntry struct {
	Enabled bool
	Config  map[string]any
}

func (b *BuiltinEntry) UnmarshalYAML(value *yaml.Node) error {
	var shorthand bool
	if err := value.Decode(&shorthand); err == nil {
		b.Enabled = shorthand
		return nil
	}

	var full map[string]any
	if err := value.Decode(&full); err != nil {
		return err
	}
	if enabled, ok := full["enabled"].(bool); ok {
		b.Enabled = enabled
	}
	delete(full, "enabled")
	if len(full) > 0 {
		b.Config = full
	}
	return nil
}

// Rulebook is the parsed contents of .cupcake/rulebook.yml.
type Rulebook struct {
	Signals         map[string]SignalEntry  `yaml:"signals"`
	Actions         ActionsConfig           `yaml:"actions"`
	Builtins        map[string]BuiltinEntry `yaml:"builtins"`
	EnablePreproc   *bool                   `yaml:"enable_preprocessing"`

	signalsDir string
	actionsDir string
}

// Load reads and parses a rulebook.yml, then auto-discovers any scripts
// under signalsDir not already named in the YAML: a script's filename stem
// becomes its signal name if it isn't already registered. Scripts under
// actionsDir are not registered here; they are looked up by stem when
// actions fire.
func Load(path string, signalsDir, actionsDir string) (*Rulebook, error) {
	rb := &Rulebook{
		Signals:    map[string]SignalEntry{},
		signalsDir: signalsDir,
		actionsDir: actionsDir,
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, rb); err != nil {
			return nil, fmt.Errorf("parse rulebook %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read rulebook %q: %w", path, err)
	}

	rb.discoverSignals()
	rb.signalsDir = signalsDir
	rb.actionsDir = actionsDir
	return rb, nil
}

// EnabledBuiltins returns the set of builtin names whose policy files the
// scanner admits.
func (rb *Rulebook) EnabledBuiltins() map[string]bool {
	enabled := make(map[string]bool, len(rb.Builtins))
	for name, entry := range rb.Builtins {
		if entry.Enabled {
			enabled[name] = true
		}
	}
	return enabled
}

// BuiltinConfigs returns the per-builtin configuration maps for enabled
// builtins, keyed by builtin name, for injection into the evaluation input
// as builtin_config. Non-spawning by definition: this is static YAML, not
// a signal.
func (rb *Rulebook) BuiltinConfigs() map[string]any {
	configs := map[string]any{}
	for name, entry := range rb.Builtins {
		if entry.Enabled && entry.Config != nil {
			configs[name] = entry.Config
		}
	}
	if len(configs) == 0 {
		return nil
	}
	return configs
}

// discoverSignals registers one SignalEntry per script file under
// signalsDir that the YAML didn't already name explicitly.
func (rb *Rulebook) discoverSignals() {
	if rb.signalsDir == "" {
		return
	}
	entries, err := os.ReadDir(rb.signalsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := stem(e.Name())
		if _, exists := rb.Signals[name]; exists {
			continue
		}
		rb.Signals[name] = SignalEntry{Command: filepath.Join(rb.signalsDir, e.Name())}
	}
}

// actionScriptPath resolves a named action to its script path under
// actionsDir, by filename stem, mirroring discoverSignals.
func (rb *Rulebook) actionScriptPath(name string) (string, bool) {
	if rb.actionsDir == "" {
		return "", false
	}
	entries, err := os.ReadDir(rb.actionsDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if stem(e.Name()) == name {
			return filepath.Join(rb.actionsDir, e.Name()), true
		}
	}
	return "", false
}

func stem(filename string) string {
	return filename[:len(filename)-len(filepath.Ext(filename))]
}

// ActionScripts returns every file under actionsDir keyed by filename
// stem, the same convention discoverSignals and actionScriptPath use. It
// exists so callers outside this package (trust manifest sealing at
// startup) can enumerate the scripts that need a ScriptEntry without
// duplicating the directory-walk convention.
func (rb *Rulebook) ActionScripts() map[string]string {
	scripts := map[string]string{}
	if rb.actionsDir == "" {
		return scripts
	}
	entries, err := os.ReadDir(rb.actionsDir)
	if err != nil {
		return scripts
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		scripts[stem(e.Name())] = filepath.Join(rb.actionsDir, e.Name())
	}
	return scripts
}

// ActionsFor resolves the set of action script paths that should fire for
// a rule id, given whether the decision was a denial:
// on_any_denial fires only for Deny; by_rule_id fires for Deny, Halt, and
// Block regardless of rule id as long as it's named.
func (rb *Rulebook) ActionsFor(ruleIDs []string, isDenial bool) []string {
	var names []string
	if isDenial {
		names = append(names, rb.Actions.OnAnyDenial...)
	}
	for _, id := range ruleIDs {
		names = append(names, rb.Actions.ByRuleID[id]...)
	}

	seen := make(map[string]bool, len(names))
	var paths []string
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if path, ok := rb.actionScriptPath(name); ok {
			paths = append(paths, path)
		} else {
			// Not a script on disk — treat the name itself as a literal
			// shell command.
			paths = append(paths, name)
		}
	}
	return paths
}

// SignalBackend abstracts over a named signal's execution so the watchdog
// LLM backend and ordinary scripts share one gathering path.
type SignalBackend interface {
	Execute(ctx context.Context, name string, event json.RawMessage) (any, error)
}

// ScriptBackend runs a signal's configured command as a subprocess, piping
// the canonical event as JSON on stdin and parsing stdout as JSON if
// possible, falling back to the raw trimmed string otherwise.
type ScriptBackend struct{}

// scriptError carries the exit code and captured output of a failed signal
// script so GatherSignals can build the structured failure object
// {exit_code, success:false, output, error} that policies assert on.
type scriptError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *scriptError) Error() string { return e.Err.Error() }
func (e *scriptError) Unwrap() error { return e.Err }

func (ScriptBackend) Execute(ctx context.Context, command string, event json.RawMessage) (any, error) {
	shell, shellArg := platformShell()
	cmd := exec.CommandContext(ctx, shell, shellArg, expandCommand(command, event))
	cmd.Stdin = bytes.NewReader(event)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		cause := err
		if ctx.Err() == context.DeadlineExceeded {
			cause = fmt.Errorf("signal script %q timed out: %w", command, ctx.Err())
		} else {
			cause = fmt.Errorf("signal script %q: %w: %s", command, err, stderr.String())
		}
		return nil, &scriptError{ExitCode: exitCode, Output: stdout.String(), Err: cause}
	}

	trimmed := bytes.TrimSpace(stdout.Bytes())
	var parsed any
	if err := json.Unmarshal(trimmed, &parsed); err == nil {
		return parsed, nil
	}
	return string(trimmed), nil
}

// platformShell picks the shell signal scripts spawn under (action dispatch
// in internal/dispatch runs its commands under sh directly). Commands
// may contain operators, so a real shell is required: POSIX sh everywhere
// it exists; on Windows, Git Bash at its conventional install path, then
// any bash.exe on PATH.
func platformShell() (string, string) {
	if runtime.GOOS != "windows" {
		return "sh", "-c"
	}
	gitBash := `C:\Program Files\Git\bin\bash.exe`
	if _, err := os.Stat(gitBash); err == nil {
		return gitBash, "-c"
	}
	if path, err := exec.LookPath("bash.exe"); err == nil {
		return path, "-c"
	}
	return "sh", "-c"
}

// expandCommand substitutes {{var}} placeholders from the event's
// top-level scalar fields (tool_name, session_id, cwd, ...). Only known
// variables are replaced — an unmatched placeholder is left verbatim, and
// values are taken from the already-parsed event document, so no untrusted
// shell injection is introduced beyond what the rulebook author wrote.
func expandCommand(command string, event json.RawMessage) string {
	if !strings.Contains(command, "{{") {
		return command
	}
	var doc map[string]any
	if err := json.Unmarshal(event, &doc); err != nil {
		return command
	}
	return placeholderPattern.ReplaceAllStringFunc(command, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		switch v := doc[key].(type) {
		case string:
			return shellQuote(v)
		case float64, bool:
			return fmt.Sprint(v)
		default:
			return match
		}
	})
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*[A-Za-z0-9_.]+\s*\}\}`)

// shellQuote single-quotes a substituted value so event-derived strings
// are data, never shell syntax.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FailureResult is the structured value substituted for a signal that timed
// out, exited non-zero, or was never registered. Every requested signal
// appears as a key in input.signals even on failure.
type FailureResult struct {
	ExitCode int    `json:"exit_code"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error"`
}

// SignalObserver receives one record per gathered signal, for telemetry.
// Observations are delivered after the gather completes, in the signals'
// start order regardless of completion order.
type SignalObserver func(name string, started time.Time, dur time.Duration, success bool, output, errMsg string)

// execRecord is the per-signal bookkeeping GatherSignals hands to its
// observer.
type execRecord struct {
	started time.Time
	dur     time.Duration
	success bool
	output  string
	errMsg  string
}

// GatherSignals runs every named signal concurrently and returns a map of
// signal name to its result, keyed for injection into the evaluation
// input. Every name is present in the returned map: a signal that times
// out, exits non-zero, or was never registered contributes a
// FailureResult rather than being omitted, so policies can assert on the
// failure itself. A non-nil observe receives one record per signal once
// the gather completes.
func (rb *Rulebook) GatherSignals(ctx context.Context, names []string, event json.RawMessage, watchdog SignalBackend, observe SignalObserver) map[string]any {
	results := make(map[string]any, len(names))
	records := make(map[string]execRecord, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	set := func(name string, val any, rec execRecord) {
		mu.Lock()
		defer mu.Unlock()
		results[name] = val
		records[name] = rec
	}

	for _, name := range names {
		name := name
		entry, ok := rb.Signals[name]
		if !ok {
			set(name, FailureResult{ExitCode: -1, Error: "signal not registered"},
				execRecord{started: time.Now(), errMsg: "signal not registered"})
			continue
		}
		g.Go(func() error {
			timeout := entry.Timeout()
			if entry.Backend == "watchdog" && timeout < MinWatchdogTimeout {
				timeout = MinWatchdogTimeout
			}
			runCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			started := time.Now()
			var out any
			var err error
			if entry.Backend != "" && watchdog != nil {
				out, err = watchdog.Execute(runCtx, name, event)
			} else {
				out, err = ScriptBackend{}.Execute(runCtx, entry.Command, event)
			}
			dur := time.Since(started)

			if err != nil {
				failure := FailureResult{ExitCode: -1, Error: err.Error()}
				var se *scriptError
				if errors.As(err, &se) {
					failure = FailureResult{ExitCode: se.ExitCode, Output: se.Output, Error: se.Error()}
				}
				set(name, failure, execRecord{started: started, dur: dur, output: failure.Output, errMsg: failure.Error})
				return nil //nolint:nilerr // a failed signal surfaces as data, not a fatal evaluation error
			}
			set(name, out, execRecord{started: started, dur: dur, success: true, output: fmt.Sprint(out)})
			return nil
		})
	}
	_ = g.Wait()

	if observe != nil {
		for _, name := range names {
			if rec, ok := records[name]; ok {
				observe(name, rec.started, rec.dur, rec.success, rec.output, rec.errMsg)
			}
		}
	}
	return results
}
