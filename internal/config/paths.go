// Package config implements the Path & Config Resolver: it
// discovers a project's (and optionally the global realm's) policy,
// signal, action, and rulebook locations from a single input path.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"cupcake/internal/cupcakeerr"
)

// ProjectPaths bundles the resolved filesystem layout for one realm,
// matching the layout:
//	<root>/
//	  policies/
//	  policies/system/
//	  policies/builtins/
//	  signals/
//	  actions/
//	  rulebook.yml
//	  .trust
type ProjectPaths struct {
	Root         string
	PoliciesDir  string
	SystemDir    string
	BuiltinsDir  string
	SignalsDir   string
	ActionsDir   string
	RulebookPath string
	TrustPath    string
}

// EnvGlobalConfig is the override env var for the global-realm root.
const EnvGlobalConfig = "CUPCAKE_GLOBAL_CONFIG"

// Resolve accepts a path that is either a project root, a ".cupcake"
// directory, or a legacy raw policy directory, and returns the resolved
// ProjectPaths bundle. It fails with *cupcakeerr.ConfigError if the policy
// directory does not exist.
func Resolve(input string) (*ProjectPaths, error) {
	abs, err := filepath.Abs(input)
	if err != nil {
		return nil, &cupcakeerr.ConfigError{Path: input, Reason: err.Error()}
	}

	root := abs
	if filepath.Base(abs) != ".cupcake" {
		candidate := filepath.Join(abs, ".cupcake")
		if dirExists(candidate) {
			root = candidate
		} else if dirExists(filepath.Join(abs, "policies")) {
			// Legacy raw policy directory: the input *is* the realm root.
			root = abs
		} else {
			root = candidate
		}
	}

	paths := fromRoot(root)
	if !dirExists(paths.PoliciesDir) {
		return nil, &cupcakeerr.ConfigError{Path: paths.PoliciesDir, Reason: "policy directory does not exist"}
	}
	return paths, nil
}

// ResolveGlobal discovers the global-realm root via CUPCAKE_GLOBAL_CONFIG,
// falling back to the platform-specific default config location. Returns
// nil, nil when no global realm is configured or present (the global realm
// is optional).
func ResolveGlobal() (*ProjectPaths, error) {
	if override := os.Getenv(EnvGlobalConfig); override != "" {
		paths := fromRoot(override)
		if !dirExists(paths.PoliciesDir) {
			return nil, &cupcakeerr.ConfigError{Path: paths.PoliciesDir, Reason: "CUPCAKE_GLOBAL_CONFIG policy directory does not exist"}
		}
		return paths, nil
	}

	root := defaultGlobalRoot()
	if root == "" {
		return nil, nil
	}
	paths := fromRoot(root)
	if !dirExists(paths.PoliciesDir) {
		return nil, nil
	}
	return paths, nil
}

func fromRoot(root string) *ProjectPaths {
	return &ProjectPaths{
		Root:         root,
		PoliciesDir:  filepath.Join(root, "policies"),
		SystemDir:    filepath.Join(root, "policies", "system"),
		BuiltinsDir:  filepath.Join(root, "policies", "builtins"),
		SignalsDir:   filepath.Join(root, "signals"),
		ActionsDir:   filepath.Join(root, "actions"),
		RulebookPath: filepath.Join(root, "rulebook.yml"),
		TrustPath:    filepath.Join(root, ".trust"),
	}
}

// defaultGlobalRoot returns the platform default location for the global
// realm config, or "" if it cannot be determined.
func defaultGlobalRoot() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "cupcake")
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "cupcake")
		}
	default: // linux and other unix
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "cupcake")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".config", "cupcake")
		}
	}
	return ""
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
