// Package scanner implements the Policy Scanner: a recursive
// walk of a policy tree that filters builtins by the rulebook's enabled set
// and yields the admitted absolute file paths.
package scanner

import (
	"os"
	"path/filepath"
	"strings"

	"cupcake/internal/cupcakeerr"
	"cupcake/internal/policy"
)

const policyExtension = ".rego"

// Scan walks root (a ProjectPaths.PoliciesDir) and returns the Policy Units
// for every admitted file. Files under a builtins/ subdirectory are
// admitted only if their filename stem is in enabledBuiltins; every other
// file is unconditionally admitted so catalog overlays are never filtered.
func Scan(root string, builtinsDir string, enabledBuiltins map[string]bool) ([]*policy.Unit, error) {
	var units []*policy.Unit

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != policyExtension {
			return nil
		}

		isBuiltin := builtinsDir != "" && isUnder(builtinsDir, path)
		stem := strings.TrimSuffix(filepath.Base(path), policyExtension)

		if isBuiltin && !enabledBuiltins[stem] {
			return nil
		}

		u, parseErr := policy.ParseFile(path)
		if parseErr != nil {
			return parseErr
		}
		u.IsBuiltin = isBuiltin
		if isBuiltin {
			u.BuiltinName = stem
		}
		units = append(units, u)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(units) == 0 {
		return nil, &cupcakeerr.NoPoliciesError{Dir: root}
	}
	return units, nil
}

func isUnder(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
