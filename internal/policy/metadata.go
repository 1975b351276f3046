package policy

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// metadataBlock mirrors the subset of an OPA "# METADATA" annotation block
// Cupcake cares about: the custom.routing fields. The package name comes
// from the `package` declaration, not from this block.
type metadataBlock struct {
	Custom struct {
		Routing RoutingDirective `yaml:"routing"`
	} `yaml:"custom"`
}

// ParseFile reads a policy source file and extracts its Unit: the package
// name (from the `package` declaration) and the routing directive (from a
// leading `# METADATA` annotation comment, OPA's own convention for
// attaching structured metadata to a policy module).
// A policy with no METADATA block or an empty custom.routing parses to a
// Unit whose RoutingDirective is the zero value — it matches nothing
// and is admitted into the compiled bundle but never routed to.
func ParseFile(path string) (*Unit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %q: %w", path, err)
	}
	defer f.Close()

	var (
		pkgName    string
		metaLines  []string
		inMeta     bool
		sawPackage bool
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "# METADATA"):
			inMeta = true
			continue
		case inMeta && strings.HasPrefix(trimmed, "#"):
			metaLines = append(metaLines, strings.TrimPrefix(strings.TrimPrefix(trimmed, "#"), " "))
			continue
		case inMeta:
			// First non-comment line ends the metadata block.
			inMeta = false
		}

		if !sawPackage && strings.HasPrefix(trimmed, "package ") {
			pkgName = strings.TrimSpace(strings.TrimPrefix(trimmed, "package"))
			sawPackage = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan policy file %q: %w", path, err)
	}

	u := &Unit{PackageName: pkgName, Path: path}

	if len(metaLines) > 0 {
		var meta metadataBlock
		if err := yaml.Unmarshal([]byte(strings.Join(metaLines, "\n")), &meta); err != nil {
			return nil, fmt.Errorf("parse METADATA block in %q: %w", path, err)
		}
		u.Directive = meta.Custom.Routing
	}

	return u, nil
}
