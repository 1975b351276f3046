package policy

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.rego")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFileExtractsPackageAndRouting(t *testing.T) {
	path := writeTemp(t, `# METADATA
# scope: package
# custom:
#   routing:
#     required_events: ["PreToolUse", "PostToolUse"]
#     required_tools: ["Bash", "*"]
#     required_signals: ["test_status"]
package cupcake.policies.guard

import rego.v1

deny contains d if { input.tool_name == "Bash" }
`)

	u, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if u.PackageName != "cupcake.policies.guard" {
		t.Fatalf("got package %q", u.PackageName)
	}
	if !reflect.DeepEqual(u.Directive.RequiredEvents, []string{"PreToolUse", "PostToolUse"}) {
		t.Fatalf("got events %v", u.Directive.RequiredEvents)
	}
	if !reflect.DeepEqual(u.Directive.RequiredTools, []string{"Bash", "*"}) {
		t.Fatalf("got tools %v", u.Directive.RequiredTools)
	}
}

func TestParseFileNoMetadataMatchesNothing(t *testing.T) {
	path := writeTemp(t, `package cupcake.system

evaluate := {"halts": []}
`)

	u, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if u.PackageName != "cupcake.system" {
		t.Fatalf("got package %q", u.PackageName)
	}
	if len(u.RoutingKeys()) != 0 {
		t.Fatalf("a policy without routing metadata must produce no routing keys, got %v", u.RoutingKeys())
	}
}

func TestParseFileMalformedMetadataFails(t *testing.T) {
	path := writeTemp(t, `# METADATA
# custom: [not, a, mapping
package p
`)

	if _, err := ParseFile(path); err == nil {
		t.Fatal("want an error for malformed METADATA YAML")
	}
}
