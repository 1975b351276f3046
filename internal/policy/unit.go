// Package policy defines the Policy Unit data model: the metadata Cupcake
// extracts from an authored policy file at scan time and keeps immutable for
// the lifetime of an engine instance.
package policy

// RoutingDirective is the per-policy metadata stating which events and
// tools a policy applies to, and which signals it needs gathered before
// evaluation. An empty RequiredEvents matches nothing.
type RoutingDirective struct {
	RequiredEvents  []string `yaml:"required_events"`
	RequiredTools   []string `yaml:"required_tools"`
	RequiredSignals []string `yaml:"required_signals"`
}

// Unit is an authored policy declaration: a fully-qualified package name,
// its source path, and its routing directive. Units are created at compile
// time from a filesystem scan and never mutated afterward.
type Unit struct {
	// PackageName is the policy's fully-qualified package, e.g.
	// "cupcake.policies.bash_guard".
	PackageName string

	// Path is the absolute source path the unit was scanned from.
	Path string

	// Directive is the routing metadata parsed from the policy's metadata
	// block (typically a `# METADATA` annotation comment above the package
	// declaration, mirroring OPA's annotation convention).
	Directive RoutingDirective

	// IsBuiltin is true when the unit was scanned from a policies/builtins/
	// subtree; builtins are admitted only if their filename stem is listed
	// as enabled in the rulebook.
	IsBuiltin bool

	// BuiltinName is the filename stem used to match against the
	// rulebook's enabled-builtins set. Empty when IsBuiltin is false.
	BuiltinName string
}

// RoutingKeys derives the 0-or-more routing keys for this unit by
// cross-producting RequiredEvents x RequiredTools:
//   - no tools declared: one key per event ("UserPromptSubmit")
//   - tools declared: one key per (event, tool) pair ("PreToolUse:Bash"),
//     with "*" producing the wildcard key ("PreToolUse:*")
func (u *Unit) RoutingKeys() []string {
	var keys []string
	for _, event := range u.Directive.RequiredEvents {
		if len(u.Directive.RequiredTools) == 0 {
			keys = append(keys, event)
			continue
		}
		for _, tool := range u.Directive.RequiredTools {
			keys = append(keys, event+":"+tool)
		}
	}
	return keys
}
