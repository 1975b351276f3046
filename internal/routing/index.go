// Package routing implements the Routing Index: a multimap from
// a composite (event, tool) key to the set of policy units that apply,
// giving O(1) lookup of the "routed set" for an incoming event.
package routing

import "cupcake/internal/policy"

// Index maps a routing key to the policy units registered under it. Built
// once from a scan and never mutated afterward — evaluations hold a
// reader-consistent snapshot.
type Index struct {
	byKey map[string][]*policy.Unit
}

// Build constructs an Index from a policy tree by cross-producting each
// unit's RequiredEvents x RequiredTools.
func Build(units []*policy.Unit) *Index {
	idx := &Index{byKey: make(map[string][]*policy.Unit)}
	for _, u := range units {
		for _, key := range u.RoutingKeys() {
			idx.byKey[key] = append(idx.byKey[key], u)
		}
	}
	return idx
}

// Lookup returns the routed set for an event and optional tool: the union
// of entries at "event:tool" and "event:*" for tool events, or at "event"
// alone for non-tool events. Policies are deduplicated by
// pointer identity; order is not significant to callers (the VM aggregates
// all routed units via a single entrypoint).
func (idx *Index) Lookup(event string, tool string) []*policy.Unit {
	if tool == "" {
		return idx.byKey[event]
	}

	seen := make(map[*policy.Unit]bool)
	var result []*policy.Unit

	for _, key := range []string{event + ":" + tool, event + ":*"} {
		for _, u := range idx.byKey[key] {
			if !seen[u] {
				seen[u] = true
				result = append(result, u)
			}
		}
	}
	return result
}

// RequiredSignals returns the deduplicated union of RequiredSignals across
// a routed set: every one of these, and no others, is gathered before
// evaluation.
func RequiredSignals(routed []*policy.Unit) []string {
	seen := make(map[string]bool)
	var signals []string
	for _, u := range routed {
		for _, s := range u.Directive.RequiredSignals {
			if !seen[s] {
				seen[s] = true
				signals = append(signals, s)
			}
		}
	}
	return signals
}
