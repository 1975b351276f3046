package synth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Synthesize is the pure fold at the heart of decision synthesis: given
// the verb bag emitted by the global realm and the verb bag emitted by
// the project realm (the latter empty when the global short-circuit
// applies), it returns the single FinalDecision the engine replies with.
// Synthesize performs no I/O and is a pure function of its inputs: the
// same two bags always fold to the same FinalDecision.
func Synthesize(global, project VerbBag) FinalDecision {
	combined := VerbBag{
		Halts:          append(append([]Verb{}, global.Halts...), project.Halts...),
		Denials:        append(append([]Verb{}, global.Denials...), project.Denials...),
		Blocks:         append(append([]Verb{}, global.Blocks...), project.Blocks...),
		Asks:           append(append([]Verb{}, global.Asks...), project.Asks...),
		AllowOverrides: append(append([]Verb{}, global.AllowOverrides...), project.AllowOverrides...),
		AddContext:     append(append([]string{}, global.AddContext...), project.AddContext...),
		Modifications:  append(append([]Modification{}, global.Modifications...), project.Modifications...),
	}

	switch {
	case len(combined.Halts) > 0:
		return foldVerbs(KindHalt, combined.Halts)
	case len(combined.Denials) > 0:
		return foldVerbs(KindDeny, combined.Denials)
	case len(combined.Blocks) > 0:
		return foldVerbs(KindBlock, combined.Blocks)
	case len(combined.AllowOverrides) > 0:
		return foldVerbs(KindAllowOverride, combined.AllowOverrides)
	case len(combined.Asks) > 0:
		return foldVerbs(KindAsk, combined.Asks)
	case len(combined.Modifications) > 0:
		return foldModifications(combined.Modifications)
	default:
		return FinalDecision{
			Kind:    KindAllow,
			Context: dedupStrings(combined.AddContext),
		}
	}
}

// foldVerbs aggregates a winning, non-Modify verb class: rule
// ids are deduplicated, reasons concatenated with "; " in first-seen order,
// and per-rule agent_context (none on a plain Verb) is left empty.
func foldVerbs(kind Kind, verbs []Verb) FinalDecision {
	seen := make(map[string]bool, len(verbs))
	var ruleIDs []string
	var reasons []string
	for _, v := range verbs {
		if v.RuleID != "" && seen[v.RuleID] {
			continue
		}
		if v.RuleID != "" {
			seen[v.RuleID] = true
		}
		ruleIDs = append(ruleIDs, v.RuleID)
		reasons = append(reasons, v.Reason)
	}
	return FinalDecision{
		Kind:    kind,
		RuleIDs: ruleIDs,
		Reason:  strings.Join(reasons, "; "),
	}
}

// foldModifications: sort by priority descending, deep-merge
// updated_input with "first (higher priority) wins on conflict", and build
// the aggregated reason — verbatim for a single entry, or "Multiple
// modifications applied: [rule_id] reason; …" for more than one.
func foldModifications(mods []Modification) FinalDecision {
	sorted := append([]Modification{}, mods...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	var ruleIDs []string
	var agentContext []string
	seen := make(map[string]bool, len(sorted))
	var merged json.RawMessage
	for _, m := range sorted {
		if m.RuleID != "" && !seen[m.RuleID] {
			seen[m.RuleID] = true
			ruleIDs = append(ruleIDs, m.RuleID)
		}
		if m.AgentContext != "" {
			agentContext = append(agentContext, m.AgentContext)
		}
		merged = deepMergeJSON(merged, m.UpdatedInput)
	}

	var reason string
	if len(sorted) == 1 {
		reason = sorted[0].Reason
	} else {
		parts := make([]string, 0, len(sorted))
		for _, m := range sorted {
			parts = append(parts, fmt.Sprintf("[%s] %s", m.RuleID, m.Reason))
		}
		reason = "Multiple modifications applied: " + strings.Join(parts, "; ")
	}

	return FinalDecision{
		Kind:         KindModify,
		RuleIDs:      ruleIDs,
		Reason:       reason,
		AgentContext: agentContext,
		UpdatedInput: merged,
	}
}

// deepMergeJSON merges `incoming` into `existing`, with values already
// present in `existing` (the higher-priority side accumulated so far)
// winning on conflict. Nested objects recurse; a conflict between an
// object and a non-object value resolves in favor of whichever side is
// already in `existing` (the higher-priority one, since callers fold in
// priority-descending order).
func deepMergeJSON(existing, incoming json.RawMessage) json.RawMessage {
	if len(existing) == 0 {
		return incoming
	}
	if len(incoming) == 0 {
		return existing
	}

	var existingObj, incomingObj map[string]json.RawMessage
	errE := json.Unmarshal(existing, &existingObj)
	errI := json.Unmarshal(incoming, &incomingObj)
	if errE != nil || errI != nil {
		// Not both objects: higher priority (existing) wins outright.
		return existing
	}

	merged := make(map[string]json.RawMessage, len(existingObj)+len(incomingObj))
	for k, v := range incomingObj {
		merged[k] = v
	}
	for k, v := range existingObj {
		if prior, ok := merged[k]; ok {
			merged[k] = deepMergeJSON(v, prior)
		} else {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return out
}

// dedupStrings deduplicates a slice of strings, preserving first-seen
// order.
func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// FailClosed builds the synthetic FinalDecision the engine returns on a
// fatal per-evaluation error or security violation: a Halt for
// "trust-violation", a Deny for any other rule_id ("engine-fault",
// "global-init-failed", "cancelled"). The rule_id is recorded verbatim in
// Cause so telemetry can distinguish the failure path from a normal policy
// decision.
func FailClosed(ruleID, reason string) FinalDecision {
	kind := KindDeny
	if ruleID == "trust-violation" {
		kind = KindHalt
	}
	return FinalDecision{
		Kind:    kind,
		RuleIDs: []string{ruleID},
		Reason:  reason,
		Cause:   ruleID,
	}
}
