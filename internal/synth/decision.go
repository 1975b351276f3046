// Package synth implements the Decision Synthesizer: a pure
// function folding a bag of verbs from the global and project realms into a
// single FinalDecision. No I/O; identical inputs always yield an
// identical FinalDecision.
package synth

import "encoding/json"

// Verb is the common shape of every decision object inside a verb bag:
// at minimum a rule id, human reason, and severity.
type Verb struct {
	RuleID   string `json:"rule_id"`
	Reason   string `json:"reason"`
	Severity string `json:"severity"`
}

// Modification is a Modify verb: it additionally carries a priority (for
// deep-merge ordering), the JSON patch to apply, and an optional
// agent-only message.
type Modification struct {
	Verb
	Priority     int             `json:"priority"`
	UpdatedInput json.RawMessage `json:"updated_input"`
	AgentContext string          `json:"agent_context,omitempty"`
}

// VerbBag is exactly what the realm's bytecode entrypoint returns: one
// slice per verb key, each possibly empty. Modifications is
// populated only by the project realm.
type VerbBag struct {
	Halts          []Verb         `json:"halts"`
	Denials        []Verb         `json:"denials"`
	Blocks         []Verb         `json:"blocks"`
	Asks           []Verb         `json:"asks"`
	AllowOverrides []Verb         `json:"allow_overrides"`
	AddContext     []string       `json:"add_context"`
	Modifications  []Modification `json:"modifications,omitempty"`
}

// HasShortCircuitVerb reports whether the bag contains any Halt, Deny, or
// Block — the classes that short-circuit the project realm when emitted by
// the global realm.
func (b VerbBag) HasShortCircuitVerb() bool {
	return len(b.Halts) > 0 || len(b.Denials) > 0 || len(b.Blocks) > 0
}

// Kind identifies the class of a FinalDecision, in decreasing synthesis
// priority:
// Halt > Deny > Block > AllowOverride > Ask > Modify > Allow.
type Kind int

const (
	KindAllow Kind = iota
	KindModify
	KindAsk
	KindAllowOverride
	KindBlock
	KindDeny
	KindHalt
)

func (k Kind) String() string {
	switch k {
	case KindHalt:
		return "halt"
	case KindDeny:
		return "deny"
	case KindBlock:
		return "block"
	case KindAllowOverride:
		return "allow_override"
	case KindAsk:
		return "ask"
	case KindModify:
		return "modify"
	default:
		return "allow"
	}
}

// FinalDecision is the single, synthesized decision the engine returns for
// an evaluation.
type FinalDecision struct {
	Kind Kind

	// RuleIDs is the deduplicated set of rule ids that contributed to the
	// winning verb class.
	RuleIDs []string

	// Reason is the aggregated, human-readable reason: concatenated with
	// "; " and deduplicated across contributing rules, or the
	// Modify-specific aggregation text.
	Reason string

	// AgentContext carries any per-rule agent-only messages (from
	// Modification.AgentContext) for harnesses that distinguish a
	// user-facing message from an agent-facing one.
	AgentContext []string

	// Context is populated only for KindAllow: deduplicated, first-seen
	// ordered context strings to inject into the agent's prompt.
	Context []string

	// UpdatedInput is populated only for KindModify: the deep-merged JSON
	// patch to apply to the tool call.
	UpdatedInput json.RawMessage

	// Cause records why a synthetic fail-closed decision was produced
	// (engine-fault, trust-violation, global-init-failed, cancelled) — empty
	// for decisions synthesized from a normal verb bag.
	Cause string
}

// IsDenial reports whether the decision is one the Action Dispatcher treats
// as a denial trigger for on_any_denial actions.
func (d FinalDecision) IsDenial() bool {
	return d.Kind == KindDeny
}

// TriggersByRuleActions reports whether the decision triggers by-rule-id
// action dispatch.
func (d FinalDecision) TriggersByRuleActions() bool {
	switch d.Kind {
	case KindDeny, KindHalt, KindBlock:
		return true
	default:
		return false
	}
}
