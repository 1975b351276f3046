// Package telemetry implements the Telemetry Spans component:
// a per-evaluation hierarchical span recording phase timings, signal
// outcomes, and the final decision, flushed to a store both on normal
// completion and via a drop guard so a panic still leaves a record behind.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// SignalRecord captures one signal's execution within a SignalsPhase.
// Records are appended in signal start order.
type SignalRecord struct {
	Name            string        `json:"name"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration_ns"`
	Success         bool          `json:"success"`
	TruncatedOutput string        `json:"truncated_output,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// signalOutputCap bounds how much of a signal's output is retained in its
// telemetry record, so a chatty script can't balloon span storage.
const signalOutputCap = 2048

func truncate(s string) string {
	if len(s) <= signalOutputCap {
		return s
	}
	return s[:signalOutputCap] + "...(truncated)"
}

// SignalsPhase is the subspan owned by each realm's policy phase, recording
// every signal gathered for that realm's evaluation.
type SignalsPhase struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration_ns"`
	Signals   []SignalRecord `json:"signals"`
}

// AddSignal appends a signal record preserving start order.
func (p *SignalsPhase) AddSignal(name string, started time.Time, dur time.Duration, success bool, output, errMsg string) {
	p.Signals = append(p.Signals, SignalRecord{
		Name:            name,
		StartedAt:       started,
		Duration:        dur,
		Success:         success,
		TruncatedOutput: truncate(output),
		Error:           errMsg,
	})
}

// EvaluationResult summarizes one realm's verb bag and is attached to its
// PolicyPhase once the VM returns.
type EvaluationResult struct {
	HaltCount          int    `json:"halt_count"`
	DenyCount          int    `json:"deny_count"`
	BlockCount         int    `json:"block_count"`
	AskCount           int    `json:"ask_count"`
	AllowOverrideCount int    `json:"allow_override_count"`
	ModificationCount  int    `json:"modification_count"`
	ShortCircuited     bool   `json:"short_circuited"`
	Error              string `json:"error,omitempty"`
}

// PolicyPhase is one realm's (global or project) contribution to the span
// tree: routing + signal gathering + VM evaluation.
type PolicyPhase struct {
	Realm     string        `json:"realm"` // "global" or "project"
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Signals   SignalsPhase  `json:"signals"`
	Result    EvaluationResult `json:"result"`
}

// PreprocessingPhase records the time spent normalizing a canonical event
// before routing.
type PreprocessingPhase struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// CupcakeSpan is the root span for one evaluation: one per hook event,
// owning a preprocessing phase and zero or more per-realm policy phases
type CupcakeSpan struct {
	SpanID    string        `json:"span_id"`
	TraceID   string        `json:"trace_id"`
	SessionID string        `json:"session_id,omitempty"`
	Harness   string        `json:"harness"`
	EventName string        `json:"hook_event_name"`
	ToolName  string        `json:"tool_name,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`

	Preprocessing PreprocessingPhase `json:"preprocessing"`
	Policies      []PolicyPhase      `json:"policies"`

	FinalDecisionKind string `json:"final_decision_kind"`
	FinalDecisionRule string `json:"final_decision_rule_ids,omitempty"`
	Cause             string `json:"cause,omitempty"`

	// Panicked is set by the drop guard when the span is flushed because
	// the evaluation goroutine recovered from a panic rather than
	// returning normally.
	Panicked    bool   `json:"panicked,omitempty"`
	PanicDetail string `json:"panic_detail,omitempty"`
}

// New starts a root span for one evaluation. traceID correlates spans
// across a daemon's lifetime when the caller has one (e.g. a single
// cupcaked process handling many events); an empty traceID gets its own
// fresh uuid, matching a standalone per-process invocation.
func New(harness, eventName, toolName, sessionID, traceID string) *CupcakeSpan {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &CupcakeSpan{
		SpanID:    uuid.NewString(),
		TraceID:   traceID,
		SessionID: sessionID,
		Harness:   harness,
		EventName: eventName,
		ToolName:  toolName,
		StartedAt: time.Now(),
	}
}

// Finish stamps the span's total duration. Called on both the normal-return
// and drop-guard paths.
func (s *CupcakeSpan) Finish() {
	s.Duration = time.Since(s.StartedAt)
}
