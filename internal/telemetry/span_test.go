package telemetry

import (
	"strings"
	"testing"
	"time"
)

func TestNewAssignsIDs(t *testing.T) {
	span := New("claude_code", "PreToolUse", "Bash", "sess-1", "")
	if span.SpanID == "" || span.TraceID == "" {
		t.Fatalf("got span_id=%q trace_id=%q, want both populated", span.SpanID, span.TraceID)
	}

	correlated := New("claude_code", "Stop", "", "sess-1", "trace-fixed")
	if correlated.TraceID != "trace-fixed" {
		t.Fatalf("got trace_id %q, want caller-supplied value", correlated.TraceID)
	}
}

func TestAddSignalPreservesStartOrderAndTruncates(t *testing.T) {
	var phase SignalsPhase
	started := time.Now()
	phase.AddSignal("b_signal", started, time.Millisecond, true, strings.Repeat("x", signalOutputCap+100), "")
	phase.AddSignal("a_signal", started, time.Millisecond, false, "short", "exit 1")

	if len(phase.Signals) != 2 {
		t.Fatalf("got %d records", len(phase.Signals))
	}
	if phase.Signals[0].Name != "b_signal" || phase.Signals[1].Name != "a_signal" {
		t.Fatal("records must keep start order, not name order")
	}
	if got := len(phase.Signals[0].TruncatedOutput); got > signalOutputCap+len("...(truncated)") {
		t.Fatalf("output not truncated: %d bytes", got)
	}
	if phase.Signals[1].Success {
		t.Fatal("second record should carry its failure")
	}
}

func TestFlushToNilStoreIsSafe(t *testing.T) {
	w := NewWriter(nil, 4)
	span := New("cursor", "beforeShellExecution", "Bash", "", "")
	span.Finish()
	w.Flush(span)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDropGuardFlushesOnPanic(t *testing.T) {
	w := NewWriter(nil, 4)
	defer w.Close()

	span := New("factory", "PreToolUse", "Bash", "", "")

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("DropGuard must re-panic after flushing")
			}
		}()
		defer w.DropGuard(span)()
		panic("evaluation exploded")
	}()

	if !span.Panicked {
		t.Fatal("span must be stamped as panicked")
	}
	if span.PanicDetail != "evaluation exploded" {
		t.Fatalf("got panic detail %q", span.PanicDetail)
	}
	if span.Duration == 0 {
		t.Fatal("span must be finished by the drop guard")
	}
}

func TestDropGuardNoopOnNormalReturn(t *testing.T) {
	w := NewWriter(nil, 4)
	defer w.Close()

	span := New("opencode", "PostToolUse", "bash", "", "")
	func() {
		defer w.DropGuard(span)()
	}()
	if span.Panicked {
		t.Fatal("normal return must not stamp the span as panicked")
	}
}
