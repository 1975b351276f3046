package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"cupcake/internal/harness"
	"cupcake/internal/synth"
)

// echoHarness is a minimal registered harness for exercising the socket
// protocol without compiled policies.
type echoHarness struct{}

func (echoHarness) Type() harness.Type { return harness.Type("echo") }

func (echoHarness) Parse(raw []byte) (*harness.CanonicalEvent, error) {
	var ev harness.CanonicalEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (echoHarness) Shape(decision synth.FinalDecision, _ *harness.CanonicalEvent) ([]byte, error) {
	return json.Marshal(map[string]string{"kind": decision.Kind.String()})
}

func init() {
	harness.Register("echo", func() harness.Harness { return echoHarness{} })
}

type fakeEval struct {
	decision synth.FinalDecision
	err      error
}

func (f *fakeEval) Evaluate(_ context.Context, h harness.Harness, raw []byte) ([]byte, synth.FinalDecision, error) {
	if f.err != nil {
		return nil, synth.FinalDecision{}, f.err
	}
	ev, err := h.Parse(raw)
	if err != nil {
		return nil, synth.FinalDecision{}, err
	}
	body, err := h.Shape(f.decision, ev)
	return body, f.decision, err
}

func startServer(t *testing.T, eval Evaluator) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "cupcaked.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := &Server{Eval: eval}
	go srv.Serve(ctx, ln)
	return socketPath
}

func TestRoundTrip(t *testing.T) {
	socketPath := startServer(t, &fakeEval{decision: synth.FinalDecision{Kind: synth.KindDeny}})

	event := []byte(`{"hook_event_name":"PreToolUse","tool_name":"Bash"}`)
	resp, err := Evaluate(context.Background(), socketPath, "echo", event)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected response error: %s", resp.Error)
	}
	if resp.Decision != "deny" {
		t.Fatalf("got decision %q, want deny", resp.Decision)
	}

	var body map[string]string
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["kind"] != "deny" {
		t.Fatalf("got shaped kind %q, want deny", body["kind"])
	}
}

func TestUnknownHarness(t *testing.T) {
	socketPath := startServer(t, &fakeEval{})

	resp, err := Evaluate(context.Background(), socketPath, "no-such-harness", []byte(`{}`))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("want an error response for an unregistered harness")
	}
}

func TestEvaluatorErrorReturnedToClient(t *testing.T) {
	socketPath := startServer(t, &fakeEval{err: errors.New("engine exploded")})

	resp, err := Evaluate(context.Background(), socketPath, "echo", []byte(`{"hook_event_name":"Stop"}`))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Error == "" || resp.Body != nil {
		t.Fatalf("want error-only response, got %+v", resp)
	}
}

func TestDialFailureWhenDaemonAbsent(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.sock")
	if _, err := Evaluate(context.Background(), missing, "echo", []byte(`{}`)); err == nil {
		t.Fatal("want a dial error when no daemon is listening")
	}
}
