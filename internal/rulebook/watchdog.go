package rulebook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// envWatchdogAPIKey is, in order, the environment variables checked for a
// watchdog API key; the watchdog backend is enabled only when one of them
// is set.
var envWatchdogAPIKey = []string{"ANTHROPIC_API_KEY", "OPENROUTER_API_KEY"}

// WatchdogOutput is the structured judgment an LLM-backed signal returns.
type WatchdogOutput struct {
	Allow       bool     `json:"allow"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	Concerns    []string `json:"concerns,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// FailOpen builds a default-allow WatchdogOutput for transient evaluation
// failures: an unreachable or misbehaving model must not block the agent.
func FailOpen(reason string) WatchdogOutput {
	return WatchdogOutput{
		Allow:      true,
		Confidence: 0,
		Reasoning:  fmt.Sprintf("watchdog evaluation failed: %s; defaulting to allow", reason),
		Concerns:   []string{"watchdog_error"},
	}
}

// Watchdog implements SignalBackend by asking an Anthropic model to judge
// the event and return a WatchdogOutput as tool input, rather than parsing
// free text. A model name is fixed at construction; a watchdog signal's
// SignalEntry.Command is not read, so there is no per-signal override.
type Watchdog struct {
	client anthropic.Client
	model  string
}

// defaultWatchdogModel keeps latency inside the signal timeout budget; a
// rulebook that wants a stronger judge overrides it via the daemon's
// watchdog-model flag.
const defaultWatchdogModel = "claude-haiku-4-5"

// NewWatchdog constructs a Watchdog backend, or (nil, false) if neither
// watchdog API key env var is set — callers should omit it from the
// backend set rather than fail the whole engine over an optional signal.
func NewWatchdog(model string) (*Watchdog, bool) {
	if model == "" {
		model = defaultWatchdogModel
	}
	for _, env := range envWatchdogAPIKey {
		if key := os.Getenv(env); key != "" {
			return &Watchdog{
				client: anthropic.NewClient(option.WithAPIKey(key)),
				model:  model,
			}, true
		}
	}
	return nil, false
}

const watchdogSystemPrompt = `You are a security watchdog reviewing a single tool-use event from an AI coding agent. Decide whether it should be allowed, and respond only by calling the judge tool.`

var watchdogToolSchema = anthropic.ToolInputSchemaParam{
	Type: "object",
	Properties: map[string]any{
		"allow":       map[string]any{"type": "boolean"},
		"confidence":  map[string]any{"type": "number"},
		"reasoning":   map[string]any{"type": "string"},
		"concerns":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"suggestions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	Required: []string{"allow", "confidence", "reasoning"},
}

// Execute implements SignalBackend. name is ignored: the event itself
// carries everything the model needs.
func (w *Watchdog) Execute(ctx context.Context, name string, event json.RawMessage) (any, error) {
	resp, err := w.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(w.model),
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: watchdogSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(event))),
		},
		Tools: []anthropic.ToolUnionParam{{
			OfTool: &anthropic.ToolParam{
				Name:        "judge",
				Description: anthropic.String("Record the watchdog's verdict on this event"),
				InputSchema: watchdogToolSchema,
			},
		}},
	})
	if err != nil {
		out := FailOpen(err.Error())
		return out, nil
	}

	for _, block := range resp.Content {
		if block.Type != "tool_use" || block.Name != "judge" {
			continue
		}
		var out WatchdogOutput
		if err := json.Unmarshal(block.Input, &out); err != nil {
			return FailOpen(err.Error()), nil
		}
		return out, nil
	}

	return FailOpen("model did not call the judge tool"), nil
}
