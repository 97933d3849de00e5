// Package tooling defines the tools a persona can expose to its remote
// assistant and the dispatcher that executes requested tool calls.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rfarias/mentoria/internal/assistant"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, conversationID string, args map[string]any) (any, error)
}

// Dispatcher holds the tools of one persona and executes tool-call
// batches. Dispatch never fails: handler errors become structured
// error payloads so the batch submitted back upstream is always
// complete.
type Dispatcher struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the dispatcher.
func (d *Dispatcher) Register(t *Tool) {
	d.tools[t.Name] = t
}

// Defs returns the tool definitions for assistant configuration,
// sorted by name.
func (d *Dispatcher) Defs() []assistant.ToolDef {
	defs := make([]assistant.ToolDef, 0, len(d.tools))
	for _, t := range d.tools {
		defs = append(defs, assistant.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch executes every call in the batch and returns exactly one
// output per call, in order. Unknown tools and handler errors produce
// error payloads instead of missing outputs.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID string, calls []assistant.ToolCall) []assistant.ToolOutput {
	outputs := make([]assistant.ToolOutput, 0, len(calls))
	for _, call := range calls {
		outputs = append(outputs, assistant.ToolOutput{
			ToolCallID: call.ID,
			Output:     d.Execute(ctx, conversationID, call.Name, call.Arguments),
		})
	}
	return outputs
}

// Execute runs one tool by name and always returns a JSON payload,
// substituting an error payload for unknown tools and handler
// failures. Handler panics are contained here so a broken tool can
// never take down the run it is serving.
func (d *Dispatcher) Execute(ctx context.Context, conversationID, name string, args map[string]any) (output string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", name, "panic", r)
			output = errorPayload(fmt.Sprintf("tool %s panicked: %v", name, r))
		}
	}()

	tool := d.tools[name]
	if tool == nil {
		d.logger.Warn("tool not implemented", "tool", name)
		return errorPayload(fmt.Sprintf("tool not implemented: %s", name))
	}

	result, err := tool.Handler(ctx, conversationID, args)
	if err != nil {
		d.logger.Warn("tool failed", "tool", name, "error", err)
		return errorPayload(err.Error())
	}

	out, err := json.Marshal(result)
	if err != nil {
		return errorPayload(fmt.Sprintf("encode result: %v", err))
	}

	d.logger.Debug("tool executed", "tool", name, "conversation", conversationID)
	return string(out)
}

func errorPayload(msg string) string {
	out, _ := json.Marshal(map[string]any{
		"status": "error",
		"error":  msg,
	})
	return string(out)
}
