// Package assistant provides the remote assistant service client.
package assistant

import "context"

// Client is the interface the orchestration engine depends on. It maps
// one-to-one onto the remote service's thread/run life cycle; no retry
// or polling policy lives at this layer.
type Client interface {
	// CreateThread creates a new conversation thread and returns its ID.
	CreateThread(ctx context.Context) (string, error)

	// PostMessage appends a message to a thread and returns the message ID.
	PostMessage(ctx context.Context, threadID, role, text string) (string, error)

	// StartRun starts an assistant run over a thread and returns the run ID.
	StartRun(ctx context.Context, threadID, assistantID string) (string, error)

	// GetRun retrieves the current state of a run, including any pending
	// tool-call batch when the run requires action.
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)

	// SubmitToolOutputs submits one output per pending tool call. The
	// remote service rejects partial batches.
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) error

	// ListMessages returns the messages in a thread. Ordering is not
	// guaranteed stable; callers must sort by CreatedAt themselves.
	ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)
}

// Completer is the one-shot completion surface, kept separate from the
// thread/run Client so tests can count model calls independently.
type Completer interface {
	// Complete sends a single system+user exchange and returns the
	// model's text reply. maxTokens bounds the response length.
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}
