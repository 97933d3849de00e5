package assistant

import "time"

// RunStatus is the remote-reported state of a run.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
)

// Terminal reports whether the status is a terminal state on the
// remote side. Anything else keeps the poll loop going.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Run is the state of one assistant run, as reported by the remote
// service. All fields use proper Go types; wire format conversion
// happens at the provider boundary (openai.go).
type Run struct {
	ID       string
	ThreadID string
	Status   RunStatus

	// PendingToolCalls is populated when Status is requires_action.
	PendingToolCalls []ToolCall

	// ErrorDetail is populated when Status is failed.
	ErrorDetail string
}

// ToolCall is a request from the assistant for a local function call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolOutput is the resolved result for one tool call.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// ThreadMessage is one message in a thread's history.
type ThreadMessage struct {
	ID        string
	Role      string
	Content   string
	CreatedAt time.Time
}

// ToolDef describes a tool offered to the assistant: a name, a human
// description, and a JSON-schema parameter object. Personas declare
// these and the dispatcher registers handlers against the names.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}
