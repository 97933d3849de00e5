// Package session orchestrates conversational exchanges with the
// remote assistant service: it serializes sends per conversation,
// drives runs to a terminal state, routes tool calls, and keeps the
// per-conversation user name current.
package session

// ErrorKind classifies a failed send.
type ErrorKind string

const (
	// ErrTransient covers network and remote-service errors that were
	// retried and still failed.
	ErrTransient ErrorKind = "transient_network"

	// ErrRunFailure is a terminal failure reported by the remote run.
	// Not retried.
	ErrRunFailure ErrorKind = "remote_run_failure"

	// ErrTimeout means the run never reached a terminal status within
	// the attempt ceiling. The remote run may still resolve later.
	ErrTimeout ErrorKind = "timeout"

	// ErrValidation rejects malformed local input before anything is
	// sent upstream.
	ErrValidation ErrorKind = "validation"

	// ErrBusy means a previous run on the conversation was still
	// active after the bounded wait.
	ErrBusy ErrorKind = "conversation_busy"
)

// ErrorInfo carries the classification and raw detail of a failure.
// Detail is for logs; the envelope's Content stays user-safe.
type ErrorInfo struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Envelope is what callers of Send receive. Content is always present
// and safe to show to the end user, including on failure.
type Envelope struct {
	Content  string     `json:"response"`
	UserName string     `json:"user_name"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// Outcome is the terminal result of one run.
type Outcome struct {
	Content string
	Err     *ErrorInfo
}
