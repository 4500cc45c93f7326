package protocol

// StatusKind enumerates the session streaming states.
type StatusKind string

const (
	StatusIdle  StatusKind = "idle"
	StatusBusy  StatusKind = "busy"
	StatusRetry StatusKind = "retry"
)

// SessionStatus describes whether a session is producing output. Retry is a
// transient substate of busy: the server is retrying an upstream call and
// will resume streaming, so it must never be read as terminal.
type SessionStatus struct {
	Type    StatusKind `json:"type"`
	Attempt int        `json:"attempt,omitempty"`
	Message string     `json:"message,omitempty"`
	// Next is the server's announced delay before the next upstream
	// attempt, in milliseconds.
	Next int64 `json:"next,omitempty"`
}

// Streaming reports whether a message is actively being produced. Busy and
// retry both keep the streaming indicator on.
func (s SessionStatus) Streaming() bool {
	return s.Type == StatusBusy || s.Type == StatusRetry
}
