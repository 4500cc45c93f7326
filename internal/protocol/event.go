// Package protocol defines the wire vocabulary of the agent event feed: the
// event envelope, messages and their incrementally-streamed parts, tool
// execution states, and session status frames.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType tags the event envelope.
type EventType string

const (
	EventMessageUpdated     EventType = "message.updated"
	EventMessagePartUpdated EventType = "message.part.updated"
	EventMessagePartRemoved EventType = "message.part.removed"
	EventSessionStatus      EventType = "session.status"
	EventSessionCreated     EventType = "session.created"
	EventSessionUpdated     EventType = "session.updated"
	EventSessionError       EventType = "session.error"
	EventSessionIdle        EventType = "session.idle"
)

// Event is the raw frame received from the feed. Properties stays undecoded
// until a consumer asks for the typed payload, so transports can pass events
// through without understanding them.
type Event struct {
	Type       EventType       `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// MessageUpdatedPayload carries the authoritative message envelope. Parts are
// delivered separately via part-updated events.
type MessageUpdatedPayload struct {
	Info            MessageInfo `json:"info"`
	ParentSessionID string      `json:"parentSessionID,omitempty"`
}

// PartUpdatedPayload carries one part snapshot or, when Delta is set, an
// increment to be appended to the part's accumulated text.
type PartUpdatedPayload struct {
	Part            Part   `json:"part"`
	Delta           string `json:"delta,omitempty"`
	ParentSessionID string `json:"parentSessionID,omitempty"`
}

// PartRemovedPayload identifies a part to delete.
type PartRemovedPayload struct {
	SessionID       string `json:"sessionID"`
	MessageID       string `json:"messageID"`
	PartID          string `json:"partID"`
	ParentSessionID string `json:"parentSessionID,omitempty"`
}

// SessionStatusPayload reports the streaming state of one session.
type SessionStatusPayload struct {
	SessionID       string        `json:"sessionID"`
	ParentSessionID string        `json:"parentSessionID,omitempty"`
	Status          SessionStatus `json:"status"`
}

// SessionCreatedPayload announces a newly materialized session identity.
type SessionCreatedPayload struct {
	Info            SessionInfo `json:"info"`
	ParentSessionID string      `json:"parentSessionID,omitempty"`
}

// SessionUpdatedPayload carries refreshed session metadata (title, times).
type SessionUpdatedPayload struct {
	Info            SessionInfo `json:"info"`
	ParentSessionID string      `json:"parentSessionID,omitempty"`
}

// SessionErrorPayload reports an application-level failure for a session.
type SessionErrorPayload struct {
	SessionID       string `json:"sessionID"`
	ParentSessionID string `json:"parentSessionID,omitempty"`
	Name            string `json:"name,omitempty"`
	Message         string `json:"message"`
}

// SessionIdlePayload marks the end of in-flight execution for a session.
type SessionIdlePayload struct {
	SessionID       string `json:"sessionID"`
	ParentSessionID string `json:"parentSessionID,omitempty"`
}

// Payload decodes Properties into the typed payload struct for the event
// kind. Unknown kinds and undecodable frames return an error; callers treat
// both as protocol errors.
func (e Event) Payload() (any, error) {
	var (
		out any
		err error
	)
	switch e.Type {
	case EventMessageUpdated:
		p := MessageUpdatedPayload{}
		err = json.Unmarshal(e.Properties, &p)
		out = p
	case EventMessagePartUpdated:
		p := PartUpdatedPayload{}
		err = json.Unmarshal(e.Properties, &p)
		out = p
	case EventMessagePartRemoved:
		p := PartRemovedPayload{}
		err = json.Unmarshal(e.Properties, &p)
		out = p
	case EventSessionStatus:
		p := SessionStatusPayload{}
		err = json.Unmarshal(e.Properties, &p)
		out = p
	case EventSessionCreated:
		p := SessionCreatedPayload{}
		err = json.Unmarshal(e.Properties, &p)
		out = p
	case EventSessionUpdated:
		p := SessionUpdatedPayload{}
		err = json.Unmarshal(e.Properties, &p)
		out = p
	case EventSessionError:
		p := SessionErrorPayload{}
		err = json.Unmarshal(e.Properties, &p)
		out = p
	case EventSessionIdle:
		p := SessionIdlePayload{}
		err = json.Unmarshal(e.Properties, &p)
		out = p
	default:
		return nil, fmt.Errorf("protocol: unknown event type %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return out, nil
}

// SessionInfo is the session metadata shape shared by session.created,
// session.updated and the durable load call.
type SessionInfo struct {
	ID       string      `json:"id"`
	ParentID string      `json:"parentID,omitempty"`
	Title    string      `json:"title,omitempty"`
	Version  string      `json:"version,omitempty"`
	Time     SessionTime `json:"time"`
}

// SessionTime carries unix-millisecond timestamps.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}
