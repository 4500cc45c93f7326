// Package cache owns the durable client-side mirror of agent sessions: the
// entry format, the key-value store contract, and the synchronizer that
// reconciles server reloads with locally accumulated state.
package cache

import (
	"errors"

	"github.com/dennismeister93/cloud-sub001/internal/protocol"
)

// CurrentVersion tags entries written by this code. Older versions used a
// different message layout and are surfaced as unsupported, never coerced.
const CurrentVersion = 2

// ErrNotFound is returned when no entry exists for a session id.
var ErrNotFound = errors.New("cache: entry not found")

// ErrLegacyEntry is returned for entries written in the pre-v2 format.
var ErrLegacyEntry = errors.New("cache: entry uses an unsupported legacy format")

// ResumeConfig is the client-chosen configuration for continuing a session.
// It is client-only state: a server reload must not wipe it.
type ResumeConfig struct {
	Mode       string `json:"mode,omitempty"`
	ModelID    string `json:"modelId,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
}

// Entry is the persistent mirror of one logical session.
type Entry struct {
	Version         int    `json:"version"`
	SessionID       string `json:"sessionId"`
	RemoteSessionID string `json:"remoteSessionId,omitempty"`

	// Server-owned fields, overwritten on every load.
	Title      string             `json:"title,omitempty"`
	Repository string             `json:"repository,omitempty"`
	Messages   []protocol.Message `json:"messages"`

	// HighWaterMark is the latest server-reported update timestamp this
	// entry has incorporated, in unix milliseconds. It only ever increases
	// for a given entry.
	HighWaterMark int64 `json:"highWaterMark"`

	// Client-only fields, preserved across server reloads.
	OrgID        string        `json:"orgId,omitempty"`
	OrgConfirmed bool          `json:"orgConfirmed,omitempty"`
	Resume       *ResumeConfig `json:"resume,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// IsLegacyFormat reports whether the entry predates the current on-disk
// message layout.
func (e *Entry) IsLegacyFormat() bool {
	return e.Version < CurrentVersion
}

// Clone returns a copy whose messages slice does not alias the original.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Messages = make([]protocol.Message, len(e.Messages))
	for i, m := range e.Messages {
		out.Messages[i] = m.Clone()
	}
	if e.Resume != nil {
		resume := *e.Resume
		out.Resume = &resume
	}
	return &out
}
