package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dennismeister93/cloud-sub001/internal/logging"
	"github.com/dennismeister93/cloud-sub001/internal/protocol"
)

const (
	// StaleTolerance absorbs clock and precision skew between the server's
	// updated-at and the local high-water mark. Tunable in principle;
	// fixed here to match observed behavior.
	StaleTolerance = 2000 * time.Millisecond

	// SweepAge is how long an entry may sit untouched before the
	// background sweep removes it. The active entry is never swept.
	SweepAge = 60 * time.Minute
)

// ResumeStrategy tells the caller how to treat a freshly loaded session.
type ResumeStrategy string

const (
	// ResumeFresh: no prior local entry existed.
	ResumeFresh ResumeStrategy = "fresh"
	// ResumeContinue: a local entry existed and the server was not ahead.
	ResumeContinue ResumeStrategy = "continue"
	// ResumeRefresh: the server advanced past the local high-water mark;
	// the server snapshot is the restart point.
	ResumeRefresh ResumeStrategy = "refresh"
)

// SessionDetails is the authoritative server snapshot metadata handed to
// LoadEntry. UpdatedAt may arrive in seconds or milliseconds; the
// synchronizer normalizes by magnitude.
type SessionDetails struct {
	SessionID       string
	RemoteSessionID string
	Title           string
	Repository      string
	UpdatedAt       int64
	Resume          *ResumeConfig
}

// LoadResult is what LoadEntry hands back to the orchestrator.
type LoadResult struct {
	Entry       *Entry
	Strategy    ResumeStrategy
	NeedsPrompt bool
}

// NewSession carries the fields for a brand-new, client-initiated entry.
type NewSession struct {
	SessionID       string
	RemoteSessionID string
	Title           string
	Repository      string
	OrgID           string
	OrgConfirmed    bool
	Resume          *ResumeConfig
}

// Synchronizer reconciles processor output and server reloads into the
// persistent mirror. In-memory state is authoritative for the lifetime of
// the process; durable-store write failures are logged and swallowed.
type Synchronizer struct {
	store Store
	log   logging.Logger
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	pending map[string][]protocol.Message
	active  string
}

// NewSynchronizer wraps store. The store is injected so tests can use
// MemoryStore.
func NewSynchronizer(store Store, log logging.Logger) *Synchronizer {
	return &Synchronizer{
		store:   store,
		log:     logging.OrNop(log),
		now:     time.Now,
		entries: make(map[string]*Entry),
		pending: make(map[string][]protocol.Message),
	}
}

// ActiveSession returns the session id most recently created or loaded.
func (s *Synchronizer) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Entry returns a snapshot of the in-memory entry for sessionID.
func (s *Synchronizer) Entry(sessionID string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// GetEntry reads through to the durable store when the entry is not in
// memory. Legacy-format entries are surfaced as ErrLegacyEntry.
func (s *Synchronizer) GetEntry(ctx context.Context, sessionID string) (*Entry, error) {
	if entry, ok := s.Entry(sessionID); ok {
		return entry, nil
	}
	entry, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if entry.IsLegacyFormat() {
		return nil, ErrLegacyEntry
	}
	return entry, nil
}

// CreateEntry materializes the entry for a brand-new, client-initiated
// session. The in-memory session pointer is set BEFORE the durable write so
// messages racing in through AppendMessage are queued instead of dropped;
// immediately after the write the queue is flushed in arrival order and
// cleared. This ordering is the defense against the create/receive race.
func (s *Synchronizer) CreateEntry(ctx context.Context, ns NewSession) *Entry {
	s.mu.Lock()
	s.active = ns.SessionID
	if _, open := s.pending[ns.SessionID]; !open {
		s.pending[ns.SessionID] = nil
	}
	s.mu.Unlock()

	nowMillis := s.now().UnixMilli()
	entry := &Entry{
		Version:         CurrentVersion,
		SessionID:       ns.SessionID,
		RemoteSessionID: ns.RemoteSessionID,
		Title:           ns.Title,
		Repository:      ns.Repository,
		OrgID:           ns.OrgID,
		OrgConfirmed:    ns.OrgConfirmed,
		Resume:          ns.Resume,
		CreatedAt:       nowMillis,
		UpdatedAt:       nowMillis,
	}

	// Await the durable write before flushing: the flush must not outrun
	// entry creation.
	s.persist(ctx, entry)

	s.mu.Lock()
	s.entries[ns.SessionID] = entry
	queued := s.pending[ns.SessionID]
	delete(s.pending, ns.SessionID)
	for _, msg := range queued {
		s.appendLocked(entry, msg)
	}
	s.mu.Unlock()

	if len(queued) > 0 {
		s.log.Debug("flushed %d queued messages for session %s", len(queued), ns.SessionID)
		s.persist(ctx, entry)
	}
	return entry.Clone()
}

// LoadEntry merges an authoritative server snapshot over any existing local
// entry. Server-owned fields (messages, title, repository) are overwritten;
// client-only fields survive unless the server supplies a newer value. The
// high-water mark is SET to the server's updated-at — never maxed — so a
// stale local value is replaced, not ratcheted.
func (s *Synchronizer) LoadEntry(ctx context.Context, details SessionDetails, messages []protocol.Message) LoadResult {
	hwm := normalizeMillis(details.UpdatedAt)

	s.mu.Lock()
	known := s.entries[details.SessionID] != nil
	s.mu.Unlock()

	var stored *Entry
	if !known {
		got, err := s.store.Get(ctx, details.SessionID)
		switch {
		case err == nil && got.IsLegacyFormat():
			s.log.Warn("session %s has a legacy-format cache entry, rebuilding from server", details.SessionID)
		case err == nil:
			stored = got
		case !errors.Is(err, ErrNotFound):
			s.log.Warn("cache read for session %s failed: %v", details.SessionID, err)
		}
	}

	nowMillis := s.now().UnixMilli()

	// The merge mutates the live entry, so it must run under the same lock
	// that AppendMessage and UpdatePart take from the stream callbacks.
	s.mu.Lock()
	existing := s.entries[details.SessionID]
	if existing == nil {
		existing = stored
	}
	var (
		entry    *Entry
		strategy ResumeStrategy
	)
	if existing == nil {
		strategy = ResumeFresh
		entry = &Entry{
			Version:   CurrentVersion,
			SessionID: details.SessionID,
			CreatedAt: nowMillis,
		}
	} else {
		entry = existing
		if staleAgainst(entry.HighWaterMark, hwm) {
			strategy = ResumeRefresh
		} else {
			strategy = ResumeContinue
		}
	}

	entry.Messages = messages
	if details.Title != "" {
		entry.Title = details.Title
	}
	if details.Repository != "" {
		entry.Repository = details.Repository
	}
	if details.RemoteSessionID != "" {
		entry.RemoteSessionID = details.RemoteSessionID
	}
	if details.Resume != nil {
		resume := *details.Resume
		entry.Resume = &resume
	}
	entry.HighWaterMark = hwm
	entry.UpdatedAt = nowMillis

	s.entries[details.SessionID] = entry
	s.active = details.SessionID
	delete(s.pending, details.SessionID)
	result := LoadResult{
		Entry:       entry.Clone(),
		Strategy:    strategy,
		NeedsPrompt: entry.OrgID != "" && !entry.OrgConfirmed,
	}
	s.mu.Unlock()

	s.persist(ctx, entry)
	return result
}

// CheckStale reports whether the server has advanced beyond the local copy.
// A high-water mark of zero means "never synced" and is defined as never
// stale, avoiding false positives on first load.
func (s *Synchronizer) CheckStale(sessionID string, serverUpdatedAt int64) bool {
	s.mu.Lock()
	entry, ok := s.entries[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return staleAgainst(entry.HighWaterMark, normalizeMillis(serverUpdatedAt))
}

func staleAgainst(hwm, serverMillis int64) bool {
	if hwm == 0 {
		return false
	}
	return serverMillis > hwm+StaleTolerance.Milliseconds()
}

// AppendMessage records a fully-formed message. Returns true when it was
// applied to an existing entry, false when it was queued for a session whose
// entry does not exist yet. Appends are idempotent by message id.
func (s *Synchronizer) AppendMessage(ctx context.Context, sessionID string, msg protocol.Message) bool {
	s.mu.Lock()
	entry, ok := s.entries[sessionID]
	if !ok {
		s.pending[sessionID] = append(s.pending[sessionID], msg)
		s.mu.Unlock()
		return false
	}
	s.appendLocked(entry, msg)
	s.mu.Unlock()

	s.persist(ctx, entry)
	return true
}

func (s *Synchronizer) appendLocked(entry *Entry, msg protocol.Message) {
	for i := range entry.Messages {
		if entry.Messages[i].Info.ID == msg.Info.ID {
			entry.Messages[i] = msg
			s.touchLocked(entry, msg)
			return
		}
	}
	entry.Messages = append(entry.Messages, msg)
	s.touchLocked(entry, msg)
}

func (s *Synchronizer) touchLocked(entry *Entry, msg protocol.Message) {
	entry.UpdatedAt = s.now().UnixMilli()
	if completed := msg.Info.Time.Completed; completed > entry.HighWaterMark {
		entry.HighWaterMark = completed
	}
}

// UpdatePart applies a part change inside an already-known message: matched
// by part id, appending delta to text-typed parts when one is supplied, else
// replacing wholesale. Interim part updates are not persisted; the durable
// write happens on message completion.
func (s *Synchronizer) UpdatePart(sessionID, messageID string, part protocol.Part, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return
	}
	for i := range entry.Messages {
		if entry.Messages[i].Info.ID != messageID {
			continue
		}
		msg := &entry.Messages[i]
		if existing := msg.Part(part.ID); existing != nil {
			if delta != "" && existing.Type == protocol.PartText {
				existing.Text += delta
			} else {
				*existing = part
			}
		} else {
			msg.Parts = append(msg.Parts, part)
		}
		return
	}
}

// DeleteEntry removes a session from memory and the durable store.
func (s *Synchronizer) DeleteEntry(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.entries, sessionID)
	delete(s.pending, sessionID)
	if s.active == sessionID {
		s.active = ""
	}
	s.mu.Unlock()
	if err := s.store.Delete(ctx, sessionID); err != nil {
		s.log.Warn("cache delete for session %s failed: %v", sessionID, err)
	}
}

// Sweep removes entries idle longer than SweepAge. The active entry is never
// removed regardless of age.
func (s *Synchronizer) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-SweepAge).UnixMilli()

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	stored, err := s.store.List(ctx)
	if err != nil {
		s.log.Warn("cache sweep list failed: %v", err)
		return
	}
	for _, entry := range stored {
		if entry.SessionID == active || entry.UpdatedAt >= cutoff {
			continue
		}
		s.log.Debug("sweeping idle session %s", entry.SessionID)
		s.DeleteEntry(ctx, entry.SessionID)
	}
}

// persist writes through to the durable store. Failures are logged and
// swallowed: in-memory state stays authoritative and the user is not
// blocked, at the cost of possibly losing the increment on reload.
func (s *Synchronizer) persist(ctx context.Context, entry *Entry) {
	s.mu.Lock()
	snapshot := entry.Clone()
	s.mu.Unlock()
	if err := s.store.Put(ctx, snapshot); err != nil {
		s.log.Warn("cache write for session %s failed: %v", entry.SessionID, err)
	}
}

// normalizeMillis converts a server timestamp to milliseconds, detecting
// seconds input by magnitude rather than a flag. Second-precision values sit
// near 1.7e9; millisecond values near 1.7e12.
func normalizeMillis(v int64) int64 {
	if v == 0 {
		return 0
	}
	if v < 1_000_000_000_000 {
		return v * 1000
	}
	return v
}
