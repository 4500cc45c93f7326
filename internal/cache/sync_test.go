package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dennismeister93/cloud-sub001/internal/logging"
	"github.com/dennismeister93/cloud-sub001/internal/protocol"
)

func userMessage(id, sessionID, text string) protocol.Message {
	return protocol.Message{
		Info: protocol.MessageInfo{
			ID:        id,
			SessionID: sessionID,
			Role:      protocol.RoleUser,
			Time:      protocol.MessageTime{Created: 1000},
		},
		Parts: []protocol.Part{
			{ID: id + "-p", MessageID: id, SessionID: sessionID, Type: protocol.PartText, Text: text},
		},
	}
}

func newTestSync() *Synchronizer {
	return NewSynchronizer(NewMemoryStore(), logging.Nop())
}

func TestCheckStaleRespectsToleranceAndZeroMark(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	t0 := time.Now().UnixMilli()
	s.LoadEntry(context.Background(), SessionDetails{SessionID: "S2", UpdatedAt: t0}, nil)

	assert.False(t, s.CheckStale("S2", t0+1000), "within tolerance")
	assert.True(t, s.CheckStale("S2", t0+5000), "beyond tolerance")
	assert.False(t, s.CheckStale("unknown", t0+5000), "unknown session cannot be stale")
}

func TestCheckStaleNeverSyncedIsNeverStale(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	s.CreateEntry(context.Background(), NewSession{SessionID: "S1"})
	assert.False(t, s.CheckStale("S1", time.Now().UnixMilli()+10_000_000))
}

func TestNormalizeMillisDetectsSecondsByMagnitude(t *testing.T) {
	t.Parallel()

	assert.EqualValues(t, 0, normalizeMillis(0))
	assert.EqualValues(t, 1_700_000_000_000, normalizeMillis(1_700_000_000))
	assert.EqualValues(t, 1_700_000_000_123, normalizeMillis(1_700_000_000_123))
}

func TestPendingQueueFlushesInOrderExactlyOnce(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok := s.AppendMessage(ctx, "S1", userMessage(fmt.Sprintf("msg_%d", i), "S1", "hi"))
		assert.False(t, ok, "messages before the entry exists are queued")
	}

	entry := s.CreateEntry(ctx, NewSession{SessionID: "S1"})
	require.Len(t, entry.Messages, 3, "all queued messages flushed")
	for i, msg := range entry.Messages {
		assert.Equal(t, fmt.Sprintf("msg_%d", i+1), msg.Info.ID, "arrival order preserved")
	}

	// The queue is cleared exactly once: re-creating must not replay it.
	again := s.CreateEntry(ctx, NewSession{SessionID: "S1"})
	assert.Len(t, again.Messages, 0, "flush happens exactly once")
}

func TestPendingQueueUnderConcurrentAppends(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			s.AppendMessage(ctx, "S1", userMessage(fmt.Sprintf("msg_%03d", i), "S1", "x"))
		}
	}()
	s.CreateEntry(ctx, NewSession{SessionID: "S1"})
	wg.Wait()

	entry, ok := s.Entry("S1")
	require.True(t, ok)
	require.Len(t, entry.Messages, n, "no message dropped or duplicated across the create/receive race")
	seen := map[string]bool{}
	for _, msg := range entry.Messages {
		assert.False(t, seen[msg.Info.ID], "message %s duplicated", msg.Info.ID)
		seen[msg.Info.ID] = true
	}
}

func TestLoadEntryMergesSafelyDuringLiveStream(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()
	s.CreateEntry(ctx, NewSession{SessionID: "S1"})

	// A stale-triggered reload races message appends from the stream
	// callback goroutine against the merge mutating the same entry.
	const n = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			s.AppendMessage(ctx, "S1", userMessage(fmt.Sprintf("msg_%03d", i), "S1", "x"))
		}
	}()
	for i := 0; i < n; i++ {
		s.LoadEntry(ctx, SessionDetails{
			SessionID: "S1",
			UpdatedAt: time.Now().UnixMilli(),
		}, []protocol.Message{userMessage("msg_srv", "S1", "server copy")})
	}
	wg.Wait()

	entry, ok := s.Entry("S1")
	require.True(t, ok)
	assert.NotEmpty(t, entry.Messages)
}

func TestAppendMessageIsIdempotentByID(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()
	s.CreateEntry(ctx, NewSession{SessionID: "S1"})

	require.True(t, s.AppendMessage(ctx, "S1", userMessage("msg_1", "S1", "first")))
	require.True(t, s.AppendMessage(ctx, "S1", userMessage("msg_1", "S1", "revised")))

	entry, ok := s.Entry("S1")
	require.True(t, ok)
	require.Len(t, entry.Messages, 1, "same id replaces, never duplicates")
	assert.Equal(t, "revised", entry.Messages[0].Parts[0].Text)
}

func TestMergeOnLoadPreservesClientOnlyFields(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()
	s.CreateEntry(ctx, NewSession{
		SessionID:    "S1",
		Title:        "local title",
		OrgID:        "org_1",
		OrgConfirmed: true,
		Resume:       &ResumeConfig{Mode: "build", ModelID: "fast-1"},
	})
	s.AppendMessage(ctx, "S1", userMessage("msg_local", "S1", "local"))

	serverMessages := []protocol.Message{userMessage("msg_server", "S1", "server copy")}
	res := s.LoadEntry(ctx, SessionDetails{
		SessionID: "S1",
		Title:     "server title",
		UpdatedAt: time.Now().UnixMilli(),
	}, serverMessages)

	assert.Equal(t, ResumeContinue, res.Strategy)
	assert.False(t, res.NeedsPrompt, "confirmed org context needs no prompt")

	// Server-owned fields overwritten.
	assert.Equal(t, "server title", res.Entry.Title)
	require.Len(t, res.Entry.Messages, 1)
	assert.Equal(t, "msg_server", res.Entry.Messages[0].Info.ID)

	// Client-only fields preserved.
	assert.True(t, res.Entry.OrgConfirmed)
	require.NotNil(t, res.Entry.Resume)
	assert.Equal(t, "build", res.Entry.Resume.Mode)
}

func TestMergeOnLoadServerResumeWins(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()
	s.CreateEntry(ctx, NewSession{SessionID: "S1", Resume: &ResumeConfig{Mode: "build"}})

	res := s.LoadEntry(ctx, SessionDetails{
		SessionID: "S1",
		UpdatedAt: time.Now().UnixMilli(),
		Resume:    &ResumeConfig{Mode: "plan", ModelID: "deep-2"},
	}, nil)

	require.NotNil(t, res.Entry.Resume)
	assert.Equal(t, "plan", res.Entry.Resume.Mode, "server-supplied newer value replaces the client copy")
}

func TestMergeOnLoadSetsHighWaterMarkNotMax(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()

	s.LoadEntry(ctx, SessionDetails{SessionID: "S1", UpdatedAt: 9_000_000_000_000}, nil)
	res := s.LoadEntry(ctx, SessionDetails{SessionID: "S1", UpdatedAt: 1_700_000_000_000}, nil)

	assert.EqualValues(t, 1_700_000_000_000, res.Entry.HighWaterMark,
		"a stale old mark must be replaceable, not merely ratcheted")
}

func TestLoadEntryStrategies(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()
	t0 := time.Now().UnixMilli()

	res := s.LoadEntry(ctx, SessionDetails{SessionID: "S1", UpdatedAt: t0}, nil)
	assert.Equal(t, ResumeFresh, res.Strategy)

	res = s.LoadEntry(ctx, SessionDetails{SessionID: "S1", UpdatedAt: t0 + 1000}, nil)
	assert.Equal(t, ResumeContinue, res.Strategy)

	res = s.LoadEntry(ctx, SessionDetails{SessionID: "S1", UpdatedAt: t0 + 60_000}, nil)
	assert.Equal(t, ResumeRefresh, res.Strategy)
}

func TestLoadEntryNeedsPromptForUnconfirmedOrg(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()
	s.CreateEntry(ctx, NewSession{SessionID: "S1", OrgID: "org_1"})

	res := s.LoadEntry(ctx, SessionDetails{SessionID: "S1", UpdatedAt: time.Now().UnixMilli()}, nil)
	assert.True(t, res.NeedsPrompt)
}

func TestUpdatePartAppliesDeltaOrReplaces(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()
	s.CreateEntry(ctx, NewSession{SessionID: "S1"})
	s.AppendMessage(ctx, "S1", userMessage("msg_1", "S1", "base"))

	s.UpdatePart("S1", "msg_1", protocol.Part{
		ID: "msg_1-p", MessageID: "msg_1", SessionID: "S1", Type: protocol.PartText,
	}, " plus delta")

	entry, _ := s.Entry("S1")
	assert.Equal(t, "base plus delta", entry.Messages[0].Parts[0].Text)

	replacement := protocol.Part{
		ID: "msg_1-p", MessageID: "msg_1", SessionID: "S1",
		Type: protocol.PartText, Text: "replaced wholesale",
	}
	s.UpdatePart("S1", "msg_1", replacement, "")

	entry, _ = s.Entry("S1")
	assert.Equal(t, "replaced wholesale", entry.Messages[0].Parts[0].Text)
}

type failingStore struct {
	Store
	puts int
}

func (f *failingStore) Put(ctx context.Context, entry *Entry) error {
	f.puts++
	return errors.New("disk full")
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	t.Parallel()

	fs := &failingStore{Store: NewMemoryStore()}
	s := NewSynchronizer(fs, logging.Nop())
	ctx := context.Background()

	s.CreateEntry(ctx, NewSession{SessionID: "S1"})
	ok := s.AppendMessage(ctx, "S1", userMessage("msg_1", "S1", "survives"))
	assert.True(t, ok, "in-memory state stays authoritative")

	entry, found := s.Entry("S1")
	require.True(t, found)
	assert.Len(t, entry.Messages, 1)
	assert.Greater(t, fs.puts, 0)
}

func TestLegacyEntrySurfacedAsUnsupported(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &Entry{Version: 1, SessionID: "S1"}))

	s := NewSynchronizer(store, logging.Nop())
	_, err := s.GetEntry(ctx, "S1")
	assert.ErrorIs(t, err, ErrLegacyEntry)

	// LoadEntry rebuilds from the server instead of reinterpreting.
	res := s.LoadEntry(ctx, SessionDetails{SessionID: "S1", UpdatedAt: time.Now().UnixMilli()}, nil)
	assert.Equal(t, ResumeFresh, res.Strategy)
	assert.Equal(t, CurrentVersion, res.Entry.Version)
}

func TestSweepSkipsActiveEntry(t *testing.T) {
	t.Parallel()

	s := newTestSync()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base.Add(-2 * SweepAge) }
	s.CreateEntry(ctx, NewSession{SessionID: "old_idle"})
	s.CreateEntry(ctx, NewSession{SessionID: "old_active"})

	s.now = func() time.Time { return base }
	s.Sweep(ctx)

	_, err := s.store.Get(ctx, "old_idle")
	assert.ErrorIs(t, err, ErrNotFound, "idle entry past SweepAge removed")
	_, err = s.store.Get(ctx, "old_active")
	assert.NoError(t, err, "active entry never swept")
}
