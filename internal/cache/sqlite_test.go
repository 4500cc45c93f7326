package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dennismeister93/cloud-sub001/internal/protocol"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	entry := &Entry{
		Version:       CurrentVersion,
		SessionID:     "ses_1",
		Title:         "fix the flaky test",
		HighWaterMark: 1_700_000_000_000,
		Messages: []protocol.Message{
			{
				Info: protocol.MessageInfo{ID: "msg_1", SessionID: "ses_1", Role: protocol.RoleUser},
				Parts: []protocol.Part{
					{ID: "prt_1", MessageID: "msg_1", SessionID: "ses_1", Type: protocol.PartText, Text: "hello"},
				},
			},
		},
		UpdatedAt: 1_700_000_000_000,
	}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Use a fresh store so the read comes from disk, not the LRU.
	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "ses_1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "fix the flaky test" {
		t.Fatalf("Title = %q, want %q", got.Title, "fix the flaky test")
	}
	if len(got.Messages) != 1 || got.Messages[0].Parts[0].Text != "hello" {
		t.Fatalf("messages did not round-trip: %+v", got.Messages)
	}
}

func TestSQLiteStoreGetMissing(t *testing.T) {
	t.Parallel()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreDeleteAndList(t *testing.T) {
	t.Parallel()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for i, id := range []string{"ses_a", "ses_b", "ses_c"} {
		entry := &Entry{Version: CurrentVersion, SessionID: id, UpdatedAt: int64(1000 * (i + 1))}
		if err := store.Put(ctx, entry); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}

	if err := store.Delete(ctx, "ses_b"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
	// Most recently updated first.
	if entries[0].SessionID != "ses_c" || entries[1].SessionID != "ses_a" {
		t.Fatalf("List() order = [%s %s], want [ses_c ses_a]", entries[0].SessionID, entries[1].SessionID)
	}
}

func TestSQLiteStorePutOverwrites(t *testing.T) {
	t.Parallel()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	entry := &Entry{Version: CurrentVersion, SessionID: "ses_1", Title: "v1", UpdatedAt: 1}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	entry.Title = "v2"
	entry.UpdatedAt = 2
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("Put() again error = %v", err)
	}

	got, err := store.Get(ctx, "ses_1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "v2" {
		t.Fatalf("Title = %q, want v2", got.Title)
	}
}
