package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mwalkowiak/famulus"
)

func TestInitBackfillsReadAtOnce(t *testing.T) {
	ctx := context.Background()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	defer s.Close()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate a database from before the backfill existed: an unread row
	// and no migration flag.
	if _, err := s.DB().ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, preview, read_at) VALUES ('old', 1111, 'p', 0)`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx,
		`DELETE FROM settings WHERE key = ?`, readAtBackfillKey); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err := s.GetConversation(ctx, "old")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ReadAt != c.CreatedAt {
		t.Errorf("read_at = %d, want created_at %d", c.ReadAt, c.CreatedAt)
	}

	// With the flag set, genuinely unread conversations survive restarts.
	if err := s.CreateConversation(ctx, famulus.Conversation{ID: "new", CreatedAt: famulus.NowUnix()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err = s.GetConversation(ctx, "new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ReadAt != 0 {
		t.Errorf("read_at = %d, want 0 for an unread conversation", c.ReadAt)
	}
}
