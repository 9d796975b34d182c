package store

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func newTestKV(t *testing.T) *SQLiteKV {
	t.Helper()
	kv, err := NewSQLiteKV(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestSQLiteKVRoundTrip(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	if got, err := kv.Get(ctx, "abcdef"); err != nil || got != nil {
		t.Fatalf("Get absent: got (%v, %v), want (nil, nil)", got, err)
	}

	if err := kv.Put(ctx, "abcdef", []byte(`{"code":"abcdef"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := kv.Get(ctx, "abcdef")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"code":"abcdef"}` {
		t.Errorf("Get: got %s", got)
	}

	// Upsert overwrites.
	if err := kv.Put(ctx, "abcdef", []byte(`{"code":"abcdef","v":2}`)); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ = kv.Get(ctx, "abcdef")
	if string(got) != `{"code":"abcdef","v":2}` {
		t.Errorf("Get after overwrite: got %s", got)
	}

	if err := kv.Delete(ctx, "abcdef"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := kv.Get(ctx, "abcdef"); got != nil {
		t.Errorf("Get after Delete: got %s, want nil", got)
	}
}

func TestStoreWriteThroughAndHydration(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	s1 := New(kv, slog.Default())
	now := time.Now()
	err := s1.Create(ctx, &Session{
		Code:      "abcdef",
		Title:     "persisted",
		Language:  "python",
		CreatedAt: now,
		UpdatedAt: now,
		Active:    true,
		Students:  map[string]*Student{"ana": {JoinedAt: now, Code: "x = 1"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s1.Update(ctx, "abcdef", func(doc *Session) error {
		doc.CurrentSlide = 3
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// A second store over the same adapter simulates a restart: the session
	// is unknown in memory and must hydrate from the KV.
	s2 := New(kv, slog.Default())
	got, err := s2.Get(ctx, "abcdef")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.Title != "persisted" || got.CurrentSlide != 3 {
		t.Errorf("hydrated doc: got title %q slide %d", got.Title, got.CurrentSlide)
	}
	if got.Students["ana"] == nil || got.Students["ana"].Code != "x = 1" {
		t.Error("hydrated doc lost student state")
	}
}

func TestStoreDeleteRemovesFromKV(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	s := New(kv, slog.Default())
	if err := s.Create(ctx, &Session{Code: "abcdef", Active: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, "abcdef"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// No hydration after delete.
	s2 := New(kv, slog.Default())
	if _, err := s2.Get(ctx, "abcdef"); err != ErrNotFound {
		t.Errorf("Get deleted: got %v, want ErrNotFound", err)
	}
}
