package store

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected generated id")
	}

	again, err := s.CreateSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("idempotent create: %v", err)
	}
	if again.ID != sess.ID {
		t.Fatalf("expected idempotent create to return same id, got %s", again.ID)
	}

	if _, err := s.GetSession(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, _ := s.CreateSession(ctx, "")

	var want []string
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, Message{SessionID: sess.ID, Role: RoleUser, Text: "msg"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		want = append(want, m.ID)
	}

	got, err := s.ListMessages(ctx, sess.ID, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i, m := range got {
		if m.ID != want[i] {
			t.Fatalf("message %d: expected id %s, got %s", i, want[i], m.ID)
		}
	}
}

func TestMemorySaveAndSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entry, err := s.SaveMemory(ctx, MemoryEntry{Text: "Ada prefers metric units", Kind: MemoryDurable})
	if err != nil {
		t.Fatalf("save memory: %v", err)
	}

	results, err := s.SearchMemory(ctx, "metric units", 5, 0.1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Entry.ID != entry.ID {
		t.Fatalf("expected top result to be the saved entry, got %s", results[0].Entry.ID)
	}
}

func TestMemoryDeleteNeverSurfaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entry, _ := s.SaveMemory(ctx, MemoryEntry{Text: "secret launch codes", Kind: MemoryEpisodic})
	if err := s.DeleteMemory(ctx, entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	results, err := s.SearchMemory(ctx, "secret launch codes", 5, 0.1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.Entry.ID == entry.ID {
			t.Fatal("deleted entry surfaced in search")
		}
	}
}

func TestBootstrapCompleteOneWay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	complete, err := s.BootstrapComplete(ctx)
	if err != nil {
		t.Fatalf("bootstrap complete: %v", err)
	}
	if complete {
		t.Fatal("expected fresh store to be incomplete")
	}

	if err := s.SetBootstrapComplete(ctx); err != nil {
		t.Fatalf("set bootstrap complete: %v", err)
	}
	complete, err = s.BootstrapComplete(ctx)
	if err != nil || !complete {
		t.Fatalf("expected bootstrap complete=true, got %v err=%v", complete, err)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	want := UserProfile{Name: "Ada", PreferredAddress: "Ada", Timezone: "UTC"}
	if err := s.SetUserProfile(ctx, want); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	got, err := s.GetUserProfile(ctx)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if !got.Complete() {
		t.Fatal("expected profile to be complete")
	}
}
