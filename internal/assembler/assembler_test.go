package assembler

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/pith/internal/store"
	"github.com/haasonsaas/pith/internal/workspace"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Path: filepath.Join(dir, "memory.db"), Logger: slog.Default()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAssembleUsesBootstrapPromptWhenIncomplete(t *testing.T) {
	st := newTestStore(t)
	ws := workspace.New(t.TempDir())
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	a := New(st, ws, Config{})
	out, err := a.Assemble(ctx, "s1", "hi there")
	if err != nil {
		t.Fatal(err)
	}
	if out.SystemPrompt != bootstrapSystemPrompt {
		t.Fatalf("expected bootstrap prompt, got %q", out.SystemPrompt)
	}
}

func TestAssembleUsesNormalPromptAfterBootstrap(t *testing.T) {
	st := newTestStore(t)
	ws := workspace.New(t.TempDir())
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetAgentProfile(ctx, store.AgentProfile{Name: "Pith", Nature: "familiar", Vibe: "warm", Emoji: "🦊"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetUserProfile(ctx, store.UserProfile{Name: "Ada", PreferredAddress: "Ada", Timezone: "UTC"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetBootstrapComplete(ctx); err != nil {
		t.Fatal(err)
	}

	a := New(st, ws, Config{})
	out, err := a.Assemble(ctx, "s1", "hi there")
	if err != nil {
		t.Fatal(err)
	}
	if out.SystemPrompt != normalSystemPrompt {
		t.Fatalf("expected normal prompt, got %q", out.SystemPrompt)
	}
}

func TestAssembleIncludesNewUserMessageLast(t *testing.T) {
	st := newTestStore(t)
	ws := workspace.New(t.TempDir())
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	a := New(st, ws, Config{})
	out, err := a.Assemble(ctx, "s1", "what's the weather")
	if err != nil {
		t.Fatal(err)
	}
	last := out.Messages[len(out.Messages)-1]
	if last.Role != "user" || last.Content != "what's the weather" {
		t.Fatalf("expected trailing user frame, got %+v", last)
	}
}

func TestAssembleHidesMessagesCoveredByCompactionCursor(t *testing.T) {
	st := newTestStore(t)
	ws := workspace.New(t.TempDir())
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 5; i++ {
		text := "old message"
		if i >= 3 {
			text = "recent message"
		}
		msg, err := st.AppendMessage(ctx, store.Message{SessionID: "s1", Role: store.RoleUser, Text: text})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, msg.ID)
	}
	// Summarise and advance the cursor past the first three messages, as
	// /compact does: those three must never reappear as raw frames.
	if _, err := st.AddSummary(ctx, store.SessionSummary{SessionID: "s1", FromMsgID: ids[0], ToMsgID: ids[2], SummaryText: "early chat about nothing much"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCompactionCursor(ctx, "s1", ids[2]); err != nil {
		t.Fatal(err)
	}

	a := New(st, ws, Config{WindowMessages: 40})
	out, err := a.Assemble(ctx, "s1", "what's next")
	if err != nil {
		t.Fatal(err)
	}

	var sawSummary, sawOldMessage bool
	for _, m := range out.Messages {
		if strings.Contains(m.Content, "early chat about nothing much") {
			sawSummary = true
		}
		if strings.Contains(m.Content, "old message") {
			sawOldMessage = true
		}
	}
	if !sawSummary {
		t.Fatal("expected the SessionSummary frame to be present")
	}
	if sawOldMessage {
		t.Fatal("messages covered by the compaction cursor must not reappear as raw frames")
	}
}

func TestAssembleOverflowsWhenBudgetTooSmall(t *testing.T) {
	st := newTestStore(t)
	ws := workspace.New(t.TempDir())
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	a := New(st, ws, Config{TokenBudget: 1})
	_, err := a.Assemble(ctx, "s1", "a very long message that should exceed the tiny token budget we configured")
	if err == nil {
		t.Fatal("expected ContextOverflowError")
	}
	if _, ok := err.(*ContextOverflowError); !ok {
		t.Fatalf("expected *ContextOverflowError, got %T: %v", err, err)
	}
}
