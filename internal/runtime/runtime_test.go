package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/pith/internal/assembler"
	"github.com/haasonsaas/pith/internal/eventbus"
	"github.com/haasonsaas/pith/internal/llm"
	"github.com/haasonsaas/pith/internal/registry"
	"github.com/haasonsaas/pith/internal/store"
	"github.com/haasonsaas/pith/internal/workspace"
)

type scriptedModel struct {
	responses [][]llm.Chunk
	calls     int
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Generate(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	ch := make(chan llm.Chunk, len(m.responses[idx]))
	for _, c := range m.responses[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newHarness(t *testing.T, model llm.Model) (*Runtime, *eventbus.Bus) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Path: filepath.Join(dir, "memory.db"), Logger: slog.Default()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(slog.Default())
	registry.RegisterProfileTool(reg, st)

	ws := workspace.New(t.TempDir())
	asm := assembler.New(st, ws, assembler.Config{})
	bus := eventbus.New(slog.Default())

	rt := New(st, reg, model, asm, bus, slog.Default(), Config{MaxToolIterations: 4})
	return rt, bus
}

func TestSubmitTurnSimpleReplyEmitsExpectedEventOrder(t *testing.T) {
	model := &scriptedModel{responses: [][]llm.Chunk{
		{{Text: "hello"}, {Done: true}},
	}}
	rt, bus := newHarness(t, model)
	ctx := context.Background()
	sessionID, err := rt.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ch, unsub := bus.Subscribe(sessionID)
	defer unsub()

	if err := rt.SubmitTurn(ctx, sessionID, "hi", time.Second); err != nil {
		t.Fatal(err)
	}

	var types []eventbus.EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d, got %v so far", i, types)
		}
	}
	want := []eventbus.EventType{eventbus.EventTurnStarted, eventbus.EventAssistantDelta, eventbus.EventAssistantMessage}
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("event %d: want %s got %s (all: %v)", i, w, types[i], types)
		}
	}
}

func TestSubmitTurnWithToolCallDispatchesAndFinishes(t *testing.T) {
	args, _ := json.Marshal(map[string]any{"target": "user", "fields": map[string]string{"name": "Ada", "preferred_address": "Ada", "timezone": "UTC"}})
	model := &scriptedModel{responses: [][]llm.Chunk{
		{{ToolCall: &llm.ToolCall{ID: "1", Name: "set_profile", Input: args}}, {Done: true}},
		{{Text: "got it"}, {Done: true}},
	}}
	rt, bus := newHarness(t, model)
	ctx := context.Background()
	sessionID, err := rt.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ch, unsub := bus.Subscribe(sessionID)
	defer unsub()

	if err := rt.SubmitTurn(ctx, sessionID, "I'm Ada, UTC", time.Second); err != nil {
		t.Fatal(err)
	}

	var sawToolStarted, sawToolFinished, sawTurnFinished bool
	for i := 0; i < 6; i++ {
		select {
		case ev := <-ch:
			switch ev.Type {
			case eventbus.EventToolCallStarted:
				sawToolStarted = true
			case eventbus.EventToolCallFinished:
				sawToolFinished = true
			case eventbus.EventTurnFinished:
				sawTurnFinished = true
			}
		case <-time.After(time.Second):
			i = 6
		}
	}
	if !sawToolStarted || !sawToolFinished || !sawTurnFinished {
		t.Fatalf("expected tool_call_started, tool_call_finished and turn_finished events; got started=%v finished=%v turnFinished=%v", sawToolStarted, sawToolFinished, sawTurnFinished)
	}
}

func TestSubmitTurnRejectsConcurrentSubmission(t *testing.T) {
	model := &scriptedModel{responses: [][]llm.Chunk{{{Text: "ok"}, {Done: true}}}}
	rt, _ := newHarness(t, model)
	ctx := context.Background()
	sessionID, err := rt.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}

	release, ok := rt.tryAcquire(sessionID)
	if !ok {
		t.Fatal("expected to acquire lock")
	}
	defer release()

	err = rt.SubmitTurn(ctx, sessionID, "hi", time.Second)
	if _, busy := err.(*BusyError); !busy {
		t.Fatalf("expected BusyError, got %v", err)
	}
}

type deadlineModel struct{}

func (deadlineModel) Name() string { return "deadline" }

// Generate simulates a deadline expiring mid-stream: the provider wraps the
// context's own context.DeadlineExceeded in a transient ModelError, exactly
// as classifyAnthropicErr does.
func (deadlineModel) Generate(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Err: &llm.ModelError{Provider: "anthropic", Err: context.DeadlineExceeded, IsTransient: true}}
	close(ch)
	return ch, nil
}

func TestSubmitTurnDeadlineExceededMidStreamEndsWithTimeoutNotError(t *testing.T) {
	rt, bus := newHarness(t, deadlineModel{})
	ctx := context.Background()
	sessionID, err := rt.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ch, unsub := bus.Subscribe(sessionID)
	defer unsub()

	if err := rt.SubmitTurn(ctx, sessionID, "hi", time.Second); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.EventTurnFinished {
				status, _ := ev.Payload["status"].(string)
				if status != "timeout" {
					t.Fatalf("expected turn_finished{status:timeout}, got status=%q payload=%v", status, ev.Payload)
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for turn_finished")
		}
	}
	t.Fatal("never saw turn_finished")
}

func TestSlashCommandNewDoesNotCallModel(t *testing.T) {
	model := &scriptedModel{responses: [][]llm.Chunk{{{Text: "should not be called"}}}}
	rt, _ := newHarness(t, model)
	ctx := context.Background()
	sessionID, err := rt.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.SubmitTurn(ctx, sessionID, "/new", time.Second); err != nil {
		t.Fatal(err)
	}
	if model.calls != 0 {
		t.Fatalf("expected /new to never call the model, got %d calls", model.calls)
	}
}
