package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLogWritesJSONLLine(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.Log(Event{Type: EventToolCall, SessionID: "s1", ToolName: "read", OK: true, Timestamp: ts})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "2026-01-02.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one line in audit file")
	}
	var ev Event
	if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventToolCall || ev.ToolName != "read" || !ev.OK {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestLogDoesNotBlockWhenBufferFull(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize*2; i++ {
			l.Log(Event{Type: EventTurn, SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked under buffer pressure")
	}
}
