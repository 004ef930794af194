package llm

import (
	"context"
	"testing"
)

type fakeModel struct {
	name    string
	err     error
	chunks  []Chunk
}

func (f *fakeModel) Name() string { return f.name }

func (f *fakeModel) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestFallbackChainSkipsTransientFailures(t *testing.T) {
	failing := &fakeModel{name: "down", err: &ModelError{Provider: "down", Err: context.DeadlineExceeded, IsTransient: true}}
	healthy := &fakeModel{name: "up", chunks: []Chunk{{Text: "hi"}, {Done: true}}}

	chain := NewFallbackChain(nil, failing, healthy)
	ch, err := chain.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	var gotText string
	for c := range ch {
		gotText += c.Text
	}
	if gotText != "hi" {
		t.Fatalf("expected text %q, got %q", "hi", gotText)
	}
}

func TestFallbackChainPropagatesPermanentFailure(t *testing.T) {
	failing := &fakeModel{name: "bad", err: &ModelError{Provider: "bad", Err: context.Canceled, IsTransient: false}}
	chain := NewFallbackChain(nil, failing)

	if _, err := chain.Generate(context.Background(), Request{}); err == nil {
		t.Fatal("expected permanent failure to propagate")
	}
}
