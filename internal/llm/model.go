// Package llm abstracts the language-model provider behind the Model
// interface spec.md §2 calls for: given a prompt and tool schemas, produce a
// streamed response of text deltas and tool-call requests. Concrete
// providers (Anthropic, OpenAI) live alongside this file; the fallback chain
// in fallback.go retries across providers on transient failure.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one turn of the prompt sent to the model.
type Message struct {
	Role    string // "user", "assistant", "tool", or "system" (assembler context frames)
	Content string

	// Set when Role=="tool": the call this message answers.
	ToolCallID string
	ToolName   string
}

// ToolSchema describes one callable tool, derived from a registry.ToolDescriptor.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// Request is one call to Generate.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

// ToolCall is a model-requested invocation of a registered tool.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Chunk is one streamed unit of a model response. Exactly one of Text,
// ToolCall, Done or Err is meaningfully set.
type Chunk struct {
	Text         string
	ToolCall     *ToolCall
	Done         bool
	InputTokens  int
	OutputTokens int
	Err          error
}

// Model is the abstract provider contract (spec.md §2 component 3).
type Model interface {
	// Generate streams a completion for req. The returned channel is closed
	// when the stream ends, whether by Done, by Err, or by ctx cancellation.
	Generate(ctx context.Context, req Request) (<-chan Chunk, error)

	// Name identifies the provider for logging and error classification.
	Name() string
}

// Transient reports whether err represents a retryable provider failure
// (rate limit, 5xx, timeout) as opposed to a permanent one (bad request,
// auth failure). An error opts in by having a Transient() bool method, as
// *ModelError does; other error types are treated as permanent.
func Transient(err error) bool {
	type transient interface{ Transient() bool }
	if t, ok := err.(transient); ok {
		return t.Transient()
	}
	return false
}

// ModelError is the typed error spec.md §7 calls ModelError{transient|permanent}.
type ModelError struct {
	Provider    string
	Err         error
	IsTransient bool
}

func (e *ModelError) Error() string { return "model(" + e.Provider + "): " + e.Err.Error() }
func (e *ModelError) Unwrap() error { return e.Err }
func (e *ModelError) Transient() bool { return e.IsTransient }
