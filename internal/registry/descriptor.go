// Package registry implements the unified name→invocable tool map of
// spec.md §4.2: built-in, extension (hot-reloaded user files) and remote
// (MCP) tools in one namespace, with the `MCP__` reserved-prefix and
// collision rules spec.md invariant 3 requires.
package registry

import (
	"context"
	"encoding/json"
	"time"
)

// Origin identifies where a ToolDescriptor came from.
type Origin string

const (
	OriginBuiltin   Origin = "builtin"
	OriginExtension Origin = "extension"
	OriginRemote    Origin = "remote"
)

// ReservedPrefix is refused for any extension-registered tool name
// (spec.md invariant 3, §8 boundary: case-sensitive exact prefix).
const ReservedPrefix = "MCP__"

// Invocable runs a tool call and returns its textual result.
type Invocable func(ctx context.Context, args json.RawMessage) (string, error)

// ToolDescriptor is the in-memory registration record for one tool
// (spec.md §3's ToolDescriptor entity).
type ToolDescriptor struct {
	Name        string
	Origin      Origin
	Description string
	Parameters  json.RawMessage // JSON Schema
	Invoke      Invocable

	// SourceFingerprint identifies the on-disk version of an extension tool
	// (mtime+hash); empty for builtins and remote tools.
	SourceFingerprint string

	// Deadline is this tool's per-call timeout; zero means the registry default.
	Deadline time.Duration
	// MaxOutputBytes caps the invocation's result size; zero means the registry default.
	MaxOutputBytes int
}

// Result is the outcome of Invoke (spec.md §4.2: `{ok, value} | {err, kind, detail}`).
type Result struct {
	OK    bool
	Value string

	ErrKind   ErrKind
	ErrDetail string
}

// ErrKind enumerates registry.ToolError kinds (spec.md §7).
type ErrKind string

const (
	ErrNotFound      ErrKind = "not_found"
	ErrSchema        ErrKind = "schema"
	ErrExecution     ErrKind = "execution"
	ErrTimeout       ErrKind = "timeout"
	ErrOutputTooLarge ErrKind = "output_too_large"
)
