package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// DefaultDeadline is the per-tool timeout spec.md §5 names (file tools override to 5s).
	DefaultDeadline = 30 * time.Second
	// DefaultMaxOutputBytes caps a tool's result before it is surfaced to the model.
	DefaultMaxOutputBytes = 256 * 1024
)

// Registry is the unified name→ToolDescriptor map (spec.md §4.2).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDescriptor
	log   *slog.Logger
}

// New creates an empty registry. Built-ins are added via RegisterBuiltin by
// the caller that owns their dependencies (Store, workspace path, ...).
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{tools: make(map[string]*ToolDescriptor), log: log.With("component", "registry")}
}

// RegisterBuiltin installs a built-in tool. Built-ins cannot be overridden
// (spec.md §4.2): a second call with the same name replaces it only because
// it is the runtime's own startup sequence doing so, not an extension.
func (r *Registry) RegisterBuiltin(d *ToolDescriptor) {
	d.Origin = OriginBuiltin
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
}

// RegisterExtension installs or replaces an extension tool, enforcing the
// reserved-prefix and collision rules of spec.md invariant 3. On rejection
// the previous descriptor (if any) is left untouched and a *RegistryError is
// returned so the caller can emit a reload_failure event.
func (r *Registry) RegisterExtension(d *ToolDescriptor) error {
	if strings.HasPrefix(d.Name, ReservedPrefix) {
		return &RegistryError{Kind: "reserved_prefix", Name: d.Name, Detail: "extension tool names may not start with " + ReservedPrefix}
	}
	d.Origin = OriginExtension

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[d.Name]; ok && existing.Origin != OriginExtension {
		return &RegistryError{Kind: "name_collision", Name: d.Name, Detail: "collides with existing " + string(existing.Origin) + " tool"}
	}
	r.tools[d.Name] = d
	return nil
}

// RemoveExtension deletes an extension tool descriptor (file deleted on disk).
func (r *Registry) RemoveExtension(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[name]; ok && existing.Origin == OriginExtension {
		delete(r.tools, name)
	}
}

// RegisterRemote installs an MCP-discovered tool under `MCP__<server>__<tool>`.
func (r *Registry) RegisterRemote(server, tool string, d *ToolDescriptor) error {
	d.Name = ReservedPrefix + server + "__" + tool
	d.Origin = OriginRemote
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[d.Name]; ok && existing.Origin != OriginRemote {
		return &RegistryError{Kind: "name_collision", Name: d.Name, Detail: "collides with existing " + string(existing.Origin) + " tool"}
	}
	r.tools[d.Name] = d
	return nil
}

// RemoveRemoteServer drops every remote tool registered for a server.
func (r *Registry) RemoveRemoteServer(server string) {
	prefix := ReservedPrefix + server + "__"
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.tools {
		if d.Origin == OriginRemote && strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
		}
	}
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (*ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Descriptors returns a stable-ish snapshot of all registered tools, for
// passing schemas to the Model.
func (r *Registry) Descriptors() []*ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}

// Invoke looks up name, validates args against its declared schema,
// runs it with a per-call deadline and a size-capped output buffer, and
// returns a Result — every failure is reported through the Result, never as
// a Go error (spec.md §4.2).
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) Result {
	d, ok := r.Get(name)
	if !ok {
		return Result{ErrKind: ErrNotFound, ErrDetail: "no such tool: " + name}
	}

	if err := validateArgs(d, args); err != nil {
		return Result{ErrKind: ErrSchema, ErrDetail: err.Error()}
	}

	deadline := d.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	maxOut := d.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputBytes
	}

	type outcome struct {
		val string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		val, err := d.Invoke(cctx, args)
		done <- outcome{val: val, err: err}
	}()

	select {
	case <-cctx.Done():
		r.log.Warn("tool call timed out", "tool", name, "deadline", deadline)
		return Result{ErrKind: ErrTimeout, ErrDetail: "exceeded deadline " + deadline.String()}
	case o := <-done:
		if o.err != nil {
			return Result{ErrKind: ErrExecution, ErrDetail: o.err.Error()}
		}
		if len(o.val) > maxOut {
			return Result{ErrKind: ErrOutputTooLarge, ErrDetail: fmt.Sprintf("output %d bytes exceeds cap %d", len(o.val), maxOut)}
		}
		return Result{OK: true, Value: o.val}
	}
}

func validateArgs(d *ToolDescriptor, args json.RawMessage) error {
	if len(d.Parameters) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(d.Name+".json", string(d.Parameters))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(args))
	if len(args) == 0 {
		v = map[string]any{}
	} else if err := dec.Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return err
	}
	return nil
}
