// Package runtime implements the Turn Orchestrator of spec.md §4.4: the
// per-session serialised turn loop that assembles context, drives the Model
// through tool-call iterations, persists every step to the Store, and
// publishes events to the Event Bus. Grounded on the teacher's
// internal/agent/runtime.go turn-loop shape (acquire session lock, stream
// model, dispatch tool calls, re-enter model), trimmed from its multi-agent
// session registry to pith's single persistent conversation per session id.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pith/internal/assembler"
	"github.com/haasonsaas/pith/internal/audit"
	"github.com/haasonsaas/pith/internal/eventbus"
	"github.com/haasonsaas/pith/internal/llm"
	"github.com/haasonsaas/pith/internal/metrics"
	"github.com/haasonsaas/pith/internal/registry"
	"github.com/haasonsaas/pith/internal/store"
)

// BusyError is returned when a session already has a turn or compaction in flight.
type BusyError struct{ SessionID string }

func (e *BusyError) Error() string { return "session " + e.SessionID + " is busy" }

// TimeoutError is returned when a turn's deadline expires before it finishes.
type TimeoutError struct{ SessionID string }

func (e *TimeoutError) Error() string { return "turn for session " + e.SessionID + " timed out" }

// Config tunes the turn loop (spec.md §6's runtime.turn.*).
type Config struct {
	MaxToolIterations int
	DefaultDeadline   time.Duration

	// Compaction thresholds: when a session accumulates more than
	// CompactAfterMessages un-summarised messages, the next turn triggers
	// compaction before continuing.
	CompactAfterMessages int
}

// Runtime is the orchestrator: one per process, many sessions.
type Runtime struct {
	st    *store.Store
	reg   *registry.Registry
	model llm.Model
	asm   *assembler.Assembler
	bus   *eventbus.Bus
	log   *slog.Logger
	cfg   Config
	audit *audit.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	busy    map[string]bool

	met *metrics.Metrics
}

func New(st *store.Store, reg *registry.Registry, model llm.Model, asm *assembler.Assembler, bus *eventbus.Bus, log *slog.Logger, cfg Config) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 16
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 300 * time.Second
	}
	if cfg.CompactAfterMessages <= 0 {
		cfg.CompactAfterMessages = 200
	}
	return &Runtime{
		st: st, reg: reg, model: model, asm: asm, bus: bus, log: log.With("component", "runtime"), cfg: cfg,
		locks: make(map[string]*sync.Mutex), busy: make(map[string]bool),
	}
}

// SetAuditLogger attaches the audit trail sink (spec.md §6's "Audit
// events"). Optional: a nil or never-set logger simply means no trail is
// written, which is fine for tests.
func (rt *Runtime) SetAuditLogger(l *audit.Logger) {
	rt.audit = l
}

// SetMetrics attaches the Prometheus series the HTTP API's /metrics route
// serves. Optional: a nil Metrics means every Record* call below is a no-op.
func (rt *Runtime) SetMetrics(m *metrics.Metrics) {
	rt.met = m
}

func (rt *Runtime) logAudit(ev audit.Event) {
	if rt.audit != nil {
		rt.audit.Log(ev)
	}
}

// NewSession allocates a fresh session id (idempotent if id is supplied by the caller elsewhere).
func (rt *Runtime) NewSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if _, err := rt.st.CreateSession(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (rt *Runtime) sessionLock(sessionID string) *sync.Mutex {
	rt.locksMu.Lock()
	defer rt.locksMu.Unlock()
	l, ok := rt.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		rt.locks[sessionID] = l
	}
	return l
}

// tryAcquire returns a release func, or ok=false if the session is already busy.
func (rt *Runtime) tryAcquire(sessionID string) (func(), bool) {
	rt.locksMu.Lock()
	if rt.busy[sessionID] {
		rt.locksMu.Unlock()
		return nil, false
	}
	rt.busy[sessionID] = true
	rt.locksMu.Unlock()

	lock := rt.sessionLock(sessionID)
	lock.Lock()
	rt.met.SessionStarted()
	return func() {
		rt.met.SessionEnded()
		lock.Unlock()
		rt.locksMu.Lock()
		rt.busy[sessionID] = false
		rt.locksMu.Unlock()
	}, true
}

// SubmitTurn runs the spec.md §4.4 turn loop for one user message. Slash
// commands (/new, /compact, /info) are intercepted first and never reach
// the model. Events are published to the bus under (sessionID, turnID); the
// caller subscribes independently via the bus.
func (rt *Runtime) SubmitTurn(ctx context.Context, sessionID, userText string, deadline time.Duration) error {
	if cmd, ok := parseSlashCommand(userText); ok {
		return rt.runCommand(ctx, sessionID, cmd)
	}

	release, ok := rt.tryAcquire(sessionID)
	if !ok {
		return &BusyError{SessionID: sessionID}
	}
	defer release()

	if deadline <= 0 {
		deadline = rt.cfg.DefaultDeadline
	}
	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	turnID := uuid.NewString()
	rt.runTurn(tctx, sessionID, turnID, userText)
	return nil
}

// SubmitTurnAndAwaitReply runs a turn and blocks for its terminal assistant
// message (or a synthetic notice on error/timeout), for callers like
// channel.Channel that need a single text reply rather than an event stream.
func (rt *Runtime) SubmitTurnAndAwaitReply(ctx context.Context, sessionID, userText string) (string, error) {
	ch, unsubscribe := rt.bus.Subscribe(sessionID)
	defer unsubscribe()

	// The turn runs while its events are read, so a long reply does not fill
	// the subscriber buffer and get this subscriber dropped for lag.
	errCh := make(chan error, 1)
	go func() { errCh <- rt.SubmitTurn(ctx, sessionID, userText, 0) }()

	var reply string
	for {
		select {
		case <-ctx.Done():
			return reply, ctx.Err()
		case err := <-errCh:
			if err != nil {
				return "", err
			}
			errCh = nil
		case ev, ok := <-ch:
			if !ok {
				return reply, nil
			}
			if ev.Type == eventbus.EventAssistantMessage {
				if text, ok := ev.Payload["text"].(string); ok {
					reply = text
				}
			}
			if ev.Type == eventbus.EventTurnFinished {
				return reply, nil
			}
		}
	}
}

func (rt *Runtime) runTurn(ctx context.Context, sessionID, turnID, userText string) {
	rt.maybeCompact(ctx, sessionID)

	rt.bus.Publish(sessionID, eventbus.EventTurnStarted, turnID, map[string]any{"text": userText})

	if _, err := rt.st.AppendMessage(ctx, store.Message{SessionID: sessionID, Role: store.RoleUser, Text: userText}); err != nil {
		rt.finishError(ctx, sessionID, turnID, "storage", err)
		return
	}
	if err := rt.st.TouchSession(ctx, sessionID); err != nil {
		rt.log.Warn("touch session failed", "session_id", sessionID, "error", err)
	}

	assembled, err := rt.asm.Assemble(ctx, sessionID, userText)
	if err != nil {
		rt.finishError(ctx, sessionID, turnID, "context_overflow", err)
		return
	}

	messages := assembled.Messages
	tools := toolSchemas(rt.reg)
	bootstrapSucceeded := false

	// Cycle iter (0-indexed) is the (iter+1)th model→tool round; after
	// MaxToolIterations rounds have each produced a tool call, the
	// (MaxToolIterations+1)th round triggers the cap instead of dispatching
	// (spec.md §8's "exactly max_tool_iterations+1 model→tool cycles").
	for iter := 0; ; iter++ {
		if ctx.Err() != nil {
			rt.finishTimeout(ctx, sessionID, turnID)
			return
		}

		req := llm.Request{System: assembled.SystemPrompt, Messages: messages, Tools: tools}
		chunks, err := rt.model.Generate(ctx, req)
		if err != nil {
			if isDeadlineExceeded(ctx, err) {
				rt.finishTimeout(ctx, sessionID, turnID)
				return
			}
			rt.finishError(ctx, sessionID, turnID, "model", err)
			return
		}

		var text string
		var toolCalls []llm.ToolCall
		var streamErr error
		for chunk := range chunks {
			if chunk.Err != nil {
				streamErr = chunk.Err
				continue
			}
			if chunk.Text != "" {
				text += chunk.Text
				rt.bus.Publish(sessionID, eventbus.EventAssistantDelta, turnID, map[string]any{"text": chunk.Text})
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		}
		if streamErr != nil {
			// A deadline expiring mid-stream surfaces through the provider as a
			// transient ModelError wrapping context.DeadlineExceeded (see
			// classifyAnthropicErr), not as ctx.Err() — check both so this
			// still ends the turn as `timeout` (spec.md §4.4/§5, scenario S5)
			// rather than a generic model error.
			if isDeadlineExceeded(ctx, streamErr) {
				rt.finishTimeout(ctx, sessionID, turnID)
				return
			}
			rt.finishError(ctx, sessionID, turnID, "model", streamErr)
			return
		}

		if len(toolCalls) > 0 && iter == rt.cfg.MaxToolIterations {
			rt.persistAssistantNotice(ctx, sessionID, "reached the maximum number of tool iterations for this turn")
			rt.bus.Publish(sessionID, eventbus.EventTurnFinished, turnID, map[string]any{"status": "tool_loop_cap"})
			rt.logAudit(audit.Event{Type: audit.EventTurn, SessionID: sessionID, TurnID: turnID, Status: "tool_loop_cap"})
			rt.met.RecordTurn("tool_loop_cap")
			return
		}

		if len(toolCalls) == 0 {
			msg, err := rt.st.AppendMessage(ctx, store.Message{SessionID: sessionID, Role: store.RoleAssistant, Text: text})
			if err != nil {
				rt.finishError(ctx, sessionID, turnID, "storage", err)
				return
			}
			rt.bus.Publish(sessionID, eventbus.EventAssistantMessage, turnID, map[string]any{"id": msg.ID, "text": text})
			rt.bus.Publish(sessionID, eventbus.EventTurnFinished, turnID, map[string]any{"status": "ok"})
			rt.logAudit(audit.Event{Type: audit.EventTurn, SessionID: sessionID, TurnID: turnID, Status: "ok"})
			rt.met.RecordTurn("ok")
			if bootstrapSucceeded {
				rt.checkBootstrapCompletion(ctx, sessionID)
			}
			return
		}

		if text != "" {
			messages = append(messages, llm.Message{Role: "assistant", Content: text})
		}
		for _, tc := range toolCalls {
			ranSetProfile := rt.dispatchToolCall(ctx, sessionID, turnID, tc, &messages)
			bootstrapSucceeded = bootstrapSucceeded || ranSetProfile
		}
	}
}

// dispatchToolCall persists the request/result pair, emits the started/finished
// events and appends the result to messages for the next model call. It
// returns true iff this call was a successful set_profile invocation, which
// triggers the bootstrap-completion check after the turn's final response.
func (rt *Runtime) dispatchToolCall(ctx context.Context, sessionID, turnID string, tc llm.ToolCall, messages *[]llm.Message) bool {
	preview := previewJSON(tc.Input)
	rt.bus.Publish(sessionID, eventbus.EventToolCallStarted, turnID, map[string]any{"name": tc.Name, "args_preview": preview})

	if _, err := rt.st.AppendMessage(ctx, store.Message{
		SessionID: sessionID, Role: store.RoleToolRequest, ToolName: tc.Name, ToolArgs: string(tc.Input),
	}); err != nil {
		rt.log.Warn("persisting tool_request failed", "error", err)
	}

	start := time.Now()
	result := rt.reg.Invoke(ctx, tc.Name, tc.Input)
	duration := time.Since(start)

	var resultJSON string
	if result.OK {
		resultJSON = mustJSON(map[string]any{"ok": true, "value": result.Value})
	} else {
		resultJSON = mustJSON(map[string]any{"ok": false, "kind": result.ErrKind, "detail": result.ErrDetail})
	}

	if _, err := rt.st.AppendMessage(ctx, store.Message{
		SessionID: sessionID, Role: store.RoleToolResult, ToolName: tc.Name, ToolResult: resultJSON,
	}); err != nil {
		rt.log.Warn("persisting tool_result failed", "error", err)
	}

	rt.bus.Publish(sessionID, eventbus.EventToolCallFinished, turnID, map[string]any{
		"name": tc.Name, "ok": result.OK, "duration_ms": duration.Milliseconds(), "result_preview": previewText(result.Value, 200),
	})
	outcome := "ok"
	if !result.OK {
		outcome = "error"
	}
	rt.met.RecordToolCall(tc.Name, outcome, duration)
	rt.logAudit(audit.Event{
		Type: audit.EventToolCall, SessionID: sessionID, TurnID: turnID,
		ToolName: tc.Name, OK: result.OK, ErrKind: string(result.ErrKind), Duration: duration.String(),
	})

	succeeded := tc.Name == "set_profile" && result.OK
	if succeeded {
		rt.logAudit(audit.Event{Type: audit.EventProfileUpdate, SessionID: sessionID, TurnID: turnID})
	}

	*messages = append(*messages,
		llm.Message{Role: "assistant", Content: fmt.Sprintf("[tool_call %s(%s)]", tc.Name, preview)},
		llm.Message{Role: "tool", Content: resultJSON, ToolCallID: tc.ID, ToolName: tc.Name},
	)

	return succeeded
}

func (rt *Runtime) checkBootstrapCompletion(ctx context.Context, sessionID string) {
	agent, err := rt.st.GetAgentProfile(ctx)
	if err != nil {
		return
	}
	user, err := rt.st.GetUserProfile(ctx)
	if err != nil {
		return
	}
	if !agent.Complete() || !user.Complete() {
		return
	}
	done, err := rt.st.BootstrapComplete(ctx)
	if err != nil || done {
		return
	}
	if err := rt.st.SetBootstrapComplete(ctx); err != nil {
		rt.log.Warn("failed to flip bootstrap_complete", "error", err)
		return
	}
	rt.bus.Publish(sessionID, eventbus.EventAppStateChanged, "", map[string]any{"key": store.AppStateBootstrapComplete, "value": "true"})
}

func (rt *Runtime) finishError(ctx context.Context, sessionID, turnID, kind string, err error) {
	rt.persistAssistantNotice(ctx, sessionID, "something went wrong handling that: "+err.Error())
	rt.bus.Publish(sessionID, eventbus.EventTurnFinished, turnID, map[string]any{"status": "error", "kind": kind, "detail": err.Error()})
	rt.met.RecordTurn("error")
}

func (rt *Runtime) finishTimeout(ctx context.Context, sessionID, turnID string) {
	rt.persistAssistantNotice(ctx, sessionID, "this turn took too long and was cancelled")
	rt.bus.Publish(sessionID, eventbus.EventTurnFinished, turnID, map[string]any{"status": "timeout"})
	rt.met.RecordTurn("timeout")
}

func (rt *Runtime) persistAssistantNotice(ctx context.Context, sessionID, text string) {
	if _, err := rt.st.AppendMessage(ctx, store.Message{SessionID: sessionID, Role: store.RoleSystemNotice, Text: text}); err != nil {
		rt.log.Warn("persisting notice failed", "error", err)
	}
}

// isDeadlineExceeded reports whether err is (or wraps) context.DeadlineExceeded,
// either directly or as the turn's context having already expired. Provider
// errors wrap the underlying cause via ModelError.Unwrap, so errors.Is sees
// through them to the same sentinel a bare ctx.Err() would return.
func isDeadlineExceeded(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded
}

func toolSchemas(reg *registry.Registry) []llm.ToolSchema {
	descs := reg.Descriptors()
	out := make([]llm.ToolSchema, 0, len(descs))
	for _, d := range descs {
		out = append(out, llm.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}

func previewJSON(raw json.RawMessage) string { return previewText(string(raw), 200) }

func previewText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

var errUnknownCommand = errors.New("unknown slash command")
