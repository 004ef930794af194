package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/pith/internal/eventbus"
	"github.com/haasonsaas/pith/internal/llm"
	"github.com/haasonsaas/pith/internal/store"
)

type slashCommand string

const (
	cmdNew     slashCommand = "new"
	cmdCompact slashCommand = "compact"
	cmdInfo    slashCommand = "info"
)

// parseSlashCommand recognizes /new, /compact and /info exactly (spec.md
// §4.4); anything else is ordinary user text headed for the model.
func parseSlashCommand(text string) (slashCommand, bool) {
	trimmed := strings.TrimSpace(text)
	switch trimmed {
	case "/new":
		return cmdNew, true
	case "/compact":
		return cmdCompact, true
	case "/info":
		return cmdInfo, true
	default:
		return "", false
	}
}

// runCommand executes an intercepted slash command without calling the model.
func (rt *Runtime) runCommand(ctx context.Context, sessionID string, cmd slashCommand) error {
	switch cmd {
	case cmdNew:
		newID, err := rt.NewSession(ctx)
		if err != nil {
			return err
		}
		rt.bus.Publish(sessionID, eventbus.EventAssistantMessage, "", map[string]any{"text": "started new session " + newID})
		return nil
	case cmdCompact:
		release, ok := rt.tryAcquire(sessionID)
		if !ok {
			return &BusyError{SessionID: sessionID}
		}
		defer release()
		return rt.compactSession(ctx, sessionID)
	case cmdInfo:
		return rt.emitInfo(ctx, sessionID)
	default:
		return errUnknownCommand
	}
}

// CompactSession is the public entry point named in spec.md §4.4's contract
// (`compact_session(session_id)`), serialised by the same per-session lock
// the turn loop uses.
func (rt *Runtime) CompactSession(ctx context.Context, sessionID string) error {
	release, ok := rt.tryAcquire(sessionID)
	if !ok {
		return &BusyError{SessionID: sessionID}
	}
	defer release()
	return rt.compactSession(ctx, sessionID)
}

func (rt *Runtime) emitInfo(ctx context.Context, sessionID string) error {
	sess, err := rt.st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	bootstrapDone, _ := rt.st.BootstrapComplete(ctx)
	msg := fmt.Sprintf("session %s, created %s, bootstrap_complete=%v", sess.ID, sess.CreatedAt.Format(time.RFC3339), bootstrapDone)
	rt.bus.Publish(sessionID, eventbus.EventAssistantMessage, "", map[string]any{"text": msg})
	return nil
}

// maybeCompact triggers compaction ahead of a turn if the session has grown
// past the configured threshold, so turn context stays bounded without a
// separate background sweep.
func (rt *Runtime) maybeCompact(ctx context.Context, sessionID string) {
	sess, err := rt.st.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	count, err := rt.st.CountMessagesSince(ctx, sessionID, sess.CompactionCursor)
	if err != nil || count <= rt.cfg.CompactAfterMessages {
		return
	}
	if err := rt.compactSession(ctx, sessionID); err != nil {
		rt.log.Warn("automatic compaction failed", "session_id", sessionID, "error", err)
	}
}

// compactSession summarises the oldest un-summarised contiguous range via
// the Model and advances the session's compaction cursor (spec.md §4.4).
// Caller must already hold the session lock.
func (rt *Runtime) compactSession(ctx context.Context, sessionID string) error {
	sess, err := rt.st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	msgs, err := rt.st.ListMessages(ctx, sessionID, sess.CompactionCursor, rt.cfg.CompactAfterMessages)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Text)
	}

	req := llm.Request{
		System: "Summarise the following conversation excerpt into a few dense sentences a future turn can use as context. Do not lose names, dates, decisions or commitments.",
		Messages: []llm.Message{{Role: "user", Content: transcript.String()}},
	}
	chunks, err := rt.model.Generate(ctx, req)
	if err != nil {
		return err
	}
	var summary string
	for c := range chunks {
		if c.Err != nil {
			return c.Err
		}
		summary += c.Text
	}

	last := msgs[len(msgs)-1]
	if _, err := rt.st.AddSummary(ctx, store.SessionSummary{
		SessionID: sessionID, FromMsgID: msgs[0].ID, ToMsgID: last.ID, SummaryText: summary,
	}); err != nil {
		return err
	}
	return nil
}
