// Package assembler implements the Context Assembler of spec.md §4.3: it
// turns a session id and new user text into a system prompt plus an ordered
// list of message-shaped context frames for the Model, truncating under a
// token budget in the order the spec requires (recent-N, then K, then never
// persona). Grounded on the teacher's prompt-building pass in
// internal/agent/runtime.go, generalized from its multi-agent scoping to a
// single persona/profile/memory pipeline.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/pith/internal/audit"
	"github.com/haasonsaas/pith/internal/llm"
	"github.com/haasonsaas/pith/internal/store"
	"github.com/haasonsaas/pith/internal/workspace"
)

// ContextOverflowError is returned when even the minimum assembly (persona +
// profile + the single new user message) exceeds the token budget.
type ContextOverflowError struct {
	Budget    int
	Estimated int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow: estimated %d tokens exceeds budget %d", e.Estimated, e.Budget)
}

// Config tunes the assembler (spec.md §6's runtime.context.*).
type Config struct {
	WindowMessages int // N, default 40
	MemoryTopK     int // K, default 5
	TokenBudget    int // 0 disables budget enforcement
}

// Assembled is the Context Assembler's output.
type Assembled struct {
	SystemPrompt string
	Messages     []llm.Message
}

const bootstrapSystemPrompt = `You are a self-extending personal assistant meeting your user for the first time.
Your job right now is to learn who you and your user are. Ask for and record:
- your own name, nature, vibe and an emoji that represents you
- your user's name, how they want to be addressed, and their timezone
Call the set_profile tool as soon as you learn each field; do not wait to collect everything before saving.`

const normalSystemPrompt = `You are a self-extending personal assistant. You may read, write and edit files in your workspace,
write and call your own extension tools, and save and recall memories about your user and yourself.`

// Assembler builds per-turn context from the Store and workspace.
type Assembler struct {
	st    *store.Store
	ws    *workspace.Workspace
	cfg   Config
	audit *audit.Logger
}

func New(st *store.Store, ws *workspace.Workspace, cfg Config) *Assembler {
	if cfg.WindowMessages <= 0 {
		cfg.WindowMessages = 40
	}
	if cfg.MemoryTopK <= 0 {
		cfg.MemoryTopK = 5
	}
	return &Assembler{st: st, ws: ws, cfg: cfg}
}

// SetAuditLogger attaches the audit trail sink; a memory_retrieval event is
// logged each time Assemble performs a top-K memory search.
func (a *Assembler) SetAuditLogger(l *audit.Logger) {
	a.audit = l
}

// Assemble runs the spec.md §4.3 algorithm for one new user turn.
func (a *Assembler) Assemble(ctx context.Context, sessionID, userText string) (*Assembled, error) {
	bootstrapDone, err := a.st.BootstrapComplete(ctx)
	if err != nil {
		return nil, err
	}
	agentProfile, err := a.st.GetAgentProfile(ctx)
	if err != nil {
		return nil, err
	}
	userProfile, err := a.st.GetUserProfile(ctx)
	if err != nil {
		return nil, err
	}

	useBootstrap := !bootstrapDone || !agentProfile.Complete() || !userProfile.Complete()
	systemPrompt := normalSystemPrompt
	if useBootstrap {
		systemPrompt = bootstrapSystemPrompt
	}

	persona, err := a.ws.LoadPersona()
	if err != nil {
		return nil, err
	}

	profileSummary := renderProfileSummary(agentProfile, userProfile)

	topK := a.cfg.MemoryTopK
	var memoryFrames []llm.Message
	if topK > 0 {
		results, err := a.st.SearchMemory(ctx, userText, topK, 0.1)
		if err != nil {
			return nil, err
		}
		memoryFrames = dedupMemoryFrames(results)
		if a.audit != nil {
			a.audit.Log(audit.Event{Type: audit.EventMemoryRetrieval, SessionID: sessionID, Query: userText, ResultCount: len(results)})
		}
	}

	windowN := a.cfg.WindowMessages
	recentFrames, summaryFrames, err := a.recentWindow(ctx, sessionID, windowN)
	if err != nil {
		return nil, err
	}

	for {
		frames := buildFrames(persona, profileSummary, summaryFrames, memoryFrames, recentFrames, userText)
		estimated := estimateTokens(systemPrompt, frames)
		if a.cfg.TokenBudget <= 0 || estimated <= a.cfg.TokenBudget {
			return &Assembled{SystemPrompt: systemPrompt, Messages: frames}, nil
		}

		// Step 1: shrink the recent window.
		if len(recentFrames) > 1 {
			recentFrames = recentFrames[1:]
			continue
		}
		// Step 2: shrink K.
		if len(memoryFrames) > 0 {
			memoryFrames = memoryFrames[:len(memoryFrames)-1]
			continue
		}
		// Persona and profile never drop. If still over budget, fail.
		return nil, &ContextOverflowError{Budget: a.cfg.TokenBudget, Estimated: estimated}
	}
}

func buildFrames(persona, profileSummary string, summaries, memories, recent []llm.Message, userText string) []llm.Message {
	var frames []llm.Message
	if persona != "" {
		frames = append(frames, llm.Message{Role: "system", Content: "Persona:\n" + persona})
	}
	frames = append(frames, llm.Message{Role: "system", Content: "Profile:\n" + profileSummary})
	frames = append(frames, memories...)
	frames = append(frames, summaries...)
	frames = append(frames, recent...)
	frames = append(frames, llm.Message{Role: "user", Content: userText})
	return frames
}

func renderProfileSummary(agent store.AgentProfile, user store.UserProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: name=%q nature=%q vibe=%q emoji=%q\n", agent.Name, agent.Nature, agent.Vibe, agent.Emoji)
	if agent.Notes != "" {
		fmt.Fprintf(&b, "Agent notes: %s\n", agent.Notes)
	}
	fmt.Fprintf(&b, "User: name=%q preferred_address=%q timezone=%q\n", user.Name, user.PreferredAddress, user.Timezone)
	if user.Notes != "" {
		fmt.Fprintf(&b, "User notes: %s\n", user.Notes)
	}
	return b.String()
}

// dedupMemoryFrames removes duplicate memory entries by id (spec.md §4.3
// step 4) and renders each as a system frame with source metadata.
func dedupMemoryFrames(results []store.SearchResult) []llm.Message {
	seen := make(map[string]bool, len(results))
	frames := make([]llm.Message, 0, len(results))
	for _, r := range results {
		if seen[r.Entry.ID] {
			continue
		}
		seen[r.Entry.ID] = true
		src := r.Entry.Source
		if src == "" {
			src = "memory"
		}
		frames = append(frames, llm.Message{
			Role:    "system",
			Content: fmt.Sprintf("Memory (%s, %s): %s", r.Entry.Kind, src, r.Entry.Text),
		})
	}
	return frames
}

// recentWindow returns the recent-message frames, folding any range already
// covered by a SessionSummary into summary frames instead of replaying the
// raw messages (spec.md §3 Lifecycles: summarised ranges are "hidden from
// prompt assembly but present for audit"). It fetches every message after
// the session's CompactionCursor — which by construction excludes anything
// a SessionSummary already covers — then, per spec.md §4.3 step 5, picks
// whichever of "the most recent N messages" or "all messages since the
// cursor" is cheaper: since the last-N-since-cursor set is always a subset
// of the since-cursor set, that means taking the tail of at most N messages.
func (a *Assembler) recentWindow(ctx context.Context, sessionID string, n int) ([]llm.Message, []llm.Message, error) {
	summaries, err := a.st.ListSummaries(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	summaryFrames := make([]llm.Message, 0, len(summaries))
	for _, s := range summaries {
		summaryFrames = append(summaryFrames, llm.Message{
			Role:    "system",
			Content: "Earlier conversation summary: " + s.SummaryText,
		})
	}

	sess, err := a.st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	sinceCursor, err := a.st.ListMessages(ctx, sessionID, sess.CompactionCursor, 0)
	if err != nil {
		return nil, nil, err
	}
	msgs := sinceCursor
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}

	frames := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		frames = append(frames, messageToFrame(m))
	}
	return frames, summaryFrames, nil
}

func messageToFrame(m store.Message) llm.Message {
	role := string(m.Role)
	switch m.Role {
	case store.RoleToolRequest, store.RoleToolResult, store.RoleSystemNotice:
		role = "system"
	}
	content := m.Text
	if m.Role == store.RoleToolRequest {
		content = fmt.Sprintf("Called tool %s with %s", m.ToolName, m.ToolArgs)
	} else if m.Role == store.RoleToolResult {
		content = fmt.Sprintf("Tool %s returned: %s", m.ToolName, m.ToolResult)
	}
	return llm.Message{Role: role, Content: content}
}

// estimateTokens uses the teacher's rule-of-thumb chars/4 heuristic rather
// than a model-specific tokenizer, since the Model abstraction is
// provider-agnostic and a precise count would require one tokenizer per
// provider.
func estimateTokens(systemPrompt string, frames []llm.Message) int {
	total := len(systemPrompt)
	for _, f := range frames {
		total += len(f.Content)
	}
	return total / 4
}
