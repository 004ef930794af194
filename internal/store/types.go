// Package store implements pith's embedded persistence layer: sessions,
// messages, memory entries with full-text retrieval, profiles, app state
// and session summaries, all backed by a single SQLite file.
package store

import "time"

// Role identifies who or what authored a Message.
type Role string

const (
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleToolRequest  Role = "tool_request"
	RoleToolResult   Role = "tool_result"
	RoleSystemNotice Role = "system-injected"
)

// MemoryKind distinguishes durable facts from episodic observations.
type MemoryKind string

const (
	MemoryDurable  MemoryKind = "durable"
	MemoryEpisodic MemoryKind = "episodic"
)

// Session is an ordered conversation with the single user.
type Session struct {
	ID               string
	CreatedAt        time.Time
	LastActivityAt   time.Time
	CompactionCursor string // id of the last message covered by a SessionSummary
	Archived         bool
}

// Message is an append-only row in a session's transcript.
type Message struct {
	ID            string
	SessionID     string
	Role          Role
	Text          string
	ToolName      string
	ToolArgs      string // raw JSON
	ToolResult    string // raw JSON
	TokenEstimate int
	CreatedAt     time.Time
}

// MemoryEntry is a durable or episodic fact, retrievable via full text search.
type MemoryEntry struct {
	ID        string
	Text      string
	Kind      MemoryKind
	Tags      []string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
}

// SearchResult pairs a MemoryEntry with its combined FTS+recency score.
type SearchResult struct {
	Entry MemoryEntry
	Score float64
}

// AgentProfile is the singleton agent identity record.
type AgentProfile struct {
	Name  string
	Nature string
	Vibe  string
	Emoji string
	Notes string
}

// Complete reports whether every required field is non-empty.
func (p AgentProfile) Complete() bool {
	return p.Name != "" && p.Nature != "" && p.Vibe != "" && p.Emoji != ""
}

// UserProfile is the singleton user identity record.
type UserProfile struct {
	Name             string
	PreferredAddress string
	Timezone         string
	Notes            string
}

// Complete reports whether every required field is non-empty.
func (p UserProfile) Complete() bool {
	return p.Name != "" && p.PreferredAddress != "" && p.Timezone != ""
}

// SessionSummary records a compacted range of a session's messages.
type SessionSummary struct {
	ID          string
	SessionID   string
	FromMsgID   string
	ToMsgID     string
	SummaryText string
	CreatedAt   time.Time
}

// AppState keys recognised by the runtime.
const (
	AppStateBootstrapComplete = "bootstrap_complete"
	AppStateBootstrapVersion  = "bootstrap_version"
)
