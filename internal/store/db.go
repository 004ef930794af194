package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL,
	compaction_cursor TEXT NOT NULL DEFAULT '',
	archived INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	tool_name TEXT NOT NULL DEFAULT '',
	tool_args TEXT NOT NULL DEFAULT '',
	tool_result TEXT NOT NULL DEFAULT '',
	token_estimate INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, created_at, id);

CREATE TABLE IF NOT EXISTS memory_entries (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	kind TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);

CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
	id UNINDEXED,
	text,
	tags
);

CREATE TABLE IF NOT EXISTS profiles (
	singleton TEXT PRIMARY KEY,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS app_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_summaries (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	from_msg_id TEXT NOT NULL,
	to_msg_id TEXT NOT NULL,
	summary_text TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_session ON session_summaries(session_id, created_at);
`

// Store is the embedded relational + full-text store described in spec.md §4.1.
//
// Writes are serialised through a single-goroutine execution queue; reads use
// the database's own connection pool and may proceed concurrently with each
// other and interleaved with the write queue's commits.
type Store struct {
	db     *sql.DB
	log    *slog.Logger
	writes chan func(*sql.Tx) error

	closeOnce sync.Once
	closed    chan struct{}
}

// Config configures Open.
type Config struct {
	Path   string // filesystem path; ":memory:" for an ephemeral in-process store
	Logger *slog.Logger
}

// Open creates/migrates the database file and starts the writer goroutine.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	db.SetMaxOpenConns(8)
	if dsn == ":memory:" {
		// Each connection to ":memory:" opens its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, storageErr("pragma", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storageErr("migrate", err)
	}

	s := &Store{
		db:     db,
		log:    cfg.Logger.With("component", "store"),
		writes: make(chan func(*sql.Tx) error),
		closed: make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

// Close stops the writer goroutine and closes the underlying database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.writes)
		<-s.closed
	})
	return s.db.Close()
}

func (s *Store) writerLoop() {
	defer close(s.closed)
	for fn := range s.writes {
		tx, err := s.db.Begin()
		if err != nil {
			s.log.Error("begin write tx failed", "error", err)
			continue
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			continue
		}
		if err := tx.Commit(); err != nil {
			s.log.Error("commit write tx failed", "error", err)
		}
	}
}

// write submits fn to the single writer goroutine and waits for its result.
// Once fn's transaction commits the write is durable; a caller may still
// abandon its wait via ctx without undoing the commit (spec.md §4.1).
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	done := make(chan error, 1)
	wrapped := func(tx *sql.Tx) error {
		err := fn(tx)
		done <- err
		return err
	}
	select {
	case s.writes <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		if err != nil {
			return storageErr("write", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	return rows, nil
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}

func fmtTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func parseTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
