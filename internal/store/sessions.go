package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts a new session. If id is empty a uuid is generated;
// CreateSession is idempotent with respect to an externally supplied id: a
// second call with the same id returns the existing session unchanged.
func (s *Store) CreateSession(ctx context.Context, id string) (*Session, error) {
	if existing, err := s.GetSession(ctx, id); err == nil {
		return existing, nil
	} else if id != "" && err != ErrNotFound {
		return nil, err
	}

	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	sess := &Session{ID: id, CreatedAt: now, LastActivityAt: now}
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, created_at, last_activity_at, compaction_cursor, archived) VALUES (?, ?, ?, '', 0)`,
			sess.ID, sess.CreatedAt, sess.LastActivityAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.queryRow(ctx, `SELECT id, created_at, last_activity_at, compaction_cursor, archived FROM sessions WHERE id = ?`, id)
	var sess Session
	var archived int
	if err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivityAt, &sess.CompactionCursor, &archived); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get session", err)
	}
	sess.Archived = archived != 0
	return &sess, nil
}

// TouchSession updates last_activity_at to now.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
		return err
	})
}

// SetCompactionCursor records the last message id covered by a summary.
func (s *Store) SetCompactionCursor(ctx context.Context, sessionID, msgID string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET compaction_cursor = ? WHERE id = ?`, msgID, sessionID)
		return err
	})
}

// ArchiveSession soft-archives a session; sessions are never hard-deleted (spec.md §3).
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET archived = 1 WHERE id = ?`, id)
		return err
	})
}

// CountSessions returns the number of non-archived sessions, for /status.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE archived = 0`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, storageErr("count sessions", err)
	}
	return n, nil
}
