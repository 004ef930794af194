package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AppendMessage inserts a message, generating an id and timestamp if absent.
// Messages are append-only (spec.md invariant 1): there is no Update/Delete.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, text, tool_name, tool_args, tool_result, token_estimate, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, string(msg.Role), msg.Text, msg.ToolName, msg.ToolArgs, msg.ToolResult, msg.TokenEstimate, msg.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, msg.CreatedAt, msg.SessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns messages for a session ordered by (created_at, id),
// the total order required by spec.md invariant 1. sinceID, if non-empty,
// excludes that message and everything before it. limit<=0 means unbounded.
func (s *Store) ListMessages(ctx context.Context, sessionID string, sinceID string, limit int) ([]Message, error) {
	query := `SELECT id, session_id, role, text, tool_name, tool_args, tool_result, token_estimate, created_at
	          FROM messages WHERE session_id = ?`
	args := []any{sessionID}

	if sinceID != "" {
		query += ` AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = ?)`
		args = append(args, sinceID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Text, &m.ToolName, &m.ToolArgs, &m.ToolResult, &m.TokenEstimate, &m.CreatedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessagesSince counts messages strictly after afterID (or all, if empty).
func (s *Store) CountMessagesSince(ctx context.Context, sessionID, afterID string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if afterID != "" {
		query += ` AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = ?)`
		args = append(args, afterID)
	}
	row := s.queryRow(ctx, query, args...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, storageErr("count messages", err)
	}
	return n, nil
}
