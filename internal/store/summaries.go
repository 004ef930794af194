package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// AddSummary persists a SessionSummary produced by compaction and advances
// the session's compaction cursor in the same write.
func (s *Store) AddSummary(ctx context.Context, sum SessionSummary) (*SessionSummary, error) {
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_summaries (id, session_id, from_msg_id, to_msg_id, summary_text, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sum.ID, sum.SessionID, sum.FromMsgID, sum.ToMsgID, sum.SummaryText, sum.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET compaction_cursor = ? WHERE id = ?`, sum.ToMsgID, sum.SessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// ListSummaries returns a session's summaries in chronological order.
func (s *Store) ListSummaries(ctx context.Context, sessionID string) ([]SessionSummary, error) {
	rows, err := s.query(ctx,
		`SELECT id, session_id, from_msg_id, to_msg_id, summary_text, created_at
		 FROM session_summaries WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.FromMsgID, &sum.ToMsgID, &sum.SummaryText, &sum.CreatedAt); err != nil {
			return nil, storageErr("scan summary", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
