package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// SaveMemory inserts or updates a memory entry and keeps the FTS index in
// sync (spec.md invariant 5). An empty id creates a new entry.
func (s *Store) SaveMemory(ctx context.Context, entry MemoryEntry) (*MemoryEntry, error) {
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Kind == "" {
		entry.Kind = MemoryEpisodic
	}

	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memory_entries (id, text, kind, tags, source, created_at, updated_at, deleted)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET text=excluded.text, kind=excluded.kind, tags=excluded.tags,
			   source=excluded.source, updated_at=excluded.updated_at, deleted=excluded.deleted`,
			entry.ID, entry.Text, string(entry.Kind), fmtTags(entry.Tags), entry.Source,
			entry.CreatedAt, entry.UpdatedAt, boolToInt(entry.Deleted))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE id = ?`, entry.ID); err != nil {
			return err
		}
		if entry.Deleted {
			return nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO memory_fts (id, text, tags) VALUES (?, ?, ?)`,
			entry.ID, entry.Text, fmtTags(entry.Tags))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteMemory soft-deletes an entry; it is tombstoned, not removed, and
// never again surfaces from SearchMemory (spec.md invariant 5).
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	entry, err := s.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	entry.Deleted = true
	_, err = s.SaveMemory(ctx, *entry)
	return err
}

// GetMemory fetches a single entry regardless of its deleted flag.
func (s *Store) GetMemory(ctx context.Context, id string) (*MemoryEntry, error) {
	row := s.queryRow(ctx, `SELECT id, text, kind, tags, source, created_at, updated_at, deleted FROM memory_entries WHERE id = ?`, id)
	var e MemoryEntry
	var kind, tags string
	var deleted int
	if err := row.Scan(&e.ID, &e.Text, &kind, &tags, &e.Source, &e.CreatedAt, &e.UpdatedAt, &deleted); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get memory", err)
	}
	e.Kind = MemoryKind(kind)
	e.Tags = parseTags(tags)
	e.Deleted = deleted != 0
	return &e, nil
}

// SearchMemory ranks FTS relevance against a monotonically decaying recency
// weight (spec.md §4.1): relevance dominates, recency only breaks ties
// within recencyWeight of the top relevance score. Deleted entries are
// excluded by construction (they are absent from memory_fts).
func (s *Store) SearchMemory(ctx context.Context, query string, limit int, recencyWeight float64) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	if recencyWeight <= 0 {
		recencyWeight = 0.1
	}
	if query == "" {
		return nil, nil
	}

	rows, err := s.query(ctx, `
		SELECT m.id, m.text, m.kind, m.tags, m.source, m.created_at, m.updated_at, bm25(memory_fts) AS rank
		FROM memory_fts
		JOIN memory_entries m ON m.id = memory_fts.id
		WHERE memory_fts MATCH ? AND m.deleted = 0
		ORDER BY rank LIMIT ?`, ftsQuery(query), limit*3)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		entry   MemoryEntry
		bm25    float64
	}
	var candidates []scored
	now := time.Now().UTC()
	for rows.Next() {
		var e MemoryEntry
		var kind, tags string
		var bm25 float64
		if err := rows.Scan(&e.ID, &e.Text, &kind, &tags, &e.Source, &e.CreatedAt, &e.UpdatedAt, &bm25); err != nil {
			return nil, storageErr("scan memory search", err)
		}
		e.Kind = MemoryKind(kind)
		e.Tags = parseTags(tags)
		candidates = append(candidates, scored{entry: e, bm25: bm25})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// bm25() is smaller-is-better; negate it so a larger relevance is better.
	var worst float64
	for _, c := range candidates {
		if -c.bm25 < worst || worst == 0 {
			worst = -c.bm25
		}
	}
	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		relevance := -c.bm25
		ageDays := now.Sub(c.entry.UpdatedAt).Hours() / 24
		recency := 1.0 / (1.0 + ageDays)
		score := relevance*(1-recencyWeight) + recency*recencyWeight*relevance
		results = append(results, SearchResult{Entry: c.entry, Score: score})
	}
	sortResultsDesc(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ftsQuery turns free-form chat text into an FTS5 OR-of-terms query, quoting
// each term as a phrase so punctuation cannot be parsed as an FTS operator.
func ftsQuery(q string) string {
	var terms []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			terms = append(terms, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range q {
		switch {
		case r == '"':
			cur = append(cur, '\'')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		case isWordRune(r):
			cur = append(cur, r)
		default:
			flush()
		}
	}
	flush()
	if len(terms) == 0 {
		return `""`
	}
	out := ""
	for i, t := range terms {
		if i > 0 {
			out += " OR "
		}
		out += `"` + t + `"`
	}
	return out
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '\''
}

func sortResultsDesc(rs []SearchResult) {
	for i := 1; i < len(rs); i++ {
		j := i
		for j > 0 && rs[j-1].Score < rs[j].Score {
			rs[j-1], rs[j] = rs[j], rs[j-1]
			j--
		}
	}
}
