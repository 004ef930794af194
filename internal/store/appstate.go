package store

import (
	"context"
	"database/sql"
	"strconv"
)

// GetAppState reads a raw app-state value; ok is false if the key is unset.
func (s *Store) GetAppState(ctx context.Context, key string) (string, bool, error) {
	row := s.queryRow(ctx, `SELECT value FROM app_state WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, storageErr("get app state", err)
	}
	return v, true, nil
}

// SetAppState writes a raw app-state value.
func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO app_state (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// BootstrapComplete reports AppState.bootstrap_complete (spec.md §3 invariant 4).
func (s *Store) BootstrapComplete(ctx context.Context) (bool, error) {
	v, ok, err := s.GetAppState(ctx, AppStateBootstrapComplete)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// SetBootstrapComplete flips bootstrap_complete. It is idempotent and, per
// spec.md §8 property 6, the caller (runtime) must only invoke this once all
// required profile fields are non-empty and must never call it to revert to
// false within the same bootstrap_version.
func (s *Store) SetBootstrapComplete(ctx context.Context) error {
	return s.SetAppState(ctx, AppStateBootstrapComplete, "true")
}

// BootstrapVersion reads the current bootstrap_version (defaults to 1).
func (s *Store) BootstrapVersion(ctx context.Context) (int, error) {
	v, ok, err := s.GetAppState(ctx, AppStateBootstrapVersion)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 1, nil
	}
	return n, nil
}
