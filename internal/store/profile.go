package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

const (
	profileAgent = "agent"
	profileUser  = "user"
)

// GetAgentProfile returns the singleton agent profile (zero value if unset).
func (s *Store) GetAgentProfile(ctx context.Context) (AgentProfile, error) {
	var p AgentProfile
	err := s.getProfile(ctx, profileAgent, &p)
	return p, err
}

// SetAgentProfile writes the singleton agent profile.
func (s *Store) SetAgentProfile(ctx context.Context, p AgentProfile) error {
	return s.setProfile(ctx, profileAgent, p)
}

// GetUserProfile returns the singleton user profile (zero value if unset).
func (s *Store) GetUserProfile(ctx context.Context) (UserProfile, error) {
	var p UserProfile
	err := s.getProfile(ctx, profileUser, &p)
	return p, err
}

// SetUserProfile writes the singleton user profile.
func (s *Store) SetUserProfile(ctx context.Context, p UserProfile) error {
	return s.setProfile(ctx, profileUser, p)
}

func (s *Store) getProfile(ctx context.Context, key string, dst any) error {
	row := s.queryRow(ctx, `SELECT data FROM profiles WHERE singleton = ?`, key)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if isNoRows(err) {
			return nil // zero value; absence is not an error
		}
		return storageErr("get profile", err)
	}
	return json.Unmarshal([]byte(raw), dst)
}

func (s *Store) setProfile(ctx context.Context, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO profiles (singleton, data) VALUES (?, ?)
			 ON CONFLICT(singleton) DO UPDATE SET data = excluded.data`,
			key, string(raw))
		return err
	})
}
