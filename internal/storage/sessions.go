package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatserver/internal/auth"
)

// CreateSession stores a new session token with a 24h expiry from now.
func (m *Manager) CreateSession(ctx context.Context, token string, userID int64) error {
	expires := time.Now().UTC().Add(auth.SessionTTL)
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
			token, userID, expires.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// ValidateSession returns the owning user id iff token exists and has not
// expired. Tokens are never extended on use.
func (m *Manager) ValidateSession(ctx context.Context, token string) (int64, bool, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT user_id, expires_at FROM sessions WHERE token = ?", token,
	)
	var userID int64
	var expiresAt string
	if err := row.Scan(&userID, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("query session: %w", err)
	}
	expires, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return 0, false, fmt.Errorf("parse session expiry: %w", err)
	}
	if time.Now().UTC().After(expires) {
		return 0, false, nil
	}
	return userID, true, nil
}

// PruneExpiredSessions deletes every session row past its expiry. This
// resolves spec.md's open question about session pruning: an optional,
// non-required sweep, not called from any required correctness path.
func (m *Manager) PruneExpiredSessions(ctx context.Context) (int64, error) {
	var affected int64
	err := m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM sessions WHERE expires_at < ?", time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
