package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"chatserver/pkg/types"
)

// ErrConflict is returned when a unique-constraint insert collides with an
// existing row (case-insensitive username or channel name).
var ErrConflict = errors.New("storage: conflict")

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("storage: not found")

// CreateUser inserts a new user. Returns ErrConflict on a case-insensitive
// username collision.
func (m *Manager) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	var id int64
	err := m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"INSERT INTO users (username, password_hash) VALUES (?, ?)",
			username, passwordHash,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert user: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetUserByUsername performs a case-insensitive username lookup.
func (m *Manager) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = ? COLLATE NOCASE",
		username,
	)
	var u types.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
