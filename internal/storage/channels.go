package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatserver/pkg/types"
)

// CreateChannel inserts a new channel. Returns ErrConflict on a
// case-insensitive name collision.
func (m *Manager) CreateChannel(ctx context.Context, name, description string, createdBy int64) (int64, error) {
	var id int64
	err := m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"INSERT INTO channels (name, description, created_by) VALUES (?, ?, ?)",
			name, description, createdBy,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert channel: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetChannelByName performs a case-insensitive channel-name lookup.
func (m *Manager) GetChannelByName(ctx context.Context, name string) (*types.Channel, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT id, name, description, created_by, created_at FROM channels WHERE name = ? COLLATE NOCASE",
		name,
	)
	var c types.Channel
	var createdBy sql.NullInt64
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &createdBy, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel: %w", err)
	}
	if createdBy.Valid {
		c.CreatedBy = &createdBy.Int64
	}
	return &c, nil
}

// ListChannels returns every channel ordered by name ascending.
func (m *Manager) ListChannels(ctx context.Context) ([]types.Channel, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT id, name, description FROM channels ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Channel
	for rows.Next() {
		var c types.Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
