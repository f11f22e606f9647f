package storage

import (
	"context"
	"database/sql"
	"fmt"

	"chatserver/pkg/types"
)

// SaveMessage inserts a chat message and returns its server-assigned,
// strictly increasing id and creation timestamp.
func (m *Manager) SaveMessage(ctx context.Context, channelID, userID int64, content, kind string) (*types.Message, error) {
	var msg types.Message
	err := m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"INSERT INTO messages (channel_id, user_id, content, msg_type) VALUES (?, ?, ?, ?)",
			channelID, userID, content, kind,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		row := db.QueryRowContext(ctx, "SELECT created_at FROM messages WHERE id = ?", id)
		if err := row.Scan(&msg.CreatedAt); err != nil {
			return fmt.Errorf("read back message timestamp: %w", err)
		}
		msg = types.Message{ID: id, ChannelID: channelID, UserID: userID, Content: content, Kind: kind, CreatedAt: msg.CreatedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessageHistory returns the last limit messages for channelID in
// chronological (ascending) order, each joined with the author's current
// username.
func (m *Manager) GetMessageHistory(ctx context.Context, channelID int64, limit int) ([]types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.msg_type, m.created_at, u.username
		FROM messages m
		JOIN users u ON m.user_id = u.id
		WHERE m.channel_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query message history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var descending []types.Message
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.Kind, &msg.CreatedAt, &msg.Username); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ChannelID = channelID
		descending = append(descending, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]types.Message, len(descending))
	for i, msg := range descending {
		out[len(descending)-1-i] = msg
	}
	return out, nil
}
