// Package types holds the persistent and ephemeral domain structures shared
// across the chat server: users, channels, messages, sessions, and the
// per-connection context that ties a live socket to its authenticated
// identity.
package types

import "time"

// Message kinds stored and broadcast by the chat engine.
const (
	MessageKindChat   = "message"
	MessageKindAction = "action"
)

// Connection phases for the per-connection state machine.
const (
	PhaseUnauthenticated = "unauthenticated"
	PhaseAuthenticated   = "authenticated"
)

// Presence status values carried on status_change frames.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DefaultChannelName is seeded at first storage init if absent.
const DefaultChannelName = "general"

// User is a persistent, never-deleted account record.
type User struct {
	ID           int64     `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Channel is a persistent, never-deleted message channel.
type Channel struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedBy   *int64    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Message is a persistent, append-only chat entry.
type Message struct {
	ID        int64     `json:"id" db:"id"`
	ChannelID int64     `json:"channel_id" db:"channel_id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Username  string    `json:"username" db:"-"`
	Content   string    `json:"content" db:"content"`
	Kind      string    `json:"kind" db:"msg_type"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Session is an opaque, pruneable credential minted on successful
// authentication. Not currently consulted for reconnect auth.
type Session struct {
	Token     string    `json:"token" db:"token"`
	UserID    int64     `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// Valid reports whether the session has not yet expired.
func (s Session) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// ConnectionContext is the ephemeral, per-socket authentication state. It
// does not own the socket itself; internal/server owns the net.Conn and
// embeds this struct for its identity fields.
type ConnectionContext struct {
	Phase          string
	Username       string
	UserID         int64
	SessionToken   string
	CurrentChannel string
}

// IsAuthenticated reports whether the connection has completed login.
func (c *ConnectionContext) IsAuthenticated() bool {
	return c.Phase == PhaseAuthenticated
}
