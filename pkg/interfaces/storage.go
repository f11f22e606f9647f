// Package interfaces defines the narrow contracts internal/server depends
// on, so that tests can substitute fakes without pulling in a real SQLite
// database.
package interfaces

import (
	"context"

	"chatserver/pkg/types"
)

// Storage is the persistence contract described in spec.md §4.6.
// internal/storage.Manager implements it.
type Storage interface {
	CreateUser(ctx context.Context, username, passwordHash string) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)

	CreateChannel(ctx context.Context, name, description string, createdBy int64) (int64, error)
	GetChannelByName(ctx context.Context, name string) (*types.Channel, error)
	ListChannels(ctx context.Context) ([]types.Channel, error)

	SaveMessage(ctx context.Context, channelID, userID int64, content, kind string) (*types.Message, error)
	GetMessageHistory(ctx context.Context, channelID int64, limit int) ([]types.Message, error)

	CreateSession(ctx context.Context, token string, userID int64) error
	ValidateSession(ctx context.Context, token string) (int64, bool, error)
	PruneExpiredSessions(ctx context.Context) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
