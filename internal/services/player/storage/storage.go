// Package storage defines the persistence boundary for player records.
package storage

import (
	"context"
	"errors"

	"github.com/pennyrealm/pennyrealm/internal/services/player"
)

// ErrNotFound indicates no player exists for the requested id.
var ErrNotFound = errors.New("player not found")

// Store is the persistence boundary the trade coordinator and gateway
// depend on.
type Store interface {
	// GetPlayer loads one player by id.
	GetPlayer(ctx context.Context, playerID string) (player.Player, error)
	// PutPlayer creates or replaces one player record.
	PutPlayer(ctx context.Context, record player.Player) error
	// UpdatePlayers replaces several player records in one atomic write.
	UpdatePlayers(ctx context.Context, records []player.Player) error
	// Close releases the underlying resources.
	Close() error
}
