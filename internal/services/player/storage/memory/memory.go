// Package memory provides an in-memory player store for tests and for
// running without a database path configured.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/pennyrealm/pennyrealm/internal/services/player"
	"github.com/pennyrealm/pennyrealm/internal/services/player/storage"
)

// Store keeps player records in process memory.
type Store struct {
	mu      sync.RWMutex
	players map[string]player.Player
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{players: make(map[string]player.Player)}
}

// GetPlayer loads one player by id.
func (s *Store) GetPlayer(ctx context.Context, playerID string) (player.Player, error) {
	if err := ctx.Err(); err != nil {
		return player.Player{}, err
	}
	playerID = strings.TrimSpace(playerID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.players[playerID]
	if !ok {
		return player.Player{}, storage.ErrNotFound
	}
	return record.Clone(), nil
}

// PutPlayer creates or replaces one player record.
func (s *Store) PutPlayer(ctx context.Context, record player.Player) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.players[record.ID] = record.Clone()
	return nil
}

// UpdatePlayers replaces several player records in one atomic write. Every
// record must already exist; partial application never happens.
func (s *Store) UpdatePlayers(ctx context.Context, records []player.Player) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		if _, ok := s.players[record.ID]; !ok {
			return storage.ErrNotFound
		}
	}
	for _, record := range records {
		s.players[record.ID] = record.Clone()
	}
	return nil
}

// Close releases nothing; it satisfies the store boundary.
func (s *Store) Close() error {
	return nil
}
