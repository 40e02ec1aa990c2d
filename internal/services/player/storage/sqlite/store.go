// Package sqlite provides SQLite-backed persistence for player records.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pennyrealm/pennyrealm/internal/platform/storage/sqlitemigrate"
	"github.com/pennyrealm/pennyrealm/internal/services/player"
	"github.com/pennyrealm/pennyrealm/internal/services/player/storage"
	"github.com/pennyrealm/pennyrealm/internal/services/player/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for player records.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a player SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, clock: time.Now}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetPlayer loads one player by id.
func (s *Store) GetPlayer(ctx context.Context, playerID string) (player.Player, error) {
	if err := ctx.Err(); err != nil {
		return player.Player{}, err
	}
	if s == nil || s.sqlDB == nil {
		return player.Player{}, fmt.Errorf("storage is not configured")
	}
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return player.Player{}, fmt.Errorf("player id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, location, pennies, inventory_json
FROM players
WHERE id = ?
`, playerID)
	record, err := scanPlayer(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return player.Player{}, storage.ErrNotFound
		}
		return player.Player{}, fmt.Errorf("get player: %w", err)
	}
	return record, nil
}

// PutPlayer creates or replaces one player record.
func (s *Store) PutPlayer(ctx context.Context, record player.Player) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("player id is required")
	}

	inventoryJSON, err := marshalInventory(record.Inventory)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO players (id, name, location, pennies, inventory_json, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	location = excluded.location,
	pennies = excluded.pennies,
	inventory_json = excluded.inventory_json,
	updated_at = excluded.updated_at
`, record.ID, record.Name, record.Location, record.Pennies, inventoryJSON, toMillis(s.clock()))
	if err != nil {
		return fmt.Errorf("put player: %w", err)
	}
	return nil
}

// UpdatePlayers replaces several player records in one transaction. Every
// record must already exist; on any miss the whole write rolls back.
func (s *Store) UpdatePlayers(ctx context.Context, records []player.Player) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin player update: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback player update: %v", cause, rollbackErr)
		}
		return cause
	}

	now := toMillis(s.clock())
	for _, record := range records {
		inventoryJSON, err := marshalInventory(record.Inventory)
		if err != nil {
			return rollbackWith(err)
		}
		result, err := tx.ExecContext(ctx, `
UPDATE players
SET name = ?, location = ?, pennies = ?, inventory_json = ?, updated_at = ?
WHERE id = ?
`, record.Name, record.Location, record.Pennies, inventoryJSON, now, record.ID)
		if err != nil {
			return rollbackWith(fmt.Errorf("update player %s: %w", record.ID, err))
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return rollbackWith(fmt.Errorf("update player %s rows affected: %w", record.ID, err))
		}
		if affected == 0 {
			return rollbackWith(storage.ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit player update: %w", err)
	}
	return nil
}

type scanner func(dest ...any) error

func scanPlayer(scan scanner) (player.Player, error) {
	var record player.Player
	var inventoryJSON string
	if err := scan(
		&record.ID,
		&record.Name,
		&record.Location,
		&record.Pennies,
		&inventoryJSON,
	); err != nil {
		return player.Player{}, err
	}
	record.Inventory = make(map[string]int)
	if strings.TrimSpace(inventoryJSON) != "" {
		if err := json.Unmarshal([]byte(inventoryJSON), &record.Inventory); err != nil {
			return player.Player{}, fmt.Errorf("decode inventory: %w", err)
		}
	}
	return record, nil
}

func marshalInventory(inventory map[string]int) (string, error) {
	if inventory == nil {
		inventory = map[string]int{}
	}
	encoded, err := json.Marshal(inventory)
	if err != nil {
		return "", fmt.Errorf("encode inventory: %w", err)
	}
	return string(encoded), nil
}
