// Package sqlitemigrate applies embedded SQL migrations to a sqlite
// database, tracking applied files so each one runs at most once.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	ledgerTable = "schema_migrations"

	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// ApplyMigrations runs every pending .sql file under root in lexical order.
// Files already recorded in the ledger are skipped, so re-running on an
// up-to-date database is a no-op.
func ApplyMigrations(sqlDB *sql.DB, migrationFS fs.FS, root string) error {
	if sqlDB == nil {
		return fmt.Errorf("sql db is required")
	}

	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	files, err := listMigrations(migrationFS, root)
	if err != nil {
		return err
	}
	if err := ensureLedger(sqlDB); err != nil {
		return err
	}

	for _, file := range files {
		if err := applyOne(sqlDB, migrationFS, root, file); err != nil {
			return err
		}
	}
	return nil
}

func listMigrations(migrationFS fs.FS, root string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

func ensureLedger(sqlDB *sql.DB) error {
	_, err := sqlDB.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`, ledgerTable))
	if err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}
	return nil
}

func applyOne(sqlDB *sql.DB, migrationFS fs.FS, root, file string) error {
	key := file
	if root != "." {
		key = path.Join(root, file)
	}

	applied, err := isApplied(sqlDB, key)
	if err != nil {
		return fmt.Errorf("check migration %s: %w", file, err)
	}
	if applied {
		return nil
	}

	content, err := fs.ReadFile(migrationFS, path.Join(root, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	upSQL := UpSection(string(content))
	if strings.TrimSpace(upSQL) == "" {
		return nil
	}

	tx, err := sqlDB.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", file, err)
	}
	if _, err := tx.Exec(upSQL); err != nil && !isAlreadyExists(err) {
		_ = tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.Exec(
		fmt.Sprintf("INSERT OR IGNORE INTO %s (name, applied_at) VALUES (?, ?)", ledgerTable),
		key,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

// UpSection returns the SQL between the Up and Down markers. Files without
// markers apply whole.
func UpSection(content string) string {
	up := strings.Index(content, upMarker)
	if up == -1 {
		return content
	}
	body := content[up+len(upMarker):]
	if down := strings.Index(body, downMarker); down != -1 {
		body = body[:down]
	}
	return body
}

// isAlreadyExists treats re-applied idempotent DDL as success.
func isAlreadyExists(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "already exists") || strings.Contains(message, "duplicate column name")
}

func isApplied(sqlDB *sql.DB, name string) (bool, error) {
	var found int
	err := sqlDB.QueryRow("SELECT 1 FROM "+ledgerTable+" WHERE name = ?", name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
