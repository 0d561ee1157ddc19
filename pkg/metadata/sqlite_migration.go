package metadata

import (
	"database/sql"
	"fmt"
)

// Database schema versions.
const (
	// DBSchemaVersion1 is the initial secrets table
	DBSchemaVersion1 = 1
	// CurrentDBSchemaVersion is the schema applied on open
	CurrentDBSchemaVersion = DBSchemaVersion1
)

// getSchemaVersion returns the stored schema version, or 0 for a database
// that has never been migrated.
func getSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// migrateSchema brings the database to CurrentDBSchemaVersion.
func migrateSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return err
	}
	if version > CurrentDBSchemaVersion {
		return fmt.Errorf("%w: database version %d (max supported %d)", ErrUnsupportedSchema, version, CurrentDBSchemaVersion)
	}

	if version < DBSchemaVersion1 {
		if err := migrateToV1(db); err != nil {
			return fmt.Errorf("failed to migrate to v1: %w", err)
		}
	}
	return nil
}

// migrateToV1 creates the secrets table. It is idempotent.
func migrateToV1(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			expire_at INTEGER NOT NULL,
			expired INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]'
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create secrets table: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	if _, err := tx.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", DBSchemaVersion1); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return tx.Commit()
}
