package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	// Seed metadata (outside bootstrap transaction, meta table now exists)
	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		// Clustering sessions
		`CREATE TABLE IF NOT EXISTS sessions (
			id                  TEXT PRIMARY KEY,
			owner               TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL,
			algorithm           TEXT NOT NULL,
			params_json         TEXT NOT NULL DEFAULT '{}',
			source_path         TEXT NOT NULL DEFAULT '',
			source_name         TEXT NOT NULL DEFAULT '',
			archive_path        TEXT NOT NULL DEFAULT '',
			result_message      TEXT NOT NULL DEFAULT '',
			num_clusters        INTEGER NOT NULL DEFAULT 0,
			processing_time_sec REAL NOT NULL DEFAULT 0,
			scatter_cache_path  TEXT,
			version             INTEGER NOT NULL DEFAULT 0,
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at          DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Cluster descriptors; soft-deleted rows keep their label forever
		`CREATE TABLE IF NOT EXISTS clusters (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			label        TEXT NOT NULL,
			original_id  TEXT,
			centroid     BLOB,
			dimensions   INTEGER NOT NULL DEFAULT 0,
			centroid_2d  TEXT,
			size         INTEGER NOT NULL DEFAULT 0,
			sheet_path   TEXT,
			display_name TEXT,
			is_deleted   INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// One active cluster per label; deleted rows are exempt so a label
		// can exist once live and many times in history
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_clusters_active_label
			ON clusters(session_id, label) WHERE is_deleted = 0`,

		`CREATE INDEX IF NOT EXISTS idx_clusters_session
			ON clusters(session_id)`,

		// Append-only structural edit log
		`CREATE TABLE IF NOT EXISTS adjustments (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			actor        TEXT NOT NULL DEFAULT '',
			action       TEXT NOT NULL,
			details_json TEXT NOT NULL DEFAULT '{}',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_adjustments_session
			ON adjustments(session_id, id)`,

		// Metadata / flags
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bootstrap transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap DDL failed: %w\nstatement: %s", err, stmt)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) seedMeta() error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', '1')
		 ON CONFLICT(key) DO NOTHING`)
	return err
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		// Before bootstrap the meta table itself doesn't exist yet.
		if isMissingTableErr(err) {
			return false, nil
		}
		return false, err
	}
	return value == "1", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, '1')
		 ON CONFLICT(key) DO UPDATE SET value = '1'`, key)
	return err
}

func isMissingTableErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
