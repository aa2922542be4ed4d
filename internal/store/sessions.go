package store

import (
	"context"
	"database/sql"
	"fmt"
)

const sessionColumns = `id, owner, status, algorithm, params_json, source_path,
	source_name, archive_path, result_message, num_clusters,
	processing_time_sec, scatter_cache_path, version, created_at, updated_at`

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("creating session: id is required")
	}
	if sess.Status == "" {
		sess.Status = StatusStarted
	}
	if sess.ParamsJSON == "" {
		sess.ParamsJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, status, algorithm, params_json,
			source_path, source_name, archive_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Owner, sess.Status, sess.Algorithm, sess.ParamsJSON,
		sess.SourcePath, sess.SourceName, sess.ArchivePath)
	if err != nil {
		return fmt.Errorf("creating session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil if not found.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first. An empty owner lists all.
func (s *SQLiteStore) ListSessions(ctx context.Context, owner string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SetSessionStatus updates the lifecycle status of a session.
func (s *SQLiteStore) SetSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id)
	if err != nil {
		return fmt.Errorf("setting status of session %s: %w", id, err)
	}
	return requireRow(res, "session", id)
}

// FinishSession records the terminal outcome of a pipeline run.
func (s *SQLiteStore) FinishSession(ctx context.Context, id, status, resultMessage string, numClusters int, processingTimeSec float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, result_message = ?, num_clusters = ?,
		     processing_time_sec = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, resultMessage, numClusters, processingTimeSec, id)
	if err != nil {
		return fmt.Errorf("finishing session %s: %w", id, err)
	}
	return requireRow(res, "session", id)
}

// SetArchivePath records where the session's embedding artifact was archived.
func (s *SQLiteStore) SetArchivePath(ctx context.Context, id, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archive_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		path, id)
	if err != nil {
		return fmt.Errorf("setting archive path of session %s: %w", id, err)
	}
	return requireRow(res, "session", id)
}

// SetScatterCachePath records (or with nil clears) the scatter cache location.
// Clearing is its own committed write so a later edit failure can never
// resurrect a stale cache.
func (s *SQLiteStore) SetScatterCachePath(ctx context.Context, id string, path *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET scatter_cache_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		path, id)
	if err != nil {
		return fmt.Errorf("setting scatter cache of session %s: %w", id, err)
	}
	return requireRow(res, "session", id)
}

// DeleteSession removes a session and, via foreign keys, its clusters and
// adjustment log.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// SetSessionOutcomeTx updates status and result message inside an edit
// transaction so they commit atomically with the descriptor changes.
func SetSessionOutcomeTx(ctx context.Context, tx *sql.Tx, sessionID, status, message string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, result_message = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`, status, message, sessionID)
	if err != nil {
		return fmt.Errorf("recording outcome of session %s: %w", sessionID, err)
	}
	return requireRow(res, "session", sessionID)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var scatter sql.NullString
	err := row.Scan(&sess.ID, &sess.Owner, &sess.Status, &sess.Algorithm,
		&sess.ParamsJSON, &sess.SourcePath, &sess.SourceName, &sess.ArchivePath,
		&sess.ResultMessage, &sess.NumClusters, &sess.ProcessingTimeSec,
		&scatter, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if scatter.Valid {
		sess.ScatterCachePath = &scatter.String
	}
	return &sess, nil
}
