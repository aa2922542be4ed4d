package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendAdjustmentTx writes an audit entry inside an edit transaction so the
// log commits atomically with the edit it describes.
func AppendAdjustmentTx(ctx context.Context, tx *sql.Tx, a *Adjustment) error {
	if a.DetailsJSON == "" {
		a.DetailsJSON = "{}"
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO adjustments (session_id, actor, action, details_json)
		 VALUES (?, ?, ?, ?)`,
		a.SessionID, a.Actor, a.Action, a.DetailsJSON)
	if err != nil {
		return fmt.Errorf("appending %s adjustment to session %s: %w", a.Action, a.SessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

// ListAdjustments returns the audit log of a session, oldest first.
func (s *SQLiteStore) ListAdjustments(ctx context.Context, sessionID string) ([]*Adjustment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, actor, action, details_json, created_at
		 FROM adjustments WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing adjustments of session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []*Adjustment
	for rows.Next() {
		var a Adjustment
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Actor, &a.Action,
			&a.DetailsJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning adjustment: %w", err)
		}
		entries = append(entries, &a)
	}
	return entries, rows.Err()
}
