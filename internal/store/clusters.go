package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

const clusterColumns = `id, session_id, label, original_id, centroid, dimensions,
	centroid_2d, size, sheet_path, display_name, is_deleted, created_at`

// CreateCluster inserts a cluster descriptor and returns its row ID.
func (s *SQLiteStore) CreateCluster(ctx context.Context, c *Cluster) (int64, error) {
	return insertCluster(ctx, s.db, c)
}

// CreateClusterTx is CreateCluster inside an edit transaction.
func CreateClusterTx(ctx context.Context, tx *sql.Tx, c *Cluster) (int64, error) {
	return insertCluster(ctx, tx, c)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCluster(ctx context.Context, db execer, c *Cluster) (int64, error) {
	centroid2d, err := marshalCentroid2D(c.Centroid2D)
	if err != nil {
		return 0, fmt.Errorf("encoding centroid_2d of cluster %s: %w", c.Label, err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO clusters (session_id, label, original_id, centroid,
			dimensions, centroid_2d, size, sheet_path, display_name, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Label, c.OriginalID, float32ToBytes(c.Centroid),
		c.Dimensions, centroid2d, c.Size, c.SheetPath, c.DisplayName,
		boolToInt(c.IsDeleted))
	if err != nil {
		return 0, fmt.Errorf("creating cluster %s in session %s: %w", c.Label, c.SessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// GetCluster retrieves a cluster by row ID. Returns nil if not found.
func (s *SQLiteStore) GetCluster(ctx context.Context, id int64) (*Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id)
	c, err := scanCluster(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cluster %d: %w", id, err)
	}
	return c, nil
}

// GetActiveClusterByLabel retrieves the live cluster with the given label.
// Returns nil if the label is absent or soft-deleted.
func (s *SQLiteStore) GetActiveClusterByLabel(ctx context.Context, sessionID, label string) (*Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters
		 WHERE session_id = ? AND label = ? AND is_deleted = 0`, sessionID, label)
	c, err := scanCluster(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cluster %s in session %s: %w", label, sessionID, err)
	}
	return c, nil
}

// ListActiveClusters returns the live clusters of a session ordered by
// numeric label ascending. Non-numeric labels sort after numeric ones.
func (s *SQLiteStore) ListActiveClusters(ctx context.Context, sessionID string) ([]*Cluster, error) {
	return s.listClusters(ctx, sessionID, true)
}

// ListClusters returns every cluster of a session, deleted rows included.
func (s *SQLiteStore) ListClusters(ctx context.Context, sessionID string) ([]*Cluster, error) {
	return s.listClusters(ctx, sessionID, false)
}

func (s *SQLiteStore) listClusters(ctx context.Context, sessionID string, activeOnly bool) ([]*Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE session_id = ?`
	if activeOnly {
		query += ` AND is_deleted = 0`
	}
	// GLOB picks out purely numeric labels so '10' sorts after '2'.
	query += ` ORDER BY CASE WHEN label GLOB '[0-9]*' THEN CAST(label AS INTEGER) ELSE 2147483647 END, label`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing clusters of session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var clusters []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// ListDeletedLabels returns the labels of soft-deleted clusters.
func (s *SQLiteStore) ListDeletedLabels(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label FROM clusters WHERE session_id = ? AND is_deleted = 1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing deleted labels of session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// NextFreeLabel returns one past the highest numeric label ever used in the
// session, deleted clusters included, so labels are never reused. A session
// with no numeric labels starts at 0.
func (s *SQLiteStore) NextFreeLabel(ctx context.Context, sessionID string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label FROM clusters WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("scanning labels of session %s: %w", sessionID, err)
	}
	defer rows.Close()

	max := -1
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return 0, err
		}
		if n, err := strconv.Atoi(label); err == nil && n > max {
			max = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return max + 1, nil
}

// SetCentroid2D caches (or with nil clears) the 2D projection of a centroid.
func (s *SQLiteStore) SetCentroid2D(ctx context.Context, clusterID int64, xy *[2]float64) error {
	encoded, err := marshalCentroid2D(xy)
	if err != nil {
		return fmt.Errorf("encoding centroid_2d of cluster %d: %w", clusterID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE clusters SET centroid_2d = ? WHERE id = ?`, encoded, clusterID)
	if err != nil {
		return fmt.Errorf("setting centroid_2d of cluster %d: %w", clusterID, err)
	}
	return nil
}

// ClearCentroids2D drops every cached 2D projection in a session.
func (s *SQLiteStore) ClearCentroids2D(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET centroid_2d = NULL WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clearing centroid projections of session %s: %w", sessionID, err)
	}
	return nil
}

// SetSheetPath records (or with nil clears) the contact sheet location.
func (s *SQLiteStore) SetSheetPath(ctx context.Context, clusterID int64, path *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET sheet_path = ? WHERE id = ?`, path, clusterID)
	if err != nil {
		return fmt.Errorf("setting sheet path of cluster %d: %w", clusterID, err)
	}
	return nil
}

// SoftDeleteClusterTx retires a cluster inside an edit transaction. The row
// and its label survive; derived caches are dropped with it.
func SoftDeleteClusterTx(ctx context.Context, tx *sql.Tx, clusterID int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE clusters
		 SET is_deleted = 1, centroid_2d = NULL, sheet_path = NULL
		 WHERE id = ? AND is_deleted = 0`, clusterID)
	if err != nil {
		return fmt.Errorf("soft-deleting cluster %d: %w", clusterID, err)
	}
	return requireRow(res, "active cluster", strconv.FormatInt(clusterID, 10))
}

// AddClusterSizeTx adjusts a cluster's point count inside an edit transaction.
func AddClusterSizeTx(ctx context.Context, tx *sql.Tx, clusterID int64, delta int) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE clusters SET size = size + ? WHERE id = ? AND is_deleted = 0`,
		delta, clusterID)
	if err != nil {
		return fmt.Errorf("resizing cluster %d: %w", clusterID, err)
	}
	return requireRow(res, "active cluster", strconv.FormatInt(clusterID, 10))
}

// SetDisplayNameTx updates (or with nil clears) a cluster's display name
// inside an edit transaction.
func SetDisplayNameTx(ctx context.Context, tx *sql.Tx, clusterID int64, name *string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE clusters SET display_name = ? WHERE id = ? AND is_deleted = 0`,
		name, clusterID)
	if err != nil {
		return fmt.Errorf("renaming cluster %d: %w", clusterID, err)
	}
	return requireRow(res, "active cluster", strconv.FormatInt(clusterID, 10))
}

// SetSessionClusterCountTx refreshes the session's live cluster count inside
// an edit transaction.
func SetSessionClusterCountTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions
		 SET num_clusters = (SELECT COUNT(*) FROM clusters
		                     WHERE session_id = ? AND is_deleted = 0)
		 WHERE id = ?`, sessionID, sessionID)
	if err != nil {
		return fmt.Errorf("refreshing cluster count of session %s: %w", sessionID, err)
	}
	return nil
}

func scanCluster(row scanner) (*Cluster, error) {
	var c Cluster
	var originalID, centroid2d, sheetPath, displayName sql.NullString
	var centroid []byte
	var isDeleted int
	err := row.Scan(&c.ID, &c.SessionID, &c.Label, &originalID, &centroid,
		&c.Dimensions, &centroid2d, &c.Size, &sheetPath, &displayName,
		&isDeleted, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if originalID.Valid {
		c.OriginalID = &originalID.String
	}
	if sheetPath.Valid {
		c.SheetPath = &sheetPath.String
	}
	if displayName.Valid {
		c.DisplayName = &displayName.String
	}
	if len(centroid) > 0 {
		c.Centroid = bytesToFloat32(centroid)
	}
	if centroid2d.Valid {
		var xy [2]float64
		if err := json.Unmarshal([]byte(centroid2d.String), &xy); err != nil {
			return nil, fmt.Errorf("decoding centroid_2d of cluster %d: %w", c.ID, err)
		}
		c.Centroid2D = &xy
	}
	c.IsDeleted = isDeleted != 0
	return &c, nil
}

func marshalCentroid2D(xy *[2]float64) (*string, error) {
	if xy == nil {
		return nil, nil
	}
	data, err := json.Marshal(xy)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
