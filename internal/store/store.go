// Package store provides the SQLite metadata layer for Klaster.
//
// All session and cluster metadata lives in a single SQLite database file:
// - Clustering sessions with their lifecycle status and parameters
// - Cluster descriptors (label, centroid, size, derived caches)
// - The append-only adjustment log recording every structural edit
//
// Point-to-cluster assignments are deliberately not stored; they are
// reconstructed on demand from the centroid descriptors.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.klaster/klaster.db"

// Session lifecycle states. A session moves through the pipeline states in
// order, lands in StatusSuccess or StatusFailure, and flips to
// StatusReclustered after any structural edit.
const (
	StatusStarted             = "STARTED"
	StatusLoadingData         = "LOADING_DATA"
	StatusClustering          = "CLUSTERING"
	StatusFindingNeighbors    = "FINDING_NEIGHBORS"
	StatusSavingResults       = "SAVING_RESULTS"
	StatusProcessing          = "PROCESSING"
	StatusSuccess             = "SUCCESS"
	StatusFailure             = "FAILURE"
	StatusReclustered         = "RECLUSTERED"
	StatusReclusteringStarted = "RECLUSTERING_STARTED"
	StatusReclusteringFailed  = "RECLUSTERING_FAILED"
)

// Adjustment log action tags.
const (
	ActionRedistribute    = "REDISTRIBUTE_CLUSTER"
	ActionMerge           = "MERGE_CLUSTERS"
	ActionSplit           = "SPLIT_CLUSTER"
	ActionRename          = "RENAME"
	ActionDeleteNoTargets = "DELETE_CLUSTER_NO_TARGETS"
	ActionDeleteNoPoints  = "DELETE_CLUSTER_NO_POINTS"
)

// ErrVersionConflict reports that a session was modified concurrently:
// the optimistic version check at commit time matched zero rows.
var ErrVersionConflict = errors.New("session version conflict")

// Session represents one clustering run over an embedding source.
type Session struct {
	ID                string
	Owner             string
	Status            string
	Algorithm         string
	ParamsJSON        string
	SourcePath        string
	SourceName        string
	ArchivePath       string
	ResultMessage     string
	NumClusters       int
	ProcessingTimeSec float64
	// ScatterCachePath is nil when the 2D scatter projection must be
	// regenerated before it can be served again.
	ScatterCachePath *string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Cluster is one centroid descriptor within a session.
//
// A soft-deleted cluster keeps its row (and therefore its label) forever so
// labels are never reused within a session; only active clusters take part
// in reconstruction and edits.
type Cluster struct {
	ID        int64
	SessionID string
	// Label is the stable cluster identity, stored as text but numeric for
	// every cluster the system itself creates.
	Label string
	// OriginalID maps a density-scan cluster back to the raw label the
	// algorithm produced, or nil for partition clusters and edited clusters.
	OriginalID *string
	Centroid   []float32
	Dimensions int
	// Centroid2D is the cached PCA projection, nil until computed.
	Centroid2D  *[2]float64
	Size        int
	SheetPath   *string
	DisplayName *string
	IsDeleted   bool
	CreatedAt   time.Time
}

// Adjustment is one entry in the append-only structural edit log.
type Adjustment struct {
	ID          int64
	SessionID   string
	Actor       string
	Action      string
	DetailsJSON string
	CreatedAt   time.Time
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the metadata storage interface.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, owner string) ([]*Session, error)
	SetSessionStatus(ctx context.Context, id, status string) error
	FinishSession(ctx context.Context, id, status, resultMessage string, numClusters int, processingTimeSec float64) error
	SetArchivePath(ctx context.Context, id, path string) error
	SetScatterCachePath(ctx context.Context, id string, path *string) error
	DeleteSession(ctx context.Context, id string) error

	// Clusters
	CreateCluster(ctx context.Context, c *Cluster) (int64, error)
	GetCluster(ctx context.Context, id int64) (*Cluster, error)
	GetActiveClusterByLabel(ctx context.Context, sessionID, label string) (*Cluster, error)
	ListActiveClusters(ctx context.Context, sessionID string) ([]*Cluster, error)
	ListClusters(ctx context.Context, sessionID string) ([]*Cluster, error)
	ListDeletedLabels(ctx context.Context, sessionID string) ([]string, error)
	NextFreeLabel(ctx context.Context, sessionID string) (int, error)
	SetCentroid2D(ctx context.Context, clusterID int64, xy *[2]float64) error
	ClearCentroids2D(ctx context.Context, sessionID string) error
	SetSheetPath(ctx context.Context, clusterID int64, path *string) error

	// Adjustments
	ListAdjustments(ctx context.Context, sessionID string) ([]*Adjustment, error)

	// EditSession runs fn inside a transaction and commits it together with
	// an optimistic version bump on the session row. If the session version
	// no longer matches, nothing is committed and ErrVersionConflict is
	// returned.
	EditSession(ctx context.Context, sessionID string, version int64, fn func(tx *sql.Tx) error) error

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only, never auto-vacuum.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// EditSession implements the single mutation boundary for structural edits.
func (s *SQLiteStore) EditSession(ctx context.Context, sessionID string, version int64, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning edit transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`, sessionID, version)
	if err != nil {
		return fmt.Errorf("bumping session version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking version bump: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("committing edit for session %s: %w", sessionID, ErrVersionConflict)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing edit transaction: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
