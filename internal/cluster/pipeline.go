package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"klaster/internal/config"
	"klaster/internal/source"
	"klaster/internal/store"
)

// Pipeline drives a clustering session from creation to its terminal state.
//
// The status walk is STARTED, LOADING_DATA, CLUSTERING, FINDING_NEIGHBORS,
// SAVING_RESULTS, PROCESSING, then SUCCESS; any failure lands the session in
// FAILURE with the error as its result message.
type Pipeline struct {
	store  store.Store
	src    source.Source
	engine *Engine
	cfg    config.Config
	log    *slog.Logger
}

// NewPipeline wires a pipeline that shares the engine's derived-artifact
// helpers.
func NewPipeline(st store.Store, src source.Source, engine *Engine, cfg config.Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = discardLogger()
	}
	return &Pipeline{store: st, src: src, engine: engine, cfg: cfg, log: log}
}

// RunRequest describes a new clustering session.
type RunRequest struct {
	Owner      string
	SourcePath string
	Params     Params
}

// Run executes a full clustering session and returns its final record.
// The returned error, if any, is also recorded on the session.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*store.Session, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	paramsJSON, err := EncodeParams(req.Params)
	if err != nil {
		return nil, err
	}

	sess := &store.Session{
		ID:         uuid.NewString(),
		Owner:      req.Owner,
		Status:     store.StatusStarted,
		Algorithm:  req.Params.Algorithm(),
		ParamsJSON: paramsJSON,
		SourcePath: req.SourcePath,
		SourceName: filepath.Base(req.SourcePath),
	}
	if err := p.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	p.log.Info("session started", "session", sess.ID, "algorithm", sess.Algorithm)

	started := time.Now()
	numClusters, pointCount, err := p.run(ctx, sess)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		p.log.Error("session failed", "session", sess.ID, "error", err)
		if ferr := p.store.FinishSession(ctx, sess.ID, store.StatusFailure, err.Error(), 0, elapsed); ferr != nil {
			p.log.Error("recording session failure", "session", sess.ID, "error", ferr)
		}
		return p.store.GetSession(ctx, sess.ID)
	}

	message := fmt.Sprintf("Finished clustering %d points into %d clusters", pointCount, numClusters)
	if err := p.store.FinishSession(ctx, sess.ID, store.StatusSuccess, message, numClusters, elapsed); err != nil {
		return nil, err
	}
	p.log.Info("session finished", "session", sess.ID, "clusters", numClusters, "seconds", elapsed)
	return p.store.GetSession(ctx, sess.ID)
}

func (p *Pipeline) run(ctx context.Context, sess *store.Session) (int, int, error) {
	if err := p.store.SetSessionStatus(ctx, sess.ID, store.StatusLoadingData); err != nil {
		return 0, 0, err
	}
	m, ids, err := p.src.Load(ctx, sess.SourcePath)
	if err != nil {
		return 0, 0, err
	}

	if err := p.store.SetSessionStatus(ctx, sess.ID, store.StatusClustering); err != nil {
		return 0, 0, err
	}
	params, err := DecodeParams(sess.Algorithm, sess.ParamsJSON)
	if err != nil {
		return 0, 0, err
	}
	fit, err := Fit(m, params)
	if err != nil {
		return 0, 0, err
	}

	// The neighbor pass only feeds contact sheets; it stays in the walk so
	// progress reporting matches what callers expect.
	if err := p.store.SetSessionStatus(ctx, sess.ID, store.StatusFindingNeighbors); err != nil {
		return 0, 0, err
	}
	counts := make([]int, len(fit.Centroids))
	for _, l := range fit.Labels {
		if l >= 0 {
			counts[l]++
		}
	}

	if err := p.store.SetSessionStatus(ctx, sess.ID, store.StatusSavingResults); err != nil {
		return 0, 0, err
	}
	clusters, err := p.saveClusters(ctx, sess, m, fit, counts)
	if err != nil {
		return 0, 0, err
	}

	if err := p.store.SetSessionStatus(ctx, sess.ID, store.StatusProcessing); err != nil {
		return 0, 0, err
	}
	p.archiveSource(ctx, sess)
	if err := p.engine.RefreshCentroidProjections(ctx, sess.ID); err != nil {
		p.log.Warn("projecting centroids", "session", sess.ID, "error", err)
	}
	for _, sc := range clusters {
		if err := p.engine.RenderSheet(ctx, sess, sc.cluster, m, ids, fit.Labels, sc.fitIndex); err != nil {
			p.log.Warn("rendering contact sheet", "session", sess.ID, "label", sc.cluster.Label, "error", err)
		}
	}

	return len(clusters), m.N, nil
}

// savedCluster pairs a persisted descriptor with the fit index its points
// carry in the label array.
type savedCluster struct {
	cluster  *store.Cluster
	fitIndex int
}

// saveClusters persists one descriptor per non-empty fitted cluster. For a
// density scan the raw label is recorded as provenance so reconstruction can
// map re-run output back to these descriptors.
func (p *Pipeline) saveClusters(ctx context.Context, sess *store.Session, m *source.Matrix, fit *FitResult, counts []int) ([]savedCluster, error) {
	var clusters []savedCluster
	next := 0
	for j, centroid := range fit.Centroids {
		if counts[j] == 0 {
			continue
		}
		c := &store.Cluster{
			SessionID:  sess.ID,
			Label:      fmt.Sprintf("%d", next),
			Centroid:   centroid,
			Dimensions: m.D,
			Size:       counts[j],
		}
		if sess.Algorithm == AlgorithmDBSCAN {
			raw := fmt.Sprintf("%d", j)
			c.OriginalID = &raw
		}
		if _, err := p.store.CreateCluster(ctx, c); err != nil {
			return nil, err
		}
		clusters = append(clusters, savedCluster{cluster: c, fitIndex: j})
		next++
	}
	return clusters, nil
}

// archiveSource copies the embedding artifact next to the session's other
// data so the original upload can be removed. Best-effort.
func (p *Pipeline) archiveSource(ctx context.Context, sess *store.Session) {
	dst := filepath.Join(p.cfg.DataDir, "archive", sess.ID+".vecz")
	if err := copyFile(sess.SourcePath, dst); err != nil {
		p.log.Warn("archiving embedding artifact", "session", sess.ID, "error", err)
		return
	}
	if err := p.store.SetArchivePath(ctx, sess.ID, dst); err != nil {
		p.log.Warn("recording archive path", "session", sess.ID, "error", err)
	}
}

// Recluster re-runs a completed session as a new session. The original is
// marked RECLUSTERING_STARTED for the duration and RECLUSTERED or
// RECLUSTERING_FAILED afterwards; its catalog is never touched.
func (p *Pipeline) Recluster(ctx context.Context, sessionID string, params Params, actor string) (*store.Session, error) {
	orig, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if orig.Owner != "" && actor != orig.Owner {
		return nil, fmt.Errorf("%w: session %s", ErrNotOwner, sessionID)
	}
	if orig.Status != store.StatusSuccess && orig.Status != store.StatusReclustered {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidStatus, sessionID, orig.Status)
	}

	if params == nil {
		params, err = DecodeParams(orig.Algorithm, orig.ParamsJSON)
		if err != nil {
			return nil, err
		}
	}

	if err := p.store.SetSessionStatus(ctx, sessionID, store.StatusReclusteringStarted); err != nil {
		return nil, err
	}

	sourcePath := orig.SourcePath
	if _, statErr := os.Stat(sourcePath); statErr != nil && orig.ArchivePath != "" {
		sourcePath = orig.ArchivePath
	}

	newSess, err := p.Run(ctx, RunRequest{Owner: orig.Owner, SourcePath: sourcePath, Params: params})
	if err != nil || newSess.Status != store.StatusSuccess {
		if serr := p.store.SetSessionStatus(ctx, sessionID, store.StatusReclusteringFailed); serr != nil {
			p.log.Error("marking recluster failure", "session", sessionID, "error", serr)
		}
		if err != nil {
			return newSess, err
		}
		return newSess, fmt.Errorf("reclustering session %s: %s", sessionID, newSess.ResultMessage)
	}

	if err := p.store.SetSessionStatus(ctx, sessionID, store.StatusReclustered); err != nil {
		return newSess, err
	}
	return newSess, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	tmpName := out.Name()
	defer os.Remove(tmpName)
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
