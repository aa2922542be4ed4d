package cluster

import (
	"context"
	"path/filepath"
	"testing"

	"klaster/internal/source"
	"klaster/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *Engine, store.Store) {
	t.Helper()
	eng, st, cfg := newTestEngine(t)
	p := NewPipeline(st, source.NewFileSource(), eng, cfg, nil)
	return p, eng, st
}

func TestPipelineKMeansRun(t *testing.T) {
	p, eng, st := newTestPipeline(t)
	path := writeTestMatrix(t, []float32{0, 0, 0.1, 0, 0, 0.1, 10, 10, 10.1, 10, 10, 10.1}, 6, 2)
	ctx := context.Background()

	sess, err := p.Run(ctx, RunRequest{
		Owner:      "alice",
		SourcePath: path,
		Params:     KMeansParams{NClusters: 2},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.Status != store.StatusSuccess {
		t.Fatalf("status = %q (%s), want SUCCESS", sess.Status, sess.ResultMessage)
	}
	if sess.NumClusters != 2 {
		t.Errorf("num_clusters = %d, want 2", sess.NumClusters)
	}
	if sess.ResultMessage == "" {
		t.Error("expected a result message")
	}

	active, _ := st.ListActiveClusters(ctx, sess.ID)
	if len(active) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(active))
	}
	total := 0
	for _, c := range active {
		total += c.Size
		if c.Dimensions != 2 || len(c.Centroid) != 2 {
			t.Errorf("cluster %s has bad centroid shape", c.Label)
		}
		if c.Centroid2D == nil {
			t.Errorf("cluster %s should have a 2D projection", c.Label)
		}
	}
	if total != 6 {
		t.Errorf("cluster sizes sum to %d, want 6", total)
	}
	if sess.ArchivePath == "" {
		t.Error("expected the artifact to be archived")
	}

	// The freshly clustered session reconstructs to exactly what was saved.
	labels, err := eng.ReconstructLabels(ctx, sess.ID, "alice")
	if err != nil {
		t.Fatalf("ReconstructLabels: %v", err)
	}
	if activeSizeSum(t, st, sess.ID) != assignedCount(labels) {
		t.Error("active sizes must match reconstructed assignment")
	}
}

func TestPipelineDBSCANRecordsProvenance(t *testing.T) {
	p, _, st := newTestPipeline(t)
	data := []float32{
		0, 0, 0.1, 0, 0, 0.1,
		10, 10, 10.1, 10, 10, 10.1,
		50, 50,
	}
	path := writeTestMatrix(t, data, 7, 2)
	ctx := context.Background()

	sess, err := p.Run(ctx, RunRequest{
		Owner:      "alice",
		SourcePath: path,
		Params:     DBSCANParams{Eps: 0.5, MinSamples: 3},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.Status != store.StatusSuccess {
		t.Fatalf("status = %q (%s), want SUCCESS", sess.Status, sess.ResultMessage)
	}

	active, _ := st.ListActiveClusters(ctx, sess.ID)
	if len(active) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(active))
	}
	for _, c := range active {
		if c.OriginalID == nil {
			t.Errorf("density cluster %s must record raw-label provenance", c.Label)
		}
	}
	// Noise is not persisted as a cluster.
	total := 0
	for _, c := range active {
		total += c.Size
	}
	if total != 6 {
		t.Errorf("clusters hold %d points, want 6 (outlier is noise)", total)
	}
}

func TestPipelineFailureRecordsMessage(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	sess, err := p.Run(ctx, RunRequest{
		Owner:      "alice",
		SourcePath: filepath.Join(t.TempDir(), "missing.vecz"),
		Params:     KMeansParams{NClusters: 2},
	})
	if err != nil {
		t.Fatalf("Run should record the failure, not return it: %v", err)
	}
	if sess.Status != store.StatusFailure {
		t.Fatalf("status = %q, want FAILURE", sess.Status)
	}
	if sess.ResultMessage == "" {
		t.Error("failure must carry the error as result message")
	}
	if sess.NumClusters != 0 {
		t.Errorf("failed session reports %d clusters", sess.NumClusters)
	}
}

func TestPipelineRejectsBadParams(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	_, err := p.Run(context.Background(), RunRequest{
		Owner:      "alice",
		SourcePath: "whatever.vecz",
		Params:     KMeansParams{NClusters: 0},
	})
	if err == nil {
		t.Fatal("invalid params must be rejected before a session is created")
	}
}

func TestRecluster(t *testing.T) {
	p, _, st := newTestPipeline(t)
	path := writeTestMatrix(t, []float32{0, 0, 0.1, 0, 10, 10, 10.1, 10}, 4, 2)
	ctx := context.Background()

	orig, err := p.Run(ctx, RunRequest{
		Owner:      "alice",
		SourcePath: path,
		Params:     KMeansParams{NClusters: 2},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	fresh, err := p.Recluster(ctx, orig.ID, KMeansParams{NClusters: 4}, "alice")
	if err != nil {
		t.Fatalf("Recluster: %v", err)
	}
	if fresh.ID == orig.ID {
		t.Fatal("recluster must create a new session")
	}
	if fresh.Status != store.StatusSuccess {
		t.Errorf("new session status = %q (%s)", fresh.Status, fresh.ResultMessage)
	}
	if fresh.NumClusters != 4 {
		t.Errorf("new session clusters = %d, want 4", fresh.NumClusters)
	}

	got, _ := st.GetSession(ctx, orig.ID)
	if got.Status != store.StatusReclustered {
		t.Errorf("original status = %q, want RECLUSTERED", got.Status)
	}
	// The original catalog is untouched by the re-run.
	active, _ := st.ListActiveClusters(ctx, orig.ID)
	if len(active) != 2 {
		t.Errorf("original catalog changed: %d clusters", len(active))
	}
}

func TestReclusterFailureMarksOriginal(t *testing.T) {
	p, _, st := newTestPipeline(t)
	path := writeTestMatrix(t, []float32{0, 0, 0.1, 0, 10, 10, 10.1, 10}, 4, 2)
	ctx := context.Background()

	orig, err := p.Run(ctx, RunRequest{
		Owner:      "alice",
		SourcePath: path,
		Params:     KMeansParams{NClusters: 2},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// More clusters than points cannot fit.
	_, err = p.Recluster(ctx, orig.ID, KMeansParams{NClusters: 10}, "alice")
	if err == nil {
		t.Fatal("expected recluster failure")
	}
	got, _ := st.GetSession(ctx, orig.ID)
	if got.Status != store.StatusReclusteringFailed {
		t.Errorf("original status = %q, want RECLUSTERING_FAILED", got.Status)
	}
}
