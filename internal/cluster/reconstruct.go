package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"klaster/internal/source"
	"klaster/internal/store"
)

// Noise is the assignment of a point that belongs to no active cluster.
const Noise = -1

// Reconstructor derives the full per-point assignment from the O(K) active
// descriptors and the embedding matrix. No label array is ever stored; the
// active centroid set is the partition.
type Reconstructor struct {
	store store.Store
	src   source.Source
	log   *slog.Logger
}

// NewReconstructor wires a reconstructor. A nil logger discards.
func NewReconstructor(st store.Store, src source.Source, log *slog.Logger) *Reconstructor {
	if log == nil {
		log = discardLogger()
	}
	return &Reconstructor{store: st, src: src, log: log}
}

// Reconstruct loads the session's embedding artifact and assigns every point
// to an active cluster label, or Noise. Deterministic and idempotent: two
// calls without an intervening catalog mutation return identical slices.
func (r *Reconstructor) Reconstruct(ctx context.Context, sess *store.Session) ([]int, error) {
	m, _, err := r.src.Load(ctx, sess.SourcePath)
	if err != nil {
		return nil, err
	}
	active, err := r.store.ListActiveClusters(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return r.Assign(sess, m, active)
}

// Assign computes the point assignment against an already-loaded matrix and
// active descriptor list. Descriptors whose centroid dimensionality does not
// match the matrix are skipped with a warning, never fatal.
func (r *Reconstructor) Assign(sess *store.Session, m *source.Matrix, active []*store.Cluster) ([]int, error) {
	switch sess.Algorithm {
	case AlgorithmKMeans:
		return r.assignNearest(sess, m, active), nil
	case AlgorithmDBSCAN:
		return r.assignDensity(sess, m, active)
	default:
		return nil, fmt.Errorf("session %s has unknown algorithm %q", sess.ID, sess.Algorithm)
	}
}

// assignNearest maps every point to the nearest active centroid. Candidates
// are tried in ascending label order with a strict comparison, so equidistant
// points land on the lowest label.
func (r *Reconstructor) assignNearest(sess *store.Session, m *source.Matrix, active []*store.Cluster) []int {
	labels, centroids := r.validCandidates(sess, m.D, active)
	out := make([]int, m.N)
	if len(centroids) == 0 {
		for i := range out {
			out[i] = Noise
		}
		return out
	}
	for i := range out {
		out[i] = labels[nearestCentroid(m.Row(i), centroids)]
	}
	return out
}

// assignDensity re-runs the density scan with the session's original
// parameters and maps each raw cluster to the active descriptor whose
// provenance names it. Raw clusters whose descriptor was deleted, merged
// away, or split away map to noise.
func (r *Reconstructor) assignDensity(sess *store.Session, m *source.Matrix, active []*store.Cluster) ([]int, error) {
	p, err := DecodeParams(sess.Algorithm, sess.ParamsJSON)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	dp := p.(DBSCANParams)
	raw := dbscan(m, dp.Eps, dp.MinSamples)

	// A raw label claimed by more than one active descriptor (both halves
	// of a split carry the same provenance) is unmappable and drops to
	// noise along with unclaimed ones.
	rawToLabel := map[int]int{}
	claimed := map[int]int{}
	for _, c := range active {
		if c.OriginalID == nil {
			continue
		}
		rawLabel, err := strconv.Atoi(*c.OriginalID)
		if err != nil {
			r.log.Warn("skipping descriptor with non-numeric provenance",
				"session", sess.ID, "label", c.Label, "original_id", *c.OriginalID)
			continue
		}
		label, ok := numericLabel(c)
		if !ok {
			r.log.Warn("skipping descriptor with non-numeric label",
				"session", sess.ID, "label", c.Label)
			continue
		}
		claimed[rawLabel]++
		rawToLabel[rawLabel] = label
	}

	out := make([]int, m.N)
	for i, rl := range raw.Labels {
		label, ok := rawToLabel[rl]
		if rl < 0 || !ok || claimed[rl] > 1 {
			out[i] = Noise
			continue
		}
		out[i] = label
	}
	return out, nil
}

// validCandidates filters active descriptors down to those usable against a
// D-dimensional matrix, preserving ascending label order.
func (r *Reconstructor) validCandidates(sess *store.Session, dims int, active []*store.Cluster) ([]int, [][]float32) {
	var labels []int
	var centroids [][]float32
	for _, c := range active {
		label, ok := numericLabel(c)
		if !ok {
			r.log.Warn("skipping descriptor with non-numeric label",
				"session", sess.ID, "label", c.Label)
			continue
		}
		if len(c.Centroid) != dims {
			r.log.Warn("skipping descriptor with mismatched centroid dimensionality",
				"session", sess.ID, "label", c.Label,
				"centroid_dims", len(c.Centroid), "matrix_dims", dims)
			continue
		}
		labels = append(labels, label)
		centroids = append(centroids, c.Centroid)
	}
	return labels, centroids
}

func numericLabel(c *store.Cluster) (int, bool) {
	n, err := strconv.Atoi(c.Label)
	return n, err == nil
}

// nearestValid returns the winning index into centroids for point p, or -1
// when centroids is empty. Kept separate from nearestCentroid for callers
// that need the no-candidate case.
func nearestValid(p []float32, centroids [][]float32) int {
	if len(centroids) == 0 {
		return -1
	}
	best, bestDist := -1, math.Inf(1)
	for j, c := range centroids {
		if d := squaredDistance(p, c); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}
