package cluster

import (
	"context"
	"testing"

	"klaster/internal/source"
	"klaster/internal/store"
)

func strPtr(s string) *string { return &s }

func densityFixture() *source.Matrix {
	// Two dense blobs and one outlier, matching eps=0.5 min_samples=3.
	return &source.Matrix{
		Data: []float32{
			0, 0, 0.1, 0, 0, 0.1,
			10, 10, 10.1, 10, 10, 10.1,
			50, 50,
		},
		N: 7,
		D: 2,
	}
}

func TestDensityReconstructMapsProvenance(t *testing.T) {
	r := NewReconstructor(nil, nil, nil)
	sess := &store.Session{
		ID:         "sess-d",
		Algorithm:  AlgorithmDBSCAN,
		ParamsJSON: `{"eps":0.5,"min_samples":3}`,
	}
	active := []*store.Cluster{
		{Label: "0", OriginalID: strPtr("0"), Centroid: []float32{0, 0}},
		{Label: "1", OriginalID: strPtr("1"), Centroid: []float32{10, 10}},
	}

	labels, err := r.Assign(sess, densityFixture(), active)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	want := []int{0, 0, 0, 1, 1, 1, Noise}
	for i, w := range want {
		if labels[i] != w {
			t.Errorf("label[%d] = %d, want %d", i, labels[i], w)
		}
	}
}

func TestDensityReconstructDeletedMapsToNoise(t *testing.T) {
	r := NewReconstructor(nil, nil, nil)
	sess := &store.Session{
		ID:         "sess-d",
		Algorithm:  AlgorithmDBSCAN,
		ParamsJSON: `{"eps":0.5,"min_samples":3}`,
	}
	// Only the first blob's descriptor survives; the second raw cluster is
	// unclaimed and falls to noise.
	active := []*store.Cluster{
		{Label: "0", OriginalID: strPtr("0"), Centroid: []float32{0, 0}},
	}

	labels, err := r.Assign(sess, densityFixture(), active)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	want := []int{0, 0, 0, Noise, Noise, Noise, Noise}
	for i, w := range want {
		if labels[i] != w {
			t.Errorf("label[%d] = %d, want %d", i, labels[i], w)
		}
	}
}

func TestDensityReconstructAmbiguousProvenanceIsNoise(t *testing.T) {
	r := NewReconstructor(nil, nil, nil)
	sess := &store.Session{
		ID:         "sess-d",
		Algorithm:  AlgorithmDBSCAN,
		ParamsJSON: `{"eps":0.5,"min_samples":3}`,
	}
	// Both halves of a split carry the same provenance; the raw cluster
	// cannot be mapped to either and its points fall to noise.
	active := []*store.Cluster{
		{Label: "2", OriginalID: strPtr("0"), Centroid: []float32{0, 0}},
		{Label: "3", OriginalID: strPtr("0"), Centroid: []float32{0.1, 0}},
		{Label: "1", OriginalID: strPtr("1"), Centroid: []float32{10, 10}},
	}

	labels, err := r.Assign(sess, densityFixture(), active)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	want := []int{Noise, Noise, Noise, 1, 1, 1, Noise}
	for i, w := range want {
		if labels[i] != w {
			t.Errorf("label[%d] = %d, want %d", i, labels[i], w)
		}
	}
}

func TestNearestReconstructSkipsMismatchedDims(t *testing.T) {
	r := NewReconstructor(nil, nil, nil)
	sess := &store.Session{ID: "sess-k", Algorithm: AlgorithmKMeans}
	m := &source.Matrix{Data: []float32{0, 0, 10, 10}, N: 2, D: 2}
	active := []*store.Cluster{
		{Label: "0", Centroid: []float32{0, 0}},
		{Label: "1", Centroid: []float32{1, 2, 3}}, // wrong dimensionality
	}

	labels, err := r.Assign(sess, m, active)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	// The mismatched descriptor is skipped, not fatal; everything lands on
	// the remaining centroid.
	for i, l := range labels {
		if l != 0 {
			t.Errorf("label[%d] = %d, want 0", i, l)
		}
	}
}

func TestNearestReconstructNoActiveIsAllNoise(t *testing.T) {
	r := NewReconstructor(nil, nil, nil)
	sess := &store.Session{ID: "sess-k", Algorithm: AlgorithmKMeans}
	m := &source.Matrix{Data: []float32{0, 0, 10, 10}, N: 2, D: 2}

	labels, err := r.Assign(sess, m, nil)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for i, l := range labels {
		if l != Noise {
			t.Errorf("label[%d] = %d, want noise", i, l)
		}
	}
}

func TestReconstructLoadsFromStore(t *testing.T) {
	_, st, _ := newTestEngine(t)
	sess := threeClusterSession(t, st)

	r := NewReconstructor(st, source.NewFileSource(), nil)
	labels, err := r.Reconstruct(context.Background(), sess)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	want := []int{0, 0, 1, 2}
	for i, w := range want {
		if labels[i] != w {
			t.Errorf("label[%d] = %d, want %d", i, labels[i], w)
		}
	}
}
