package cluster

import (
	"testing"

	"klaster/internal/source"
)

func blobMatrix() *source.Matrix {
	// Two tight blobs and one far outlier.
	return &source.Matrix{
		Data: []float32{
			0, 0, 0.1, 0, 0, 0.1,
			10, 10, 10.1, 10, 10, 10.1,
			100, 100,
		},
		N: 7,
		D: 2,
	}
}

func TestKMeansDeterministic(t *testing.T) {
	m := blobMatrix()
	first, err := Fit(m, KMeansParams{NClusters: 2})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	second, err := Fit(m, KMeansParams{NClusters: 2})
	if err != nil {
		t.Fatalf("second Fit: %v", err)
	}
	for i := range first.Labels {
		if first.Labels[i] != second.Labels[i] {
			t.Fatalf("kmeans not deterministic at point %d", i)
		}
	}
}

func TestKMeansSeparatesBlobs(t *testing.T) {
	m := &source.Matrix{
		Data: []float32{0, 0, 0.1, 0, 0, 0.1, 10, 10, 10.1, 10, 10, 10.1},
		N:    6,
		D:    2,
	}
	fit, err := Fit(m, KMeansParams{NClusters: 2})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if fit.Labels[0] != fit.Labels[1] || fit.Labels[1] != fit.Labels[2] {
		t.Errorf("first blob fragmented: %v", fit.Labels)
	}
	if fit.Labels[3] != fit.Labels[4] || fit.Labels[4] != fit.Labels[5] {
		t.Errorf("second blob fragmented: %v", fit.Labels)
	}
	if fit.Labels[0] == fit.Labels[3] {
		t.Errorf("blobs merged: %v", fit.Labels)
	}
	if len(fit.Centroids) != 2 {
		t.Errorf("expected 2 centroids, got %d", len(fit.Centroids))
	}
}

func TestKMeansRejectsTooFewPoints(t *testing.T) {
	m := &source.Matrix{Data: []float32{0, 0}, N: 1, D: 2}
	if _, err := Fit(m, KMeansParams{NClusters: 2}); err == nil {
		t.Fatal("expected error for k > n")
	}
}

func TestDBSCANFindsBlobsAndNoise(t *testing.T) {
	fit, err := Fit(blobMatrix(), DBSCANParams{Eps: 0.5, MinSamples: 3})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	// Raw labels are issued in discovery order: blob at the origin first.
	want := []int{0, 0, 0, 1, 1, 1, -1}
	for i, w := range want {
		if fit.Labels[i] != w {
			t.Errorf("label[%d] = %d, want %d", i, fit.Labels[i], w)
		}
	}
	if len(fit.Centroids) != 2 {
		t.Fatalf("expected 2 centroids, got %d", len(fit.Centroids))
	}
	// Centroids are the blob means; noise contributes to neither.
	if fit.Centroids[0][0] > 1 || fit.Centroids[1][0] < 9 {
		t.Errorf("centroids misplaced: %v", fit.Centroids)
	}
}

func TestDBSCANAllNoise(t *testing.T) {
	m := &source.Matrix{Data: []float32{0, 0, 50, 50, 100, 100}, N: 3, D: 2}
	fit, err := Fit(m, DBSCANParams{Eps: 0.5, MinSamples: 2})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for i, l := range fit.Labels {
		if l != -1 {
			t.Errorf("label[%d] = %d, want noise", i, l)
		}
	}
}

func TestNearestCentroidTieBreaksLow(t *testing.T) {
	centroids := [][]float32{{-1, 0}, {1, 0}}
	// Equidistant from both; the lower index wins.
	if got := nearestCentroid([]float32{0, 0}, centroids); got != 0 {
		t.Errorf("tie broke to %d, want 0", got)
	}
	if got := nearestCentroid([]float32{0.5, 0}, centroids); got != 1 {
		t.Errorf("nearest = %d, want 1", got)
	}
}

func TestDecodeParams(t *testing.T) {
	p, err := DecodeParams(AlgorithmKMeans, `{"n_clusters":4}`)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if p.(KMeansParams).NClusters != 4 {
		t.Errorf("n_clusters = %d, want 4", p.(KMeansParams).NClusters)
	}

	if _, err := DecodeParams(AlgorithmKMeans, `{"n_clusters":0}`); err == nil {
		t.Error("n_clusters 0 should fail validation")
	}
	if _, err := DecodeParams(AlgorithmDBSCAN, `{"eps":-1,"min_samples":3}`); err == nil {
		t.Error("negative eps should fail validation")
	}
	if _, err := DecodeParams("agglomerative", `{}`); err == nil {
		t.Error("unknown algorithm should fail")
	}
}
