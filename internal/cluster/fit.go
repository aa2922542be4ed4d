package cluster

import (
	"fmt"
	"math"
	"math/rand"

	"klaster/internal/source"
)

// Fixed seeds keep every fit reproducible: the same artifact and parameters
// always yield the same partition.
const (
	fitSeed   int64 = 42
	splitSeed int64 = 1337
)

const kmeansMaxIterations = 100

// FitResult is a partition of the input points.
// Labels[i] is the cluster index of point i, or -1 for noise.
// Centroids[j] is the mean of the points labeled j.
type FitResult struct {
	Labels    []int
	Centroids [][]float32
}

// Fit partitions the matrix with the session's algorithm and parameters.
func Fit(m *source.Matrix, p Params) (*FitResult, error) {
	switch p := p.(type) {
	case KMeansParams:
		return kmeansAll(m, p.NClusters, fitSeed)
	case DBSCANParams:
		return dbscan(m, p.Eps, p.MinSamples), nil
	default:
		return nil, fmt.Errorf("unknown params type %T", p)
	}
}

func kmeansAll(m *source.Matrix, k int, seed int64) (*FitResult, error) {
	indices := make([]int, m.N)
	for i := range indices {
		indices[i] = i
	}
	return kmeansIndices(m, indices, k, seed)
}

// kmeansIndices runs Lloyd's algorithm with k-means++ seeding over the
// selected rows only. The returned labels are parallel to indices.
func kmeansIndices(m *source.Matrix, indices []int, k int, seed int64) (*FitResult, error) {
	n := len(indices)
	if k < 1 {
		return nil, fmt.Errorf("kmeans needs k >= 1, got %d", k)
	}
	if n < k {
		return nil, fmt.Errorf("kmeans with k=%d needs at least %d points, got %d", k, k, n)
	}

	rng := rand.New(rand.NewSource(seed))
	centroids := seedCentroids(m, indices, k, rng)
	labels := make([]int, n)

	for iter := 0; iter < kmeansMaxIterations; iter++ {
		changed := false
		for i, row := range indices {
			best := nearestCentroid(m.Row(row), centroids)
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for j := range sums {
			sums[j] = make([]float64, m.D)
		}
		for i, row := range indices {
			counts[labels[i]]++
			for d, v := range m.Row(row) {
				sums[labels[i]][d] += float64(v)
			}
		}
		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Reseed an emptied centroid on the point farthest from
				// its current assignment.
				far := indices[farthestPoint(m, indices, labels, centroids)]
				copy(centroids[j], m.Row(far))
				continue
			}
			for d := 0; d < m.D; d++ {
				centroids[j][d] = float32(sums[j][d] / float64(counts[j]))
			}
		}
	}

	return &FitResult{Labels: labels, Centroids: centroids}, nil
}

// seedCentroids picks k initial centroids with k-means++ weighting.
func seedCentroids(m *source.Matrix, indices []int, k int, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, 0, k)
	first := indices[rng.Intn(len(indices))]
	centroids = append(centroids, append([]float32(nil), m.Row(first)...))

	dists := make([]float64, len(indices))
	for len(centroids) < k {
		var total float64
		for i, row := range indices {
			d := squaredDistance(m.Row(row), centroids[len(centroids)-1])
			if len(centroids) == 1 || d < dists[i] {
				dists[i] = d
			}
			total += dists[i]
		}
		pick := indices[0]
		if total > 0 {
			target := rng.Float64() * total
			for i, row := range indices {
				target -= dists[i]
				if target <= 0 {
					pick = row
					break
				}
			}
		} else {
			pick = indices[rng.Intn(len(indices))]
		}
		centroids = append(centroids, append([]float32(nil), m.Row(pick)...))
	}
	return centroids
}

func farthestPoint(m *source.Matrix, indices, labels []int, centroids [][]float32) int {
	best, bestDist := 0, -1.0
	for i, row := range indices {
		d := squaredDistance(m.Row(row), centroids[labels[i]])
		if d > bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// dbscan runs a deterministic density scan: points are visited in index
// order and cluster indices are issued in discovery order, so identical
// input and parameters always produce identical raw labels.
func dbscan(m *source.Matrix, eps float64, minSamples int) *FitResult {
	const unvisited = -2
	epsSq := eps * eps

	labels := make([]int, m.N)
	for i := range labels {
		labels[i] = unvisited
	}

	next := 0
	for i := 0; i < m.N; i++ {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(m, i, epsSq)
		if len(neighbors) < minSamples {
			labels[i] = -1
			continue
		}

		labels[i] = next
		queue := append([]int(nil), neighbors...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == -1 {
				labels[j] = next // border point reclaimed from noise
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = next
			jn := regionQuery(m, j, epsSq)
			if len(jn) >= minSamples {
				queue = append(queue, jn...)
			}
		}
		next++
	}

	return &FitResult{Labels: labels, Centroids: meanCentroids(m, labels, next)}
}

func regionQuery(m *source.Matrix, i int, epsSq float64) []int {
	var neighbors []int
	row := m.Row(i)
	for j := 0; j < m.N; j++ {
		if squaredDistance(row, m.Row(j)) <= epsSq {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

// meanCentroids computes the mean of each of the k labeled groups.
// Noise points (-1) contribute to nothing.
func meanCentroids(m *source.Matrix, labels []int, k int) [][]float32 {
	sums := make([][]float64, k)
	counts := make([]int, k)
	for j := range sums {
		sums[j] = make([]float64, m.D)
	}
	for i, label := range labels {
		if label < 0 {
			continue
		}
		counts[label]++
		for d, v := range m.Row(i) {
			sums[label][d] += float64(v)
		}
	}
	centroids := make([][]float32, k)
	for j := 0; j < k; j++ {
		centroids[j] = make([]float32, m.D)
		if counts[j] == 0 {
			continue
		}
		for d := 0; d < m.D; d++ {
			centroids[j][d] = float32(sums[j][d] / float64(counts[j]))
		}
	}
	return centroids
}

// nearestCentroid returns the index of the closest centroid. Strict
// comparison keeps ties on the earliest (lowest-index) candidate.
func nearestCentroid(p []float32, centroids [][]float32) int {
	best, bestDist := 0, math.Inf(1)
	for j, c := range centroids {
		if d := squaredDistance(p, c); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

func squaredDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
