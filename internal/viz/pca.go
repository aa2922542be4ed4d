// Package viz builds the derived visualization artifacts: 2D PCA
// projections of centroids, the per-session scatter cache, and per-cluster
// contact sheets. Everything here is best-effort from the caller's point of
// view; a failed or missing artifact degrades the visualization, never the
// catalog.
package viz

import "math"

const (
	powerIterations = 200
	convergenceEps  = 1e-10
)

// Project2D fits a 2-component PCA over the rows and returns their
// projections. A single fit covers all rows so the coordinates are mutually
// comparable. Returns false when fewer than 2 rows are given.
//
// The fit is deterministic: power iteration from a fixed start vector, with
// deflation for the second component.
func Project2D(rows [][]float64) ([][2]float64, bool) {
	n := len(rows)
	if n < 2 {
		return nil, false
	}
	d := len(rows[0])

	// Center the data.
	mean := make([]float64, d)
	for _, row := range rows {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}
	centered := make([][]float64, n)
	for i, row := range rows {
		centered[i] = make([]float64, d)
		for j, v := range row {
			centered[i][j] = v - mean[j]
		}
	}

	var components [2][]float64
	if n <= d {
		// Gram trick: eigenvectors of X*Xt lift to component directions,
		// much cheaper than a d*d covariance when rows are few.
		gram := make([][]float64, n)
		for i := range gram {
			gram[i] = make([]float64, n)
			for j := 0; j <= i; j++ {
				var s float64
				for k := 0; k < d; k++ {
					s += centered[i][k] * centered[j][k]
				}
				gram[i][j] = s
			}
		}
		for i := range gram {
			for j := i + 1; j < n; j++ {
				gram[i][j] = gram[j][i]
			}
		}
		for c := 0; c < 2; c++ {
			u := topEigenvector(gram)
			deflate(gram, u)
			// Lift u (length n) to the d-dimensional component Xt*u.
			comp := make([]float64, d)
			for i := 0; i < n; i++ {
				for k := 0; k < d; k++ {
					comp[k] += centered[i][k] * u[i]
				}
			}
			normalize(comp)
			components[c] = comp
		}
	} else {
		cov := make([][]float64, d)
		for i := range cov {
			cov[i] = make([]float64, d)
		}
		for _, row := range centered {
			for i := 0; i < d; i++ {
				for j := i; j < d; j++ {
					cov[i][j] += row[i] * row[j]
				}
			}
		}
		for i := 0; i < d; i++ {
			for j := i + 1; j < d; j++ {
				cov[j][i] = cov[i][j]
			}
		}
		for c := 0; c < 2; c++ {
			comp := topEigenvector(cov)
			deflate(cov, comp)
			components[c] = comp
		}
	}

	// Deflation leaves the second direction orthogonal to the first only up
	// to iteration error, and for rank-1 data it degenerates to the first
	// direction entirely. Orthogonalize; a vanishing remainder means the
	// data has no second axis and projects to zero there.
	var dot float64
	for j := range components[1] {
		dot += components[0][j] * components[1][j]
	}
	for j := range components[1] {
		components[1][j] -= dot * components[0][j]
	}
	if normalize(components[1]) < convergenceEps {
		for j := range components[1] {
			components[1][j] = 0
		}
	}

	out := make([][2]float64, n)
	for i, row := range centered {
		for c := 0; c < 2; c++ {
			var s float64
			for j, v := range row {
				s += v * components[c][j]
			}
			out[i][c] = s
		}
	}
	return out, true
}

// topEigenvector power-iterates the symmetric matrix a from a fixed start.
func topEigenvector(a [][]float64) []float64 {
	n := len(a)
	v := make([]float64, n)
	for i := range v {
		// Fixed, slightly uneven start so the iteration cannot begin
		// orthogonal to the dominant eigenvector for typical inputs.
		v[i] = 1 + float64(i%7)*1e-3
	}
	normalize(v)

	next := make([]float64, n)
	for iter := 0; iter < powerIterations; iter++ {
		for i := 0; i < n; i++ {
			var s float64
			for j := 0; j < n; j++ {
				s += a[i][j] * v[j]
			}
			next[i] = s
		}
		norm := normalize(next)
		if norm < convergenceEps {
			// Degenerate direction (zero variance); keep the start vector.
			return v
		}
		var diff float64
		for i := range v {
			d := next[i] - v[i]
			diff += d * d
		}
		copy(v, next)
		if diff < convergenceEps {
			break
		}
	}
	return v
}

// deflate removes the component along eigenvector v from a in place.
func deflate(a [][]float64, v []float64) {
	n := len(a)
	// lambda = vt * A * v
	var lambda float64
	for i := 0; i < n; i++ {
		var s float64
		for j := 0; j < n; j++ {
			s += a[i][j] * v[j]
		}
		lambda += v[i] * s
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a[i][j] -= lambda * v[i] * v[j]
		}
	}
}

func normalize(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return 0
	}
	for i := range v {
		v[i] /= norm
	}
	return norm
}

// ProjectCentroids projects active centroids into 2D with a single PCA fit.
// Fewer than 2 centroids cannot anchor a projection; the caller must clear
// every cached coordinate instead.
func ProjectCentroids(centroids [][]float32) ([][2]float64, bool) {
	if len(centroids) < 2 {
		return nil, false
	}
	rows := make([][]float64, len(centroids))
	for i, c := range centroids {
		rows[i] = make([]float64, len(c))
		for j, v := range c {
			rows[i][j] = float64(v)
		}
	}
	return Project2D(rows)
}
