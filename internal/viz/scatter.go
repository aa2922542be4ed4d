package viz

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"klaster/internal/source"
)

// scatterSeed fixes the down-sampling permutation so a regenerated cache is
// comparable with the previous one.
const scatterSeed int64 = 42

// NoiseLabel is how unassigned points render in the scatter plot.
const NoiseLabel = "noise"

// ScatterPoint is one plotted point.
type ScatterPoint struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Cluster string  `json:"cluster"`
}

// Scatter is the per-session scatter cache artifact.
type Scatter struct {
	Points      []ScatterPoint `json:"points"`
	SampleSize  int            `json:"sampleSize"`
	TotalPoints int            `json:"totalPoints"`
}

// BuildScatter projects a bounded sample of the matrix into 2D and pairs
// each sampled point with its current assignment. labels is parallel to the
// matrix rows; maxPoints caps the sample (sampled without replacement,
// deterministic).
func BuildScatter(m *source.Matrix, labels []int, maxPoints int) (*Scatter, error) {
	if m.N != len(labels) {
		return nil, fmt.Errorf("building scatter: %d labels for %d points", len(labels), m.N)
	}
	if m.N < 2 {
		return &Scatter{Points: []ScatterPoint{}, TotalPoints: m.N}, nil
	}

	indices := make([]int, m.N)
	for i := range indices {
		indices[i] = i
	}
	if maxPoints > 0 && m.N > maxPoints {
		rng := rand.New(rand.NewSource(scatterSeed))
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		indices = indices[:maxPoints]
		sort.Ints(indices)
	}

	rows := make([][]float64, len(indices))
	for i, row := range indices {
		rows[i] = make([]float64, m.D)
		for j, v := range m.Row(row) {
			rows[i][j] = float64(v)
		}
	}
	coords, ok := Project2D(rows)
	if !ok {
		return nil, fmt.Errorf("building scatter: projection failed for %d sampled points", len(indices))
	}

	points := make([]ScatterPoint, len(indices))
	for i, row := range indices {
		cluster := NoiseLabel
		if labels[row] >= 0 {
			cluster = strconv.Itoa(labels[row])
		}
		points[i] = ScatterPoint{X: coords[i][0], Y: coords[i][1], Cluster: cluster}
	}
	return &Scatter{Points: points, SampleSize: len(points), TotalPoints: m.N}, nil
}

// SaveScatter writes the artifact atomically so a concurrent reader never
// sees a partial file.
func SaveScatter(path string, s *Scatter) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding scatter cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating scatter directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".scatter-*")
	if err != nil {
		return fmt.Errorf("creating scatter temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing scatter cache %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing scatter temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming scatter cache into place: %w", err)
	}
	return nil
}

// LoadScatter reads a scatter artifact. Any failure (absent, unreadable,
// corrupt) is reported as an error the caller treats as a cache miss.
func LoadScatter(path string) (*Scatter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scatter cache %s: %w", path, err)
	}
	var s Scatter
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding scatter cache %s: %w", path, err)
	}
	return &s, nil
}
