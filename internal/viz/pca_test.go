package viz

import (
	"math"
	"testing"
)

func TestProject2DNeedsTwoRows(t *testing.T) {
	if _, ok := Project2D([][]float64{{1, 2, 3}}); ok {
		t.Fatal("a single row cannot anchor a projection")
	}
	if _, ok := Project2D(nil); ok {
		t.Fatal("no rows cannot anchor a projection")
	}
}

func TestProject2DCapturesDominantAxis(t *testing.T) {
	// Points spread along one axis with tiny jitter on another: the first
	// component must carry nearly all of the spread.
	rows := [][]float64{
		{0, 0.01, 0},
		{1, -0.01, 0},
		{2, 0.02, 0},
		{3, -0.02, 0},
		{4, 0.01, 0},
	}
	coords, ok := Project2D(rows)
	if !ok {
		t.Fatal("projection failed")
	}

	var spreadX, spreadY float64
	for _, c := range coords {
		spreadX += c[0] * c[0]
		spreadY += c[1] * c[1]
	}
	if spreadX < 100*spreadY {
		t.Errorf("first component carries too little variance: %v vs %v", spreadX, spreadY)
	}

	// Pairwise order along the dominant axis is preserved (up to sign).
	sign := 1.0
	if coords[1][0] < coords[0][0] {
		sign = -1
	}
	for i := 1; i < len(coords); i++ {
		if sign*(coords[i][0]-coords[i-1][0]) <= 0 {
			t.Errorf("dominant axis order broken at %d: %v", i, coords)
		}
	}
}

func TestProject2DDeterministic(t *testing.T) {
	rows := [][]float64{{1, 2, 3, 4}, {4, 3, 2, 1}, {0, 5, 0, 5}, {2, 2, 2, 2}}
	a, ok := Project2D(rows)
	if !ok {
		t.Fatal("projection failed")
	}
	b, _ := Project2D(rows)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("projection not deterministic at row %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestProject2DGramBranch(t *testing.T) {
	// Fewer rows than dimensions exercises the Gram formulation. Two points
	// project to distinct coordinates whose distance matches the original.
	rows := [][]float64{
		{0, 0, 0, 0, 0, 0, 0, 0},
		{1, 1, 1, 1, 1, 1, 1, 1},
	}
	coords, ok := Project2D(rows)
	if !ok {
		t.Fatal("projection failed")
	}
	dx := coords[0][0] - coords[1][0]
	dy := coords[0][1] - coords[1][1]
	got := math.Sqrt(dx*dx + dy*dy)
	want := math.Sqrt(8)
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("pairwise distance = %v, want %v", got, want)
	}
}

func TestProjectCentroids(t *testing.T) {
	if _, ok := ProjectCentroids([][]float32{{1, 2}}); ok {
		t.Fatal("one centroid cannot anchor a projection")
	}
	coords, ok := ProjectCentroids([][]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}})
	if !ok {
		t.Fatal("projection failed")
	}
	if len(coords) != 3 {
		t.Fatalf("expected 3 coordinates, got %d", len(coords))
	}
}
