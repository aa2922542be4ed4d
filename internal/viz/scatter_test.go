package viz

import (
	"os"
	"path/filepath"
	"testing"

	"klaster/internal/source"
)

func scatterMatrix(n int) (*source.Matrix, []int) {
	m := &source.Matrix{Data: make([]float32, n*2), N: n, D: 2}
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		m.Data[i*2] = float32(i)
		m.Data[i*2+1] = float32(i % 3)
		labels[i] = i % 3
		if i%7 == 0 {
			labels[i] = -1
		}
	}
	return m, labels
}

func TestBuildScatterLabelsAndNoise(t *testing.T) {
	m, labels := scatterMatrix(20)
	s, err := BuildScatter(m, labels, 0)
	if err != nil {
		t.Fatalf("BuildScatter: %v", err)
	}
	if s.TotalPoints != 20 || s.SampleSize != 20 || len(s.Points) != 20 {
		t.Fatalf("unexpected sizes: %+v", s)
	}
	for i, p := range s.Points {
		if labels[i] == -1 && p.Cluster != NoiseLabel {
			t.Errorf("point %d should render as noise, got %q", i, p.Cluster)
		}
		if labels[i] == 2 && p.Cluster != "2" {
			t.Errorf("point %d cluster = %q, want 2", i, p.Cluster)
		}
	}
}

func TestBuildScatterSamplesDeterministically(t *testing.T) {
	m, labels := scatterMatrix(100)
	a, err := BuildScatter(m, labels, 10)
	if err != nil {
		t.Fatalf("BuildScatter: %v", err)
	}
	if a.SampleSize != 10 || a.TotalPoints != 100 || len(a.Points) != 10 {
		t.Fatalf("sampling ignored the cap: %+v", a)
	}

	b, _ := BuildScatter(m, labels, 10)
	for i := range a.Points {
		if a.Points[i] != b.Points[i] {
			t.Fatalf("sampling not deterministic at %d", i)
		}
	}
}

func TestBuildScatterLabelMismatch(t *testing.T) {
	m, _ := scatterMatrix(5)
	if _, err := BuildScatter(m, []int{0, 1}, 0); err == nil {
		t.Fatal("expected error for mismatched label length")
	}
}

func TestScatterSaveLoadRoundTrip(t *testing.T) {
	m, labels := scatterMatrix(12)
	s, err := BuildScatter(m, labels, 0)
	if err != nil {
		t.Fatalf("BuildScatter: %v", err)
	}

	path := filepath.Join(t.TempDir(), "scatter", "sess.json")
	if err := SaveScatter(path, s); err != nil {
		t.Fatalf("SaveScatter: %v", err)
	}
	got, err := LoadScatter(path)
	if err != nil {
		t.Fatalf("LoadScatter: %v", err)
	}
	if got.SampleSize != s.SampleSize || got.TotalPoints != s.TotalPoints {
		t.Errorf("round trip lost sizes: %+v", got)
	}
	if len(got.Points) != len(s.Points) || got.Points[0] != s.Points[0] {
		t.Errorf("round trip lost points")
	}
}

func TestLoadScatterMissingOrCorrupt(t *testing.T) {
	if _, err := LoadScatter(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("missing artifact must report an error")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScatter(path); err == nil {
		t.Fatal("corrupt artifact must report an error")
	}
}

func TestRemoveArtifactIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.json")
	if err := RemoveArtifact(path); err != nil {
		t.Fatalf("removing an absent artifact must succeed: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := RemoveArtifact(path); err != nil {
		t.Fatalf("RemoveArtifact: %v", err)
	}
	if err := RemoveArtifact(path); err != nil {
		t.Fatalf("second removal must succeed: %v", err)
	}
}
