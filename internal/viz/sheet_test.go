package viz

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTestImage(t *testing.T, dir, name string, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGridRendererRendersSheet(t *testing.T) {
	dir := t.TempDir()
	ids := []string{
		writeTestImage(t, dir, "a.png", 40, 20, color.RGBA{R: 255, A: 255}),
		writeTestImage(t, dir, "b.png", 20, 40, color.RGBA{G: 255, A: 255}),
		writeTestImage(t, dir, "c.png", 30, 30, color.RGBA{B: 255, A: 255}),
	}

	out := filepath.Join(dir, "sheets", "0.png")
	r := NewGridRenderer(2, 2, 50, "png")
	if err := r.Render(ids, out); err != nil {
		t.Fatalf("Render: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("sheet not written: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("sheet not decodable: %v", err)
	}
	if img.Bounds().Dx() != 100 || img.Bounds().Dy() != 100 {
		t.Errorf("sheet is %v, want 100x100", img.Bounds())
	}
}

func TestGridRendererSkipsBadImages(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.png")
	if err := os.WriteFile(bad, []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	good := writeTestImage(t, dir, "good.png", 10, 10, color.White)

	out := filepath.Join(dir, "sheet.png")
	r := NewGridRenderer(3, 1, 20, "png")
	if err := r.Render([]string{bad, good}, out); err != nil {
		t.Fatalf("one decodable image should be enough: %v", err)
	}
}

func TestGridRendererFailsWithNothingToShow(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "sheet.jpg")
	r := NewGridRenderer(3, 3, 100, "jpeg")
	err := r.Render([]string{filepath.Join(dir, "missing.png")}, out)
	if err == nil {
		t.Fatal("expected error when no point image decodes")
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("failed render must not leave an artifact")
	}
}

func TestNewGridRendererDefaults(t *testing.T) {
	r := NewGridRenderer(0, 0, 0, "bmp")
	if r.Columns != 3 || r.Rows != 3 || r.ThumbSize != 100 || r.Format != "jpeg" {
		t.Errorf("unexpected defaults: %+v", r)
	}
}
