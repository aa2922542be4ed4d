package viz

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// SheetRenderer produces a contact sheet for one cluster from the IDs of its
// most representative points.
type SheetRenderer interface {
	Render(pointIDs []string, outPath string) error
}

// GridRenderer renders point IDs that are image file paths into a fixed
// thumbnail grid. Points whose file cannot be read or decoded leave their
// cell blank rather than failing the sheet.
type GridRenderer struct {
	Columns   int
	Rows      int
	ThumbSize int
	Format    string // "jpeg" or "png"
}

// NewGridRenderer creates a renderer; zero values fall back to a 3x3 grid of
// 100px thumbnails encoded as JPEG.
func NewGridRenderer(columns, rows, thumbSize int, format string) *GridRenderer {
	if columns < 1 {
		columns = 3
	}
	if rows < 1 {
		rows = 3
	}
	if thumbSize < 1 {
		thumbSize = 100
	}
	switch strings.ToLower(format) {
	case "png":
		format = "png"
	default:
		format = "jpeg"
	}
	return &GridRenderer{Columns: columns, Rows: rows, ThumbSize: thumbSize, Format: format}
}

// Render composes the sheet and writes it atomically.
func (g *GridRenderer) Render(pointIDs []string, outPath string) error {
	cells := g.Columns * g.Rows
	if len(pointIDs) > cells {
		pointIDs = pointIDs[:cells]
	}

	sheet := image.NewRGBA(image.Rect(0, 0, g.Columns*g.ThumbSize, g.Rows*g.ThumbSize))
	draw.Draw(sheet, sheet.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	decoded := 0
	for i, id := range pointIDs {
		img, err := decodeImage(id)
		if err != nil {
			continue
		}
		decoded++
		cellX := (i % g.Columns) * g.ThumbSize
		cellY := (i / g.Columns) * g.ThumbSize
		drawThumb(sheet, img, cellX, cellY, g.ThumbSize)
	}
	if decoded == 0 {
		return fmt.Errorf("rendering sheet %s: none of %d point images decoded", outPath, len(pointIDs))
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("creating sheet directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".sheet-*")
	if err != nil {
		return fmt.Errorf("creating sheet temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	switch g.Format {
	case "png":
		err = png.Encode(tmp, sheet)
	default:
		err = jpeg.Encode(tmp, sheet, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		tmp.Close()
		return fmt.Errorf("encoding sheet %s: %w", outPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing sheet temp file: %w", err)
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		return fmt.Errorf("renaming sheet into place: %w", err)
	}
	return nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// drawThumb scales img into a size x size cell with nearest-neighbor
// sampling, preserving aspect ratio and centering the result.
func drawThumb(dst *image.RGBA, img image.Image, cellX, cellY, size int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}

	tw, th := size, size
	if w > h {
		th = h * size / w
	} else {
		tw = w * size / h
	}
	offX := cellX + (size-tw)/2
	offY := cellY + (size-th)/2

	for y := 0; y < th; y++ {
		srcY := b.Min.Y + y*h/th
		for x := 0; x < tw; x++ {
			srcX := b.Min.X + x*w/tw
			dst.Set(offX+x, offY+y, img.At(srcX, srcY))
		}
	}
}

// RemoveArtifact deletes a derived file, tolerating its absence. Cleanup of
// stale artifacts must be idempotent and non-fatal.
func RemoveArtifact(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
