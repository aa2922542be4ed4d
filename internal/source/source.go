// Package source loads embedding matrices for clustering sessions.
//
// Embeddings live in a .vecz container: a small uncompressed header
// (magic, version, point count, dimensionality) followed by a single
// zstd stream holding the float32 matrix and the point-identifier table.
// The format is deterministic: loading the same file always yields the
// same matrix and identifier order.
package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// ErrUnavailable reports a missing or corrupt embedding artifact.
// Callers treat it as the DataUnavailable failure class.
var ErrUnavailable = errors.New("embedding source unavailable")

var veczMagic = [4]byte{'V', 'E', 'C', 'Z'}

const veczVersion = 1

// Matrix is a dense row-major float32 matrix of N points with D dimensions.
type Matrix struct {
	Data []float32
	N    int
	D    int
}

// Row returns point i as a slice aliasing the underlying storage.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.D : (i+1)*m.D]
}

// Source loads an embedding matrix and its parallel point-identifier list.
type Source interface {
	Load(ctx context.Context, path string) (*Matrix, []string, error)
}

// FileSource reads .vecz artifacts from the local filesystem.
type FileSource struct{}

// NewFileSource creates a filesystem-backed Source.
func NewFileSource() *FileSource {
	return &FileSource{}
}

// Load reads and decodes the artifact at path.
// Missing files, bad magic, and truncated payloads all map to ErrUnavailable
// so the caller can treat every unusable artifact uniformly.
func (s *FileSource) Load(ctx context.Context, path string) (*Matrix, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening %s: %v", ErrUnavailable, path, err)
	}
	defer f.Close()

	var header [13]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: reading header of %s: %v", ErrUnavailable, path, err)
	}
	if [4]byte(header[0:4]) != veczMagic {
		return nil, nil, fmt.Errorf("%w: %s is not a vecz file", ErrUnavailable, path)
	}
	if header[4] != veczVersion {
		return nil, nil, fmt.Errorf("%w: %s has unsupported version %d", ErrUnavailable, path, header[4])
	}
	n := int(binary.LittleEndian.Uint32(header[5:9]))
	d := int(binary.LittleEndian.Uint32(header[9:13]))
	if n < 0 || d <= 0 {
		return nil, nil, fmt.Errorf("%w: %s declares invalid shape %dx%d", ErrUnavailable, path, n, d)
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening zstd stream of %s: %v", ErrUnavailable, path, err)
	}
	defer dec.Close()

	m := &Matrix{Data: make([]float32, n*d), N: n, D: d}
	buf := make([]byte, 4)
	for i := range m.Data {
		if _, err := io.ReadFull(dec, buf); err != nil {
			return nil, nil, fmt.Errorf("%w: truncated matrix in %s: %v", ErrUnavailable, path, err)
		}
		m.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
	}

	ids := make([]string, n)
	for i := range ids {
		if _, err := io.ReadFull(dec, buf); err != nil {
			return nil, nil, fmt.Errorf("%w: truncated id table in %s: %v", ErrUnavailable, path, err)
		}
		idLen := binary.LittleEndian.Uint32(buf)
		raw := make([]byte, idLen)
		if _, err := io.ReadFull(dec, raw); err != nil {
			return nil, nil, fmt.Errorf("%w: truncated id table in %s: %v", ErrUnavailable, path, err)
		}
		ids[i] = string(raw)
	}

	return m, ids, nil
}

// Write encodes the matrix and ids into a .vecz artifact at path.
// The file is written to a temp sibling and renamed into place so readers
// never observe a partial artifact. ids may be nil, in which case point
// indexes are used.
func Write(path string, m *Matrix, ids []string) error {
	if m == nil || m.N*m.D != len(m.Data) {
		return fmt.Errorf("writing %s: matrix shape does not match data length", path)
	}
	if ids == nil {
		ids = make([]string, m.N)
		for i := range ids {
			ids[i] = fmt.Sprintf("%d", i)
		}
	}
	if len(ids) != m.N {
		return fmt.Errorf("writing %s: %d ids for %d points", path, len(ids), m.N)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".vecz-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var header [13]byte
	copy(header[0:4], veczMagic[:])
	header[4] = veczVersion
	binary.LittleEndian.PutUint32(header[5:9], uint32(m.N))
	binary.LittleEndian.PutUint32(header[9:13], uint32(m.D))
	if _, err := tmp.Write(header[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("writing header of %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("opening zstd stream for %s: %w", path, err)
	}

	buf := make([]byte, 4)
	for _, v := range m.Data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := enc.Write(buf); err != nil {
			enc.Close()
			tmp.Close()
			return fmt.Errorf("writing matrix of %s: %w", path, err)
		}
	}
	for _, id := range ids {
		binary.LittleEndian.PutUint32(buf, uint32(len(id)))
		if _, err := enc.Write(buf); err != nil {
			enc.Close()
			tmp.Close()
			return fmt.Errorf("writing id table of %s: %w", path, err)
		}
		if _, err := enc.Write([]byte(id)); err != nil {
			enc.Close()
			tmp.Close()
			return fmt.Errorf("writing id table of %s: %w", path, err)
		}
	}

	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing zstd stream of %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}
	return nil
}
