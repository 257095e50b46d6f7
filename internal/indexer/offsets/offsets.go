// Package offsets reads and writes the offset matrix: one fixed-width
// block per segment, each holding one 32-bit posting-list offset per token
// or Absent when the token has no postings in that segment.
package offsets

import (
	"errors"
	"fmt"
	"os"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
)

// Absent marks a token with no posting list in a segment.
const Absent int32 = -1

// CellPosition is the byte position of (segment, tokenID) in a matrix with
// tokenCount columns.
func CellPosition(segment, tokenCount int, tokenID int32) int64 {
	return (int64(segment)*int64(tokenCount) + int64(tokenID)) * record.IntSize
}

// NewRow returns a row of tokenCount cells, all Absent.
func NewRow(tokenCount int) []int32 {
	row := make([]int32, tokenCount)
	for i := range row {
		row[i] = Absent
	}
	return row
}

// Writer builds a matrix in path+".tmp" and renames it into place on
// Commit. WriteRow uses positional writes, so rows may be written from
// several goroutines and in any order.
type Writer struct {
	path       string
	tmpPath    string
	file       *os.File
	tokenCount int
	segments   int
}

func Create(path string, segments, tokenCount int) (*Writer, error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating offset matrix: %w", err)
	}
	if err := f.Truncate(int64(segments) * int64(tokenCount) * record.IntSize); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("sizing offset matrix: %w", err)
	}
	return &Writer{
		path:       path,
		tmpPath:    tmpPath,
		file:       f,
		tokenCount: tokenCount,
		segments:   segments,
	}, nil
}

// WriteRow writes the block of segment.
func (w *Writer) WriteRow(segment int, row []int32) error {
	if segment < 0 || segment >= w.segments {
		return fmt.Errorf("%w: segment %d outside matrix of %d", apperrors.ErrInvalidInput, segment, w.segments)
	}
	if len(row) != w.tokenCount {
		return fmt.Errorf("%w: row of %d cells, matrix has %d tokens", apperrors.ErrInvalidInput, len(row), w.tokenCount)
	}
	if len(row) == 0 {
		return nil
	}
	buf := make([]byte, len(row)*record.IntSize)
	for i, v := range row {
		record.PutInt32(buf[i*record.IntSize:], v)
	}
	if _, err := w.file.WriteAt(buf, CellPosition(segment, w.tokenCount, 0)); err != nil {
		return fmt.Errorf("writing offset row %d: %w", segment, err)
	}
	return nil
}

// Commit syncs and closes the matrix and renames it to its final path.
func (w *Writer) Commit() error {
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("syncing offset matrix: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("closing offset matrix: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return fmt.Errorf("renaming offset matrix: %w", err)
	}
	return nil
}

// Abort discards the partially written matrix.
func (w *Writer) Abort() error {
	closeErr := w.file.Close()
	rmErr := os.Remove(w.tmpPath)
	if errors.Is(closeErr, os.ErrClosed) {
		closeErr = nil
	}
	return errors.Join(closeErr, rmErr)
}

// Reader resolves single cells of a committed matrix with positional
// reads and is safe for concurrent use.
type Reader struct {
	file       *os.File
	segments   int
	tokenCount int
}

// Open opens the matrix at path and checks that its size matches the
// segment and token counts recorded elsewhere in the index.
func Open(path string, segments, tokenCount int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening offset matrix: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat offset matrix: %w", err)
	}
	want := int64(segments) * int64(tokenCount) * record.IntSize
	if info.Size() != want {
		f.Close()
		return nil, apperrors.Corruptf("offset matrix is %d bytes, want %d for %d segments x %d tokens",
			info.Size(), want, segments, tokenCount)
	}
	return &Reader{file: f, segments: segments, tokenCount: tokenCount}, nil
}

// Offset returns the cell for (segment, tokenID).
func (r *Reader) Offset(segment int, tokenID int32) (int32, error) {
	if segment < 0 || segment >= r.segments || tokenID < 0 || int(tokenID) >= r.tokenCount {
		return 0, fmt.Errorf("%w: cell (%d, %d) outside %dx%d matrix",
			apperrors.ErrInvalidInput, segment, tokenID, r.segments, r.tokenCount)
	}
	var b [record.IntSize]byte
	if _, err := r.file.ReadAt(b[:], CellPosition(segment, r.tokenCount, tokenID)); err != nil {
		return 0, fmt.Errorf("reading offset cell (%d, %d): %w", segment, tokenID, err)
	}
	return record.Int32(b[:]), nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}
