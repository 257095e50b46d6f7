package segment

import (
	"fmt"
	"io"
	"os"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/layout"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
)

// Reader is a read-mode segment. Reads are positional, so one Reader can
// serve concurrent callers without locking.
type Reader struct {
	id   int
	file *os.File
	size int64
}

func Open(dir string, id int) (*Reader, error) {
	path := layout.SegmentPath(dir, id)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment file: %w", err)
	}
	return &Reader{id: id, file: f, size: info.Size()}, nil
}

func (r *Reader) ID() int {
	return r.id
}

func (r *Reader) Size() int64 {
	return r.size
}

// Postings reads the posting list that starts at offset.
func (r *Reader) Postings(offset int32) ([]uint32, error) {
	values, err := readPostings(r.file, int64(offset), r.size)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", r.id, err)
	}
	return values, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// readPostings decodes [count][value]*count at off, refusing to read past
// size bytes.
func readPostings(ra io.ReaderAt, off, size int64) ([]uint32, error) {
	if off < 0 || off+record.IntSize > size {
		return nil, apperrors.Corruptf("posting offset %d outside %d-byte segment", off, size)
	}
	var head [record.IntSize]byte
	if _, err := ra.ReadAt(head[:], off); err != nil {
		return nil, fmt.Errorf("reading posting count at %d: %w", off, err)
	}
	n, err := record.DecodeCount(head[:])
	if err != nil {
		return nil, err
	}
	end := off + int64(record.PostingsSize(n))
	if end > size {
		return nil, apperrors.Corruptf("posting list of %d values at %d overruns %d-byte segment", n, off, size)
	}
	if n == 0 {
		return []uint32{}, nil
	}
	buf := make([]byte, n*record.IntSize)
	if _, err := ra.ReadAt(buf, off+record.IntSize); err != nil {
		return nil, fmt.Errorf("reading %d postings at %d: %w", n, off, err)
	}
	return record.DecodeValues(make([]uint32, 0, n), buf), nil
}
