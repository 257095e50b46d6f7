// Package segment implements the append-only posting-list files written by
// one build batch, the spool that records where each token landed, and
// the read-mode handle used once the index is committed.
package segment

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/layout"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
)

// Entry is one token and its posting list, used for ordered batch writes.
type Entry struct {
	Token  string
	Values []uint32
}

// WriterOptions configures a segment Writer.
type WriterOptions struct {
	BufferSize int
	Metrics    *metrics.Metrics
	// OnClose is invoked once, after the writer's files are closed.
	OnClose func(id int)
}

// Writer appends posting lists to one segment file and spools the offset
// of each one. Put, Get and Close are serialised by a single mutex because
// the offset handed out is the file size before the append.
type Writer struct {
	id   int
	path string
	opts WriterOptions

	mu       sync.Mutex
	file     *os.File
	bw       *bufio.Writer
	readFile *os.File
	spool    *PendingLog
	size     int64
	last     map[string]int32
	scratch  []byte
	err      error
	closed   bool

	logger *slog.Logger
}

// Create truncates or creates segment id in dir together with its spool,
// and opens a second handle on the segment so callers can read back what
// they wrote before the index is committed.
func Create(dir string, id int, opts WriterOptions) (*Writer, error) {
	path := layout.SegmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating segment file: %w", err)
	}
	rf, err := os.Open(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening segment file for read-back: %w", err)
	}
	spool, err := CreatePendingLog(dir, id, opts.BufferSize)
	if err != nil {
		rf.Close()
		f.Close()
		return nil, err
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &Writer{
		id:       id,
		path:     path,
		opts:     opts,
		file:     f,
		bw:       bufio.NewWriterSize(f, bufSize),
		readFile: rf,
		spool:    spool,
		last:     make(map[string]int32),
		logger:   slog.Default().With("component", "segment-writer", "segment", id),
	}, nil
}

func (w *Writer) ID() int {
	return w.id
}

func (w *Writer) Path() string {
	return w.path
}

// Put appends values as token's posting list and returns the byte offset
// it starts at. Writing the same token twice is allowed; the last write
// wins at commit time.
func (w *Writer) Put(token string, values []uint32) (int32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.putLocked(token, values)
}

// PutAll writes entries in slice order.
func (w *Writer) PutAll(entries []Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		if _, err := w.putLocked(e.Token, e.Values); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) putLocked(token string, values []uint32) (int32, error) {
	if w.closed {
		return 0, fmt.Errorf("segment %d: %w", w.id, apperrors.ErrSegmentClosed)
	}
	if w.err != nil {
		return 0, fmt.Errorf("segment %d unusable after earlier failure: %w", w.id, w.err)
	}
	if len(token) > record.MaxStringLen {
		return 0, fmt.Errorf("segment %d: token of %d bytes exceeds %d: %w", w.id, len(token), record.MaxStringLen, apperrors.ErrInvalidInput)
	}
	if w.size > math.MaxInt32 || len(values) > math.MaxInt32 {
		return 0, fmt.Errorf("segment %d at %d bytes: %w", w.id, w.size, apperrors.ErrSegmentFull)
	}
	offset := int32(w.size)

	w.scratch = record.AppendPostings(w.scratch[:0], values)
	if _, err := w.bw.Write(w.scratch); err != nil {
		w.err = err
		return 0, fmt.Errorf("writing postings for %q: %w", token, err)
	}
	if err := w.spool.Record(token, offset); err != nil {
		w.err = err
		return 0, err
	}
	w.size += int64(len(w.scratch))
	w.last[token] = offset
	w.opts.Metrics.ObservePut(len(w.scratch))
	return offset, nil
}

// Get returns the posting list most recently written for token in this
// segment, or nil if the token has not been written here.
func (w *Writer) Get(token string) ([]uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("segment %d: %w", w.id, apperrors.ErrSegmentClosed)
	}
	offset, ok := w.last[token]
	if !ok {
		return nil, nil
	}
	return w.postingsLocked(offset)
}

// Postings reads back the posting list starting at offset.
func (w *Writer) Postings(offset int32) ([]uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.postingsLocked(offset)
}

func (w *Writer) postingsLocked(offset int32) ([]uint32, error) {
	if w.closed {
		return nil, fmt.Errorf("segment %d: %w", w.id, apperrors.ErrSegmentClosed)
	}
	if err := w.bw.Flush(); err != nil {
		w.err = err
		return nil, fmt.Errorf("flushing segment %d: %w", w.id, err)
	}
	return readPostings(w.readFile, int64(offset), w.size)
}

// Len returns the number of distinct tokens written.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.last)
}

// Size returns the number of bytes appended so far.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close flushes and syncs the segment and its spool and releases both file
// handles. Every handle is closed even if an earlier step fails. Calling
// Close more than once is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true

	flushErr := w.bw.Flush()
	var syncErr error
	if flushErr == nil {
		syncErr = w.file.Sync()
	}
	err := errors.Join(
		flushErr,
		syncErr,
		w.file.Close(),
		w.readFile.Close(),
		w.spool.Close(),
	)
	tokens, size := len(w.last), w.size
	w.last = nil
	w.mu.Unlock()

	if w.opts.OnClose != nil {
		w.opts.OnClose(w.id)
	}
	if err != nil {
		return fmt.Errorf("closing segment %d: %w", w.id, err)
	}
	w.logger.Debug("segment closed", "tokens", tokens, "bytes", size)
	return nil
}
