// Package indexer builds and serves a disk-resident inverted index.
//
// A Builder owns a directory in write mode: it hands out one segment per
// batch and ends in a single commit that consolidates every spool into the
// token table and the offset matrix. An Index opens a committed directory
// read-only and answers lookups by stitching together the token's posting
// list from every segment that holds one.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/consolidate"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/layout"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/tracing"
)

type builderState int

const (
	stateOpen builderState = iota
	stateCommitting
	stateCommitted
	stateClosed
)

// CommitResult summarises a successful commit.
type CommitResult struct {
	ID            uuid.UUID
	Dir           string
	Segments      int
	Tokens        int
	Records       int64
	MissingSpools []int
	Duration      time.Duration
}

type Builder struct {
	cfg     config.IndexerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	state  builderState
	nextID int
	open   map[int]*segment.Writer
	result *CommitResult
}

// NewBuilder prepares cfg.DataDir for a new index. The directory is created
// if needed. A directory that already holds a committed index is rejected;
// uncommitted segments left by an earlier run are kept and new segment ids
// continue after them.
func NewBuilder(cfg config.IndexerConfig, opts ...Option) (*Builder, error) {
	o := applyOptions("index-builder", opts)
	if info, err := os.Stat(cfg.DataDir); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", cfg.DataDir, apperrors.ErrNotDirectory)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index data directory: %w", err)
	}
	if _, err := os.Stat(layout.TokenTablePath(cfg.DataDir)); err == nil {
		return nil, fmt.Errorf("%s: %w", cfg.DataDir, apperrors.ErrIndexCommitted)
	}
	existing, err := layout.CountSegments(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("scanning existing segments: %w", err)
	}
	if existing > 0 {
		o.logger.Info("resuming uncommitted index", "dir", cfg.DataDir, "segments", existing)
	}
	return &Builder{
		cfg:     cfg,
		metrics: o.metrics,
		logger:  o.logger,
		nextID:  existing,
		open:    make(map[int]*segment.Writer),
	}, nil
}

// CreateSegment opens the next segment for writing. The writer stays
// owned by the caller until it is closed, either explicitly or by Commit.
func (b *Builder) CreateSegment() (*segment.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateOpen {
		return nil, fmt.Errorf("creating segment: %w", apperrors.ErrIndexCommitted)
	}
	id := b.nextID
	w, err := segment.Create(b.cfg.DataDir, id, segment.WriterOptions{
		BufferSize: b.cfg.WriteBufferSize,
		Metrics:    b.metrics,
		OnClose:    b.release,
	})
	if err != nil {
		return nil, fmt.Errorf("creating segment %d: %w", id, err)
	}
	b.nextID++
	b.open[id] = w
	b.metrics.ObserveSegmentCreated()
	b.logger.Debug("segment created", "segment", id)
	return w, nil
}

func (b *Builder) release(id int) {
	b.mu.Lock()
	delete(b.open, id)
	b.mu.Unlock()
}

// Segments returns the number of segments created so far, including any
// found on disk when the builder was opened.
func (b *Builder) Segments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// Commit closes every segment still open and consolidates all of them.
// A failed commit leaves the spools on disk and may be retried. Once a
// commit succeeds, further calls return the same result.
func (b *Builder) Commit(ctx context.Context) (*CommitResult, error) {
	b.mu.Lock()
	switch b.state {
	case stateCommitted:
		res := b.result
		b.mu.Unlock()
		return res, nil
	case stateCommitting:
		b.mu.Unlock()
		return nil, fmt.Errorf("commit already in progress: %w", apperrors.ErrInvalidInput)
	case stateClosed:
		b.mu.Unlock()
		return nil, fmt.Errorf("builder closed: %w", apperrors.ErrSegmentClosed)
	}
	b.state = stateCommitting
	writers := b.openWritersLocked()
	segments := b.nextID
	b.mu.Unlock()

	res, err := b.commit(ctx, writers, segments)

	b.mu.Lock()
	if err != nil {
		b.state = stateOpen
	} else {
		b.state = stateCommitted
		b.result = res
	}
	b.mu.Unlock()
	return res, err
}

func (b *Builder) commit(ctx context.Context, writers []*segment.Writer, segments int) (*CommitResult, error) {
	start := time.Now()
	id := uuid.New()
	ctx, span := tracing.StartTrace(ctx, "commit", id.String())
	defer func() {
		span.End()
		span.Log(ctx, b.logger, slog.LevelDebug)
	}()
	span.SetAttr("segments", segments)

	_, closing := tracing.Start(ctx, "close-segments")
	var closeErrs []error
	for _, w := range writers {
		if err := w.Close(); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	closing.End()
	if err := errors.Join(closeErrs...); err != nil {
		b.metrics.ObserveCommit(err, time.Since(start), 0, 0)
		return nil, fmt.Errorf("closing open segments: %w", err)
	}

	c := consolidate.New(b.cfg.DataDir,
		consolidate.WithWorkers(b.cfg.ConsolidateWorkers),
		consolidate.WithBufferSize(b.cfg.WriteBufferSize),
	)
	out, err := c.Run(ctx, segments)
	b.metrics.ObserveCommit(err, time.Since(start), segments, tokensOf(out))
	if err != nil {
		b.logger.Error("commit failed", "segments", segments, "error", err)
		return nil, fmt.Errorf("consolidating index: %w", err)
	}
	res := &CommitResult{
		ID:            id,
		Dir:           b.cfg.DataDir,
		Segments:      out.Segments,
		Tokens:        out.Tokens,
		Records:       out.Records,
		MissingSpools: out.MissingSpools,
		Duration:      time.Since(start),
	}
	if len(res.MissingSpools) > 0 {
		b.logger.Warn("segments without spools indexed as empty", "segments", res.MissingSpools)
	}
	b.logger.Info("index committed",
		"commit_id", res.ID,
		"segments", res.Segments,
		"tokens", res.Tokens,
		"duration", res.Duration,
	)
	return res, nil
}

func tokensOf(r *consolidate.Result) int {
	if r == nil {
		return 0
	}
	return r.Tokens
}

// Close commits the index if that has not happened yet, then releases every
// segment handle the builder still tracks.
func (b *Builder) Close() error {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()

	var commitErr error
	if state == stateOpen {
		_, commitErr = b.Commit(context.Background())
	}

	b.mu.Lock()
	writers := b.openWritersLocked()
	b.state = stateClosed
	b.mu.Unlock()

	errs := []error{commitErr}
	for _, w := range writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

// openWritersLocked returns the open writers in segment order.
func (b *Builder) openWritersLocked() []*segment.Writer {
	ids := make([]int, 0, len(b.open))
	for id := range b.open {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	writers := make([]*segment.Writer, len(ids))
	for i, id := range ids {
		writers[i] = b.open[id]
	}
	return writers
}
