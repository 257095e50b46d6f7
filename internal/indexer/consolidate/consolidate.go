// Package consolidate merges the spools of every segment in an index
// directory into the token table and the offset matrix.
//
// The merge takes two passes over the spools. The first assigns token ids
// in segment order, then spool order, which fixes the row width. The second
// builds one row per segment, letting later spool records overwrite
// earlier ones for the same token, and writes each row to its block.
// Rows are independent once ids are final, so the second pass runs
// segments concurrently.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/layout"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/offsets"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/record"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/tokentable"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/tracing"
)

// Result describes a completed consolidation.
type Result struct {
	Table    *tokentable.Table
	Segments int
	Tokens   int
	// Records is the number of spool records read in the first pass.
	Records int64
	// MissingSpools lists segments that had no spool on disk; their rows
	// are entirely Absent.
	MissingSpools []int
	Duration      time.Duration
}

type Consolidator struct {
	dir        string
	workers    int
	bufferSize int
	logger     *slog.Logger
}

type Option func(*Consolidator)

// WithWorkers bounds how many segments the second pass processes at once.
func WithWorkers(n int) Option {
	return func(c *Consolidator) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithBufferSize(n int) Option {
	return func(c *Consolidator) {
		c.bufferSize = n
	}
}

func New(dir string, opts ...Option) *Consolidator {
	c := &Consolidator{
		dir:     dir,
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default().With("component", "consolidator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consolidates the spools of segments 0..segments-1. The caller must
// ensure every contributing segment is closed and that nothing else touches
// the directory until Run returns.
//
// The matrix and token table are written to temporary files and renamed
// into place; spools are deleted only after both are durable. A failure
// before that point leaves the spools intact so the commit can be retried.
func (c *Consolidator) Run(ctx context.Context, segments int) (*Result, error) {
	start := time.Now()
	c.logger.Info("consolidation started", "segments", segments, "workers", c.workers)

	phaseCtx, phase := tracing.Start(ctx, "discover-tokens")
	table, records, missing, err := c.discoverTokens(phaseCtx, segments)
	phase.End()
	if err != nil {
		return nil, fmt.Errorf("token discovery: %w", err)
	}
	phase.SetAttr("tokens", table.Len())
	phase.SetAttr("records", records)
	c.logger.Debug("token discovery complete",
		"tokens", table.Len(),
		"records", records,
		"missing_spools", len(missing),
	)

	phaseCtx, phase = tracing.Start(ctx, "write-matrix")
	err = c.writeMatrix(phaseCtx, table, segments)
	phase.End()
	if err != nil {
		return nil, fmt.Errorf("matrix population: %w", err)
	}
	_, phase = tracing.Start(ctx, "save-token-table")
	err = table.Save(layout.TokenTablePath(c.dir))
	phase.End()
	if err != nil {
		return nil, fmt.Errorf("persisting token table: %w", err)
	}
	_, phase = tracing.Start(ctx, "remove-spools")
	if err := c.removeSpools(segments); err != nil {
		// the index itself is complete; leftover spools are only clutter
		c.logger.Warn("failed to remove spools", "error", err)
	}
	phase.End()

	res := &Result{
		Table:         table,
		Segments:      segments,
		Tokens:        table.Len(),
		Records:       records,
		MissingSpools: missing,
		Duration:      time.Since(start),
	}
	c.logger.Info("consolidation complete",
		"segments", res.Segments,
		"tokens", res.Tokens,
		"records", res.Records,
		"duration", res.Duration,
	)
	return res, nil
}

// discoverTokens is the first pass. Id assignment depends on visit order,
// so it runs on a single goroutine.
func (c *Consolidator) discoverTokens(ctx context.Context, segments int) (*tokentable.Table, int64, []int, error) {
	table := tokentable.New()
	var records int64
	var missing []int
	for i := 0; i < segments; i++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, nil, err
		}
		err := segment.ScanPendingLog(layout.SpoolPath(c.dir, i), c.bufferSize, func(p record.Pending) error {
			table.Allocate(p.Token)
			records++
			return nil
		})
		if os.IsNotExist(err) {
			missing = append(missing, i)
			continue
		}
		if err != nil {
			return nil, 0, nil, err
		}
		if table.Len() > maxTokens {
			return nil, 0, nil, fmt.Errorf("%w: more than %d distinct tokens", apperrors.ErrInvalidInput, maxTokens)
		}
	}
	return table, records, missing, nil
}

// maxTokens keeps every token id representable as an int32.
const maxTokens = 1<<31 - 1

// writeMatrix is the second pass.
func (c *Consolidator) writeMatrix(ctx context.Context, table *tokentable.Table, segments int) error {
	matrix, err := offsets.Create(layout.OffsetMatrixPath(c.dir), segments, table.Len())
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := 0; i < segments; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row, err := c.buildRow(i, table)
			if err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			return matrix.WriteRow(i, row)
		})
	}
	if err := g.Wait(); err != nil {
		if abortErr := matrix.Abort(); abortErr != nil {
			c.logger.Warn("failed to discard partial offset matrix", "error", abortErr)
		}
		return err
	}
	return matrix.Commit()
}

func (c *Consolidator) buildRow(seg int, table *tokentable.Table) ([]int32, error) {
	row := offsets.NewRow(table.Len())
	err := segment.ScanPendingLog(layout.SpoolPath(c.dir, seg), c.bufferSize, func(p record.Pending) error {
		id, ok := table.ID(p.Token)
		if !ok {
			return apperrors.Corruptf("token %q appeared in spool after discovery", p.Token)
		}
		if p.Offset < 0 {
			return apperrors.Corruptf("negative offset %d for token %q", p.Offset, p.Token)
		}
		row[id] = p.Offset
		return nil
	})
	if os.IsNotExist(err) {
		return row, nil
	}
	return row, err
}

func (c *Consolidator) removeSpools(segments int) error {
	var errs []error
	for i := 0; i < segments; i++ {
		if err := os.Remove(layout.SpoolPath(c.dir, i)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
