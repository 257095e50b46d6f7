package indexer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/layout"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/offsets"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/tokentable"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
)

// Index is a committed index opened for lookups. It is immutable and safe
// for concurrent use; every read is positional.
type Index struct {
	dir        string
	generation string
	table      *tokentable.Table
	matrix     *offsets.Reader
	segments   []*segment.Reader
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Stats describes the shape of an open index.
type Stats struct {
	Dir        string `json:"dir"`
	Generation string `json:"generation"`
	Segments   int    `json:"segments"`
	Tokens     int    `json:"tokens"`
}

// Open loads the token table of the committed index in cfg.DataDir and
// opens its offset matrix and every segment.
func Open(cfg config.IndexerConfig, opts ...Option) (*Index, error) {
	o := applyOptions("index-reader", opts)
	info, err := os.Stat(cfg.DataDir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", cfg.DataDir, apperrors.ErrIndexNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat index directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", cfg.DataDir, apperrors.ErrNotDirectory)
	}

	tablePath := layout.TokenTablePath(cfg.DataDir)
	tableInfo, err := os.Stat(tablePath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s has no committed index: %w", cfg.DataDir, apperrors.ErrIndexNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat token table: %w", err)
	}
	table, err := tokentable.Load(tablePath)
	if err != nil {
		return nil, fmt.Errorf("loading token table: %w", err)
	}
	count, err := layout.CountSegments(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("scanning segments: %w", err)
	}

	idx := &Index{
		dir:        cfg.DataDir,
		generation: fmt.Sprintf("%x-%x", tableInfo.ModTime().UnixNano(), tableInfo.Size()),
		table:      table,
		metrics:    o.metrics,
		logger:     o.logger,
	}
	idx.matrix, err = offsets.Open(layout.OffsetMatrixPath(cfg.DataDir), count, table.Len())
	if err != nil {
		return nil, fmt.Errorf("opening offset matrix: %w", err)
	}
	for i := 0; i < count; i++ {
		r, err := segment.Open(cfg.DataDir, i)
		if err != nil {
			idx.Close()
			return nil, fmt.Errorf("opening segment %d: %w", i, err)
		}
		idx.segments = append(idx.segments, r)
	}
	idx.metrics.SetIndexShape(count, table.Len())
	idx.logger.Info("index opened",
		"dir", idx.dir,
		"segments", count,
		"tokens", table.Len(),
	)
	return idx, nil
}

// Lookup returns token's full posting list: the lists stored for it in
// each segment, concatenated in segment order. An unknown token yields an
// empty, non-nil slice.
func (idx *Index) Lookup(token string) ([]uint32, error) {
	start := time.Now()
	values, found, err := idx.lookup(token)
	result := "hit"
	switch {
	case err != nil:
		result = "error"
	case !found:
		result = "miss"
	}
	idx.metrics.ObserveLookup(result, time.Since(start))
	return values, err
}

func (idx *Index) lookup(token string) ([]uint32, bool, error) {
	id, ok := idx.table.ID(token)
	if !ok {
		return []uint32{}, false, nil
	}
	out := []uint32{}
	for s, seg := range idx.segments {
		off, err := idx.matrix.Offset(s, id)
		if err != nil {
			return nil, true, err
		}
		if off == offsets.Absent {
			continue
		}
		values, err := seg.Postings(off)
		if err != nil {
			return nil, true, fmt.Errorf("token %q: %w", token, err)
		}
		out = append(out, values...)
	}
	return out, true, nil
}

// Cell returns the raw offset matrix entry for (segment, tokenID).
func (idx *Index) Cell(segment int, tokenID int32) (int32, error) {
	return idx.matrix.Offset(segment, tokenID)
}

// TokenID returns the id assigned to token at commit time.
func (idx *Index) TokenID(token string) (int32, bool) {
	return idx.table.ID(token)
}

// Token returns the token with the given id.
func (idx *Index) Token(id int32) (string, bool) {
	return idx.table.Token(id)
}

func (idx *Index) Tokens() int {
	return idx.table.Len()
}

func (idx *Index) Segments() int {
	return len(idx.segments)
}

// Generation identifies this commit of the directory. It changes whenever
// the token table is rewritten, so caches can key on it.
func (idx *Index) Generation() string {
	return idx.generation
}

func (idx *Index) Stats() Stats {
	return Stats{
		Dir:        idx.dir,
		Generation: idx.generation,
		Segments:   len(idx.segments),
		Tokens:     idx.table.Len(),
	}
}

// Close releases the matrix and every segment handle.
func (idx *Index) Close() error {
	var errs []error
	if idx.matrix != nil {
		errs = append(errs, idx.matrix.Close())
		idx.matrix = nil
	}
	for _, s := range idx.segments {
		errs = append(errs, s.Close())
	}
	idx.segments = nil
	return errors.Join(errs...)
}
