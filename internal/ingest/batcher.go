// Package ingest turns documents into segments. A Batcher tokenizes each
// document, accumulates per-token posting lists of (doc id, position)
// pairs, and writes one segment per batch through the index builder.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
)

// Document is one unit of ingest.
type Document struct {
	ID    uint32
	Title string
	Body  string
}

// Builder is the part of *indexer.Builder a Batcher drives.
type Builder interface {
	CreateSegment() (*segment.Writer, error)
	Commit(ctx context.Context) (*indexer.CommitResult, error)
}

type Batcher struct {
	builder   Builder
	batchSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	order    []string
	postings map[string][]uint32
	docs     int
	flushed  int
}

func NewBatcher(b Builder, cfg config.IndexerConfig, m *metrics.Metrics) *Batcher {
	size := cfg.BatchSize
	if size <= 0 {
		size = 1
	}
	return &Batcher{
		builder:   b,
		batchSize: size,
		metrics:   m,
		logger:    logger.WithComponent("batcher"),
		postings:  make(map[string][]uint32),
	}
}

// Add tokenizes doc into the current batch and writes the batch out as a
// segment once it holds BatchSize documents. Title and body share one
// position space, title first.
func (b *Batcher) Add(doc Document) error {
	groups := tokenizer.GroupByTerm(tokenizer.Tokenize(doc.Title + " " + doc.Body))

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range groups {
		list, seen := b.postings[g.Term]
		if !seen {
			b.order = append(b.order, g.Term)
		}
		for _, pos := range g.Positions {
			list = append(list, doc.ID, pos)
		}
		b.postings[g.Term] = list
	}
	b.docs++
	b.logger.Debug("document batched", "doc_id", doc.ID, "terms", len(groups), "batched_docs", b.docs)
	if b.docs >= b.batchSize {
		return b.flushLocked()
	}
	return nil
}

// Flush writes the pending batch as a new segment. It is a no-op when
// nothing is pending. A batch that fails to write stays pending.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *Batcher) flushLocked() error {
	if b.docs == 0 {
		return nil
	}
	docs := b.docs
	entries := make([]segment.Entry, len(b.order))
	for i, term := range b.order {
		entries[i] = segment.Entry{Token: term, Values: b.postings[term]}
	}

	id, err := b.writeSegment(entries)
	b.metrics.ObserveFlush(err, docs)
	if err != nil {
		// The batch stays pending so the next flush retries it.
		b.logger.Error("batch flush failed", "docs", docs, "error", err)
		return fmt.Errorf("flushing %d documents: %w", docs, err)
	}
	b.order = nil
	b.postings = make(map[string][]uint32)
	b.docs = 0
	b.flushed += docs
	b.logger.Info("batch flushed",
		"segment", id,
		"docs", docs,
		"terms", len(entries),
	)
	return nil
}

func (b *Batcher) writeSegment(entries []segment.Entry) (int, error) {
	w, err := b.builder.CreateSegment()
	if err != nil {
		return 0, err
	}
	if err := w.PutAll(entries); err != nil {
		w.Close()
		return w.ID(), err
	}
	return w.ID(), w.Close()
}

// Pending returns the number of documents waiting for the next flush. Zero
// means every document added so far is in a closed segment.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.docs
}

// Flushed returns the number of documents written to segments so far.
func (b *Batcher) Flushed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushed
}

// Commit flushes the tail batch and commits the index.
func (b *Batcher) Commit(ctx context.Context) (*indexer.CommitResult, error) {
	if err := b.Flush(); err != nil {
		return nil, err
	}
	return b.builder.Commit(ctx)
}

// StartFlushLoop flushes any pending documents every interval until ctx is
// cancelled, then performs a final flush. The returned channel is closed
// once the loop has exited.
func (b *Batcher) StartFlushLoop(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("flush loop stopping, performing final flush")
				if err := b.Flush(); err != nil && !errors.Is(err, apperrors.ErrIndexCommitted) {
					b.logger.Error("final flush failed", "error", err)
				}
				return
			case <-ticker.C:
				if b.Pending() > 0 {
					if err := b.Flush(); err != nil {
						b.logger.Error("periodic flush failed", "error", err)
					}
				}
			}
		}
	}()
	return done
}
