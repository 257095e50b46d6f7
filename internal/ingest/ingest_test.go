package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
)

func newBatcher(t *testing.T, batchSize int, m *metrics.Metrics) (*Batcher, *indexer.Builder, config.IndexerConfig) {
	t.Helper()
	cfg := config.DefaultIndexerConfig(t.TempDir())
	cfg.BatchSize = batchSize
	b, err := indexer.NewBuilder(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return NewBatcher(b, cfg, m), b, cfg
}

func lookup(t *testing.T, cfg config.IndexerConfig, token string) []uint32 {
	t.Helper()
	idx, err := indexer.Open(cfg)
	require.NoError(t, err)
	defer idx.Close()
	got, err := idx.Lookup(token)
	require.NoError(t, err)
	return got
}

var docs = []Document{
	{ID: 1, Title: "Cats", Body: "chase dogs"},
	{ID: 2, Body: "dogs bark"},
}

func TestBatcherSegmentPerBatch(t *testing.T) {
	for _, size := range []int{1, 2, 10} {
		t.Run("", func(t *testing.T) {
			b, builder, cfg := newBatcher(t, size, nil)
			for _, d := range docs {
				require.NoError(t, b.Add(d))
			}
			res, err := b.Commit(context.Background())
			require.NoError(t, err)
			assert.Equal(t, builder.Segments(), res.Segments)
			assert.Equal(t, (len(docs)+size-1)/size, res.Segments)
			assert.Equal(t, 2, b.Flushed())

			assert.Equal(t, []uint32{1, 2, 2, 0}, lookup(t, cfg, "dog"))
			assert.Equal(t, []uint32{1, 0}, lookup(t, cfg, "cat"))
			assert.Equal(t, []uint32{2, 1}, lookup(t, cfg, "bark"))
			assert.Empty(t, lookup(t, cfg, "bird"))
		})
	}
}

func TestBatcherRepeatedTermPositions(t *testing.T) {
	b, _, cfg := newBatcher(t, 10, nil)
	require.NoError(t, b.Add(Document{ID: 7, Body: "cats chase cats"}))
	_, err := b.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 0, 7, 2}, lookup(t, cfg, "cat"))
}

func TestFlushWithNothingPending(t *testing.T) {
	b, builder, _ := newBatcher(t, 10, nil)
	require.NoError(t, b.Flush())
	assert.Equal(t, 0, builder.Segments())
}

func TestAddAfterCommitFails(t *testing.T) {
	b, _, _ := newBatcher(t, 1, nil)
	_, err := b.Commit(context.Background())
	require.NoError(t, err)
	err = b.Add(docs[0])
	assert.ErrorIs(t, err, apperrors.ErrIndexCommitted)
	assert.Equal(t, 1, b.Pending(), "failed batch stays pending")
}

func TestFlushMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b, _, _ := newBatcher(t, 2, m)
	for _, d := range docs {
		require.NoError(t, b.Add(d))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DocsIndexedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchFlushesTotal.WithLabelValues("ok")))
}

func TestStartFlushLoop(t *testing.T) {
	b, _, _ := newBatcher(t, 100, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := b.StartFlushLoop(ctx, 5*time.Millisecond)

	require.NoError(t, b.Add(docs[0]))
	require.Eventually(t, func() bool { return b.Flushed() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Add(docs[1]))
	cancel()
	<-done
	assert.Equal(t, 2, b.Flushed())
	assert.Equal(t, 0, b.Pending())
}

func TestHandleMessage(t *testing.T) {
	b, _, cfg := newBatcher(t, 10, nil)
	handle := HandleMessage(b)
	ctx := context.Background()

	require.NoError(t, handle(ctx, []byte("1"), []byte(`{"doc_id":1,"title":"Cats","body":"chase dogs"}`)))
	require.NoError(t, handle(ctx, []byte("x"), []byte(`not json`)), "poison messages are acknowledged")
	require.NoError(t, handle(ctx, []byte("2"), []byte(`{"doc_id":2,"title":"  "}`)), "invalid documents are acknowledged")
	assert.Equal(t, 1, b.Pending())

	_, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, lookup(t, cfg, "dog"))
}

func TestReadJSONLines(t *testing.T) {
	b, _, cfg := newBatcher(t, 1, nil)
	input := `{"doc_id":1,"title":"Cats","body":"chase dogs"}

{"doc_id":2,"body":"dogs bark"}
`
	n, err := ReadJSONLines(context.Background(), strings.NewReader(input), b)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = b.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 2, 0}, lookup(t, cfg, "dog"))
}

func TestReadJSONLinesRejectsBadLine(t *testing.T) {
	b, _, _ := newBatcher(t, 10, nil)
	n, err := ReadJSONLines(context.Background(), strings.NewReader("{\"doc_id\":1,\"body\":\"dogs\"}\n{oops\n"), b)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.ErrorContains(t, err, "line 2")
}

func TestDocumentValidate(t *testing.T) {
	assert.NoError(t, Document{ID: 1, Title: "only a title"}.Validate())
	assert.NoError(t, Document{ID: 1, Body: "only a body"}.Validate())

	err := Document{ID: 9, Title: " ", Body: "\t"}.Validate()
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.ErrorContains(t, err, "document 9")

	err = Document{ID: 3, Title: strings.Repeat("t", maxTitleLength+1), Body: "x"}.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "title")
	assert.NotContains(t, verr.Fields, "body")
}

func TestReadJSONLinesRejectsEmptyDocument(t *testing.T) {
	b, _, _ := newBatcher(t, 10, nil)
	_, err := ReadJSONLines(context.Background(), strings.NewReader(`{"doc_id":4}`), b)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.ErrorContains(t, err, "line 1")
}

// flakyBuilder fails CreateSegment while failures remain.
type flakyBuilder struct {
	*indexer.Builder
	failures int
}

func (f *flakyBuilder) CreateSegment() (*segment.Writer, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("disk full")
	}
	return f.Builder.CreateSegment()
}

func TestFailedFlushKeepsAcceptedDocuments(t *testing.T) {
	cfg := config.DefaultIndexerConfig(t.TempDir())
	cfg.BatchSize = 3
	inner, err := indexer.NewBuilder(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })
	fb := &flakyBuilder{Builder: inner, failures: 1}
	b := NewBatcher(fb, cfg, nil)
	handle := HandleMessage(b)
	durable := Durable(b)
	ctx := context.Background()

	require.NoError(t, handle(ctx, nil, []byte(`{"doc_id":1,"body":"cats"}`)))
	require.NoError(t, handle(ctx, nil, []byte(`{"doc_id":2,"body":"dogs"}`)))
	assert.False(t, durable())
	require.NoError(t, handle(ctx, nil, []byte(`{"doc_id":3,"body":"cats dogs"}`)), "the document is buffered")
	assert.Equal(t, 3, b.Pending(), "failed batch stays pending")
	assert.Equal(t, 0, b.Flushed())
	assert.False(t, durable())

	require.NoError(t, b.Flush())
	assert.Equal(t, 3, b.Flushed())
	assert.True(t, durable())

	_, err = b.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 0, 3, 0}, lookup(t, cfg, "cat"))
	assert.Equal(t, []uint32{2, 0, 3, 1}, lookup(t, cfg, "dog"))
}
