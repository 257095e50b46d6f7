package indexer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/layout"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
)

func testConfig(dir string) config.IndexerConfig {
	cfg := config.DefaultIndexerConfig(dir)
	cfg.WriteBufferSize = 128
	cfg.ConsolidateWorkers = 2
	return cfg
}

// build writes one segment per batch, commits, and opens the result.
func build(t *testing.T, dir string, batches ...[]segment.Entry) *Index {
	t.Helper()
	b, err := NewBuilder(testConfig(dir))
	require.NoError(t, err)
	for _, batch := range batches {
		w, err := b.CreateSegment()
		require.NoError(t, err)
		require.NoError(t, w.PutAll(batch))
		require.NoError(t, w.Close())
	}
	_, err = b.Commit(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	idx, err := Open(testConfig(dir))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestLookupAcrossSegments(t *testing.T) {
	idx := build(t, t.TempDir(),
		[]segment.Entry{{Token: "cat", Values: []uint32{1, 5}}, {Token: "dog", Values: []uint32{2}}},
		[]segment.Entry{{Token: "dog", Values: []uint32{9}}},
	)

	got, err := idx.Lookup("cat")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 5}, got)

	got, err = idx.Lookup("dog")
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 9}, got)

	got, err = idx.Lookup("bird")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	assert.Equal(t, 2, idx.Segments())
	assert.Equal(t, 2, idx.Tokens())

	catID, ok := idx.TokenID("cat")
	require.True(t, ok)
	cell, err := idx.Cell(1, catID)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), cell, "cat is absent from segment 1")
	cell, err = idx.Cell(0, catID)
	require.NoError(t, err)
	assert.Equal(t, int32(0), cell)
}

func TestLookupLastWriteWins(t *testing.T) {
	idx := build(t, t.TempDir(), []segment.Entry{
		{Token: "x", Values: []uint32{1, 2, 3}},
		{Token: "x", Values: []uint32{7}},
	})
	got, err := idx.Lookup("x")
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, got)
}

func TestLookupEmptyPostingList(t *testing.T) {
	idx := build(t, t.TempDir(),
		[]segment.Entry{{Token: "e", Values: nil}},
		[]segment.Entry{{Token: "e", Values: []uint32{4}}},
	)
	got, err := idx.Lookup("e")
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, got)
}

func TestEmptyCommit(t *testing.T) {
	idx := build(t, t.TempDir())
	assert.Equal(t, 0, idx.Segments())
	assert.Equal(t, 0, idx.Tokens())
	got, err := idx.Lookup("anything")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCommitClosesOpenSegments(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuilder(testConfig(dir))
	require.NoError(t, err)
	w0, err := b.CreateSegment()
	require.NoError(t, err)
	w1, err := b.CreateSegment()
	require.NoError(t, err)
	_, err = w0.Put("a", []uint32{1})
	require.NoError(t, err)
	_, err = w1.Put("a", []uint32{2})
	require.NoError(t, err)

	res, err := b.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Segments)
	assert.Equal(t, 1, res.Tokens)
	assert.NotEqual(t, [16]byte{}, [16]byte(res.ID))

	_, err = w0.Put("b", []uint32{3})
	assert.ErrorIs(t, err, apperrors.ErrSegmentClosed)

	again, err := b.Commit(context.Background())
	require.NoError(t, err)
	assert.Same(t, res, again)

	_, err = b.CreateSegment()
	assert.ErrorIs(t, err, apperrors.ErrIndexCommitted)
	require.NoError(t, b.Close())

	idx, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer idx.Close()
	got, err := idx.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, got)
}

func TestCloseCommits(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuilder(testConfig(dir))
	require.NoError(t, err)
	w, err := b.CreateSegment()
	require.NoError(t, err)
	_, err = w.Put("z", []uint32{42})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	idx, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer idx.Close()
	got, err := idx.Lookup("z")
	require.NoError(t, err)
	assert.Equal(t, []uint32{42}, got)

	_, err = b.Commit(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrSegmentClosed)
}

func TestNewBuilderRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := NewBuilder(testConfig(path))
	assert.ErrorIs(t, err, apperrors.ErrNotDirectory)
	_, err = Open(testConfig(path))
	assert.ErrorIs(t, err, apperrors.ErrNotDirectory)
}

func TestNewBuilderCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	b, err := NewBuilder(testConfig(dir))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewBuilderRejectsCommittedIndex(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, []segment.Entry{{Token: "a", Values: []uint32{1}}})
	_, err := NewBuilder(testConfig(dir))
	assert.ErrorIs(t, err, apperrors.ErrIndexCommitted)
}

func TestNewBuilderResumesUncommittedSegments(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuilder(testConfig(dir))
	require.NoError(t, err)
	w, err := b.CreateSegment()
	require.NoError(t, err)
	_, err = w.Put("old", []uint32{1})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	// abandoned without commit

	b2, err := NewBuilder(testConfig(dir))
	require.NoError(t, err)
	assert.Equal(t, 1, b2.Segments())
	w2, err := b2.CreateSegment()
	require.NoError(t, err)
	assert.Equal(t, 1, w2.ID())
	_, err = w2.Put("old", []uint32{2})
	require.NoError(t, err)
	require.NoError(t, b2.Close())

	idx, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer idx.Close()
	got, err := idx.Lookup("old")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, got)
}

func TestOpenMissingIndex(t *testing.T) {
	_, err := Open(testConfig(filepath.Join(t.TempDir(), "nope")))
	assert.ErrorIs(t, err, apperrors.ErrIndexNotFound)

	_, err = Open(testConfig(t.TempDir()))
	assert.ErrorIs(t, err, apperrors.ErrIndexNotFound)
}

func TestOpenDetectsTruncatedMatrix(t *testing.T) {
	dir := t.TempDir()
	idx := build(t, dir, []segment.Entry{{Token: "a", Values: []uint32{1}}, {Token: "b", Values: []uint32{2}}})
	require.NoError(t, idx.Close())
	require.NoError(t, os.Truncate(layout.OffsetMatrixPath(dir), 4))
	_, err := Open(testConfig(dir))
	assert.ErrorIs(t, err, apperrors.ErrCorrupt)
}

func TestGenerationFollowsTokenTable(t *testing.T) {
	dir := t.TempDir()
	idx := build(t, dir, []segment.Entry{{Token: "a", Values: []uint32{1}}})
	info, err := os.Stat(layout.TokenTablePath(dir))
	require.NoError(t, err)
	want := fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size())
	assert.Equal(t, want, idx.Generation())
	assert.Equal(t, want, idx.Stats().Generation)
}

func TestConcurrentLookups(t *testing.T) {
	var batches [][]segment.Entry
	for s := 0; s < 4; s++ {
		var batch []segment.Entry
		for tok := 0; tok < 20; tok++ {
			batch = append(batch, segment.Entry{Token: fmt.Sprintf("t%d", tok), Values: []uint32{uint32(s), uint32(tok)}})
		}
		batches = append(batches, batch)
	}
	idx := build(t, t.TempDir(), batches...)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tok := i % 20
				got, err := idx.Lookup(fmt.Sprintf("t%d", tok))
				if !assert.NoError(t, err) {
					return
				}
				want := []uint32{0, uint32(tok), 1, uint32(tok), 2, uint32(tok), 3, uint32(tok)}
				if !assert.Equal(t, want, got) {
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestConcurrentSegmentBuilding(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuilder(testConfig(dir))
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]int, 6)
	for g := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := b.CreateSegment()
			if !assert.NoError(t, err) {
				return
			}
			ids[g] = w.ID()
			_, err = w.Put("shared", []uint32{uint32(w.ID())})
			assert.NoError(t, err)
			assert.NoError(t, w.Close())
		}()
	}
	wg.Wait()
	require.NoError(t, b.Close())

	idx, err := Open(testConfig(dir))
	require.NoError(t, err)
	defer idx.Close()
	got, err := idx.Lookup("shared")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, got, "segment order, regardless of writer scheduling")
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5}, ids)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	dir := t.TempDir()

	b, err := NewBuilder(testConfig(dir), WithMetrics(m))
	require.NoError(t, err)
	w, err := b.CreateSegment()
	require.NoError(t, err)
	_, err = w.Put("k", []uint32{1, 2})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	idx, err := Open(testConfig(dir), WithMetrics(m))
	require.NoError(t, err)
	defer idx.Close()
	_, err = idx.Lookup("k")
	require.NoError(t, err)
	_, err = idx.Lookup("missing")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsCreatedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PostingsWrittenTotal))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.PostingBytesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LookupsTotal.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexTokens))
}

func TestIndexProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property tests in short mode")
	}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("single segment round-trip", prop.ForAll(
		func(postings map[string][]uint32) bool {
			dir, err := os.MkdirTemp(t.TempDir(), "prop")
			if err != nil {
				return false
			}
			var batch []segment.Entry
			for tok, values := range postings {
				batch = append(batch, segment.Entry{Token: tok, Values: values})
			}
			idx := build(t, dir, batch)
			defer idx.Close()
			if idx.Tokens() != len(postings) {
				return false
			}
			for tok, values := range postings {
				got, err := idx.Lookup(tok)
				if err != nil || len(got) != len(values) {
					return false
				}
				for i := range values {
					if got[i] != values[i] {
						return false
					}
				}
			}
			return true
		},
		gen.MapOf(gen.Identifier(), gen.SliceOf(gen.UInt32())),
	))

	properties.Property("lookup concatenates the last write per segment", prop.ForAll(
		func(tokens []string, segments int) bool {
			dir, err := os.MkdirTemp(t.TempDir(), "prop")
			if err != nil {
				return false
			}
			batches := make([][]segment.Entry, segments)
			last := make([]map[string][]uint32, segments)
			for s := range last {
				last[s] = make(map[string][]uint32)
			}
			for i, tok := range tokens {
				s := i % segments
				values := []uint32{uint32(i), uint32(i) * 7}
				batches[s] = append(batches[s], segment.Entry{Token: tok, Values: values})
				last[s][tok] = values
			}
			idx := build(t, dir, batches...)
			defer idx.Close()
			for _, tok := range []string{"a", "b", "c", "d"} {
				var want []uint32
				for s := 0; s < segments; s++ {
					want = append(want, last[s][tok]...)
				}
				got, err := idx.Lookup(tok)
				if err != nil || len(got) != len(want) {
					return false
				}
				for i := range want {
					if got[i] != want[i] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("a", "b", "c", "d")),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

func TestCommitLogsPhaseSpans(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	b, err := NewBuilder(testConfig(t.TempDir()), WithLogger(log))
	require.NoError(t, err)
	w, err := b.CreateSegment()
	require.NoError(t, err)
	_, err = w.Put("cat", []uint32{1})
	require.NoError(t, err)
	res, err := b.Commit(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"component":"index-builder"`)
	assert.Contains(t, out, `"span":"close-segments"`)
	assert.Contains(t, out, `"trace_id":"`+res.ID.String()+`"`)
}
