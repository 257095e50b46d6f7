package segment

import (
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/layout"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
)

func scanAll(t *testing.T, dir string, id int) []record.Pending {
	t.Helper()
	var out []record.Pending
	err := ScanPendingLog(layout.SpoolPath(dir, id), 0, func(p record.Pending) error {
		out = append(out, p)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestWriterOffsetsAreMonotonic(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 0, WriterOptions{})
	require.NoError(t, err)

	lists := [][]uint32{{1, 5}, {}, {2}, {7, 8, 9, 10}, {3}}
	offsets := make([]int32, len(lists))
	for i, values := range lists {
		off, err := w.Put("t"+string(rune('a'+i)), values)
		require.NoError(t, err)
		offsets[i] = off
	}
	assert.Equal(t, int32(0), offsets[0])
	for i := 1; i < len(offsets); i++ {
		assert.Greater(t, offsets[i], offsets[i-1])
		want := offsets[i-1] + int32(record.PostingsSize(len(lists[i-1])))
		assert.Equal(t, want, offsets[i], "offset %d is previous size", i)
	}

	// every list reads back on its own before close
	for i, off := range offsets {
		got, err := w.Postings(off)
		require.NoError(t, err)
		assert.Equal(t, lists[i], got)
	}
	require.NoError(t, w.Close())

	r, err := Open(dir, 0)
	require.NoError(t, err)
	defer r.Close()
	for i, off := range offsets {
		got, err := r.Postings(off)
		require.NoError(t, err)
		assert.Equal(t, lists[i], got)
	}
	assert.Equal(t, int64(offsets[4])+int64(record.PostingsSize(1)), r.Size())
}

func TestWriterGetReturnsLastWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 3, WriterOptions{})
	require.NoError(t, err)
	defer w.Close()

	first, err := w.Put("x", []uint32{1, 1})
	require.NoError(t, err)
	second, err := w.Put("x", []uint32{2, 2, 2})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	got, err := w.Get("x")
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 2, 2}, got)

	got, err = w.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, w.Len())
}

func TestSpoolRecordsEveryPut(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, WriterOptions{BufferSize: 32})
	require.NoError(t, err)
	require.NoError(t, w.PutAll([]Entry{
		{Token: "cat", Values: []uint32{1, 5}},
		{Token: "dog", Values: []uint32{2}},
		{Token: "cat", Values: []uint32{9}},
	}))
	require.NoError(t, w.Close())

	got := scanAll(t, dir, 1)
	assert.Equal(t, []record.Pending{
		{Token: "cat", Offset: 0},
		{Token: "dog", Offset: 12},
		{Token: "cat", Offset: 20},
	}, got)
}

func TestWriterClose(t *testing.T) {
	dir := t.TempDir()
	var closedID []int
	w, err := Create(dir, 7, WriterOptions{OnClose: func(id int) { closedID = append(closedID, id) }})
	require.NoError(t, err)
	_, err = w.Put("a", []uint32{1})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")
	assert.Equal(t, []int{7}, closedID)

	_, err = w.Put("b", []uint32{2})
	assert.ErrorIs(t, err, apperrors.ErrSegmentClosed)
	_, err = w.Get("a")
	assert.ErrorIs(t, err, apperrors.ErrSegmentClosed)

	info, err := os.Stat(layout.SegmentPath(dir, 7))
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size(), "close flushes buffered postings")
}

func TestOversizedTokenLeavesWriterUsable(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 0, WriterOptions{})
	require.NoError(t, err)

	_, err = w.Put("cat", []uint32{1})
	require.NoError(t, err)
	_, err = w.Put(strings.Repeat("x", record.MaxStringLen+1), []uint32{2})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	off, err := w.Put("dog", []uint32{3})
	require.NoError(t, err)
	assert.Equal(t, int32(record.PostingsSize(1)), off, "rejected token wrote no bytes")
	require.NoError(t, w.Close())

	info, err := os.Stat(layout.SegmentPath(dir, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2*record.PostingsSize(1)), info.Size())
	pending := scanAll(t, dir, 0)
	require.Len(t, pending, 2)
	assert.Equal(t, "dog", pending[1].Token)
}

func TestCreateTruncatesExistingSegment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(layout.SegmentPath(dir, 0), []byte("stale bytes"), 0o644))
	require.NoError(t, os.WriteFile(layout.SpoolPath(dir, 0), []byte("stale"), 0o644))

	w, err := Create(dir, 0, WriterOptions{})
	require.NoError(t, err)
	off, err := w.Put("fresh", []uint32{4})
	require.NoError(t, err)
	assert.Equal(t, int32(0), off)
	require.NoError(t, w.Close())

	assert.Equal(t, []record.Pending{{Token: "fresh", Offset: 0}}, scanAll(t, dir, 0))
}

func TestCreateFailsInMissingDirectory(t *testing.T) {
	_, err := Create("/nonexistent/ivt/dir", 0, WriterOptions{})
	assert.Error(t, err)
}

func TestConcurrentPutsKeepOffsetsDisjoint(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 0, WriterOptions{})
	require.NoError(t, err)

	const workers, perWorker = 8, 50
	var (
		mu      sync.Mutex
		offsets = make(map[int32][]uint32)
		wg      sync.WaitGroup
	)
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				values := []uint32{uint32(g), uint32(i), uint32(g * i)}
				off, err := w.Put("tok", values)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				offsets[off] = values
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Close())
	require.Len(t, offsets, workers*perWorker)

	r, err := Open(dir, 0)
	require.NoError(t, err)
	defer r.Close()
	for off, want := range offsets {
		got, err := r.Postings(off)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReaderRejectsBadOffsets(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 0, WriterOptions{})
	require.NoError(t, err)
	_, err = w.Put("a", []uint32{1, 2})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := Open(dir, 0)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Postings(12)
	assert.ErrorIs(t, err, apperrors.ErrCorrupt)
	_, err = r.Postings(-4)
	assert.ErrorIs(t, err, apperrors.ErrCorrupt)
	// offset 4 decodes value 1 as a count of one, then value 2: still in range
	got, err := r.Postings(4)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, got)
	// offset 8 decodes value 2 as a count that overruns the file
	_, err = r.Postings(8)
	assert.ErrorIs(t, err, apperrors.ErrCorrupt)
}

func TestScanMissingSpool(t *testing.T) {
	err := ScanPendingLog(layout.SpoolPath(t.TempDir(), 4), 0, func(record.Pending) error { return nil })
	assert.True(t, os.IsNotExist(err))
}
