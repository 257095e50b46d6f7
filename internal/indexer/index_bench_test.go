package indexer

import (
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/segment"
)

func benchIndex(b *testing.B, segments, tokens int) *Index {
	b.Helper()
	dir := b.TempDir()
	bld, err := NewBuilder(testConfig(dir))
	if err != nil {
		b.Fatal(err)
	}
	for s := 0; s < segments; s++ {
		w, err := bld.CreateSegment()
		if err != nil {
			b.Fatal(err)
		}
		entries := make([]segment.Entry, tokens)
		for t := range entries {
			entries[t] = segment.Entry{Token: fmt.Sprintf("term-%d", t), Values: []uint32{uint32(s), uint32(t), 7}}
		}
		if err := w.PutAll(entries); err != nil {
			b.Fatal(err)
		}
	}
	if _, err := bld.Commit(context.Background()); err != nil {
		b.Fatal(err)
	}
	idx, err := Open(testConfig(dir))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { idx.Close() })
	return idx
}

// BenchmarkSegmentPut measures append throughput into a single segment.
func BenchmarkSegmentPut(b *testing.B) {
	bld, err := NewBuilder(testConfig(b.TempDir()))
	if err != nil {
		b.Fatal(err)
	}
	w, err := bld.CreateSegment()
	if err != nil {
		b.Fatal(err)
	}
	values := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := w.Put(fmt.Sprintf("tok-%d", i%4096), values); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
	w.Close()
}

// BenchmarkCommit measures consolidation of 8 segments by 2000 tokens.
func BenchmarkCommit(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		dir := b.TempDir()
		bld, err := NewBuilder(testConfig(dir))
		if err != nil {
			b.Fatal(err)
		}
		for s := 0; s < 8; s++ {
			w, err := bld.CreateSegment()
			if err != nil {
				b.Fatal(err)
			}
			for t := 0; t < 2000; t++ {
				if _, err := w.Put(fmt.Sprintf("term-%d", (t*7+s)%2000), []uint32{uint32(t)}); err != nil {
					b.Fatal(err)
				}
			}
		}
		b.StartTimer()
		if _, err := bld.Commit(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLookup(b *testing.B) {
	for _, segments := range []int{1, 8, 32} {
		b.Run(fmt.Sprintf("segments_%d", segments), func(b *testing.B) {
			idx := benchIndex(b, segments, 1000)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := idx.Lookup(fmt.Sprintf("term-%d", i%1000)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkLookupParallel measures concurrent read throughput over shared
// file handles.
func BenchmarkLookupParallel(b *testing.B) {
	idx := benchIndex(b, 8, 1000)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := idx.Lookup(fmt.Sprintf("term-%d", i%1000)); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}
