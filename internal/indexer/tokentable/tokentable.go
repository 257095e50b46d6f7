// Package tokentable assigns every distinct token a dense, stable,
// zero-based id in first-encounter order and persists the mapping as a
// single file.
package tokentable

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/record"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
)

const (
	Magic         uint32 = 0x49565454 // "IVTT"
	FormatVersion uint32 = 1
)

// Table maps tokens to ids. It is not safe for concurrent mutation; the
// consolidator allocates ids from a single goroutine and readers only call
// ID after the table is fully built.
type Table struct {
	ids    map[string]int32
	tokens []string
}

func New() *Table {
	return &Table{ids: make(map[string]int32)}
}

// ID returns the id of token, if allocated.
func (t *Table) ID(token string) (int32, bool) {
	id, ok := t.ids[token]
	return id, ok
}

// Allocate returns the existing id for token or assigns the next one.
func (t *Table) Allocate(token string) int32 {
	if id, ok := t.ids[token]; ok {
		return id
	}
	id := int32(len(t.tokens))
	t.ids[token] = id
	t.tokens = append(t.tokens, token)
	return id
}

func (t *Table) Len() int {
	return len(t.tokens)
}

// Token returns the token with the given id.
func (t *Table) Token(id int32) (string, bool) {
	if id < 0 || int(id) >= len(t.tokens) {
		return "", false
	}
	return t.tokens[id], true
}

// Save writes the table to path atomically: it writes path+".tmp", syncs
// it and renames it over path.
func (t *Table) Save(path string) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating token table file: %w", err)
	}
	defer f.Close()

	w := record.NewWriter(f, 0)
	for _, v := range []uint32{Magic, FormatVersion, uint32(len(t.tokens))} {
		if err := w.WriteUint32(v); err != nil {
			return fmt.Errorf("writing token table header: %w", err)
		}
	}
	for _, token := range t.tokens {
		if err := w.WriteString(token); err != nil {
			return fmt.Errorf("writing token %q: %w", token, err)
		}
	}
	if err := w.WriteUint32(checksum(t.tokens)); err != nil {
		return fmt.Errorf("writing token table footer: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing token table: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing token table: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing token table: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming token table: %w", err)
	}
	return nil
}

// Load reads a table written by Save. Ids are reassigned in file order,
// which is id order.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening token table: %w", err)
	}
	defer f.Close()

	r := record.NewReader(f, 0)
	var header [3]uint32
	for i := range header {
		v, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("reading token table header: %w", eofCorrupt(err))
		}
		header[i] = v
	}
	if header[0] != Magic {
		return nil, apperrors.Corruptf("token table: bad magic %08x", header[0])
	}
	if header[1] != FormatVersion {
		return nil, apperrors.Corruptf("token table: unsupported version %d", header[1])
	}
	count := header[2]

	t := &Table{
		ids:    make(map[string]int32, count),
		tokens: make([]string, 0, count),
	}
	for i := uint32(0); i < count; i++ {
		token, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("reading token %d: %w", i, eofCorrupt(err))
		}
		if _, dup := t.ids[token]; dup {
			return nil, apperrors.Corruptf("token table: duplicate token %q", token)
		}
		t.Allocate(token)
	}
	want, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading token table footer: %w", eofCorrupt(err))
	}
	if got := checksum(t.tokens); want != got {
		return nil, apperrors.Corruptf("token table: checksum %08x, computed %08x", want, got)
	}
	return t, nil
}

// checksum covers the encoded entries, not the header.
func checksum(tokens []string) uint32 {
	crc := crc32.NewIEEE()
	w := record.NewWriter(crc, 0)
	for _, token := range tokens {
		_ = w.WriteString(token)
	}
	_ = w.Flush()
	return crc.Sum32()
}

func eofCorrupt(err error) error {
	if errors.Is(err, io.EOF) {
		return apperrors.Corruptf("unexpected end of token table")
	}
	return err
}
