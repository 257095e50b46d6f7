// Package layout names the files that make up an index directory and
// discovers which segments already exist on disk.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
)

const (
	TokenTableFile   = "idx"
	OffsetMatrixFile = "seIdx"
	SegmentPrefix    = "pstl"
	SpoolPrefix      = "idxObj"
)

func TokenTablePath(dir string) string {
	return filepath.Join(dir, TokenTableFile)
}

func OffsetMatrixPath(dir string) string {
	return filepath.Join(dir, OffsetMatrixFile)
}

func SegmentPath(dir string, id int) string {
	return filepath.Join(dir, SegmentPrefix+strconv.Itoa(id))
}

func SpoolPath(dir string, id int) string {
	return filepath.Join(dir, SpoolPrefix+strconv.Itoa(id))
}

// CountSegments returns the number of segment files in dir. Segment ids
// must be contiguous from zero; a gap is reported as ErrCorrupt.
func CountSegments(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading index directory: %w", err)
	}
	ids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := parseID(entry.Name(), SegmentPrefix)
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for i, id := range ids {
		if id != i {
			return 0, apperrors.Corruptf("segment %d missing (found %s%d)", i, SegmentPrefix, id)
		}
	}
	return len(ids), nil
}

func parseID(name, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}
