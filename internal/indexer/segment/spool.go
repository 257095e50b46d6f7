package segment

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/layout"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/record"
)

// PendingLog spools the (token, offset) pairs of one write-mode segment
// until the next commit consolidates them. It performs no locking of its
// own: the owning Writer serialises Record with the posting-list append.
type PendingLog struct {
	path string
	file *os.File
	w    *record.Writer
}

// CreatePendingLog creates (or truncates) the spool of segment id.
func CreatePendingLog(dir string, id int, bufferSize int) (*PendingLog, error) {
	path := layout.SpoolPath(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	return &PendingLog{
		path: path,
		file: f,
		w:    record.NewWriter(f, bufferSize),
	}, nil
}

func (l *PendingLog) Record(token string, offset int32) error {
	if err := l.w.WritePending(record.Pending{Token: token, Offset: offset}); err != nil {
		return fmt.Errorf("spooling %q: %w", token, err)
	}
	return nil
}

func (l *PendingLog) Path() string {
	return l.path
}

// Close flushes and syncs the spool before closing it. The file handle is
// released even when the flush fails.
func (l *PendingLog) Close() error {
	flushErr := l.w.Flush()
	var syncErr error
	if flushErr == nil {
		syncErr = l.file.Sync()
	}
	closeErr := l.file.Close()
	if err := errors.Join(flushErr, syncErr, closeErr); err != nil {
		return fmt.Errorf("closing spool %s: %w", l.path, err)
	}
	return nil
}

// ScanPendingLog calls fn for every record of the spool at path in write
// order. A missing spool is reported with an error satisfying
// os.IsNotExist.
func ScanPendingLog(path string, bufferSize int, fn func(record.Pending) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := record.NewReader(f, bufferSize)
	for {
		p, err := r.ReadPending()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading spool %s: %w", path, err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}
