package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
)

// maxLineSize bounds one JSON document in a JSON Lines input.
const maxLineSize = 16 << 20

// ReadJSONLines adds every IngestEvent in r, one JSON object per line, to
// b. Blank lines are skipped. It returns the number of documents added.
func ReadJSONLines(ctx context.Context, r io.Reader, b *Batcher) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n, line := 0, 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event IngestEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return n, fmt.Errorf("line %d: %w: %v", line, apperrors.ErrInvalidInput, err)
		}
		doc := Document{ID: event.DocID, Title: event.Title, Body: event.Body}
		if err := doc.Validate(); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := b.Add(doc); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reading input: %w", err)
	}
	return n, nil
}
