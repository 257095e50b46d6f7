package ingest

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
)

const (
	maxTitleLength = 1024
	maxBodyLength  = 1 << 20
)

// ValidationError lists every field of a document that failed validation.
// It matches apperrors.ErrInvalidInput.
type ValidationError struct {
	DocID  uint32
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ": " + e.Fields[name]
	}
	return fmt.Sprintf("document %d: %s", e.DocID, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrInvalidInput }

// Validate checks the size limits of a document and that it carries some
// text to index.
func (d Document) Validate() error {
	fields := make(map[string]string)
	if len(d.Title) > maxTitleLength {
		fields["title"] = fmt.Sprintf("must be at most %d bytes", maxTitleLength)
	}
	if len(d.Body) > maxBodyLength {
		fields["body"] = fmt.Sprintf("must be at most %d bytes", maxBodyLength)
	}
	if strings.TrimSpace(d.Title) == "" && strings.TrimSpace(d.Body) == "" {
		fields["body"] = "title or body is required"
	}
	if len(fields) > 0 {
		return &ValidationError{DocID: d.ID, Fields: fields}
	}
	return nil
}
