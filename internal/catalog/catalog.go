// Package catalog records every successful index commit in PostgreSQL so
// operators can see which directories hold which build.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/resilience"
)

const schema = `
CREATE TABLE IF NOT EXISTS index_commits (
	id           UUID PRIMARY KEY,
	data_dir     TEXT        NOT NULL,
	segments     INTEGER     NOT NULL,
	tokens       INTEGER     NOT NULL,
	records      BIGINT      NOT NULL,
	duration_ms  BIGINT      NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS index_commits_dir_idx ON index_commits (data_dir, committed_at DESC);
`

// Commit is one row of the catalog.
type Commit struct {
	ID          uuid.UUID `json:"id"`
	DataDir     string    `json:"data_dir"`
	Segments    int       `json:"segments"`
	Tokens      int       `json:"tokens"`
	Records     int64     `json:"records"`
	Duration    string    `json:"duration"`
	CommittedAt time.Time `json:"committed_at"`
}

type Catalog struct {
	client *postgres.Client
	retry  resilience.RetryConfig
	logger *slog.Logger
}

func New(client *postgres.Client) *Catalog {
	return &Catalog{
		client: client,
		retry:  resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond},
		logger: logger.WithComponent("catalog"),
	}
}

// EnsureSchema creates the catalog table if it does not exist.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	if _, err := c.client.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating catalog schema: %w", err)
	}
	return nil
}

// RecordCommit inserts res, retrying transient failures. Re-recording the
// same commit id is a no-op.
func (c *Catalog) RecordCommit(ctx context.Context, res *indexer.CommitResult) error {
	err := resilience.Retry(ctx, "catalog-record-commit", c.retry, func() error {
		return c.client.InTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO index_commits (id, data_dir, segments, tokens, records, duration_ms)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO NOTHING`,
				res.ID, res.Dir, res.Segments, res.Tokens, res.Records, res.Duration.Milliseconds(),
			)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("recording commit %s: %w", res.ID, err)
	}
	c.logger.Info("commit recorded", "commit_id", res.ID, "dir", res.Dir)
	return nil
}

// Latest returns the most recent commit recorded for dataDir.
func (c *Catalog) Latest(ctx context.Context, dataDir string) (*Commit, error) {
	var (
		out        Commit
		durationMS int64
	)
	err := c.client.DB.QueryRowContext(ctx,
		`SELECT id, data_dir, segments, tokens, records, duration_ms, committed_at
		 FROM index_commits WHERE data_dir = $1
		 ORDER BY committed_at DESC LIMIT 1`,
		dataDir,
	).Scan(&out.ID, &out.DataDir, &out.Segments, &out.Tokens, &out.Records, &durationMS, &out.CommittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no commit recorded for %s: %w", dataDir, apperrors.ErrIndexNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest commit: %w", err)
	}
	out.Duration = (time.Duration(durationMS) * time.Millisecond).String()
	return &out, nil
}
