package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/resilience"
)

// indexCompleteEvent is published once a commit has been written.
type indexCompleteEvent struct {
	CommitID  string `json:"commit_id"`
	DataDir   string `json:"data_dir"`
	Segments  int    `json:"segments"`
	Tokens    int    `json:"tokens"`
	Records   int64  `json:"records"`
	Documents int    `json:"documents"`
	Timestamp int64  `json:"timestamp"`
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	source := flag.String("source", "file", "document source: file or kafka")
	input := flag.String("input", "-", "JSON-lines document file for -source file (- reads stdin)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting indexer",
		"source", *source,
		"data_dir", cfg.Indexer.DataDir,
		"batch_size", cfg.Indexer.BatchSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		defer shutdown(context.Background())
	}

	if _, err := run(ctx, cfg, m, *source, *input); err != nil {
		slog.Error("indexer failed", "error", err)
		os.Exit(1)
	}
	slog.Info("indexer stopped")
}

func run(ctx context.Context, cfg *config.Config, m *metrics.Metrics, source, input string) (*indexer.CommitResult, error) {
	if source != "file" && source != "kafka" {
		return nil, fmt.Errorf("unknown source %q (want file or kafka)", source)
	}
	builder, err := indexer.NewBuilder(cfg.Indexer, indexer.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("opening index for writing: %w", err)
	}
	batcher := ingest.NewBatcher(builder, cfg.Indexer, m)

	switch source {
	case "file":
		if err := ingestFile(ctx, batcher, input); err != nil {
			// Everything flushed so far is still committed.
			slog.Error("ingest stopped early", "error", err)
		}
	case "kafka":
		if err := ingestKafka(ctx, cfg, batcher); err != nil {
			slog.Error("kafka ingest stopped", "error", err)
		}
	}

	// Commit must outlive the signal that stopped ingest.
	commitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	res, err := batcher.Commit(commitCtx)
	if err != nil {
		return nil, fmt.Errorf("committing index: %w", err)
	}
	slog.Info("index committed",
		"commit_id", res.ID,
		"segments", res.Segments,
		"tokens", res.Tokens,
		"records", res.Records,
		"documents", batcher.Flushed(),
		"missing_spools", len(res.MissingSpools),
		"duration", res.Duration,
	)

	if cfg.Postgres.Enabled {
		if err := recordCommit(commitCtx, cfg.Postgres, res); err != nil {
			slog.Error("failed to record commit in catalog", "error", err)
		}
	}
	if cfg.Kafka.Enabled {
		if err := announceCommit(commitCtx, cfg.Kafka, res, batcher.Flushed()); err != nil {
			slog.Error("failed to publish index completion", "error", err)
		}
	}
	return res, nil
}

func ingestFile(ctx context.Context, batcher *ingest.Batcher, path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()
		r = f
	}
	n, err := ingest.ReadJSONLines(ctx, r, batcher)
	slog.Info("input consumed", "documents", n, "input", path)
	return err
}

// ingestKafka consumes until ctx is cancelled. Partial batches are flushed
// on FlushInterval so a quiet topic still produces segments.
func ingestKafka(ctx context.Context, cfg *config.Config, batcher *ingest.Batcher) error {
	if !cfg.Kafka.Enabled {
		return errors.New("kafka source requested but kafka is disabled")
	}
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, ingest.HandleMessage(batcher),
		kafka.WithCheckpoint(ingest.Durable(batcher)),
		kafka.WithFinalFlush(batcher.Flush),
	)
	flushDone := batcher.StartFlushLoop(ctx, cfg.Indexer.FlushInterval)

	err := consumer.Start(ctx)
	<-flushDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func recordCommit(ctx context.Context, cfg config.PostgresConfig, res *indexer.CommitResult) error {
	client, err := postgres.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	cat := catalog.New(client)
	if err := cat.EnsureSchema(ctx); err != nil {
		return err
	}
	return cat.RecordCommit(ctx, res)
}

func announceCommit(ctx context.Context, cfg config.KafkaConfig, res *indexer.CommitResult, docs int) error {
	producer := kafka.NewProducer(cfg, cfg.Topics.IndexComplete)
	defer producer.Close()
	return publishCommit(ctx, producer, res, docs)
}

func publishCommit(ctx context.Context, pub kafka.Publisher, res *indexer.CommitResult, docs int) error {
	event := kafka.Event{
		Key: res.ID.String(),
		Value: indexCompleteEvent{
			CommitID:  res.ID.String(),
			DataDir:   res.Dir,
			Segments:  res.Segments,
			Tokens:    res.Tokens,
			Records:   res.Records,
			Documents: docs,
			Timestamp: time.Now().UnixMilli(),
		},
	}
	return resilience.Retry(ctx, "publish-index-complete", resilience.RetryConfig{MaxAttempts: 5}, func() error {
		return pub.Publish(ctx, event)
	})
}
