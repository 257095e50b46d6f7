package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/ratelimit"
	pkgredis "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting lookup service", "port", cfg.Server.Port, "data_dir", cfg.Indexer.DataDir)

	m := metrics.New(prometheus.DefaultRegisterer)
	idx, err := indexer.Open(cfg.Indexer, indexer.WithMetrics(m))
	if err != nil {
		slog.Error("failed to open index", "error", err)
		os.Exit(1)
	}
	defer idx.Close()
	stats := idx.Stats()
	slog.Info("index opened",
		"generation", stats.Generation,
		"segments", stats.Segments,
		"tokens", stats.Tokens,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	checker.Register("index", indexCheck(idx))

	var postingCache *cache.PostingCache
	var redisPing func(context.Context) error
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, posting cache disabled", "error", err)
		} else {
			defer redisClient.Close()
			postingCache = cache.New(redisClient, cfg.Redis, idx.Generation(), m)
			redisPing = redisClient.Ping
			slog.Info("posting cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}
	checker.Register("redis", health.PingCheck(redisPing, false))

	if cfg.Postgres.Enabled {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, commit catalog not checked", "error", err)
			checker.Register("postgres", health.PingCheck(nil, false))
		} else {
			defer pg.Close()
			logLatestCommit(ctx, catalog.New(pg), cfg.Indexer.DataDir)
			checker.Register("postgres", health.PingCheck(pg.Ping, false))
		}
	}

	chain, cleanup := newRouter(cfg, idx, postingCache, checker, m)
	defer cleanup()

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("lookup service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("lookup service stopped")
}

func indexCheck(idx *indexer.Index) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		stats := idx.Stats()
		if stats.Segments == 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "index holds no segments"}
		}
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d segments, %d tokens", stats.Segments, stats.Tokens),
		}
	}
}

// logLatestCommit compares the catalog's view of the directory with what
// was opened, so a stale deployment shows up in the logs.
func logLatestCommit(ctx context.Context, cat *catalog.Catalog, dataDir string) {
	commit, err := cat.Latest(ctx, dataDir)
	if err != nil {
		slog.Warn("no catalog entry for index", "data_dir", dataDir, "error", err)
		return
	}
	slog.Info("latest catalogued commit",
		"commit_id", commit.ID,
		"committed_at", commit.CommittedAt,
		"segments", commit.Segments,
		"tokens", commit.Tokens,
	)
}

// newRouter mounts the lookup API and health probes behind the middleware
// chain. cleanup releases anything the chain started.
func newRouter(cfg *config.Config, idx handler.Index, postingCache *cache.PostingCache, checker *health.Checker, m *metrics.Metrics) (http.Handler, func()) {
	h := handler.New(idx, postingCache, cfg.Search)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	cleanup := func() {}
	var chain http.Handler = mux
	if cfg.Search.RateLimit > 0 {
		limiter := ratelimit.New(cfg.Search.RateLimit, cfg.Search.RateLimitWindow)
		cleanup = limiter.Close
		chain = middleware.RateLimit(limiter)(chain)
		slog.Info("rate limiting enabled", "limit", cfg.Search.RateLimit, "window", cfg.Search.RateLimitWindow)
	}
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RequestID(chain)
	if len(cfg.Server.AllowOrigins) > 0 {
		chain = middleware.CORS(cfg.Server.AllowOrigins, 86400)(chain)
	}
	return chain, cleanup
}
