// Package handler serves posting-list lookups over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/resilience"
)

// Index is the read side the handler serves from.
type Index interface {
	Lookup(token string) ([]uint32, error)
	Stats() indexer.Stats
}

// PostingsResponse is the body of a successful lookup.
type PostingsResponse struct {
	Token    string   `json:"token"`
	Postings []uint32 `json:"postings"`
	Count    int      `json:"count"`
	CacheHit bool     `json:"cache_hit"`
}

// StatsResponse is the body of the index stats endpoint.
type StatsResponse struct {
	indexer.Stats
	Cache *CacheStats `json:"cache,omitempty"`
}

type CacheStats struct {
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	HitRate string `json:"hit_rate"`
}

type Handler struct {
	index         Index
	cache         *cache.PostingCache
	maxTokenLen   int
	lookupTimeout time.Duration
	logger        *slog.Logger
}

// New creates a Handler. postingCache may be nil.
func New(idx Index, postingCache *cache.PostingCache, cfg config.SearchConfig) *Handler {
	return &Handler{
		index:         idx,
		cache:         postingCache,
		maxTokenLen:   cfg.MaxTokenLength,
		lookupTimeout: cfg.LookupTimeout,
		logger:        logger.WithComponent("lookup-handler"),
	}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/postings", h.Postings)
	mux.HandleFunc("GET /api/v1/index/stats", h.Stats)
	mux.HandleFunc("POST /api/v1/cache/purge", h.CachePurge)
}

// Postings handles GET /api/v1/postings?token=<t>[&normalize=true]. The
// token is matched exactly unless normalize asks for the same folding the
// ingest path applies to document text.
func (h *Handler) Postings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	token, err := h.parseToken(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if token == "" {
		// normalisation dropped the word entirely
		h.writeJSON(w, http.StatusOK, PostingsResponse{Token: r.URL.Query().Get("token"), Postings: []uint32{}})
		return
	}

	var (
		values   []uint32
		cacheHit bool
	)
	err = resilience.WithTimeout(ctx, h.lookupTimeout, "lookup", func(ctx context.Context) error {
		var err error
		values, cacheHit, err = h.lookup(ctx, token)
		return err
	})
	if err != nil {
		log.Error("lookup failed", "token", token, "error", err)
		h.writeErr(w, r, apperrors.New(err, apperrors.HTTPStatusCode(err), "lookup failed"))
		return
	}

	log.Debug("lookup completed",
		"token", token,
		"count", len(values),
		"cache_hit", cacheHit,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, PostingsResponse{
		Token:    token,
		Postings: values,
		Count:    len(values),
		CacheHit: cacheHit,
	})
}

// parseToken returns the token to look up. An empty token with a nil error
// means normalize was requested and the word never becomes a token.
func (h *Handler) parseToken(r *http.Request) (string, error) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		return "", apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "query parameter 'token' is required")
	}
	if h.maxTokenLen > 0 && len(token) > h.maxTokenLen {
		return "", apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "token exceeds %d bytes", h.maxTokenLen)
	}
	v := q.Get("normalize")
	if v == "" {
		return token, nil
	}
	normalize, err := strconv.ParseBool(v)
	if err != nil {
		return "", apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "normalize must be a boolean")
	}
	if !normalize {
		return token, nil
	}
	term, ok := tokenizer.Normalize(token)
	if !ok {
		return "", nil
	}
	return term, nil
}

func (h *Handler) lookup(ctx context.Context, token string) ([]uint32, bool, error) {
	if h.cache == nil {
		values, err := h.index.Lookup(token)
		return values, false, err
	}
	return h.cache.GetOrLoad(ctx, token, func() ([]uint32, error) {
		return h.index.Lookup(token)
	})
}

// Stats handles GET /api/v1/index/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Stats: h.index.Stats()}
	if h.cache != nil {
		hits, misses := h.cache.Stats()
		var hitRate float64
		if total := hits + misses; total > 0 {
			hitRate = float64(hits) / float64(total) * 100
		}
		resp.Cache = &CacheStats{Hits: hits, Misses: misses, HitRate: fmt.Sprintf("%.1f%%", hitRate)}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CachePurge handles POST /api/v1/cache/purge.
func (h *Handler) CachePurge(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Purge(r.Context()); err != nil {
		h.logger.Error("cache purge failed", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "cache purge failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeErr reports err with its mapped status. Only an AppError's message
// reaches the client; anything else is reported generically.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	message := http.StatusText(apperrors.HTTPStatusCode(err))
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	h.writeError(w, r, apperrors.HTTPStatusCode(err), message)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	body := map[string]string{"error": message}
	if id := middleware.GetRequestID(r.Context()); id != "" {
		body["request_id"] = id
	}
	h.writeJSON(w, status, body)
}
