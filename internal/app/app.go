package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"docqa/internal/config"
	"docqa/internal/embed"
	"docqa/internal/extract"
	"docqa/internal/ingest"
	"docqa/internal/middleware"
	"docqa/internal/retrieval"
	"docqa/internal/text"
	"docqa/internal/worker"
)

const healthCheckTimeout = 3 * time.Second

type App struct {
	Handler    http.Handler
	Dispatcher *worker.Dispatcher
	Ingest     *ingest.Service
	Retrieval  *retrieval.Service

	port        int
	queryLogEnd io.Closer
}

// New wires the pipelines on top of deps. It does not start anything.
func New(cfg *config.Config, deps *Dependencies) (*App, error) {
	seg, err := text.NewSegmenter(text.DefaultPolicy())
	if err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}

	oracle := deps.Oracle
	if deps.Cache != nil {
		oracle = embed.NewCachedOracle(oracle, deps.Cache, cfg.CacheTTL)
	}

	batcher := embed.NewBatchEmbedder(oracle, embed.Options{
		BatchSize:       cfg.EmbedBatchSize,
		MaxConcurrency:  cfg.EmbedMaxConcurrency,
		PerCallTimeout:  cfg.EmbedCallTimeout,
		PerBatchTimeout: cfg.EmbedBatchTimeout,
		BatchDelay:      cfg.EmbedBatchDelay,
		BulkThreshold:   cfg.EmbedBulkThreshold,
	})
	if cfg.EmbedRatePerSecond > 0 {
		batcher = batcher.WithRateLimit(cfg.EmbedRatePerSecond, cfg.EmbedMaxConcurrency)
	}

	ingestSvc := ingest.NewService(extract.NewFileExtractor(), seg, batcher, deps.Store, ingest.Options{
		MaxFileBytes: cfg.MaxFileBytes(),
	})

	queryLogger, closer, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
		closer = nil
	}

	retrievalSvc := retrieval.NewService(oracle, deps.Store, deps.Generator, retrieval.Options{
		TopK:            cfg.QueryTopK,
		EmbedTimeout:    cfg.QueryEmbedTimeout,
		SearchTimeout:   cfg.QuerySearchTimeout,
		GenerateTimeout: cfg.QueryGenerateTimeout,
		CacheTTL:        cfg.CacheTTL,
	}).WithQueryLogger(queryLogger)
	if deps.Cache != nil {
		retrievalSvc = retrievalSvc.WithCache(deps.Cache)
	}

	dispatcher := worker.NewDispatcher(deps.Transport, ingestSvc, retrievalSvc, worker.Options{
		MaxFileSizeMB: cfg.MaxFileSizeMB,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /health", middleware.RequestID(healthHandler(deps.Store)))
	mux.Handle("POST /documents/clear", middleware.RequestID(clearHandler(deps.Store)))

	return &App{
		Handler:     mux,
		Dispatcher:  dispatcher,
		Ingest:      ingestSvc,
		Retrieval:   retrievalSvc,
		port:        cfg.HealthPort,
		queryLogEnd: closer,
	}, nil
}

func healthHandler(store VectorStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		body := map[string]any{}

		if p, ok := store.(Pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				slog.WarnContext(r.Context(), "health check failed", "error", err)
				status, code = "unavailable", http.StatusServiceUnavailable
			}
		}
		if status == "ok" {
			if n, err := store.Count(r.Context()); err == nil {
				body["documents"] = n
			}
		}
		body["status"] = status
		writeJSON(r.Context(), w, code, body)
	}
}

// clearHandler deletes every stored document and reports how many went.
func clearHandler(store VectorStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := store.Clear(r.Context())
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to clear documents", "error", err)
			writeJSON(r.Context(), w, http.StatusInternalServerError, map[string]any{
				"status":  "error",
				"message": "Failed to clear documents.",
			})
			return
		}
		slog.InfoContext(r.Context(), "documents cleared", "deleted_count", n)
		writeJSON(r.Context(), w, http.StatusOK, map[string]any{
			"status":        "success",
			"deleted_count": n,
		})
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.WarnContext(ctx, "failed to write response", "error", err)
	}
}

// Run serves until ctx is done or the dispatcher fails.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if a.queryLogEnd != nil {
			if err := a.queryLogEnd.Close(); err != nil {
				slog.Warn("failed to close query log", "error", err)
			}
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Dispatcher.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("health server starting", "port", a.port)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}
