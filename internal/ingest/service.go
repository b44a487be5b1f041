package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docqa/internal/apperr"
	"docqa/internal/dedup"
	"docqa/internal/embed"
	"docqa/internal/extract"
	"docqa/internal/text"
)

const StatusSuccess = "success"

const DefaultMaxFileBytes = 100 << 20

type Store interface {
	dedup.ExistenceChecker
	InsertBatch(ctx context.Context, pairs []embed.Pair) error
}

type Embedder interface {
	EmbedManyResult(ctx context.Context, chunks []text.Chunk) embed.Result
}

type Request struct {
	Filename string
	Content  []byte
}

// Result counts chunks by outcome. Processed+Skipped+Failed == Total.
type Result struct {
	Status    string
	Processed int
	Skipped   int
	Failed    int
	Total     int
	Elapsed   time.Duration
}

type Options struct {
	MaxFileBytes int64
}

type Service struct {
	extractor extract.Extractor
	segmenter *text.Segmenter
	dedup     *dedup.Deduplicator
	embedder  Embedder
	store     Store
	opts      Options
}

func NewService(ex extract.Extractor, seg *text.Segmenter, emb Embedder, store Store, opts Options) *Service {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	return &Service{
		extractor: ex,
		segmenter: seg,
		dedup:     dedup.New(store),
		embedder:  emb,
		store:     store,
		opts:      opts,
	}
}

// Ingest stores the new chunks of one file. Size and extraction failures are
// returned before any embedding call is made.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	timings := stageTimer{ctx: ctx, last: start}

	switch {
	case len(req.Content) == 0:
		return nil, apperr.Stage("validate", apperr.ErrEmptyFile)
	case int64(len(req.Content)) > s.opts.MaxFileBytes:
		return nil, apperr.Stage("validate", fmt.Errorf("%w: %d bytes exceeds the %d byte limit", apperr.ErrFileTooLarge, len(req.Content), s.opts.MaxFileBytes))
	}

	raw, err := s.extractor.Extract(ctx, extract.File{Name: req.Filename, Data: req.Content})
	if err != nil {
		return nil, apperr.Stage("extract", err)
	}
	timings.mark("extract")

	chunks := s.segmenter.Segment(raw, len(req.Content))
	if len(chunks) == 0 {
		return nil, apperr.Stage("segment", apperr.ErrNoText)
	}
	stats := text.Stats(chunks)
	timings.mark("segment", "chunks", stats.Count, "avg_size", stats.AvgSize, "min_size", stats.MinSize, "max_size", stats.MaxSize)

	fresh, existing, err := s.dedup.FilterNew(ctx, chunks)
	if err != nil {
		return nil, apperr.Stage("dedup", err)
	}
	timings.mark("dedup", "new", len(fresh), "existing", len(existing))

	res := &Result{
		Status:  StatusSuccess,
		Total:   len(chunks),
		Skipped: len(chunks) - len(fresh),
	}
	if len(fresh) == 0 {
		res.Elapsed = time.Since(start)
		slog.InfoContext(ctx, "all chunks already stored", "filename", req.Filename, "total", res.Total)
		return res, nil
	}

	embedded := s.embedder.EmbedManyResult(ctx, fresh)
	timings.mark("embed", "succeeded", len(embedded.Pairs), "timed_out_batches", embedded.TimedOutBatches)

	if len(embedded.Pairs) > 0 {
		if err := s.store.InsertBatch(ctx, embedded.Pairs); err != nil {
			return nil, apperr.Stage("insert", err)
		}
	}
	timings.mark("insert", "rows", len(embedded.Pairs))

	res.Processed = len(embedded.Pairs)
	res.Failed = len(fresh) - res.Processed
	res.Elapsed = time.Since(start)

	slog.InfoContext(ctx, "ingestion complete",
		"filename", req.Filename,
		"total", res.Total,
		"processed", res.Processed,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"duration", res.Elapsed)
	return res, nil
}

type stageTimer struct {
	ctx  context.Context
	last time.Time
}

func (t *stageTimer) mark(stage string, attrs ...any) {
	now := time.Now()
	args := append([]any{"stage", stage, "duration", now.Sub(t.last)}, attrs...)
	slog.DebugContext(t.ctx, "ingest stage complete", args...)
	t.last = now
}
