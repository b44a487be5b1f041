package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docqa/internal/apperr"
	"docqa/internal/cache"
	"docqa/internal/embed"
	"docqa/internal/middleware"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// NoDocumentsAnswer is returned as-is when the store has nothing to offer.
const NoDocumentsAnswer = "No relevant documents found."

// PurposeAnswer namespaces cached answers apart from cached embeddings.
const PurposeAnswer = "answer"

type Searcher interface {
	Search(ctx context.Context, vector []float32, k int) ([]string, error)
}

type Generator interface {
	Generate(ctx context.Context, question, docs string) (string, error)
}

type Options struct {
	TopK             int
	ContextSeparator string
	EmbedTimeout     time.Duration
	SearchTimeout    time.Duration
	GenerateTimeout  time.Duration
	CacheTTL         time.Duration
}

func DefaultOptions() Options {
	return Options{
		TopK:             5,
		ContextSeparator: " ",
		EmbedTimeout:     20 * time.Second,
		SearchTimeout:    10 * time.Second,
		GenerateTimeout:  60 * time.Second,
		CacheTTL:         time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TopK <= 0 {
		o.TopK = d.TopK
	}
	if o.ContextSeparator == "" {
		o.ContextSeparator = d.ContextSeparator
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = d.EmbedTimeout
	}
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = d.SearchTimeout
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = d.GenerateTimeout
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	return o
}

type Result struct {
	Status         string
	Answer         string
	DocumentsFound int
	Cached         bool
	Elapsed        time.Duration
}

// Service answers questions from the nearest stored documents. Embedding,
// search and generation each run under their own deadline.
type Service struct {
	oracle    embed.Oracle
	store     Searcher
	generator Generator
	cache     cache.Cache
	logger    *QueryLogger
	opts      Options
}

func NewService(o embed.Oracle, s Searcher, g Generator, opts Options) *Service {
	return &Service{oracle: o, store: s, generator: g, opts: opts.withDefaults()}
}

// WithCache memoizes answers by question and retrieved context.
func (s *Service) WithCache(c cache.Cache) *Service {
	s.cache = c
	return s
}

func (s *Service) WithQueryLogger(l *QueryLogger) *Service {
	s.logger = l
	return s
}

func (s *Service) Answer(ctx context.Context, question string) (res *Result, err error) {
	start := time.Now()
	q := strings.TrimSpace(question)

	defer func() {
		if s.logger == nil {
			return
		}
		entry := QueryLogEntry{
			Question:  q,
			Status:    StatusSuccess,
			Duration:  time.Since(start),
			RequestID: middleware.RequestIDFrom(ctx),
		}
		if res != nil {
			entry.DocumentsFound = res.DocumentsFound
			entry.Cached = res.Cached
		}
		if err != nil {
			entry.Status = StatusError
			entry.Error = err.Error()
		}
		s.logger.Log(entry)
	}()

	if q == "" {
		return nil, apperr.Stage("validate", apperr.ErrEmptyQuestion)
	}

	vec, err := withTimeout(ctx, s.opts.EmbedTimeout, "embed", func(ctx context.Context) ([]float32, error) {
		return s.oracle.Embed(ctx, q, embed.PurposeQuery)
	})
	if err != nil {
		return nil, err
	}

	docs, err := withTimeout(ctx, s.opts.SearchTimeout, "search", func(ctx context.Context) ([]string, error) {
		return s.store.Search(ctx, vec, s.opts.TopK)
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		slog.InfoContext(ctx, "no documents matched query")
		return &Result{Status: StatusSuccess, Answer: NoDocumentsAnswer, Elapsed: time.Since(start)}, nil
	}

	docContext := strings.Join(docs, s.opts.ContextSeparator)
	res = &Result{Status: StatusSuccess, DocumentsFound: len(docs)}

	key := cache.Key(PurposeAnswer, q+"\x00"+docContext)
	if answer, ok := s.cachedAnswer(ctx, key); ok {
		res.Answer, res.Cached = answer, true
		res.Elapsed = time.Since(start)
		return res, nil
	}

	answer, err := withTimeout(ctx, s.opts.GenerateTimeout, "generate", func(ctx context.Context) (string, error) {
		return s.generator.Generate(ctx, q, docContext)
	})
	if err != nil {
		return nil, err
	}
	res.Answer = answer
	s.storeAnswer(ctx, key, answer)

	res.Elapsed = time.Since(start)
	slog.InfoContext(ctx, "query answered", "documents_found", res.DocumentsFound, "duration", res.Elapsed)
	return res, nil
}

func (s *Service) cachedAnswer(ctx context.Context, key string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	b, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "answer cache read failed", "error", err)
		return "", false
	}
	return string(b), ok
}

func (s *Service) storeAnswer(ctx context.Context, key, answer string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, []byte(answer), s.opts.CacheTTL); err != nil {
		slog.WarnContext(ctx, "answer cache write failed", "error", err)
	}
}

// withTimeout runs fn under its own deadline and tags the failure with stage.
// It returns when the deadline fires even if fn ignores its context, and an
// outcome produced after the deadline counts as a timeout.
func withTimeout[T any](ctx context.Context, d time.Duration, stage string, fn func(context.Context) (T, error)) (T, error) {
	sctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(sctx)
		done <- result{v, err}
	}()

	var zero T
	var r result
	select {
	case <-sctx.Done():
		r.err = sctx.Err()
	case r = <-done:
		if r.err == nil && sctx.Err() != nil {
			r.err = sctx.Err()
		}
	}
	if r.err == nil {
		return r.v, nil
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) && !errors.Is(r.err, apperr.ErrTimeout) && !errors.Is(r.err, context.DeadlineExceeded) {
		r.err = fmt.Errorf("%w: %w", apperr.ErrTimeout, r.err)
	}
	return zero, apperr.Stage(stage, r.err)
}
