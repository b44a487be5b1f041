package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"docqa/internal/text"
)

// BatchEmbedder turns chunks into (chunk, vector) pairs. Batches run one
// after another; calls inside a batch run concurrently, never more than
// MaxConcurrency at a time.
type BatchEmbedder struct {
	oracle  Oracle
	opts    Options
	limiter *rate.Limiter
}

func NewBatchEmbedder(o Oracle, opts Options) *BatchEmbedder {
	return &BatchEmbedder{oracle: o, opts: opts.withDefaults()}
}

// WithRateLimit throttles oracle calls to perSecond with the given burst.
func (b *BatchEmbedder) WithRateLimit(perSecond float64, burst int) *BatchEmbedder {
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return b
}

func (b *BatchEmbedder) Options() Options {
	return b.opts
}

// EmbedMany returns the successful pairs only. Failures are len(chunks)-len(result).
func (b *BatchEmbedder) EmbedMany(ctx context.Context, chunks []text.Chunk) []Pair {
	return b.EmbedManyResult(ctx, chunks).Pairs
}

// EmbedManyResult is EmbedMany with failure accounting.
func (b *BatchEmbedder) EmbedManyResult(ctx context.Context, chunks []text.Chunk) Result {
	if len(chunks) == 0 {
		return Result{}
	}

	start := time.Now()
	var res Result
	bulk, ok := b.oracle.(BulkOracle)
	if ok && b.opts.BulkThreshold > 0 && len(chunks) > b.opts.BulkThreshold {
		pairs, err := b.embedBulk(ctx, bulk, chunks)
		switch {
		case err == nil:
			res = Result{Pairs: pairs, UsedBulk: true}
		case errors.Is(err, errBulkUnsupported):
			res = b.embedBatches(ctx, chunks, b.opts.BatchSize)
		default:
			slog.WarnContext(ctx, "bulk embedding failed, falling back to concurrent batches", "error", err, "chunks", len(chunks))
			res = b.embedBatches(ctx, chunks, b.opts.FallbackBatchSize)
		}
	} else {
		res = b.embedBatches(ctx, chunks, b.opts.BatchSize)
	}
	res.Failed = len(chunks) - len(res.Pairs)

	slog.InfoContext(ctx, "embedding complete",
		"chunks", len(chunks),
		"succeeded", len(res.Pairs),
		"failed", res.Failed,
		"timed_out_batches", res.TimedOutBatches,
		"bulk", res.UsedBulk,
		"duration", time.Since(start))
	return res
}

func (b *BatchEmbedder) embedBatches(ctx context.Context, chunks []text.Chunk, batchSize int) Result {
	var res Result
	total := (len(chunks) + batchSize - 1) / batchSize

	for i, n := 0, 1; i < len(chunks); i, n = i+batchSize, n+1 {
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "embedding cancelled", "batch", n, "total_batches", total)
			break
		}
		end := min(i+batchSize, len(chunks))

		pairs, err := b.embedBatch(ctx, chunks[i:end])
		if err != nil {
			res.TimedOutBatches++
			slog.WarnContext(ctx, "batch discarded", "batch", n, "total_batches", total, "size", end-i, "error", err)
		} else {
			res.Pairs = append(res.Pairs, pairs...)
			slog.DebugContext(ctx, "batch complete", "batch", n, "total_batches", total, "succeeded", len(pairs), "size", end-i)
		}

		if n < total && b.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(b.opts.BatchDelay):
			}
		}
	}
	return res
}

var errBatchTimeout = errors.New("batch timed out")

// embedBatch runs one batch under PerBatchTimeout. When the deadline fires
// the whole batch is discarded, including calls that already succeeded.
func (b *BatchEmbedder) embedBatch(ctx context.Context, batch []text.Chunk) ([]Pair, error) {
	bctx, cancel := context.WithTimeout(ctx, b.opts.PerBatchTimeout)
	defer cancel()

	// Admission gate: a goroutine is only spawned after a slot is acquired.
	sem := semaphore.NewWeighted(int64(b.opts.MaxConcurrency))
	vectors := make([][]float32, len(batch))
	g := new(errgroup.Group)

	for i := range batch {
		if err := sem.Acquire(bctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			vec, err := b.embedOne(bctx, batch[i].Text)
			if err != nil {
				if bctx.Err() == nil {
					slog.WarnContext(ctx, "chunk embedding failed", "fingerprint", batch[i].Fingerprint, "error", err)
				}
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	_ = g.Wait()

	if bctx.Err() != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", errBatchTimeout, b.opts.PerBatchTimeout)
	}

	pairs := make([]Pair, 0, len(batch))
	for i, vec := range vectors {
		if len(vec) > 0 {
			pairs = append(pairs, Pair{Chunk: batch[i], Vector: vec})
		}
	}
	return pairs, nil
}

func (b *BatchEmbedder) embedOne(ctx context.Context, s string) ([]float32, error) {
	cctx, cancel := context.WithTimeout(ctx, b.opts.PerCallTimeout)
	defer cancel()

	if b.limiter != nil {
		if err := b.limiter.Wait(cctx); err != nil {
			return nil, err
		}
	}
	vec, err := await(cctx, func(ctx context.Context) ([]float32, error) {
		return b.oracle.Embed(ctx, s, PurposeDocument)
	})
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, errors.New("empty embedding")
	}
	return vec, nil
}

// embedBulk submits chunks in slices of BatchSize, each slice under
// BulkTimeout. Any failure aborts the whole bulk attempt.
func (b *BatchEmbedder) embedBulk(ctx context.Context, bulk BulkOracle, chunks []text.Chunk) ([]Pair, error) {
	pairs := make([]Pair, 0, len(chunks))
	for i := 0; i < len(chunks); i += b.opts.BatchSize {
		end := min(i+b.opts.BatchSize, len(chunks))
		texts := make([]string, 0, end-i)
		for _, c := range chunks[i:end] {
			texts = append(texts, c.Text)
		}

		bctx, cancel := context.WithTimeout(ctx, b.opts.BulkTimeout)
		vectors, err := await(bctx, func(ctx context.Context) ([][]float32, error) {
			return bulk.EmbedBulk(ctx, texts, PurposeDocument)
		})
		cancel()
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("bulk embedding returned %d vectors for %d texts", len(vectors), len(texts))
		}
		for j, vec := range vectors {
			if len(vec) > 0 {
				pairs = append(pairs, Pair{Chunk: chunks[i+j], Vector: vec})
			}
		}
	}
	return pairs, nil
}

// await returns as soon as ctx is done, even when fn ignores ctx. A result
// that arrives after the deadline is discarded.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return zero, r.err
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return r.v, nil
	}
}

var errBulkUnsupported = errors.New("oracle does not support bulk embedding")
