package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docqa/internal/cache"
)

// CachedOracle serves repeat (purpose, text) lookups from a cache. Cache
// errors are logged and never fail the call.
type CachedOracle struct {
	next  Oracle
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedOracle(next Oracle, c cache.Cache, ttl time.Duration) *CachedOracle {
	return &CachedOracle{next: next, cache: c, ttl: ttl}
}

func (o *CachedOracle) Embed(ctx context.Context, s string, purpose Purpose) ([]float32, error) {
	key := cache.Key(string(purpose), s)

	if b, ok, err := o.cache.Get(ctx, key); err != nil {
		slog.WarnContext(ctx, "embedding cache read failed", "error", err)
	} else if ok {
		if vec, err := cache.DecodeVector(b); err == nil && len(vec) > 0 {
			return vec, nil
		}
	}

	vec, err := o.next.Embed(ctx, s, purpose)
	if err != nil {
		return nil, err
	}
	if err := o.cache.Set(ctx, key, cache.EncodeVector(vec), o.ttl); err != nil {
		slog.WarnContext(ctx, "embedding cache write failed", "error", err)
	}
	return vec, nil
}

// EmbedBulk forwards to the wrapped oracle when it supports bulk submission.
// Only the misses are submitted.
func (o *CachedOracle) EmbedBulk(ctx context.Context, texts []string, purpose Purpose) ([][]float32, error) {
	bulk, ok := o.next.(BulkOracle)
	if !ok {
		return nil, errBulkUnsupported
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, s := range texts {
		if b, ok, err := o.cache.Get(ctx, cache.Key(string(purpose), s)); err == nil && ok {
			if vec, err := cache.DecodeVector(b); err == nil && len(vec) > 0 {
				out[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, s)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := bulk.EmbedBulk(ctx, missTexts, purpose)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("bulk embedding returned %d vectors for %d texts", len(vectors), len(missTexts))
	}
	for j, vec := range vectors {
		out[missIdx[j]] = vec
		if len(vec) > 0 {
			_ = o.cache.Set(ctx, cache.Key(string(purpose), missTexts[j]), cache.EncodeVector(vec), o.ttl)
		}
	}
	return out, nil
}
