package dedup

import (
	"context"
	"fmt"

	"docqa/internal/text"
)

// ExistenceChecker answers bulk fingerprint membership queries.
type ExistenceChecker interface {
	FindExisting(ctx context.Context, fingerprints []string) (map[string]struct{}, error)
}

type Deduplicator struct {
	store ExistenceChecker
}

func New(store ExistenceChecker) *Deduplicator {
	return &Deduplicator{store: store}
}

// FilterNew returns the chunks whose fingerprint is not stored yet, in input
// order, plus the set of fingerprints already present. It issues a single
// existence query. A fingerprint repeated within chunks is kept only once.
func (d *Deduplicator) FilterNew(ctx context.Context, chunks []text.Chunk) ([]text.Chunk, map[string]struct{}, error) {
	if len(chunks) == 0 {
		return nil, map[string]struct{}{}, nil
	}

	chunks = append([]text.Chunk(nil), chunks...)
	fingerprints := make([]string, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for i, c := range chunks {
		if c.Fingerprint == "" {
			chunks[i].Fingerprint = text.Fingerprint(c.Text)
		}
		fp := chunks[i].Fingerprint
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		fingerprints = append(fingerprints, fp)
	}

	existing, err := d.store.FindExisting(ctx, fingerprints)
	if err != nil {
		return nil, nil, fmt.Errorf("find existing fingerprints: %w", err)
	}
	if existing == nil {
		existing = map[string]struct{}{}
	}

	fresh := make([]text.Chunk, 0, len(chunks))
	emitted := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if _, ok := existing[c.Fingerprint]; ok {
			continue
		}
		if _, ok := emitted[c.Fingerprint]; ok {
			continue
		}
		emitted[c.Fingerprint] = struct{}{}
		fresh = append(fresh, c)
	}
	return fresh, existing, nil
}
