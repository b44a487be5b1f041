package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"docqa/internal/embed"
	"docqa/internal/text"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type record struct {
	content string
	vector  []float32
}

// Store is an in-process vector store. Search is a linear scan by squared
// euclidean distance, which ranks identically to L2.
type Store struct {
	mu        sync.RWMutex
	dimension int
	byHash    map[string]int
	records   []record
}

func NewStore(dimension int) *Store {
	return &Store{dimension: dimension, byHash: make(map[string]int)}
}

func (s *Store) FindExisting(ctx context.Context, fingerprints []string) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]struct{})
	for _, fp := range fingerprints {
		if _, ok := s.byHash[fp]; ok {
			found[fp] = struct{}{}
		}
	}
	return found, nil
}

// InsertBatch ignores pairs whose fingerprint is already stored.
func (s *Store) InsertBatch(ctx context.Context, pairs []embed.Pair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := s.checkDimension(p.Vector); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		fp := p.Chunk.Fingerprint
		if fp == "" {
			fp = text.Fingerprint(p.Chunk.Text)
		}
		if _, ok := s.byHash[fp]; ok {
			continue
		}
		s.byHash[fp] = len(s.records)
		s.records = append(s.records, record{content: p.Chunk.Text, vector: slices.Clone(p.Vector)})
	}
	return nil
}

func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.checkDimension(vector); err != nil {
		return nil, err
	}

	s.mu.RLock()
	type scored struct {
		idx  int
		dist float64
	}
	all := make([]scored, len(s.records))
	for i, r := range s.records {
		all[i] = scored{idx: i, dist: squaredDistance(vector, r.vector)}
	}
	slices.SortStableFunc(all, func(a, b scored) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		}
		return 0
	})

	out := make([]string, 0, min(k, len(all)))
	for i := 0; i < len(all) && i < k; i++ {
		out = append(out, s.records[all[i].idx].content)
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), ctx.Err()
}

func (s *Store) Clear(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = nil
	s.byHash = make(map[string]int)
	return n, nil
}

func (s *Store) checkDimension(v []float32) error {
	if s.dimension > 0 && len(v) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.dimension)
	}
	return nil
}

func squaredDistance(a, b []float32) float64 {
	var sum float64
	for i := range min(len(a), len(b)) {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
