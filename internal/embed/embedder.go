package embed

import (
	"context"
	"time"

	"docqa/internal/text"
)

// Purpose tells the oracle how the vector will be used.
type Purpose string

const (
	PurposeDocument Purpose = "retrieval_document"
	PurposeQuery    Purpose = "retrieval_query"
)

// Oracle computes a fixed-dimension vector for one text. Implementations must
// return promptly once ctx is done.
type Oracle interface {
	Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error)
}

// BulkOracle computes vectors for many texts in one submission. The returned
// slice must be index-aligned with texts.
type BulkOracle interface {
	EmbedBulk(ctx context.Context, texts []string, purpose Purpose) ([][]float32, error)
}

// Pair is a chunk together with its embedding.
type Pair struct {
	Chunk  text.Chunk
	Vector []float32
}

type Options struct {
	BatchSize       int
	MaxConcurrency  int
	PerCallTimeout  time.Duration
	PerBatchTimeout time.Duration
	// BatchDelay is slept between batches, not after the last one.
	BatchDelay time.Duration

	// Bulk mode is used when the oracle is a BulkOracle and the input has
	// more than BulkThreshold chunks. Zero disables it.
	BulkThreshold int
	BulkTimeout   time.Duration
	// FallbackBatchSize is the batch size used when bulk mode fails.
	FallbackBatchSize int
}

func DefaultOptions() Options {
	return Options{
		BatchSize:         50,
		MaxConcurrency:    25,
		PerCallTimeout:    20 * time.Second,
		PerBatchTimeout:   240 * time.Second,
		BatchDelay:        time.Millisecond,
		BulkThreshold:     500,
		BulkTimeout:       10 * time.Minute,
		FallbackBatchSize: 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	if o.PerCallTimeout <= 0 {
		o.PerCallTimeout = d.PerCallTimeout
	}
	if o.PerBatchTimeout <= 0 {
		o.PerBatchTimeout = d.PerBatchTimeout
	}
	if o.BulkTimeout <= 0 {
		o.BulkTimeout = d.BulkTimeout
	}
	if o.FallbackBatchSize <= 0 {
		o.FallbackBatchSize = o.BatchSize
	}
	return o
}

// Result summarizes one EmbedMany run.
type Result struct {
	Pairs           []Pair
	Failed          int
	TimedOutBatches int
	UsedBulk        bool
}
