package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"

	"docqa/internal/embed"
)

const DefaultEmbeddingModel = "text-embedding-004"

var ErrEmptyEmbedding = errors.New("empty embedding received")

// Embedder computes embeddings with the Gemini embedding API. It serves both
// single calls and batched submissions.
type Embedder struct {
	client *genai.Client
	model  string
}

func NewEmbedder(client *genai.Client, model string) *Embedder {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &Embedder{client: client, model: model}
}

func (e *Embedder) embeddingModel(purpose embed.Purpose) *genai.EmbeddingModel {
	em := e.client.EmbeddingModel(e.model)
	switch purpose {
	case embed.PurposeQuery:
		em.TaskType = genai.TaskTypeRetrievalQuery
	default:
		em.TaskType = genai.TaskTypeRetrievalDocument
	}
	return em
}

func (e *Embedder) Embed(ctx context.Context, text string, purpose embed.Purpose) ([]float32, error) {
	slog.DebugContext(ctx, "embedding content", "model", e.model, "purpose", purpose, "length", len(text))
	res, err := e.embeddingModel(purpose).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, classify(err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return res.Embedding.Values, nil
}

// EmbedBulk submits texts in one batchEmbedContents request.
func (e *Embedder) EmbedBulk(ctx context.Context, texts []string, purpose embed.Purpose) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := e.embeddingModel(purpose)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	slog.DebugContext(ctx, "submitting embedding batch", "model", e.model, "purpose", purpose, "size", len(texts))
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("batch returned %d embeddings for %d texts", len(res.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("%w at index %d", ErrEmptyEmbedding, i)
		}
		out[i] = emb.Values
	}
	return out, nil
}
