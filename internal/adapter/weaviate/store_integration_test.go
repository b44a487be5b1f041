package weaviate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapter "docqa/internal/adapter/weaviate"
	"docqa/internal/embed"
	"docqa/internal/testutils"
	"docqa/internal/text"
	"docqa/internal/vector"
)

func TestWeaviateStore_Integration(t *testing.T) {
	s := testutils.NewIntegrationSuite(t).WithWeaviate()
	ctx := context.Background()

	require.NoError(t, vector.EnsureSchema(ctx, vector.NewSchemaAdapter(s.Weaviate)))
	store := adapter.NewStore(s.Weaviate, adapter.Options{Dimension: 3})
	require.NoError(t, store.Ping(ctx))

	pairs := []embed.Pair{
		{Chunk: text.NewChunk("postgres is a database"), Vector: []float32{1, 0, 0}},
		{Chunk: text.NewChunk("redis is a cache"), Vector: []float32{0, 1, 0}},
	}
	require.NoError(t, store.InsertBatch(ctx, pairs))
	require.NoError(t, store.InsertBatch(ctx, pairs))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := store.FindExisting(ctx, []string{pairs[1].Chunk.Fingerprint, "nope"})
	require.NoError(t, err)
	assert.Contains(t, found, pairs[1].Chunk.Fingerprint)
	assert.Len(t, found, 1)

	docs, err := store.Search(ctx, []float32{0.1, 0.9, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"redis is a cache"}, docs)

	removed, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
