package weaviate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	adapter "docqa/internal/adapter/weaviate"
	"docqa/internal/embed"
	"docqa/internal/text"
)

func mockWeaviate(t *testing.T, handler http.HandlerFunc) *weaviate.Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"version": "1.25.0"}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	require.NoError(t, err)
	return client
}

func graphqlQuery(t *testing.T, r *http.Request) string {
	var body struct {
		Query string `json:"query"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body.Query
}

func getResponse(rows ...map[string]any) map[string]any {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return map[string]any{"data": map[string]any{"Get": map[string]any{"Document": list}}}
}

func TestStore_FindExisting(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		q := graphqlQuery(t, r)
		assert.Contains(t, q, "ContainsAny")
		assert.Contains(t, q, "contentHash")
		json.NewEncoder(w).Encode(getResponse(map[string]any{"contentHash": "h2"}))
	})

	store := adapter.NewStore(client, adapter.Options{})
	found, err := store.FindExisting(context.Background(), []string{"h1", "h2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"h2": {}}, found)
}

func TestStore_FindExisting_EmptySkipsRequest(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	found, err := adapter.NewStore(client, adapter.Options{}).FindExisting(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStore_InsertBatch_DeterministicIDs(t *testing.T) {
	var batches atomic.Int32
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		batches.Add(1)

		var body struct {
			Objects []struct {
				ID         string         `json:"id"`
				Properties map[string]any `json:"properties"`
				Vector     []float32      `json:"vector"`
			} `json:"objects"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		resp := make([]map[string]any, 0, len(body.Objects))
		for _, o := range body.Objects {
			fp := o.Properties["contentHash"].(string)
			assert.Equal(t, string(adapter.ObjectID(fp)), o.ID)
			assert.Len(t, o.Vector, 2)
			resp = append(resp, map[string]any{"id": o.ID, "result": map[string]any{}})
		}
		json.NewEncoder(w).Encode(resp)
	})

	store := adapter.NewStore(client, adapter.Options{Dimension: 2, InsertBatchSize: 2})
	pairs := []embed.Pair{
		{Chunk: text.NewChunk("a"), Vector: []float32{1, 2}},
		{Chunk: text.NewChunk("b"), Vector: []float32{3, 4}},
		{Chunk: text.NewChunk("c"), Vector: []float32{5, 6}},
	}
	require.NoError(t, store.InsertBatch(context.Background(), pairs))
	assert.Equal(t, int32(2), batches.Load())
}

func TestStore_InsertBatch_ObjectErrors(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"result": {"errors": {"error": [{"message": "vector lengths don't match"}]}}}]`))
	})

	store := adapter.NewStore(client, adapter.Options{})
	err := store.InsertBatch(context.Background(), []embed.Pair{{Chunk: text.NewChunk("a"), Vector: []float32{1}}})
	assert.ErrorContains(t, err, "vector lengths don't match")
}

func TestStore_InsertBatch_DimensionMismatch(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	store := adapter.NewStore(client, adapter.Options{Dimension: 3})
	err := store.InsertBatch(context.Background(), []embed.Pair{{Chunk: text.NewChunk("a"), Vector: []float32{1}}})
	assert.ErrorIs(t, err, adapter.ErrDimensionMismatch)
}

func TestStore_Search(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		q := graphqlQuery(t, r)
		assert.Contains(t, q, "nearVector")
		assert.Contains(t, q, "limit: 5")
		json.NewEncoder(w).Encode(getResponse(
			map[string]any{"content": "closest"},
			map[string]any{"content": "next"},
		))
	})

	docs, err := adapter.NewStore(client, adapter.Options{}).Search(context.Background(), []float32{0.1, 0.2}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"closest", "next"}, docs)
}

func TestStore_Search_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(getResponse(map[string]any{"content": "ok"}))
	})

	store := adapter.NewStore(client, adapter.Options{RetryAttempts: 3, RetryDelay: time.Millisecond})
	docs, err := store.Search(context.Background(), []float32{1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, docs)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStore_Search_GraphQLError(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors": [{"message": "class not found"}]}`))
	})
	_, err := adapter.NewStore(client, adapter.Options{}).Search(context.Background(), []float32{1}, 1)
	assert.ErrorContains(t, err, "class not found")
}

func TestStore_Count(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, graphqlQuery(t, r), "Aggregate")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"Aggregate": map[string]any{
					"Document": []any{map[string]any{"meta": map[string]any{"count": 42.0}}},
				},
			},
		})
	})
	n, err := adapter.NewStore(client, adapter.Options{}).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestStore_Clear_RepeatsUntilEmpty(t *testing.T) {
	var calls atomic.Int32
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, http.MethodDelete, r.Method)
		removed := 0
		if calls.Add(1) == 1 {
			removed = 3
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": map[string]any{"matches": removed, "successful": removed},
		})
	})

	removed, err := adapter.NewStore(client, adapter.Options{}).Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestObjectID_Deterministic(t *testing.T) {
	fp := text.Fingerprint("hello")
	assert.Equal(t, adapter.ObjectID(fp), adapter.ObjectID(fp))
	assert.NotEqual(t, adapter.ObjectID(fp), adapter.ObjectID(text.Fingerprint("world")))
}
