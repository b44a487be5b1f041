package weaviate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"docqa/internal/embed"
	"docqa/internal/retry"
	"docqa/internal/text"
	"docqa/internal/vector"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// objectNamespace seeds the deterministic object ids derived from fingerprints.
var objectNamespace = uuid.MustParse("6f1c2a54-8e0b-4f5e-9d61-3b7a0c9e2d14")

type Options struct {
	Dimension       int
	InsertBatchSize int
	RetryAttempts   int
	RetryDelay      time.Duration
}

// Store keeps documents as objects of the Document class. Each object id is
// derived from the content fingerprint, so inserting the same content twice
// overwrites a single object.
type Store struct {
	client *weaviate.Client
	opts   Options
	policy retry.Policy
}

func NewStore(client *weaviate.Client, opts Options) *Store {
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = 100
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Store{
		client: client,
		opts:   opts,
		policy: retry.Policy{Attempts: opts.RetryAttempts, Delay: opts.RetryDelay, Retryable: IsTransient},
	}
}

// ObjectID returns the object id used for a fingerprint.
func ObjectID(fingerprint string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(objectNamespace, []byte(fingerprint)).String())
}

func (s *Store) FindExisting(ctx context.Context, fingerprints []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(fingerprints) == 0 {
		return found, nil
	}

	where := filters.Where().
		WithPath([]string{"contentHash"}).
		WithOperator(filters.ContainsAny).
		WithValueText(fingerprints...)

	var rows []map[string]any
	err := retry.Do(ctx, s.policy, "find_existing", func(ctx context.Context) error {
		res, err := s.client.GraphQL().Get().
			WithClassName(vector.ClassName).
			WithWhere(where).
			WithLimit(len(fingerprints)).
			WithFields(graphql.Field{Name: "contentHash"}).
			Do(ctx)
		if err != nil {
			return err
		}
		rows, err = getObjects(res)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if h, ok := row["contentHash"].(string); ok {
			found[h] = struct{}{}
		}
	}
	return found, nil
}

func (s *Store) InsertBatch(ctx context.Context, pairs []embed.Pair) error {
	for _, p := range pairs {
		if err := s.checkDimension(p.Vector); err != nil {
			return err
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i := 0; i < len(pairs); i += s.opts.InsertBatchSize {
		end := min(i+s.opts.InsertBatchSize, len(pairs))
		objects := make([]*models.Object, 0, end-i)
		for _, p := range pairs[i:end] {
			fp := p.Chunk.Fingerprint
			if fp == "" {
				fp = text.Fingerprint(p.Chunk.Text)
			}
			objects = append(objects, &models.Object{
				Class: vector.ClassName,
				ID:    ObjectID(fp),
				Properties: map[string]any{
					"content":     p.Chunk.Text,
					"contentHash": fp,
					"createdAt":   now,
				},
				Vector: models.C11yVector(p.Vector),
			})
		}

		err := retry.Do(ctx, s.policy, "insert_batch", func(ctx context.Context) error {
			resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
			if err != nil {
				return err
			}
			return batchError(resp)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func batchError(resp []models.ObjectsGetResponse) error {
	var msgs []string
	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		for _, e := range r.Result.Errors.Error {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("batch insert: %d object errors: %s", len(msgs), strings.Join(msgs, "; "))
}

// Search returns the k nearest contents, nearest first.
func (s *Store) Search(ctx context.Context, vec []float32, k int) ([]string, error) {
	if err := s.checkDimension(vec); err != nil {
		return nil, err
	}
	out := []string{}
	if k <= 0 {
		return out, nil
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	var rows []map[string]any
	err := retry.Do(ctx, s.policy, "search", func(ctx context.Context) error {
		res, err := s.client.GraphQL().Get().
			WithClassName(vector.ClassName).
			WithNearVector(nearVector).
			WithLimit(k).
			WithFields(graphql.Field{Name: "content"}).
			Do(ctx)
		if err != nil {
			return err
		}
		rows, err = getObjects(res)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if c, ok := row["content"].(string); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := retry.Do(ctx, s.policy, "count", func(ctx context.Context) error {
		res, err := s.client.GraphQL().Aggregate().
			WithClassName(vector.ClassName).
			WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return graphqlError(res.Errors)
		}
		count = aggregateCount(res.Data)
		return nil
	})
	return count, err
}

func aggregateCount(data map[string]models.JSONObject) int {
	agg, ok := data["Aggregate"].(map[string]any)
	if !ok {
		return 0
	}
	groups, ok := agg[vector.ClassName].([]any)
	if !ok || len(groups) == 0 {
		return 0
	}
	group, ok := groups[0].(map[string]any)
	if !ok {
		return 0
	}
	meta, ok := group["meta"].(map[string]any)
	if !ok {
		return 0
	}
	n, _ := meta["count"].(float64)
	return int(n)
}

// Clear deletes every Document object. Batch deletes are capped server side,
// so it repeats until a round removes nothing.
func (s *Store) Clear(ctx context.Context) (int, error) {
	where := filters.Where().
		WithPath([]string{"contentHash"}).
		WithOperator(filters.Like).
		WithValueText("*")

	var total int
	for {
		var removed int64
		err := retry.Do(ctx, s.policy, "clear", func(ctx context.Context) error {
			resp, err := s.client.Batch().ObjectsBatchDeleter().
				WithClassName(vector.ClassName).
				WithOutput("minimal").
				WithWhere(where).
				Do(ctx)
			if err != nil {
				return err
			}
			removed = 0
			if resp != nil && resp.Results != nil {
				removed = resp.Results.Successful
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += int(removed)
		if removed == 0 {
			return total, nil
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return errors.New("weaviate not ready")
	}
	return nil
}

func (s *Store) checkDimension(v []float32) error {
	if s.opts.Dimension > 0 && len(v) != s.opts.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.opts.Dimension)
	}
	return nil
}

func getObjects(res *models.GraphQLResponse) ([]map[string]any, error) {
	if len(res.Errors) > 0 {
		return nil, graphqlError(res.Errors)
	}
	get, ok := res.Data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	raw, ok := get[vector.ClassName].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func graphqlError(errs []*models.GraphQLError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return fmt.Errorf("graphql error: %s", strings.Join(msgs, "; "))
}

// IsTransient reports whether a client error is worth retrying: the server
// was unreachable or answered with a gateway or availability status.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) {
		switch clientErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		if clientErr.DerivedFromError != nil {
			var netErr net.Error
			return errors.As(clientErr.DerivedFromError, &netErr)
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
