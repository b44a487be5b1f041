package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"docqa/internal/adapter/gemini"
	"docqa/internal/adapter/memory"
	pgstore "docqa/internal/adapter/postgres"
	wstore "docqa/internal/adapter/weaviate"
	"docqa/internal/cache"
	"docqa/internal/config"
	"docqa/internal/embed"
	"docqa/internal/ingest"
	"docqa/internal/retrieval"
	"docqa/internal/retry"
	"docqa/internal/transport"
	nsqtransport "docqa/internal/transport/nsq"
	redistransport "docqa/internal/transport/redis"
	"docqa/internal/vector"
)

// VectorStore is what both pipelines need from a backend.
type VectorStore interface {
	ingest.Store
	retrieval.Searcher
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
}

// Pinger is implemented by stores with a remote backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	DB        *sql.DB
	Redis     goredis.UniversalClient
	Store     VectorStore
	Transport transport.Transport
	Cache     cache.Cache
	Oracle    embed.Oracle
	Generator retrieval.Generator

	closers []io.Closer
}

// Close releases everything Bootstrap opened, in reverse order.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Dependencies) onClose(c io.Closer) {
	d.closers = append(d.closers, c)
}

// Bootstrap connects every backend cfg selects. On failure whatever was
// already opened is closed again.
func Bootstrap(ctx context.Context, cfg *config.Config) (_ *Dependencies, err error) {
	deps := &Dependencies{}
	defer func() {
		if err != nil {
			if cerr := deps.Close(); cerr != nil {
				slog.WarnContext(ctx, "cleanup after failed bootstrap", "error", cerr)
			}
		}
	}()

	bootRetry := retry.Policy{
		Attempts:  cfg.BootstrapRetryAttempts,
		Delay:     cfg.BootstrapRetryDelay,
		Retryable: func(error) bool { return true },
	}

	switch cfg.StoreBackend {
	case config.StorePostgres:
		db, err := openDB(ctx, cfg.DSN(), bootRetry)
		if err != nil {
			return nil, err
		}
		deps.DB = db
		deps.onClose(db)

		if err := runMigrations(db, cfg.MigrationPath); err != nil {
			return nil, err
		}
		deps.Store = pgstore.NewStore(db, pgstore.Options{
			Dimension:       cfg.EmbeddingDimension,
			InsertBatchSize: cfg.InsertBatchSize,
			RetryAttempts:   cfg.StoreRetryAttempts,
			RetryDelay:      cfg.StoreRetryDelay,
		})

	case config.StoreWeaviate:
		wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		if err := EnsureSchemaWithRetry(ctx, vector.NewSchemaAdapter(wClient), cfg.BootstrapRetryAttempts, cfg.BootstrapRetryDelay); err != nil {
			return nil, fmt.Errorf("weaviate schema error: %w", err)
		}
		deps.Store = wstore.NewStore(wClient, wstore.Options{
			Dimension:       cfg.EmbeddingDimension,
			InsertBatchSize: cfg.InsertBatchSize,
			RetryAttempts:   cfg.StoreRetryAttempts,
			RetryDelay:      cfg.StoreRetryDelay,
		})

	default:
		slog.WarnContext(ctx, "using in-memory store, documents will not survive a restart")
		deps.Store = memory.NewStore(cfg.EmbeddingDimension)
	}

	if cfg.Transport == config.TransportRedis || cfg.CacheBackend == config.CacheRedis {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		deps.Redis = client
		deps.onClose(client)

		err := retry.Do(ctx, bootRetry, "redis ping", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	switch cfg.Transport {
	case config.TransportNSQ:
		t, err := nsqtransport.New(nsqtransport.Config{
			NSQDAddr:    cfg.NSQDHost,
			LookupdAddr: cfg.NSQLookupd,
			Channel:     cfg.NSQChannel,
		})
		if err != nil {
			return nil, fmt.Errorf("nsq transport error: %w", err)
		}
		deps.Transport = t
	default:
		deps.Transport = redistransport.New(deps.Redis)
	}
	deps.onClose(deps.Transport)

	switch cfg.CacheBackend {
	case config.CacheMemory:
		deps.Cache = cache.NewMemory(cfg.CacheTTL, 10*time.Minute)
	case config.CacheRedis:
		deps.Cache = cache.NewRedis(deps.Redis)
	}

	client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("gemini client error: %w", err)
	}
	deps.onClose(client)
	deps.Oracle = gemini.NewEmbedder(client, cfg.EmbeddingModel)
	deps.Generator = gemini.NewGenerator(client, cfg.AnswerModel)

	slog.InfoContext(ctx, "dependencies ready",
		"store", cfg.StoreBackend, "transport", cfg.Transport, "cache", cfg.CacheBackend)
	return deps, nil
}

func openDB(ctx context.Context, dsn string, p retry.Policy) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	err = retry.Do(ctx, p, "db ping", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}

// EnsureSchemaWithRetry keeps trying until the vector database accepts the schema.
func EnsureSchemaWithRetry(ctx context.Context, client vector.SchemaClient, attempts int, delay time.Duration) error {
	p := retry.Policy{
		Attempts:  attempts,
		Delay:     delay,
		Retryable: func(error) bool { return true },
	}
	return retry.Do(ctx, p, "ensure schema", func(ctx context.Context) error {
		return vector.EnsureSchema(ctx, client)
	})
}
