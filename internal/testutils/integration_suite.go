package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"docqa/internal/config"
)

// IntegrationSuite starts the backing services a test asks for and tears
// them down at cleanup. Callers skip it under -short.
type IntegrationSuite struct {
	T *testing.T

	DB       *sql.DB
	DSN      string
	Redis    *redis.Client
	Weaviate *weaviate.Client
	NSQDAddr string

	pgHost       string
	pgPort       int
	redisAddr    string
	weaviateHost string

	containers []testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := &IntegrationSuite{T: t}
	t.Cleanup(s.Teardown)
	return s
}

// MigrationPath is the file:// URL of the repository migrations.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	return fmt.Sprintf("file://%s", filepath.Join(filepath.Dir(b), "..", "..", "migrations"))
}

// WithPostgres starts pgvector-enabled Postgres and applies the migrations.
func (s *IntegrationSuite) WithPostgres() *IntegrationSuite {
	ctx := context.Background()
	pg, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("docqa_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.containers = append(s.containers, pg)

	host, err := pg.Host(ctx)
	require.NoError(s.T, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.pgHost, s.pgPort = host, port.Int()

	s.DSN, err = pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)
	s.DB, err = sql.Open("postgres", s.DSN)
	require.NoError(s.T, err)

	m, err := migrate.New(MigrationPath(), s.DSN)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())
	return s
}

func (s *IntegrationSuite) WithRedis() *IntegrationSuite {
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(s.T, err)
	s.containers = append(s.containers, c)

	s.redisAddr = s.endpoint(c, "6379")
	s.Redis = redis.NewClient(&redis.Options{Addr: s.redisAddr})
	require.NoError(s.T, s.Redis.Ping(ctx).Err())
	return s
}

func (s *IntegrationSuite) WithWeaviate() *IntegrationSuite {
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "semitechnologies/weaviate:1.25.0",
			ExposedPorts: []string{"8080/tcp", "50051/tcp"},
			Env: map[string]string{
				"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
				"DEFAULT_VECTORIZER_MODULE":               "none",
				"PERSISTENCE_DATA_PATH":                   "/var/lib/weaviate",
			},
			WaitingFor: wait.ForHTTP("/v1/.well-known/ready").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(s.T, err)
	s.containers = append(s.containers, c)

	s.weaviateHost = s.endpoint(c, "8080")
	s.Weaviate, err = weaviate.NewClient(weaviate.Config{Host: s.weaviateHost, Scheme: "http"})
	require.NoError(s.T, err)
	return s
}

func (s *IntegrationSuite) WithNSQ() *IntegrationSuite {
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nsqio/nsq:v1.3.0",
			ExposedPorts: []string{"4150/tcp", "4151/tcp"},
			Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
			WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(s.T, err)
	s.containers = append(s.containers, c)

	s.NSQDAddr = s.endpoint(c, "4150")
	return s
}

// AppConfig is a valid configuration pointing at the started services.
// Backends that were not started keep the in-memory or redis defaults.
func (s *IntegrationSuite) AppConfig() *config.Config {
	cfg := &config.Config{
		LogLevel:               "debug",
		DBPort:                 5432,
		DBUser:                 "test",
		DBPass:                 "test",
		DBName:                 "docqa_test",
		StoreBackend:           config.StoreMemory,
		WeaviateScheme:         "http",
		Transport:              config.TransportRedis,
		NSQChannel:             "docqa_test",
		GeminiAPIKey:           "test-key",
		EmbeddingModel:         "text-embedding-004",
		AnswerModel:            "gemini-1.5-flash",
		EmbeddingDimension:     768,
		MaxFileSizeMB:          10,
		EmbedBatchSize:         50,
		EmbedMaxConcurrency:    4,
		EmbedCallTimeout:       5 * time.Second,
		EmbedBatchTimeout:      30 * time.Second,
		InsertBatchSize:        100,
		QueryTopK:              5,
		CacheBackend:           config.CacheMemory,
		CacheTTL:               time.Minute,
		StoreRetryAttempts:     2,
		StoreRetryDelay:        10 * time.Millisecond,
		BootstrapRetryAttempts: 3,
		BootstrapRetryDelay:    100 * time.Millisecond,
		MigrationPath:          MigrationPath(),
		QueryLogPath:           filepath.Join(s.T.TempDir(), "query.log"),
	}
	if s.pgHost != "" {
		cfg.StoreBackend = config.StorePostgres
		cfg.DBHost, cfg.DBPort = s.pgHost, s.pgPort
	}
	if s.weaviateHost != "" {
		cfg.StoreBackend = config.StoreWeaviate
		cfg.WeaviateHost = s.weaviateHost
	}
	cfg.RedisAddr = s.redisAddr
	if s.NSQDAddr != "" {
		cfg.Transport = config.TransportNSQ
		cfg.NSQDHost = s.NSQDAddr
	}
	return cfg
}

func (s *IntegrationSuite) endpoint(c testcontainers.Container, port string) string {
	ctx := context.Background()
	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(s.T, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.DB != nil {
		s.DB.Close()
	}
	if s.Redis != nil {
		s.Redis.Close()
	}
	for i := len(s.containers) - 1; i >= 0; i-- {
		if err := s.containers[i].Terminate(ctx); err != nil {
			s.T.Logf("terminate container: %v", err)
		}
	}
	s.containers = nil
}
