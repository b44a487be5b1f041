package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	StorePostgres = "postgres"
	StoreWeaviate = "weaviate"
	StoreMemory   = "memory"

	TransportRedis = "redis"
	TransportNSQ   = "nsq"

	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"docqa"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"docqa"`

	StoreBackend   string `envconfig:"STORE_BACKEND" default:"postgres"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	Transport     string `envconfig:"TRANSPORT" default:"redis"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	NSQDHost      string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQLookupd    string `envconfig:"NSQ_LOOKUPD"`
	NSQChannel    string `envconfig:"NSQ_CHANNEL" default:"docqa"`

	GeminiAPIKey       string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel     string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-004"`
	AnswerModel        string `envconfig:"ANSWER_MODEL" default:"gemini-1.5-flash"`
	EmbeddingDimension int    `envconfig:"EMBEDDING_DIMENSION" default:"768"`

	// Ingestion
	MaxFileSizeMB       int64         `envconfig:"MAX_FILE_SIZE_MB" default:"100"`
	EmbedBatchSize      int           `envconfig:"EMBED_BATCH_SIZE" default:"50"`
	EmbedMaxConcurrency int           `envconfig:"EMBED_MAX_CONCURRENCY" default:"25"`
	EmbedCallTimeout    time.Duration `envconfig:"EMBED_CALL_TIMEOUT" default:"20s"`
	EmbedBatchTimeout   time.Duration `envconfig:"EMBED_BATCH_TIMEOUT" default:"240s"`
	EmbedBatchDelay     time.Duration `envconfig:"EMBED_BATCH_DELAY" default:"1ms"`
	EmbedRatePerSecond  float64       `envconfig:"EMBED_RATE_PER_SECOND" default:"0"`
	EmbedBulkThreshold  int           `envconfig:"EMBED_BULK_THRESHOLD" default:"500"`
	InsertBatchSize     int           `envconfig:"INSERT_BATCH_SIZE" default:"100"`

	// Query
	QueryTopK            int           `envconfig:"QUERY_TOP_K" default:"5"`
	QueryEmbedTimeout    time.Duration `envconfig:"QUERY_EMBED_TIMEOUT" default:"20s"`
	QuerySearchTimeout   time.Duration `envconfig:"QUERY_SEARCH_TIMEOUT" default:"10s"`
	QueryGenerateTimeout time.Duration `envconfig:"QUERY_GENERATE_TIMEOUT" default:"60s"`
	QueryLogPath         string        `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`

	CacheBackend string        `envconfig:"CACHE_BACKEND" default:"memory"`
	CacheTTL     time.Duration `envconfig:"CACHE_TTL" default:"1h"`

	// Resilience
	StoreRetryAttempts     int           `envconfig:"STORE_RETRY_ATTEMPTS" default:"3"`
	StoreRetryDelay        time.Duration `envconfig:"STORE_RETRY_DELAY" default:"1s"`
	BootstrapRetryAttempts int           `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelay    time.Duration `envconfig:"BOOTSTRAP_RETRY_DELAY" default:"2s"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	HealthPort    int    `envconfig:"HEALTH_PORT" default:"8081"`
}

func Load() (*Config, error) {
	// Missing .env files are fine; the environment may already be set.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostgresEmbeddingDimension is the width of documents.embedding as created by
// migrations/000001_create_documents.up.sql. Changing it needs a new migration.
const PostgresEmbeddingDimension = 768

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StorePostgres:
		if c.DBHost == "" {
			return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
		}
		if c.DBUser == "" {
			return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
		}
		if c.DBName == "" {
			return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
		}
		if c.EmbeddingDimension != PostgresEmbeddingDimension {
			return fmt.Errorf("%w: EMBEDDING_DIMENSION %d does not match the documents.embedding column (vector(%d))",
				ErrInvalid, c.EmbeddingDimension, PostgresEmbeddingDimension)
		}
	case StoreWeaviate:
		if c.WeaviateHost == "" {
			return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("%w: STORE_BACKEND %q", ErrInvalid, c.StoreBackend)
	}

	switch c.Transport {
	case TransportRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: REDIS_ADDR", ErrMissingRequired)
		}
	case TransportNSQ:
		if c.NSQDHost == "" {
			return fmt.Errorf("%w: NSQD_HOST", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: TRANSPORT %q", ErrInvalid, c.Transport)
	}

	switch c.CacheBackend {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: REDIS_ADDR", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: CACHE_BACKEND %q", ErrInvalid, c.CacheBackend)
	}

	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
	}

	positive := []struct {
		key string
		v   int64
	}{
		{"EMBEDDING_DIMENSION", int64(c.EmbeddingDimension)},
		{"MAX_FILE_SIZE_MB", c.MaxFileSizeMB},
		{"EMBED_BATCH_SIZE", int64(c.EmbedBatchSize)},
		{"EMBED_MAX_CONCURRENCY", int64(c.EmbedMaxConcurrency)},
		{"EMBED_CALL_TIMEOUT", int64(c.EmbedCallTimeout)},
		{"EMBED_BATCH_TIMEOUT", int64(c.EmbedBatchTimeout)},
		{"INSERT_BATCH_SIZE", int64(c.InsertBatchSize)},
		{"QUERY_TOP_K", int64(c.QueryTopK)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, p.key)
		}
	}
	if c.EmbedRatePerSecond < 0 {
		return fmt.Errorf("%w: EMBED_RATE_PER_SECOND must not be negative", ErrInvalid)
	}
	return nil
}

// DSN is the lib/pq connection string for the configured database.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

func (c *Config) MaxFileBytes() int64 {
	return c.MaxFileSizeMB << 20
}
