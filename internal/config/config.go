package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Render    RenderConfig
	Worker    WorkerConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig selects the Postgres record store. An empty URL means the
// in-memory store is used.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool
}

// Storage drivers
const (
	StorageR2    = "r2"
	StorageMinio = "minio"
	StorageMock  = "mock"
)

type StorageConfig struct {
	Driver string
	R2     R2Config
	Minio  MinioConfig
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// Validate checks the fields the MinIO client cannot default
func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

type RenderConfig struct {
	PoolSize            int
	PrefetchConcurrency int
	Format              string
	JPEGQuality         int
	AssetTimeout        time.Duration
	MaxAssetBytes       int64
	KeyPrefix           string
	SkipCompleted       bool
}

type WorkerConfig struct {
	Concurrency int
	MaxRetry    int
	Retention   time.Duration
	Timeout     time.Duration
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	BatchPerHour int
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	_ = v.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	_ = v.BindEnv("database.conn_max_lifetime", "DATABASE_CONN_MAX_LIFETIME")
	_ = v.BindEnv("database.migrate", "DATABASE_MIGRATE")
	_ = v.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = v.BindEnv("storage.r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("storage.r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("storage.r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("storage.minio.endpoint", "MINIO_ENDPOINT")
	_ = v.BindEnv("storage.minio.access_key", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("storage.minio.secret_key", "MINIO_SECRET_KEY")
	_ = v.BindEnv("storage.minio.region", "MINIO_REGION")
	_ = v.BindEnv("storage.minio.bucket", "MINIO_BUCKET")
	_ = v.BindEnv("storage.minio.use_ssl", "MINIO_USE_SSL")
	_ = v.BindEnv("storage.minio.public_url", "MINIO_PUBLIC_URL")
	_ = v.BindEnv("render.pool_size", "RENDER_POOL_SIZE")
	_ = v.BindEnv("render.prefetch_concurrency", "RENDER_PREFETCH_CONCURRENCY")
	_ = v.BindEnv("render.format", "RENDER_FORMAT")
	_ = v.BindEnv("render.jpeg_quality", "RENDER_JPEG_QUALITY")
	_ = v.BindEnv("render.asset_timeout", "RENDER_ASSET_TIMEOUT")
	_ = v.BindEnv("render.max_asset_bytes", "RENDER_MAX_ASSET_BYTES")
	_ = v.BindEnv("render.key_prefix", "RENDER_KEY_PREFIX")
	_ = v.BindEnv("render.skip_completed", "RENDER_SKIP_COMPLETED")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.max_retry", "WORKER_MAX_RETRY")
	_ = v.BindEnv("worker.retention", "WORKER_RETENTION")
	_ = v.BindEnv("worker.timeout", "WORKER_TIMEOUT")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("ratelimit.batch_per_hour", "RATELIMIT_BATCH_PER_HOUR")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.batch_per_hour", 20)

	// Database defaults
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate", true)

	// Storage defaults
	v.SetDefault("storage.driver", StorageR2)
	v.SetDefault("storage.minio.endpoint", "localhost:9000")
	v.SetDefault("storage.minio.region", "us-east-1")
	v.SetDefault("storage.minio.bucket", "renders")
	v.SetDefault("storage.minio.use_ssl", false)

	// Render defaults
	v.SetDefault("render.pool_size", 4)
	v.SetDefault("render.prefetch_concurrency", 16)
	v.SetDefault("render.format", "png")
	v.SetDefault("render.jpeg_quality", 90)
	v.SetDefault("render.asset_timeout", 30*time.Second)
	v.SetDefault("render.max_asset_bytes", 25<<20)
	v.SetDefault("render.key_prefix", "renders")
	v.SetDefault("render.skip_completed", true)

	// Worker defaults
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.max_retry", 3)
	v.SetDefault("worker.retention", 24*time.Hour)
	v.SetDefault("worker.timeout", 30*time.Minute)

	// Gateway defaults
	v.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			Migrate:         v.GetBool("database.migrate"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("storage.driver"))),
			R2: R2Config{
				AccountID:       v.GetString("storage.r2.account_id"),
				AccessKeyID:     v.GetString("storage.r2.access_key_id"),
				SecretAccessKey: v.GetString("storage.r2.secret_access_key"),
				BucketName:      v.GetString("storage.r2.bucket_name"),
				PublicURL:       v.GetString("storage.r2.public_url"),
			},
			Minio: MinioConfig{
				Endpoint:  v.GetString("storage.minio.endpoint"),
				AccessKey: v.GetString("storage.minio.access_key"),
				SecretKey: v.GetString("storage.minio.secret_key"),
				Region:    v.GetString("storage.minio.region"),
				Bucket:    v.GetString("storage.minio.bucket"),
				UseSSL:    v.GetBool("storage.minio.use_ssl"),
				PublicURL: v.GetString("storage.minio.public_url"),
			},
		},
		Render: RenderConfig{
			PoolSize:            v.GetInt("render.pool_size"),
			PrefetchConcurrency: v.GetInt("render.prefetch_concurrency"),
			Format:              normalizeFormat(v.GetString("render.format")),
			JPEGQuality:         v.GetInt("render.jpeg_quality"),
			AssetTimeout:        v.GetDuration("render.asset_timeout"),
			MaxAssetBytes:       v.GetInt64("render.max_asset_bytes"),
			KeyPrefix:           v.GetString("render.key_prefix"),
			SkipCompleted:       v.GetBool("render.skip_completed"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
			MaxRetry:    v.GetInt("worker.max_retry"),
			Retention:   v.GetDuration("worker.retention"),
			Timeout:     v.GetDuration("worker.timeout"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			BatchPerHour: v.GetInt("ratelimit.batch_per_hour"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageR2, StorageMinio, StorageMock:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Render.Format {
	case "png", "jpeg":
	default:
		return fmt.Errorf("unknown render format %q", c.Render.Format)
	}
	if c.Render.PoolSize <= 0 {
		return fmt.Errorf("render pool size must be positive, got %d", c.Render.PoolSize)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	return nil
}

func normalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimSpace(f))
	if f == "jpg" {
		return "jpeg"
	}
	return f
}
