package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Postgres   PostgresConfig
	RateLimit  RateLimitConfig
	Generation GenerationConfig
	Retry      RetryConfig
	Worker     WorkerConfig
	Cache      CacheConfig
	Quota      QuotaConfig
	Storage    StorageConfig
	R2         R2Config
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

// PostgresConfig is optional. An empty DSN disables request-row updates
// and subject lookups.
type PostgresConfig struct {
	DSN     string
	Migrate bool
}

type RateLimitConfig struct {
	SubmitPerMin int
}

// GenerationConfig configures the OpenAI-compatible text generation endpoint.
type GenerationConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	RatePerMinute int
}

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type WorkerConfig struct {
	Concurrency int
	Queue       string
}

type CacheConfig struct {
	TTL time.Duration
}

type QuotaConfig struct {
	DailyPerSubject int
}

// StorageConfig applies to the Redis artifact store used when R2 is not configured.
type StorageConfig struct {
	Retention time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("LLM_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("postgres.dsn", "DATABASE_URL")
	_ = v.BindEnv("postgres.migrate", "DATABASE_MIGRATE")
	_ = v.BindEnv("ratelimit.submit_per_min", "RATELIMIT_SUBMIT_PER_MIN")
	_ = v.BindEnv("generation.api_key", "LLM_API_KEY")
	_ = v.BindEnv("generation.base_url", "LLM_BASE_URL")
	_ = v.BindEnv("generation.model", "LLM_MODEL")
	_ = v.BindEnv("generation.temperature", "LLM_TEMPERATURE")
	_ = v.BindEnv("generation.max_tokens", "LLM_MAX_TOKENS")
	_ = v.BindEnv("generation.timeout", "LLM_TIMEOUT")
	_ = v.BindEnv("generation.rate_per_minute", "LLM_RATE_PER_MINUTE")
	_ = v.BindEnv("retry.max_attempts", "RETRY_MAX_ATTEMPTS")
	_ = v.BindEnv("retry.initial_backoff", "RETRY_INITIAL_BACKOFF")
	_ = v.BindEnv("retry.max_backoff", "RETRY_MAX_BACKOFF")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.queue", "WORKER_QUEUE")
	_ = v.BindEnv("cache.ttl", "CACHE_TTL")
	_ = v.BindEnv("quota.daily_per_subject", "QUOTA_DAILY_PER_SUBJECT")
	_ = v.BindEnv("storage.retention", "STORAGE_RETENTION")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.migrate", true)
	v.SetDefault("ratelimit.submit_per_min", 10)

	// Generation defaults
	v.SetDefault("generation.base_url", "https://api.openai.com/v1")
	v.SetDefault("generation.model", "gpt-4o-mini")
	v.SetDefault("generation.temperature", 0.3)
	v.SetDefault("generation.max_tokens", 2048)
	v.SetDefault("generation.timeout", 120*time.Second)
	v.SetDefault("generation.rate_per_minute", 10)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 4*time.Second)
	v.SetDefault("retry.max_backoff", 10*time.Second)

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queue", "generation")

	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("quota.daily_per_subject", 50)
	v.SetDefault("storage.retention", 24*time.Hour)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
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
		Postgres: PostgresConfig{
			DSN:     v.GetString("postgres.dsn"),
			Migrate: v.GetBool("postgres.migrate"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerMin: v.GetInt("ratelimit.submit_per_min"),
		},
		Generation: GenerationConfig{
			APIKey:        v.GetString("generation.api_key"),
			BaseURL:       v.GetString("generation.base_url"),
			Model:         v.GetString("generation.model"),
			Temperature:   v.GetFloat64("generation.temperature"),
			MaxTokens:     v.GetInt("generation.max_tokens"),
			Timeout:       v.GetDuration("generation.timeout"),
			RatePerMinute: v.GetInt("generation.rate_per_minute"),
		},
		Retry: RetryConfig{
			MaxAttempts:    v.GetInt("retry.max_attempts"),
			InitialBackoff: v.GetDuration("retry.initial_backoff"),
			MaxBackoff:     v.GetDuration("retry.max_backoff"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
			Queue:       v.GetString("worker.queue"),
		},
		Cache: CacheConfig{
			TTL: v.GetDuration("cache.ttl"),
		},
		Quota: QuotaConfig{
			DailyPerSubject: v.GetInt("quota.daily_per_subject"),
		},
		Storage: StorageConfig{
			Retention: v.GetDuration("storage.retention"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
	}
}
