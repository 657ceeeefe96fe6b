package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort     string
	HermesSecret string
	JWTSecret    []byte

	Database   DatabaseConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Dispatch   DispatchConfig
	Sync       SyncConfig
	Proxy      ProxyConfig
	LogSink    LogSinkConfig
	Archive    ArchiveConfig
	Normalizer NormalizerConfig
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path          string
	EncryptionKey string // optional 64-hex AES-256 key for credentials at rest
}

// RedisConfig holds optional Redis connection settings. When Address is empty
// the in-memory sliding window limiter is used instead of the distributed one.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RateLimitConfig holds sliding-window admission settings.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	Slots  int
}

// DispatchConfig holds retry and circuit-breaker defaults. The settings table
// can override these at runtime.
type DispatchConfig struct {
	MaxRetries      int
	InitialPenalty  time.Duration
	MaxPenalty      time.Duration
	ResyncThreshold int
	ResyncCooldown  time.Duration
}

// SyncConfig holds model synchronization settings.
type SyncConfig struct {
	PeriodicInterval time.Duration
	RequestTimeout   time.Duration
	MinGap           time.Duration // at most one outgoing sync per provider per MinGap
	Concurrency      int
}

// ProxyConfig holds upstream HTTP client settings.
type ProxyConfig struct {
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	StreamIdle        time.Duration
	MaxIdlePerHost    int
	MaxIdleConns      int
	MaxBodyBytes      int64
	QuotaPatterns     []string
	QuotaPatternsPath string
}

// LogSinkConfig holds the batched async writer settings.
type LogSinkConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// ArchiveConfig holds optional S3 archival of flushed request-log batches.
type ArchiveConfig struct {
	Enabled  bool
	S3Bucket string
	S3Region string
	S3Prefix string
	NodeName string
}

// NormalizerConfig holds the model alias table location.
type NormalizerConfig struct {
	AliasTablePath string
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	secret := getEnvString("HERMES_SECRET", "hermes-secret-key")

	cfg := &Config{
		HTTPPort:     getEnvString("PORT", "8000"),
		HermesSecret: secret,
		JWTSecret:    []byte(getEnvString("JWT_SECRET", secret)),
		Database: DatabaseConfig{
			Path:          getEnvString("DB_PATH", "hermes.db"),
			EncryptionKey: os.Getenv("HERMES_ENCRYPTION_KEY"),
		},
		Redis: RedisConfig{
			Address:  os.Getenv("REDIS_ADDRESS"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Max:    getEnvInt("RATE_LIMIT_MAX", 60),
			Window: time.Duration(getEnvInt("RATE_LIMIT_WINDOW", 60)) * time.Second,
			Slots:  12,
		},
		Dispatch: DispatchConfig{
			MaxRetries:      getEnvInt("CHAT_MAX_RETRIES", 3),
			InitialPenalty:  getEnvDuration("DISPATCHER_INITIAL_PENALTY", 30*time.Minute),
			MaxPenalty:      getEnvDuration("DISPATCHER_MAX_PENALTY", 4*time.Hour),
			ResyncThreshold: getEnvInt("DISPATCHER_RESYNC_THRESHOLD", 3),
			ResyncCooldown:  getEnvDuration("DISPATCHER_RESYNC_COOLDOWN", 10*time.Minute),
		},
		Sync: SyncConfig{
			PeriodicInterval: getEnvDuration("PERIODIC_SYNC_INTERVAL", 1*time.Hour),
			RequestTimeout:   getEnvDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
			MinGap:           getEnvDuration("SYNC_MIN_GAP", 5*time.Second),
			Concurrency:      getEnvInt("SYNC_CONCURRENCY", 4),
		},
		Proxy: ProxyConfig{
			ConnectTimeout:    getEnvDuration("PROXY_CONNECT_TIMEOUT", 10*time.Second),
			RequestTimeout:    getEnvDuration("PROXY_REQUEST_TIMEOUT", 120*time.Second),
			StreamIdle:        getEnvDuration("PROXY_STREAM_IDLE", 60*time.Second),
			MaxIdlePerHost:    getEnvInt("PROXY_MAX_IDLE_PER_HOST", 32),
			MaxIdleConns:      getEnvInt("PROXY_MAX_IDLE_CONNS", 256),
			MaxBodyBytes:      getEnvInt64("PROXY_MAX_BODY_BYTES", 10*1024*1024),
			QuotaPatternsPath: os.Getenv("QUOTA_PATTERNS_PATH"),
		},
		LogSink: LogSinkConfig{
			QueueSize:     getEnvInt("LOG_QUEUE_SIZE", 2000),
			BatchSize:     getEnvInt("LOG_BATCH_SIZE", 100),
			FlushInterval: getEnvDuration("LOG_FLUSH_INTERVAL", 1*time.Second),
		},
		Archive: ArchiveConfig{
			Enabled:  getEnvString("ARCHIVE_S3_BUCKET", "") != "",
			S3Bucket: os.Getenv("ARCHIVE_S3_BUCKET"),
			S3Region: getEnvString("ARCHIVE_S3_REGION", "us-east-1"),
			S3Prefix: getEnvString("ARCHIVE_S3_PREFIX", "hermes-logs/"),
			NodeName: getEnvString("NODE_NAME", "hermes-0"),
		},
		Normalizer: NormalizerConfig{
			AliasTablePath: os.Getenv("ALIAS_TABLE_PATH"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.HTTPPort); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.HTTPPort)
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.Dispatch.MaxRetries <= 0 {
		return fmt.Errorf("CHAT_MAX_RETRIES must be positive, got %d", c.Dispatch.MaxRetries)
	}
	if k := c.Database.EncryptionKey; k != "" && len(k) != 64 {
		return fmt.Errorf("HERMES_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}
	return nil
}
