package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env       string
	Log       LogConfig
	Redis     RedisConfig
	DB        DBConfig
	Feed      FeedConfig
	Fetcher   FetcherConfig
	RateLimit RateLimitConfig
	Resolver  ResolverConfig
	Batcher   BatcherConfig
	Warm      WarmConfig
}

// WarmConfig controls startup cache priming. FlushProvider invalidates the
// feed provider's whole key space first so priming starts from a clean slate.
type WarmConfig struct {
	Symbols       []string
	Market        string
	FlushProvider bool
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string
	Dir   string
}

// RedisConfig holds Redis connection settings for the cache and counter
// store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the PostgreSQL connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// FeedConfig holds the live quote feed settings.
type FeedConfig struct {
	URL              string
	Provider         string
	HeartbeatTimeout time.Duration
}

// FetcherConfig holds the realtime fetch provider settings.
type FetcherConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	Strategy string
	Limit    int
	Window   string
}

// ResolverConfig holds orchestrator timeouts.
type ResolverConfig struct {
	FetchTimeout time.Duration
	ProbeTimeout time.Duration
}

// BatcherConfig holds stream batch processor settings.
type BatcherConfig struct {
	QueueSize        int
	DynamicEnabled   bool
	InitialInterval  time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration
	InitialMaxSize   int
	MinSize          int
	MaxSizeCap       int
	MonitorInterval  time.Duration
	HighWatermark    float64
	LowWatermark     float64
	FailureThreshold int
	CoolDown         time.Duration
	DataType         string
}

// Load reads configuration from environment variables prefixed with
// QUOTECACHE_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUOTECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "logs")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// DB defaults
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "quotecache")
	v.SetDefault("db.password", "quotecache")
	v.SetDefault("db.dbname", "quotecache")
	v.SetDefault("db.sslmode", "disable")

	// Feed defaults
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.provider", "simulated")
	v.SetDefault("feed.heartbeat_timeout", "5s")

	// Fetcher defaults
	v.SetDefault("fetcher.base_url", "")
	v.SetDefault("fetcher.api_key", "")
	v.SetDefault("fetcher.timeout", "10s")

	// Rate limit defaults
	v.SetDefault("ratelimit.strategy", "fixed_window")
	v.SetDefault("ratelimit.limit", 120)
	v.SetDefault("ratelimit.window", "1m")

	// Resolver defaults
	v.SetDefault("resolver.fetch_timeout", "5s")
	v.SetDefault("resolver.probe_timeout", "500ms")

	// Batcher defaults
	v.SetDefault("batcher.queue_size", 4096)
	v.SetDefault("batcher.dynamic_enabled", true)
	v.SetDefault("batcher.initial_interval", "500ms")
	v.SetDefault("batcher.min_interval", "100ms")
	v.SetDefault("batcher.max_interval", "2s")
	v.SetDefault("batcher.initial_max_size", 50)
	v.SetDefault("batcher.min_size", 10)
	v.SetDefault("batcher.max_size_cap", 500)
	v.SetDefault("batcher.monitor_interval", "5s")
	v.SetDefault("batcher.high_watermark", 1000)
	v.SetDefault("batcher.low_watermark", 100)
	v.SetDefault("batcher.failure_threshold", 5)
	v.SetDefault("batcher.cool_down", "10s")
	v.SetDefault("batcher.data_type", "stock-quote")

	// Warm-up defaults
	v.SetDefault("warm.symbols", []string{})
	v.SetDefault("warm.market", "NASDAQ")
	v.SetDefault("warm.flush_provider", false)

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Log = LogConfig{
		Level: v.GetString("log.level"),
		Dir:   v.GetString("log.dir"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.DB = DBConfig{
		Host:     v.GetString("db.host"),
		Port:     v.GetInt("db.port"),
		User:     v.GetString("db.user"),
		Password: v.GetString("db.password"),
		DBName:   v.GetString("db.dbname"),
		SSLMode:  v.GetString("db.sslmode"),
	}

	cfg.Feed = FeedConfig{
		URL:              v.GetString("feed.url"),
		Provider:         v.GetString("feed.provider"),
		HeartbeatTimeout: v.GetDuration("feed.heartbeat_timeout"),
	}

	cfg.Fetcher = FetcherConfig{
		BaseURL: v.GetString("fetcher.base_url"),
		APIKey:  v.GetString("fetcher.api_key"),
		Timeout: v.GetDuration("fetcher.timeout"),
	}

	cfg.RateLimit = RateLimitConfig{
		Strategy: v.GetString("ratelimit.strategy"),
		Limit:    v.GetInt("ratelimit.limit"),
		Window:   v.GetString("ratelimit.window"),
	}

	cfg.Resolver = ResolverConfig{
		FetchTimeout: v.GetDuration("resolver.fetch_timeout"),
		ProbeTimeout: v.GetDuration("resolver.probe_timeout"),
	}

	cfg.Batcher = BatcherConfig{
		QueueSize:        v.GetInt("batcher.queue_size"),
		DynamicEnabled:   v.GetBool("batcher.dynamic_enabled"),
		InitialInterval:  v.GetDuration("batcher.initial_interval"),
		MinInterval:      v.GetDuration("batcher.min_interval"),
		MaxInterval:      v.GetDuration("batcher.max_interval"),
		InitialMaxSize:   v.GetInt("batcher.initial_max_size"),
		MinSize:          v.GetInt("batcher.min_size"),
		MaxSizeCap:       v.GetInt("batcher.max_size_cap"),
		MonitorInterval:  v.GetDuration("batcher.monitor_interval"),
		HighWatermark:    v.GetFloat64("batcher.high_watermark"),
		LowWatermark:     v.GetFloat64("batcher.low_watermark"),
		FailureThreshold: v.GetInt("batcher.failure_threshold"),
		CoolDown:         v.GetDuration("batcher.cool_down"),
		DataType:         v.GetString("batcher.data_type"),
	}

	cfg.Warm = WarmConfig{
		Symbols:       v.GetStringSlice("warm.symbols"),
		Market:        v.GetString("warm.market"),
		FlushProvider: v.GetBool("warm.flush_provider"),
	}

	return cfg, nil
}
