package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	dbPoolStatsIntervalDefaultMS = 15000
	dbPoolStatsIntervalMinMS     = 1000
	dbPoolStatsIntervalMaxMS     = 600000

	defaultNodeURL = "http://127.0.0.1:8114"
)

type Config struct {
	DB        DBConfig
	Redis     RedisConfig
	Node      NodeConfig
	Sync      SyncConfig
	Lock      LockPeriodConfig
	Server    ServerConfig
	Tracing   TracingConfig
	Alert     AlertConfig
	Log       LogConfig
	WatchFile string
}

type DBConfig struct {
	Driver              string
	URL                 string
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetime     time.Duration
	PoolStatsIntervalMS int
}

type RedisConfig struct {
	// URL is optional; the sync state mirror is disabled when empty.
	URL     string
	Channel string
}

type NodeConfig struct {
	RPCURL     string
	IndexerURL string
	Timeout    time.Duration

	RPS   float64
	Burst int

	RetryMaxAttempts int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

type SyncConfig struct {
	Workers        int
	Interval       time.Duration
	PageSize       int
	MaxReorgDepth  int64
	RateWindow     time.Duration
	UnhealthyAfter int
}

type LockPeriodConfig struct {
	TypeCodeHash string
	Blocks       int64
}

type ServerConfig struct {
	APIPort int
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type AlertConfig struct {
	WebhookURL      string
	SlackWebhookURL string
	Cooldown        time.Duration
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		DB: DBConfig{
			Driver:          getEnv("DB_DRIVER", "sqlite3"),
			URL:             getEnv("DB_URL", defaultDBPath()),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			Channel: getEnv("REDIS_SYNC_CHANNEL", "cellsync:sync_state"),
		},
		Node: NodeConfig{
			RPCURL:           getEnv("NODE_RPC_URL", defaultNodeURL),
			Timeout:          time.Duration(getEnvInt("RPC_TIMEOUT_SEC", 30)) * time.Second,
			RPS:              getEnvFloat("RPC_RPS", 20),
			Burst:            getEnvInt("RPC_BURST", 40),
			RetryMaxAttempts: getEnvInt("RPC_RETRY_MAX_ATTEMPTS", 4),
			BackoffInitial:   time.Duration(getEnvInt("RPC_BACKOFF_INITIAL_MS", 200)) * time.Millisecond,
			BackoffMax:       time.Duration(getEnvInt("RPC_BACKOFF_MAX_MS", 5000)) * time.Millisecond,
		},
		Sync: SyncConfig{
			Workers:        getEnvInt("SYNC_WORKERS", 4),
			Interval:       time.Duration(getEnvInt("SYNC_INTERVAL_MS", 2000)) * time.Millisecond,
			PageSize:       getEnvInt("SYNC_PAGE_SIZE", 100),
			MaxReorgDepth:  int64(getEnvInt("REORG_MAX_DEPTH", 256)),
			RateWindow:     getEnvDuration("SYNC_RATE_WINDOW", time.Minute),
			UnhealthyAfter: getEnvInt("NODE_UNHEALTHY_AFTER", 3),
		},
		Lock: LockPeriodConfig{
			TypeCodeHash: getEnv("LOCK_PERIOD_TYPE_CODE_HASH", ""),
			Blocks:       int64(getEnvInt("LOCK_PERIOD_BLOCKS", 0)),
		},
		Server: ServerConfig{
			APIPort: getEnvInt("API_PORT", 8080),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		Alert: AlertConfig{
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		WatchFile: getEnv("WATCH_FILE", ""),
	}
	cfg.Node.IndexerURL = getEnv("INDEXER_RPC_URL", cfg.Node.RPCURL)

	poolStats, err := getEnvIntInRange("DB_POOL_STATS_INTERVAL_MS", dbPoolStatsIntervalDefaultMS, dbPoolStatsIntervalMinMS, dbPoolStatsIntervalMaxMS)
	if err != nil {
		return nil, err
	}
	cfg.DB.PoolStatsIntervalMS = poolStats

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.DB.Driver)
	}
	if c.DB.URL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if err := validateHTTPURL("NODE_RPC_URL", c.Node.RPCURL); err != nil {
		return err
	}
	if err := validateHTTPURL("INDEXER_RPC_URL", c.Node.IndexerURL); err != nil {
		return err
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("SYNC_WORKERS must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.MaxReorgDepth <= 0 {
		return fmt.Errorf("REORG_MAX_DEPTH must be positive, got %d", c.Sync.MaxReorgDepth)
	}
	if c.Lock.Blocks > 0 && c.Lock.TypeCodeHash == "" {
		return fmt.Errorf("LOCK_PERIOD_TYPE_CODE_HASH is required when LOCK_PERIOD_BLOCKS is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}
	return nil
}

func validateHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", key, raw)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".cellsync", "cache.db")
	}
	return filepath.Join(home, ".cellsync", "cache.db")
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnvIntInRange(key string, fallback, min, max int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be within [%d, %d], got %d", key, min, max, v)
	}
	return v, nil
}
