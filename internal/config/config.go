package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort  string
	MetricsPort string
	LogLevel    string

	// Admin / CORS / Rate Limit
	AdminToken        string
	CORSAllowedOrigin string
	RateLimitPublic   int // req/min/client

	// Price Oracle
	OracleEndpoint     string
	OracleClientID     string
	OracleClientSecret string
	OracleTimeout      time.Duration
	OracleRPS          float64
	OracleCacheTTL     time.Duration

	// Probe
	ProbeTimeout time.Duration

	// Validation / Dedup
	MinDiscount           float64
	HotThreshold          float64
	MaxForeignScriptRatio float64
	DedupTolerance        float64
	TrustedSources        []string

	// Declarative files
	SourcesFile       string
	NoiseRulesFile    string
	WatchlistSeedFile string

	// Jobs
	VerifyInterval          time.Duration
	VerifyCutoff            time.Duration
	FanoutConcurrency       int
	WatchlistInterval       time.Duration
	PendingCheckInterval    time.Duration
	PendingReviewTimeout    time.Duration
	StaleSweepInterval      time.Duration
	StaleWindow             time.Duration
	PriceLogCleanupInterval time.Duration
	PriceLogRetentionDays   int
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、未設定の変数をまとめてエラーとして返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.AdminToken = getEnvString("ADMIN_TOKEN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.RateLimitPublic = getEnvInt("RATE_LIMIT_PUBLIC", 120)

	cfg.OracleEndpoint = getEnvString("ORACLE_ENDPOINT", "")
	cfg.OracleClientID = getEnvString("ORACLE_CLIENT_ID", "")
	cfg.OracleClientSecret = getEnvString("ORACLE_CLIENT_SECRET", "")
	cfg.OracleTimeout = getEnvDuration("ORACLE_TIMEOUT", 8*time.Second)
	cfg.OracleRPS = getEnvFloat("ORACLE_RPS", 5)
	cfg.OracleCacheTTL = getEnvDuration("ORACLE_CACHE_TTL", 5*time.Minute)

	cfg.ProbeTimeout = getEnvDuration("PROBE_TIMEOUT", 5*time.Second)

	cfg.MinDiscount = getEnvFloat("MIN_DISCOUNT", 10)
	cfg.HotThreshold = getEnvFloat("HOT_THRESHOLD", 20)
	cfg.MaxForeignScriptRatio = getEnvFloat("MAX_FOREIGN_SCRIPT_RATIO", 0.6)
	cfg.DedupTolerance = getEnvFloat("DEDUP_TOLERANCE", 0.03)
	cfg.TrustedSources = getEnvList("TRUSTED_SOURCES", nil)

	cfg.SourcesFile = getEnvString("SOURCES_FILE", "")
	cfg.NoiseRulesFile = getEnvString("NOISE_RULES_FILE", "")
	cfg.WatchlistSeedFile = getEnvString("WATCHLIST_SEED_FILE", "")

	cfg.VerifyInterval = getEnvDuration("VERIFY_INTERVAL", 10*time.Minute)
	cfg.VerifyCutoff = getEnvDuration("VERIFY_CUTOFF", 30*time.Minute)
	cfg.FanoutConcurrency = getEnvInt("FANOUT_CONCURRENCY", 5)
	cfg.WatchlistInterval = getEnvDuration("WATCHLIST_INTERVAL", time.Hour)
	cfg.PendingCheckInterval = getEnvDuration("PENDING_CHECK_INTERVAL", 30*time.Minute)
	cfg.PendingReviewTimeout = getEnvDuration("PENDING_REVIEW_TIMEOUT", 48*time.Hour)
	cfg.StaleSweepInterval = getEnvDuration("STALE_SWEEP_INTERVAL", time.Hour)
	cfg.StaleWindow = getEnvDuration("STALE_WINDOW", 72*time.Hour)
	cfg.PriceLogCleanupInterval = getEnvDuration("PRICE_LOG_CLEANUP_INTERVAL", 168*time.Hour)
	cfg.PriceLogRetentionDays = getEnvInt("PRICE_LOG_RETENTION_DAYS", 90)

	return cfg, nil
}

// IsTrustedSource は指定ソースが信頼済みとして設定されているかを返す。
func (c *Config) IsTrustedSource(name string) bool {
	for _, s := range c.TrustedSources {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
