// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/webtomd/internal/crawler"
)

// EnvPrefix prefixes every environment override, e.g. WEBTOMD_SERVER_PORT.
const EnvPrefix = "WEBTOMD"

// SearchPaths are checked for a webtomd.{yaml,json,toml} file when no
// explicit path is given. A missing file is not an error.
var SearchPaths = []string{".", "/etc/webtomd", "$HOME/.webtomd"}

// Cache store backends.
const (
	CacheStoreNone     = "none"
	CacheStoreMemory   = "memory"
	CacheStoreRedis    = "redis"
	CacheStorePostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Security  SecurityConfig  `mapstructure:"security"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the worker pool, job deadlines and discovery.
type CrawlerConfig struct {
	Workers            int     `mapstructure:"workers"`
	QueueDepth         int     `mapstructure:"queue_depth"`
	UserAgent          string  `mapstructure:"user_agent"`
	MaxPagesLimit      int     `mapstructure:"max_pages_limit"`
	JobTimeoutSeconds  int     `mapstructure:"job_timeout_seconds"`
	GraceSeconds       int     `mapstructure:"grace_seconds"`
	PageTimeoutSeconds int     `mapstructure:"page_timeout_seconds"`
	HostRPS            float64 `mapstructure:"host_rps"`
	HostBurst          int     `mapstructure:"host_burst"`
	RespectRobots      bool    `mapstructure:"respect_robots"`
	MaxSitemapDepth    int     `mapstructure:"max_sitemap_depth"`
	MaxSitemaps        int     `mapstructure:"max_sitemaps"`
	MinContentScore    float64 `mapstructure:"min_content_score"`
}

// HTTPConfig configures the lightweight fetch client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
	MaxRedirects   int `mapstructure:"max_redirects"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	IdleWindowMs    int    `mapstructure:"idle_window_ms"`
	PromotionThresh int    `mapstructure:"promotion_threshold"`
	ExecPath        string `mapstructure:"exec_path"`
}

// ProxyConfig configures the external rendering proxy fallback.
type ProxyConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	JSRender       bool   `mapstructure:"js_render"`
	PremiumProxy   bool   `mapstructure:"premium_proxy"`
	Antibot        bool   `mapstructure:"antibot"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CacheConfig selects and sizes the page cache.
type CacheConfig struct {
	Store      string         `mapstructure:"store"`
	TTLSeconds int            `mapstructure:"ttl_seconds"`
	MaxEntries int            `mapstructure:"max_entries"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig addresses the Redis cache store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PostgresConfig addresses the Postgres cache store.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RateLimitConfig sizes the per-client request budgets.
type RateLimitConfig struct {
	CrawlPerMinute   int `mapstructure:"crawl_per_minute"`
	PreviewPerMinute int `mapstructure:"preview_per_minute"`
}

// SecurityConfig controls target screening.
type SecurityConfig struct {
	AllowPrivateHosts bool     `mapstructure:"allow_private_hosts"`
	BlockedDomains    []string `mapstructure:"blocked_domains"`
}

// LLMConfig configures the optional markdown cleaning stage. The stage is
// available only when an API key is set; OPENAI_API_KEY is used when
// llm.api_key is empty.
type LLMConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Temperature    float64 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// Enabled reports whether LLM cleaning can run.
func (c LLMConfig) Enabled() bool {
	return c.APIKey != ""
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Precedence, highest first:
// PORT, WEBTOMD_* variables, the config file, defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("webtomd")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 360)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.workers", 5)
	v.SetDefault("crawler.queue_depth", 10)
	v.SetDefault("crawler.user_agent", "webtomd/1.0 (+https://github.com/JakeFAU/webtomd)")
	v.SetDefault("crawler.max_pages_limit", crawler.MaxPagesLimit)
	v.SetDefault("crawler.job_timeout_seconds", 300)
	v.SetDefault("crawler.grace_seconds", 10)
	v.SetDefault("crawler.page_timeout_seconds", 60)
	v.SetDefault("crawler.host_rps", 2.0)
	v.SetDefault("crawler.host_burst", 4)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.max_sitemap_depth", 3)
	v.SetDefault("crawler.max_sitemaps", 50)
	v.SetDefault("crawler.min_content_score", 0.0)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_body_bytes", 50<<20)
	v.SetDefault("http.max_redirects", 10)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.idle_window_ms", 500)
	v.SetDefault("headless.promotion_threshold", 0)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.endpoint", "")
	v.SetDefault("proxy.api_key", "")
	v.SetDefault("proxy.js_render", true)
	v.SetDefault("proxy.premium_proxy", false)
	v.SetDefault("proxy.antibot", false)
	v.SetDefault("proxy.timeout_seconds", 90)
	v.SetDefault("cache.store", CacheStoreMemory)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "webtomd:page:")
	v.SetDefault("cache.postgres.dsn", "")
	v.SetDefault("cache.postgres.table", "page_cache")
	v.SetDefault("cache.postgres.max_conns", 4)
	v.SetDefault("ratelimit.crawl_per_minute", 10)
	v.SetDefault("ratelimit.preview_per_minute", 20)
	v.SetDefault("security.allow_private_hosts", false)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Crawler.Workers <= 0 {
		errs = append(errs, errors.New("crawler.workers must be > 0"))
	}
	if c.Crawler.MaxPagesLimit <= 0 || c.Crawler.MaxPagesLimit > crawler.MaxPagesLimit {
		errs = append(errs, fmt.Errorf("crawler.max_pages_limit must be in 1..%d", crawler.MaxPagesLimit))
	}
	if c.Crawler.JobTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("crawler.job_timeout_seconds must be > 0"))
	}
	if c.Crawler.GraceSeconds < 0 {
		errs = append(errs, errors.New("crawler.grace_seconds must be >= 0"))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("http.timeout_seconds must be > 0"))
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.Proxy.Enabled && c.Proxy.APIKey == "" {
		errs = append(errs, errors.New("proxy.api_key must be set when the proxy is enabled"))
	}
	if c.LLM.Enabled() && (c.LLM.MaxTokens <= 0 || c.LLM.TimeoutSeconds <= 0) {
		errs = append(errs, errors.New("llm.max_tokens and llm.timeout_seconds must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.Cache.Store {
	case CacheStoreNone, CacheStoreMemory:
	case CacheStoreRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr must be set for the redis store"))
		}
	case CacheStorePostgres:
		if c.Cache.Postgres.DSN == "" {
			errs = append(errs, errors.New("cache.postgres.dsn must be set for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.store %q is not one of none, memory, redis, postgres", c.Cache.Store))
	}
	if c.Cache.TTLSeconds <= 0 {
		errs = append(errs, errors.New("cache.ttl_seconds must be > 0"))
	}
	if c.RateLimit.CrawlPerMinute < 0 || c.RateLimit.PreviewPerMinute < 0 {
		errs = append(errs, errors.New("ratelimit budgets must be >= 0"))
	}
	return errors.Join(errs...)
}

// JobTimeout is the crawl deadline after which dispatch stops.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Crawler.JobTimeoutSeconds) * time.Second
}

// GracePeriod is how long in-flight pages may finish after JobTimeout.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Crawler.GraceSeconds) * time.Second
}

// CacheTTL is the page cache entry lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// FetchTimeout bounds one lightweight fetch.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
