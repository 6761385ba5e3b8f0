package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  workers: 8
  queue_depth: 32
  user_agent: test-agent
  max_pages_limit: 100
  job_timeout_seconds: 120
  grace_seconds: 5
headless:
  enabled: true
  max_parallel: 3
cache:
  store: redis
  ttl_seconds: 600
  redis:
    addr: cache:6379
    prefix: "md:"
ratelimit:
  crawl_per_minute: 3
  preview_per_minute: 6
security:
  blocked_domains:
    - "*.internal.example.com"
    - ads.example.net
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.Workers != 8 || cfg.Crawler.UserAgent != "test-agent" || cfg.Crawler.MaxPagesLimit != 100 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Cache.Store != CacheStoreRedis || cfg.Cache.Redis.Addr != "cache:6379" || cfg.Cache.Redis.Prefix != "md:" {
		t.Fatalf("expected redis cache config: %+v", cfg.Cache)
	}
	if cfg.RateLimit.CrawlPerMinute != 3 || cfg.RateLimit.PreviewPerMinute != 6 {
		t.Fatalf("expected rate limit overrides: %+v", cfg.RateLimit)
	}
	if got := cfg.Security.BlockedDomains; len(got) != 2 || got[0] != "*.internal.example.com" || got[1] != "ads.example.net" {
		t.Fatalf("expected blocked domains from file, got %v", got)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected production debug logging: %+v", cfg.Logging)
	}
	if got := cfg.JobTimeout(); got != 2*time.Minute {
		t.Fatalf("expected job timeout 2m, got %v", got)
	}
	if got := cfg.GracePeriod(); got != 5*time.Second {
		t.Fatalf("expected grace 5s, got %v", got)
	}
	if got := cfg.CacheTTL(); got != 10*time.Minute {
		t.Fatalf("expected cache ttl 10m, got %v", got)
	}
	// Untouched keys keep their defaults.
	if cfg.HTTP.TimeoutSeconds != 30 || cfg.Cache.Postgres.Table != "page_cache" {
		t.Fatalf("expected defaults to survive: %+v %+v", cfg.HTTP, cfg.Cache.Postgres)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 5 || cfg.Crawler.MaxPagesLimit != 500 {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.Cache.Store != CacheStoreMemory || cfg.CacheTTL() != time.Hour {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.RateLimit.CrawlPerMinute != 10 || cfg.RateLimit.PreviewPerMinute != 20 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if !cfg.Headless.Enabled || cfg.Headless.MaxParallel != 2 {
		t.Fatalf("expected headless rendering on by default: %+v", cfg.Headless)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.MaxTokens != 4000 || cfg.LLM.Temperature != 0.3 {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
}

// Environment overrides mutate process state, so these tests are serial.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WEBTOMD_CRAWLER_WORKERS", "12")
	t.Setenv("WEBTOMD_CACHE_STORE", "none")
	t.Setenv("PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 12 {
		t.Fatalf("expected env workers 12, got %d", cfg.Crawler.Workers)
	}
	if cfg.Cache.Store != CacheStoreNone {
		t.Fatalf("expected env cache store none, got %q", cfg.Cache.Store)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected PORT override 7070, got %d", cfg.Server.Port)
	}
}

func TestLoadLLMKeyFromOpenAIEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.LLM.Enabled() || cfg.LLM.APIKey != "sk-env" {
		t.Fatalf("expected OPENAI_API_KEY to enable llm cleaning, got %+v", cfg.LLM)
	}

	t.Setenv("WEBTOMD_LLM_API_KEY", "sk-config")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-config" {
		t.Fatalf("expected llm.api_key to win over OPENAI_API_KEY, got %q", cfg.LLM.APIKey)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "eighty")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "PORT") {
		t.Fatalf("expected PORT parse error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Crawler: CrawlerConfig{Workers: 1, MaxPagesLimit: 10, JobTimeoutSeconds: 60},
		HTTP:    HTTPConfig{TimeoutSeconds: 10},
		Cache:   CacheConfig{Store: CacheStoreMemory, TTLSeconds: 60},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"max pages over cap", func(c *Config) { c.Crawler.MaxPagesLimit = 501 }, "crawler.max_pages_limit"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"headless missing max parallel", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"proxy missing api key", func(c *Config) { c.Proxy.Enabled = true }, "proxy.api_key"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"llm missing token budget", func(c *Config) { c.LLM.APIKey = "sk-test" }, "llm.max_tokens"},
		{"unknown cache store", func(c *Config) { c.Cache.Store = "memcached" }, "cache.store"},
		{"redis without addr", func(c *Config) { c.Cache.Store = CacheStoreRedis }, "cache.redis.addr"},
		{"postgres without dsn", func(c *Config) { c.Cache.Store = CacheStorePostgres }, "cache.postgres.dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
