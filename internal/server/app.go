// Package server builds the application's dependency graph and runs the HTTP
// service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webtomd/internal/api"
	"github.com/JakeFAU/webtomd/internal/cache"
	"github.com/JakeFAU/webtomd/internal/cleaner"
	"github.com/JakeFAU/webtomd/internal/clock/system"
	"github.com/JakeFAU/webtomd/internal/config"
	"github.com/JakeFAU/webtomd/internal/crawler"
	"github.com/JakeFAU/webtomd/internal/discovery"
	"github.com/JakeFAU/webtomd/internal/extractor"
	"github.com/JakeFAU/webtomd/internal/fetcher/chain"
	collyfetcher "github.com/JakeFAU/webtomd/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/webtomd/internal/fetcher/headless"
	proxyfetcher "github.com/JakeFAU/webtomd/internal/fetcher/proxy"
	"github.com/JakeFAU/webtomd/internal/hash/sha256"
	"github.com/JakeFAU/webtomd/internal/headless/detector"
	"github.com/JakeFAU/webtomd/internal/id/uuid"
	"github.com/JakeFAU/webtomd/internal/logging"
	"github.com/JakeFAU/webtomd/internal/metrics"
	"github.com/JakeFAU/webtomd/internal/orchestrator"
	"github.com/JakeFAU/webtomd/internal/policy/ratelimit"
	"github.com/JakeFAU/webtomd/internal/scraper"
	memorystore "github.com/JakeFAU/webtomd/internal/storage/memory"
	pgstore "github.com/JakeFAU/webtomd/internal/storage/postgres"
	redisstore "github.com/JakeFAU/webtomd/internal/storage/redis"
	"github.com/JakeFAU/webtomd/internal/validator"
	"github.com/JakeFAU/webtomd/internal/worker"
)

// cacheNamespace versions cache keys; bump it when crawler.PageResult changes shape.
const cacheNamespace = "page/v1"

// purgeInterval is how often expired rows are deleted from the Postgres cache.
const purgeInterval = 10 * time.Minute

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	scraper   *scraper.Service
	headless  *headlessfetcher.Fetcher
	redis     *redisstore.PageStore
	postgres  *pgstore.PageStore
	checks    []api.ReadinessCheck
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.String("cache_store", cfg.Cache.Store),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("proxy", cfg.Proxy.Enabled),
		zap.Bool("auth", cfg.Auth.Enabled),
	)

	clock := system.New()
	v := validator.New(
		validator.WithAllowPrivateHosts(cfg.Security.AllowPrivateHosts),
		validator.WithBlockedDomains(cfg.Security.BlockedDomains),
	)

	pages, err := app.setupCache(ctx, clock)
	if err != nil {
		app.closeStores()
		return nil, err
	}
	fetcher, err := app.setupFetcher(v)
	if err != nil {
		app.closeStores()
		return nil, err
	}

	pipelineCfg := worker.PipelineConfig{PageTimeout: time.Duration(cfg.Crawler.PageTimeoutSeconds) * time.Second}
	if cl := app.setupCleaner(); cl != nil {
		pipelineCfg.Cleaner = cl
	}
	pipeline, err := worker.NewPipeline(
		v,
		fetcher,
		extractor.New(extractor.WithMinScore(cfg.Crawler.MinContentScore)),
		pages,
		ratelimit.NewPerSecond(cfg.Crawler.HostRPS, cfg.Crawler.HostBurst),
		pipelineCfg,
		logger.Named("worker"),
	)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	disc := discovery.New(discovery.Config{
		UserAgent:       cfg.Crawler.UserAgent,
		Timeout:         cfg.FetchTimeout(),
		MaxSitemapDepth: cfg.Crawler.MaxSitemapDepth,
		MaxSitemaps:     cfg.Crawler.MaxSitemaps,
		MaxBodyBytes:    int64(cfg.HTTP.MaxBodyBytes),
		RespectRobots:   cfg.Crawler.RespectRobots,
		CheckURL:        checkURL(v),
		DialContext:     v.DialContext(nil),
	}, nil, fetcher, logger.Named("discovery"))

	orch, err := orchestrator.New(v, disc, pipeline, uuid.New(), orchestrator.Config{
		Workers:       cfg.Crawler.Workers,
		QueueSize:     cfg.Crawler.QueueDepth,
		JobTimeout:    cfg.JobTimeout(),
		GracePeriod:   cfg.GracePeriod(),
		MaxPagesLimit: cfg.Crawler.MaxPagesLimit,
	}, logger.Named("orchestrator"))
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	policy := ratelimit.NewPolicy(ratelimit.PolicyConfig{
		CrawlPerMinute:   cfg.RateLimit.CrawlPerMinute,
		PreviewPerMinute: cfg.RateLimit.PreviewPerMinute,
	})
	app.scraper, err = scraper.New(v, orch, pipeline, policy, logger.Named("scraper"))
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("scraper init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.scraper, clock, cfg, logger.Named("api"), app.checks...)
	return app, nil
}

// Scraper exposes the request surface for one-shot CLI commands.
func (a *App) Scraper() *scraper.Service {
	return a.scraper
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.postgres != nil {
		go a.purgeLoop(ctx, a.postgres)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases the browser and cache connections.
func (a *App) Close(_ context.Context) {
	if a.headless != nil {
		a.headless.Close()
	}
	a.closeStores()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
		a.redis = nil
	}
	if a.postgres != nil {
		a.postgres.Close()
		a.postgres = nil
	}
}

func (a *App) setupCache(ctx context.Context, clock crawler.Clock) (*cache.Cache, error) {
	var store cache.Store
	switch a.cfg.Cache.Store {
	case config.CacheStoreNone:
		a.logger.Info("page cache disabled")
		store = cache.None{}
	case config.CacheStoreRedis:
		rs, err := redisstore.NewPageStore(redisstore.Config{
			Addr:     a.cfg.Cache.Redis.Addr,
			Password: a.cfg.Cache.Redis.Password,
			DB:       a.cfg.Cache.Redis.DB,
			Prefix:   a.cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		a.redis = rs
		a.checks = append(a.checks, rs.Ping)
		store = rs
		a.logger.Info("using redis page cache", zap.String("addr", a.cfg.Cache.Redis.Addr))
	case config.CacheStorePostgres:
		ps, err := pgstore.NewPageStore(ctx, pgstore.PageStoreConfig{
			DSN:      a.cfg.Cache.Postgres.DSN,
			Table:    a.cfg.Cache.Postgres.Table,
			MaxConns: a.cfg.Cache.Postgres.MaxConns,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("postgres cache init failed: %w", err)
		}
		a.postgres = ps
		if err := ps.EnsureSchema(ctx); err != nil {
			// The store retries the schema on use; until then lookups miss.
			metrics.ObserveCacheStoreInitFailure(config.CacheStorePostgres)
			a.logger.Warn("postgres cache unavailable at startup; continuing degraded",
				zap.Error(errors.Join(crawler.ErrCacheUnavailable, err)),
			)
		}
		a.checks = append(a.checks, ps.Ping)
		store = ps
		a.logger.Info("using postgres page cache", zap.String("table", a.cfg.Cache.Postgres.Table))
	default:
		store = memorystore.NewPageStore(a.cfg.Cache.MaxEntries, clock)
		a.logger.Info("using in-memory page cache", zap.Int("max_entries", a.cfg.Cache.MaxEntries))
	}
	return cache.New(store, sha256.New(sha256.WithNamespace(cacheNamespace)),
		cache.WithTTL(a.cfg.CacheTTL()),
		cache.WithClock(clock),
		cache.WithLogger(a.logger.Named("cache")),
	), nil
}

func (a *App) setupFetcher(v *validator.Validator) (*chain.Chain, error) {
	strategies := []chain.Strategy{{
		Name: crawler.StrategyHTTP,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Crawler.UserAgent,
			Timeout:       a.cfg.FetchTimeout(),
			MaxBodyBytes:  a.cfg.HTTP.MaxBodyBytes,
			MaxRedirects:  a.cfg.HTTP.MaxRedirects,
			CheckRedirect: checkURL(v),
			DialContext:   v.DialContext(nil),
		}),
	}}
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Crawler.UserAgent))

	if a.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			IdleWindow:        time.Duration(a.cfg.Headless.IdleWindowMs) * time.Millisecond,
			ExecPath:          a.cfg.Headless.ExecPath,
			CheckURL:          checkURL(v),
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed; continuing without rendering", zap.Error(err))
		} else {
			a.headless = hf
			strategies = append(strategies, chain.Strategy{Name: crawler.StrategyHeadless, Fetcher: hf})
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	if a.cfg.Proxy.Enabled {
		pf, err := proxyfetcher.New(proxyfetcher.Config{
			Endpoint:     a.cfg.Proxy.Endpoint,
			APIKey:       a.cfg.Proxy.APIKey,
			JSRender:     a.cfg.Proxy.JSRender,
			PremiumProxy: a.cfg.Proxy.PremiumProxy,
			Antibot:      a.cfg.Proxy.Antibot,
			Timeout:      time.Duration(a.cfg.Proxy.TimeoutSeconds) * time.Second,
			MaxBodyBytes: int64(a.cfg.HTTP.MaxBodyBytes),
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("proxy fetcher init failed: %w", err)
		}
		strategies = append(strategies, chain.Strategy{Name: crawler.StrategyProxy, Fetcher: pf})
		a.logger.Info("using rendering proxy fallback")
	}

	c, err := chain.New(strategies, detector.NewHeuristic(a.cfg.Headless.PromotionThresh), a.logger.Named("fetcher"))
	if err != nil {
		return nil, fmt.Errorf("fetch chain init failed: %w", err)
	}
	return c, nil
}

// setupCleaner returns nil when no LLM API key is configured; llmFilter
// requests are then served unfiltered.
func (a *App) setupCleaner() *cleaner.Cleaner {
	if !a.cfg.LLM.Enabled() {
		a.logger.Info("llm cleaning disabled; no api key configured")
		return nil
	}
	cl, err := cleaner.New(cleaner.Config{
		APIKey:      a.cfg.LLM.APIKey,
		BaseURL:     a.cfg.LLM.BaseURL,
		Model:       a.cfg.LLM.Model,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		Temperature: a.cfg.LLM.Temperature,
		Timeout:     time.Duration(a.cfg.LLM.TimeoutSeconds) * time.Second,
	}, nil)
	if err != nil {
		a.logger.Warn("llm cleaner init failed; continuing without it", zap.Error(err))
		return nil
	}
	a.logger.Info("using llm cleaner", zap.String("model", a.cfg.LLM.Model))
	return cl
}

func (a *App) purgeLoop(ctx context.Context, store *pgstore.PageStore) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				a.logger.Warn("cache purge failed", zap.Error(err))
				continue
			}
			a.logger.Debug("cache purged", zap.Int64("rows", n))
		}
	}
}

// checkURL screens redirect and sitemap targets with the same rules as
// user-supplied URLs.
func checkURL(v crawler.URLValidator) func(*url.URL) error {
	return func(u *url.URL) error {
		_, err := v.Validate(u.String())
		return err
	}
}
