// Package httpapi wires the HTTP surface: the OpenAI-compatible public
// endpoints, the health endpoint and the admin API.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"hermes/internal/auth"
	"hermes/internal/breaker"
	"hermes/internal/clock"
	"hermes/internal/config"
	"hermes/internal/dispatch"
	"hermes/internal/logging"
	"hermes/internal/metrics"
	"hermes/internal/middleware"
	"hermes/internal/models"
	"hermes/internal/normalizer"
	"hermes/internal/providers"
	"hermes/internal/proxy"
	"hermes/internal/ratelimit"
	"hermes/internal/scoring"
	"hermes/internal/storage"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Config     *config.Config
	DB         *storage.DB
	Registry   *providers.Registry
	Syncer     *providers.Syncer
	Dispatcher *dispatch.Dispatcher
	Scorer     *scoring.Scorer
	Breaker    *breaker.Breaker
	Limiter    ratelimit.Limiter
	Keys       auth.KeyStore
	KeyRepo    *storage.KeyRepository
	LogRepo    *storage.LogRepository
	MetricRepo *storage.MetricsRepository
	Settings   *storage.SettingsRepository
	Sink       *logging.Sink
	Metrics    *metrics.Metrics
	Normalizer *normalizer.Normalizer
	Clock      clock.Clock

	// responseCache holds the /v1/models payload for 30 s, keyed on the
	// registry snapshot hash.
	responseCache *gocache.Cache
}

// NewRouter builds the dependency graph and returns the configured mux.
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	db, err := storage.NewDB(storage.DBConfig{Path: cfg.Database.Path})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	enc, err := storage.NewEncryption(cfg.Database.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	norm, err := normalizer.NewFromFile(cfg.Normalizer.AliasTablePath)
	if err != nil {
		return nil, nil, err
	}

	providerRepo := storage.NewProviderRepository(db, enc)
	keyRepo := storage.NewKeyRepository(db)
	logRepo := storage.NewLogRepository(db)
	metricRepo := storage.NewMetricsRepository(db)
	settingsRepo := storage.NewSettingsRepository(db)

	registry, err := providers.NewRegistry(context.Background(), providerRepo, norm)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var archiver logging.Archiver
	if cfg.Archive.Enabled {
		s3a, err := logging.NewS3Archiver(context.Background(), cfg.Archive.S3Bucket, cfg.Archive.S3Region, cfg.Archive.S3Prefix, cfg.Archive.NodeName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize archiver: %w", err)
		}
		archiver = s3a
	}
	sink := logging.NewSink(logRepo, logging.SinkConfig{
		QueueSize:     cfg.LogSink.QueueSize,
		BatchSize:     cfg.LogSink.BatchSize,
		FlushInterval: cfg.LogSink.FlushInterval,
	}, archiver)

	clk := clock.System()
	scorer := scoring.NewScorer(clk)

	ctx := context.Background()
	brCfg := breaker.Config{
		InitialPenalty:  time.Duration(settingsRepo.GetNumber(ctx, models.SettingInitialPenaltyMs, cfg.Dispatch.InitialPenalty.Milliseconds())) * time.Millisecond,
		MaxPenalty:      time.Duration(settingsRepo.GetNumber(ctx, models.SettingMaxPenaltyMs, cfg.Dispatch.MaxPenalty.Milliseconds())) * time.Millisecond,
		ResyncThreshold: int(settingsRepo.GetNumber(ctx, models.SettingResyncThreshold, int64(cfg.Dispatch.ResyncThreshold))),
		ResyncCooldown:  cfg.Dispatch.ResyncCooldown,
	}
	br := breaker.NewBreaker(brCfg, clk)

	syncer := providers.NewSyncer(providers.SyncerConfig{
		RequestTimeout:   cfg.Sync.RequestTimeout,
		MinGap:           cfg.Sync.MinGap,
		Concurrency:      cfg.Sync.Concurrency,
		PeriodicInterval: cfg.Sync.PeriodicInterval,
	}, registry, providerRepo, norm, sink, br)
	registry.AttachSyncer(syncer)
	registry.AttachVolatileState(scorer, br)
	br.SetResyncFunc(syncer.Request)

	syncer.StartPeriodic(func() time.Duration {
		hours := settingsRepo.GetNumber(context.Background(), models.SettingPeriodicSyncIntervalHours, 0)
		if hours > 0 {
			return time.Duration(hours) * time.Hour
		}
		return cfg.Sync.PeriodicInterval
	})

	quotaPatterns, err := proxy.LoadQuotaPatterns(cfg.Proxy.QuotaPatternsPath)
	if err != nil {
		return nil, nil, err
	}
	px := proxy.New(proxy.Config{
		ConnectTimeout: cfg.Proxy.ConnectTimeout,
		RequestTimeout: cfg.Proxy.RequestTimeout,
		StreamIdle:     cfg.Proxy.StreamIdle,
		MaxIdlePerHost: cfg.Proxy.MaxIdlePerHost,
		MaxIdleConns:   cfg.Proxy.MaxIdleConns,
		MaxBodyBytes:   cfg.Proxy.MaxBodyBytes,
		QuotaPatterns:  quotaPatterns,
	})

	m := metrics.New()
	dispatcher := dispatch.New(registry, scorer, br, px, sink, m, clk, func() int {
		return int(settingsRepo.GetNumber(context.Background(), models.SettingChatMaxRetries, int64(cfg.Dispatch.MaxRetries)))
	})

	var limiter ratelimit.Limiter
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = ratelimit.NewRedisLimiter(client, cfg.RateLimit.Max, cfg.RateLimit.Window, clk)
	} else {
		limiter = ratelimit.NewSlidingWindowLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window, cfg.RateLimit.Slots, clk)
	}

	deps := &Dependencies{
		Config:        cfg,
		DB:            db,
		Registry:      registry,
		Syncer:        syncer,
		Dispatcher:    dispatcher,
		Scorer:        scorer,
		Breaker:       br,
		Limiter:       limiter,
		Keys:          auth.NewDatabaseKeyStore(keyRepo),
		KeyRepo:       keyRepo,
		LogRepo:       logRepo,
		MetricRepo:    metricRepo,
		Settings:      settingsRepo,
		Sink:          sink,
		Metrics:       m,
		Normalizer:    norm,
		Clock:         clk,
		responseCache: gocache.New(30*time.Second, time.Minute),
	}

	mux := http.NewServeMux()
	deps.registerRoutes(mux)
	return mux, deps, nil
}

func (d *Dependencies) registerRoutes(mux *http.ServeMux) {
	rateLimit := middleware.RateLimit(d.Limiter, func() { d.Metrics.RateLimited.Inc() })
	gatewayAuth := middleware.GatewayAuth(d.Keys)
	adminAuth := middleware.AdminAuth(d.Config.HermesSecret, d.Config.JWTSecret, d.Keys)

	public := func(h http.HandlerFunc) http.Handler {
		return middleware.Trace(rateLimit(gatewayAuth(h)))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.Trace(rateLimit(adminAuth(h)))
	}

	mux.Handle("/v1/models", public(d.handleModels))
	mux.Handle("/v1/chat/completions", public(d.handleChat))

	mux.Handle("/health", middleware.Trace(http.HandlerFunc(d.handleHealth)))
	mux.Handle("/metrics", d.Metrics.Handler())

	mux.Handle("/admin/auth/token", middleware.Trace(rateLimit(http.HandlerFunc(d.handleAdminToken))))
	mux.Handle("/admin/providers", admin(d.handleAdminProviders))
	mux.Handle("/admin/providers/", admin(d.handleAdminProviderByID))
	mux.Handle("/admin/request-logs", admin(d.handleAdminRequestLogs))
	mux.Handle("/admin/sync-logs", admin(d.handleAdminSyncLogs))
	mux.Handle("/admin/metrics", admin(d.handleAdminMetrics))
	mux.Handle("/admin/keys", admin(d.handleAdminKeys))
	mux.Handle("/admin/keys/", admin(d.handleAdminKeyByID))
	mux.Handle("/admin/settings", admin(d.handleAdminSettings))
	mux.Handle("/admin/circuit-breaker", admin(d.handleAdminBreakerList))
	mux.Handle("/admin/circuit-breaker/", admin(d.handleAdminBreakerReset))
	mux.Handle("/admin/cache/invalidate", admin(d.handleAdminCacheInvalidate))
}

// Shutdown flushes the sink, stops the workers and closes the store.
func (d *Dependencies) Shutdown(ctx context.Context) {
	d.Syncer.Stop()
	_ = d.Sink.Shutdown(ctx)
	_ = d.DB.Close()
}
