package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/osvaldoandrade/historia/internal/backoff"
	"github.com/osvaldoandrade/historia/internal/metrics"
	"github.com/osvaldoandrade/historia/internal/middleware"
	"github.com/osvaldoandrade/historia/internal/providers"
	"github.com/osvaldoandrade/historia/internal/ratelimit"
	"github.com/osvaldoandrade/historia/internal/services"
	"github.com/osvaldoandrade/historia/internal/tracing"
	"github.com/osvaldoandrade/historia/pkg/auth"
	_ "github.com/osvaldoandrade/historia/pkg/auth/jwks"   // Register JWKS auth provider
	_ "github.com/osvaldoandrade/historia/pkg/auth/static" // Register static token auth provider (dev/local)
	"github.com/osvaldoandrade/historia/pkg/config"
	"github.com/osvaldoandrade/historia/pkg/persistence"
	_ "github.com/osvaldoandrade/historia/pkg/persistence/memory"
	redisstore "github.com/osvaldoandrade/historia/pkg/persistence/redis"
	_ "github.com/osvaldoandrade/historia/pkg/persistence/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config      *config.Config
	Engine      *gin.Engine
	Logger      *slog.Logger
	TZ          *time.Location
	Redis       *redis.Client
	Store       persistence.PluginPersistence
	Validator   auth.Validator
	RateLimiter ratelimit.Limiter
	ResearchAPI providers.ResearchAPI

	Research services.ResearchService
	Status   services.StatusService
	Share    services.ShareService
	Usage    services.UsageService
	Billing  services.BillingService
	Callback services.CompletionCallbackService

	TracingShutdown func(context.Context) error
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithValidator sets a custom bearer validator
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

// WithResearchAPI replaces the Valyu client
func WithResearchAPI(api providers.ResearchAPI) ApplicationOption {
	return func(app *Application) error {
		app.ResearchAPI = api
		return nil
	}
}

// WithStore replaces the configured persistence provider
func WithStore(store persistence.PluginPersistence) ApplicationOption {
	return func(app *Application) error {
		app.Store = store
		return nil
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", tracing.ServiceName, "env", cfg.Env)
}

// needsRedis reports whether a shared client is required: the redis store
// without its own config, or any enabled rate limit bucket.
func needsRedis(cfg *config.Config) bool {
	if cfg.PersistenceProvider == "redis" && len(cfg.PersistenceConfig) == 0 {
		return true
	}
	rl := cfg.RateLimit
	for _, b := range []config.RateLimitBucketConfig{rl.Research, rl.Poll, rl.Share, rl.Webhook} {
		if ratelimit.FromConfig(b).Enabled() {
			return true
		}
	}
	return false
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	app := &Application{
		Config: cfg,
		Logger: logger,
		TZ:     loc,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if needsRedis(cfg) {
		app.Redis = providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
		app.RateLimiter = ratelimit.NewTokenBucketLimiter(app.Redis)
	}

	if app.Store == nil {
		if cfg.PersistenceProvider == "redis" && app.Redis != nil {
			app.Store = redisstore.NewPluginWithClient(app.Redis, loc)
		} else {
			store, err := persistence.NewPersistence(persistence.ProviderConfig{
				Type:   cfg.PersistenceProvider,
				Config: cfg.PersistenceConfigJSON(),
			}, persistence.PluginConfig{Timezone: loc})
			if err != nil {
				app.closeRedis()
				return nil, err
			}
			app.Store = store
		}
	}

	if app.Validator == nil && cfg.AuthProvider != "" {
		validator, err := auth.NewValidator(auth.ProviderConfig{
			Type:   cfg.AuthProvider,
			Config: cfg.AuthConfigJSON(),
		})
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.Validator = validator
	}

	if app.ResearchAPI == nil {
		app.ResearchAPI = providers.NewValyuClient(providers.ValyuConfig{
			BaseURL: cfg.ValyuBaseURL,
			APIKey:  cfg.ValyuAPIKey,
			Model:   cfg.ValyuModel,
			Timeout: time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second,
		})
	}

	shutdown, err := tracing.Setup(context.Background(), tracing.FromConfig(cfg.Tracing), logger)
	if err != nil {
		logger.Warn("tracing setup failed", "err", err)
	}
	app.TracingShutdown = shutdown

	metrics.RegisterStatusCollector(app.Store.TaskStorage(), logger)

	tasks := app.Store.TaskStorage()
	app.Callback = services.NewCompletionCallbackService(logger, services.CallbackOptions{
		URL:         cfg.CompletionWebhookURL,
		Secret:      cfg.WebhookHmacSecret,
		MaxAttempts: cfg.WebhookMaxAttempts,
		Policy: backoff.Policy{
			Name:        cfg.BackoffPolicy,
			BaseSeconds: cfg.BackoffBaseSeconds,
			MaxSeconds:  cfg.BackoffMaxSeconds,
		},
		Limiter: app.RateLimiter,
		Bucket:  ratelimit.FromConfig(cfg.RateLimit.Webhook),
	})
	reports := services.NewReportService(tasks, providers.NewLocalUploader(cfg.LocalArtifactsDir), logger)
	app.Usage = services.NewUsageService(app.Store.UsageStorage(), app.Store.AccountStorage(), cfg.Quota, loc, time.Now, logger)
	app.Status = services.NewStatusService(app.ResearchAPI, tasks, reports, app.Callback, logger)
	app.Research = services.NewResearchService(app.ResearchAPI, tasks, app.Usage, app.Status, services.RelayOptions{
		Interval: time.Duration(cfg.RelayIntervalSeconds) * time.Second,
		Budget:   time.Duration(cfg.StreamBudgetSeconds) * time.Second,
	}, logger)
	app.Share = services.NewShareService(tasks, cfg.PublicBaseURL, logger)
	app.Billing = services.NewBillingService(app.Store.AccountStorage(), services.BillingOptions{
		WebhookSecret:         cfg.PolarWebhookSecret,
		SubscriptionProductID: cfg.PolarSubscriptionProductID,
		PayPerUseProductID:    cfg.PolarPayPerUseProductID,
		SkipVerification:      cfg.PolarSkipWebhookVerification && cfg.IsDev(),
	}, logger)

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.LoggerMiddleware(logger),
		middleware.TracingMiddleware(tracing.ServiceName),
		middleware.OwnerMiddleware(app.Validator),
	)
	app.Engine = engine

	return app, nil
}

// Close waits for pending completion callbacks and releases the store.
func (a *Application) Close() error {
	if a.Callback != nil {
		a.Callback.Wait()
	}
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	a.closeRedis()
	return err
}

func (a *Application) closeRedis() {
	if a.Redis != nil {
		_ = a.Redis.Close()
		a.Redis = nil
	}
}
