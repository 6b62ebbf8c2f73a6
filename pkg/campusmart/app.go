package campusmart

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/campusmart/server/internal/circuitbreaker"
	"github.com/campusmart/server/internal/config"
	"github.com/campusmart/server/internal/httpserver"
	"github.com/campusmart/server/internal/idempotency"
	"github.com/campusmart/server/internal/lifecycle"
	"github.com/campusmart/server/internal/logger"
	"github.com/campusmart/server/internal/marketplace"
	"github.com/campusmart/server/internal/metrics"
	"github.com/campusmart/server/internal/mpesa"
	"github.com/campusmart/server/internal/payments"
	"github.com/campusmart/server/internal/storage"
)

// App wires the marketplace components for reuse or standalone serving.
type App struct {
	Config      *config.Config
	Store       storage.Store
	Gateway     payments.Gateway
	Breaker     *circuitbreaker.Manager
	Payments    *payments.Service
	Marketplace *marketplace.Service
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger

	router          chi.Router
	resourceManager *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store      storage.Store
	gateway    payments.Gateway
	router     chi.Router
	registerer prometheus.Registerer
	logger     *zerolog.Logger
}

// WithStore sets a custom storage backend. The caller keeps ownership of it.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithGateway injects a payment gateway instead of the Daraja client.
func WithGateway(gateway payments.Gateway) Option {
	return func(o *options) {
		o.gateway = gateway
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegisterer registers metrics somewhere other than the default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithLogger overrides the logger built from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// NewApp assembles the marketplace services. On error every resource opened so far is released.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("campusmart: config required")
	}

	optState := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "campusmart-server",
		Environment: cfg.Logging.Environment,
	})
	if optState.logger != nil {
		appLogger = *optState.logger
	}

	app = &App{
		Config:          cfg,
		Logger:          appLogger,
		Metrics:         metrics.New(optState.registerer),
		resourceManager: lifecycle.NewManager(appLogger),
	}
	resources := app.resourceManager
	defer func() {
		if err != nil {
			_ = resources.Close()
		}
	}()

	if optState.store != nil {
		app.Store = optState.store
	} else {
		app.Store, err = storage.NewStore(ctx, storage.StoreConfigFrom(cfg.Storage, app.Metrics))
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		app.resourceManager.Register("storage", app.Store)
		if cfg.Storage.Backend == "memory" {
			appLogger.Warn().Msg("campusmart.memory_store: do not use this backend in production")
		}
	}

	app.Breaker = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, appLogger)

	if optState.gateway != nil {
		app.Gateway = optState.gateway
	} else {
		tokens, closeTokens, err := mpesa.NewTokenCacheFromConfig(ctx, cfg.Mpesa.TokenCache, cfg.Mpesa.Shortcode)
		if err != nil {
			return nil, fmt.Errorf("init token cache: %w", err)
		}
		app.resourceManager.RegisterFunc("mpesa-token-cache", closeTokens)

		client, err := mpesa.NewClient(
			mpesa.ConfigFrom(cfg.Mpesa, cfg.Server.RoutePrefix),
			mpesa.WithBreaker(app.Breaker),
			mpesa.WithTokenCache(tokens),
			mpesa.WithMetrics(app.Metrics),
			mpesa.WithLogger(appLogger),
		)
		if err != nil {
			return nil, fmt.Errorf("init mpesa client: %w", err)
		}
		app.Gateway = client
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	app.Payments = payments.NewService(app.Store, app.Gateway, payments.FeesFromConfig(cfg.Fees),
		payments.WithMetrics(app.Metrics),
		payments.WithLogger(appLogger),
		payments.WithValidator(validate),
	)
	app.Marketplace = marketplace.NewService(app.Store, validate, appLogger)

	replays := idempotency.NewMemoryStore()
	app.resourceManager.Register("idempotency", replays)

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, app.Payments, app.Marketplace, app.Store, replays, app.Breaker, app.Metrics, appLogger)

	return app, nil
}

// Router returns the chi router with the marketplace routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources owned by the app (store, token cache).
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(ctx context.Context, cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the marketplace.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
