package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/campusmart/server/internal/circuitbreaker"
	"github.com/campusmart/server/internal/config"
	"github.com/campusmart/server/internal/idempotency"
	"github.com/campusmart/server/internal/logger"
	"github.com/campusmart/server/internal/marketplace"
	"github.com/campusmart/server/internal/metrics"
	"github.com/campusmart/server/internal/mpesa"
	"github.com/campusmart/server/internal/payments"
	"github.com/campusmart/server/internal/ratelimit"
	"github.com/campusmart/server/internal/storage"
)

var (
	serverStartTime = time.Now()
)

// Server is the HTTP listener with the configured timeouts.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	cfg         *config.Config
	payments    *payments.Service
	marketplace *marketplace.Service
	store       storage.Store           // Pinged by the health check
	breaker     *circuitbreaker.Manager // Reported by the health check
	metrics     *metrics.Metrics
}

// New wraps a router built by ConfigureRouter in an http.Server.
func New(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// ConfigureRouter attaches the marketplace routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, paymentsSvc *payments.Service, marketSvc *marketplace.Service, store storage.Store, replays idempotency.Store, breaker *circuitbreaker.Manager, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:         cfg,
		payments:    paymentsSvc,
		marketplace: marketSvc,
		store:       store,
		breaker:     breaker,
		metrics:     metricsCollector,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", ratelimit.UserHeader, idempotency.HeaderKey},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// logger.Middleware owns X-Request-ID: it honours an inbound id or mints one.
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	prefix := cfg.Server.RoutePrefix

	// Provider callbacks are unauthenticated and must never be throttled per user or IP.
	rateLimitCfg := ratelimit.ConfigFrom(cfg.RateLimit, []string{prefix + "/mpesa/callback/"}, metricsCollector)
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.UserLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Lightweight endpoints with 5s timeout (health, metrics, catalog reads)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())

		r.Get(prefix+"/categories", handler.listCategories)
		r.Get(prefix+"/products", handler.listProducts)
		r.Get(prefix+"/products/fast-moving", handler.listFastMoving)
		r.Get(prefix+"/products/{productID}", handler.getProduct)
		r.Get(prefix+"/products/{productID}/contact", handler.productContact)

		r.Get(prefix+"/me/products", handler.myProducts)
		r.Post(prefix+"/me/products/{productID}/sold", handler.markSold)
		r.Patch(prefix+"/me/products/{productID}", handler.editProduct)
		r.Delete(prefix+"/me/products/{productID}", handler.deleteProduct)

		r.Get(prefix+"/notifications", handler.listNotifications)
		r.Get(prefix+"/notifications/unread-count", handler.unreadCount)
		r.Post(prefix+"/notifications/read-all", handler.markAllRead)
		r.Post(prefix+"/notifications/{notificationID}/read", handler.markRead)
	})

	// Payment endpoints wait on the M-Pesa gateway, so they get a longer budget.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(paymentTimeout(cfg)))

		// A retried initiation with the same Idempotency-Key must not push a second prompt.
		initiate := r.With()
		if replays != nil {
			initiate = r.With(idempotency.Middleware(replays, cfg.Server.IdempotencyTTL.Duration, ratelimit.UserHeader))
		}
		initiate.Post(prefix+"/listings", handler.initiateListing)
		initiate.Post(prefix+"/products/{productID}/unlock", handler.initiateUnlock)
		r.Get(prefix+"/payments/{kind}/{checkoutRequestID}/status", handler.paymentStatus)

		// Callback URLs are registered with the provider per push; keep them stable.
		r.Post(prefix+mpesa.CallbackPathListing, handler.mpesaCallback(payments.KindListing))
		r.Post(prefix+mpesa.CallbackPathUnlock, handler.mpesaCallback(payments.KindUnlock))
	})
}

// paymentTimeout leaves room for one gateway call plus the database work around it.
func paymentTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Mpesa.Timeout.Duration; d > 0 {
		return d + 15*time.Second
	}
	return 60 * time.Second
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
