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

	"github.com/SolVend/engine/internal/bot"
	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/ratelimit"
)

var (
	serverStartTime = time.Now()
)

// Dispatcher accepts decoded messenger updates for asynchronous handling.
// Implemented by bot.Dispatcher.
type Dispatcher interface {
	Ready() bool
	Submit(u bot.Update) bool
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg        *config.Config
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, dispatcher Dispatcher, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:        cfg,
			dispatcher: dispatcher,
			metrics:    metricsCollector,
			logger:     appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, dispatcher, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches the webhook surface to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, dispatcher Dispatcher, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:        cfg,
		dispatcher: dispatcher,
		metrics:    metricsCollector,
		logger:     appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Rate limiting applied globally. The messenger platform is the main
	// caller; per-IP limiting catches everything else.
	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Lightweight endpoints with a short timeout (probes, banner, metrics).
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/", handler.banner)
		r.Get("/health", handler.health)
		r.Handle("/metrics", promhttp.Handler())
	})

	// Update ingestion. Handlers only enqueue, so the budget covers slow
	// request bodies rather than any downstream work.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Post("/telegram/{token}", handler.telegramWebhook)
		r.Post("/webhook", handler.legacyWebhook)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
