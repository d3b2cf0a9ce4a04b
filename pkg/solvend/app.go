package solvend

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/SolVend/engine/internal/bot"
	"github.com/SolVend/engine/internal/circuitbreaker"
	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/httpserver"
	"github.com/SolVend/engine/internal/inventory"
	"github.com/SolVend/engine/internal/ledger"
	"github.com/SolVend/engine/internal/lifecycle"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/messenger"
	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/oracle"
	"github.com/SolVend/engine/internal/orders"
	"github.com/SolVend/engine/internal/pricing"
	"github.com/SolVend/engine/internal/scheduler"
	"github.com/SolVend/engine/internal/solana"
	"github.com/SolVend/engine/internal/storage"
	"github.com/SolVend/engine/internal/wallet"
)

// App wires the ordering engine for standalone serving or embedding.
type App struct {
	Config     *config.Config
	Store      storage.Store
	Notifier   messenger.Notifier
	Messenger  *messenger.Client
	Oracle     *oracle.Oracle
	Inventory  *inventory.Service
	Pricing    *pricing.Service
	Ledger     *ledger.Service
	Wallets    *wallet.Engine
	Orders     *orders.Coordinator
	Dispatcher *bot.Dispatcher
	Scheduler  *scheduler.Scheduler

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	notifier messenger.Notifier
	router   chi.Router
}

// WithStore sets a custom storage backend. The caller keeps ownership and
// is responsible for closing it.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithNotifier substitutes the user/operator notifier. Useful for tests
// and for embedding without a live messenger bot.
func WithNotifier(notifier messenger.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithRouter allows callers to provide an existing chi.Router to register
// routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// NewApp assembles every service of the ordering engine. Nothing starts
// running until Start is called.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("solvend: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := storage.NewStore(storage.StoreConfig{
			Backend:         cfg.Storage.Backend,
			SQLitePath:      cfg.Storage.SQLitePath,
			PostgresURL:     cfg.Storage.PostgresURL,
			PostgresPool:    cfg.Storage.PostgresPool,
			CleanupInterval: cfg.Storage.CleanupInterval.Duration,
		})
		if err != nil {
			return nil, err
		}
		app.Store = store
		app.resourceManager.Register("storage", store)
		if cfg.Storage.Backend == "memory" {
			log.Warn().Msg("solvend: in-memory store selected, state is lost on restart")
		}
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	app.metricsCollector = metricsCollector

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	app.Messenger = messenger.New(cfg.Bot, breakers, metricsCollector)
	if optState.notifier != nil {
		app.Notifier = optState.notifier
	} else {
		app.Notifier = messenger.NewNotifier(app.Messenger)
	}

	app.Oracle = oracle.New(cfg.Oracle, app.Store, breakers, metricsCollector)
	app.Pricing = pricing.NewService(app.Store)
	app.Inventory = inventory.NewService(app.Store, cfg.Payments)
	app.Ledger = ledger.NewService(app.Store, app.Inventory, app.Notifier, metricsCollector)

	chain := solana.NewClient(cfg.Solana, breakers, metricsCollector)
	app.Wallets = wallet.NewEngine(cfg.Solana, cfg.Payments, app.Store, chain, app.Oracle, app.Ledger, app.Notifier, metricsCollector)

	app.Orders = orders.NewCoordinator(cfg.Payments, app.Store, app.Inventory, app.Pricing, app.Ledger, app.Wallets, app.Messenger, app.Notifier, metricsCollector)

	// The scanner feeds settlements back to the coordinator; the coordinator
	// drives the engine for mints and sweeps, so the loop closes here.
	app.Wallets.SetSettler(app.Orders)

	app.Dispatcher = bot.NewDispatcher(cfg.Bot, app.Store, app.Messenger, metricsCollector)
	bot.RegisterStandard(app.Dispatcher, app.Orders, app.Wallets, app.Ledger)

	app.Scheduler = scheduler.New(
		scheduler.StandardJobs(cfg.Scheduler, app.Inventory, app.Orders, app.Wallets, app.Oracle, app.Notifier),
		metricsCollector,
	)

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "solvend-engine",
		Environment: cfg.Logging.Environment,
	})

	httpserver.ConfigureRouter(app.router, cfg, app.Dispatcher, metricsCollector, appLogger)

	return app, nil
}

// Start brings up the dispatcher and the background jobs, then points the
// messenger platform at the inbound endpoint. The HTTP router is passive;
// serve it with App.Handler or httpserver.New.
func (a *App) Start(ctx context.Context) {
	a.Dispatcher.Start(ctx)
	a.Scheduler.Start(ctx)
	if err := a.Messenger.RegisterWebhook(ctx); err != nil {
		log.Warn().Err(err).Msg("solvend: webhook registration failed, set it manually or restart")
	}
}

// Stop halts background work in reverse start order and waits for
// in-flight runs to finish.
func (a *App) Stop() {
	a.Scheduler.Stop()
	a.Dispatcher.Stop()
}

// Router returns the chi router with engine routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Metrics exposes the collector for callers embedding the engine.
func (a *App) Metrics() *metrics.Metrics {
	return a.metricsCollector
}

// Close releases resources owned by the app (storage, etc).
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// Config is an exported alias of the internal configuration struct for
// embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the engine.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
