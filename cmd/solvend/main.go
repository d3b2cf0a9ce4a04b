package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/httpserver"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/pkg/solvend"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "solvend:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("SOLVEND_CONFIG"), "path to the YAML config file (optional)")
	flag.Parse()

	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "solvend-engine",
		Environment: cfg.Logging.Environment,
	})
	log.Logger = appLogger

	app, err := solvend.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("assemble services: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("app.close_failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.Start(ctx)
	defer app.Stop()

	server := httpserver.New(cfg, app.Dispatcher, app.Metrics(), appLogger)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("server.listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("server.shutdown_started")
	}

	// Stop accepting requests first; the deferred app.Stop then drains the
	// dispatcher queue and waits for running jobs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info().Msg("server.stopped")
	return nil
}
