package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/campusmart/server/internal/config"
	"github.com/campusmart/server/internal/httpserver"
	"github.com/campusmart/server/pkg/campusmart"
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CAMPUSMART_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("server.config_invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := campusmart.NewApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("server.init_failed")
	}
	appLog := app.Logger

	srv := httpserver.New(cfg, app.Handler())
	errCh := make(chan error, 1)
	go func() {
		appLog.Info().
			Str("address", cfg.Server.Address).
			Str("storage", cfg.Storage.Backend).
			Str("mpesa_environment", cfg.Mpesa.Environment).
			Msg("server.listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		appLog.Info().Msg("server.shutdown_requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error().Err(err).Msg("server.listen_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error().Err(err).Msg("server.shutdown_failed")
	}
	if err := app.Close(); err != nil {
		appLog.Error().Err(err).Msg("server.close_failed")
		os.Exit(1)
	}
	appLog.Info().Msg("server.stopped")
}
