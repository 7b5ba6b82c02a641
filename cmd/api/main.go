package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/seanblong/hybridsearch/internal/api"
	"github.com/seanblong/hybridsearch/internal/app"
	"github.com/seanblong/hybridsearch/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("hybridsearch-api", pflag.ExitOnError)

	cfg, err := config.Load("", fs, os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	logger, err := app.NewLogger(cfg.LogLevel, os.Stdout)
	if err != nil {
		log.Fatal(err)
	}
	logger.Info().
		Str("provider", cfg.Provider).
		Str("store", cfg.Store).
		Str("log_level", cfg.LogLevel).
		Bool("auth_enabled", cfg.Auth.Enabled).
		Msg("starting hybridsearch api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build search service")
	}
	defer a.Close()

	srv := api.NewServer(a.Service, a.Verifier, prometheus.DefaultGatherer, logger)
	s := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("api server stopped")
		a.Close()
		os.Exit(1)
	}
	logger.Info().Msg("api server stopped")
}
