package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seanblong/hybridsearch/internal/app"
	"github.com/seanblong/hybridsearch/internal/config"
	"github.com/seanblong/hybridsearch/internal/mcpserver"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	fs := pflag.NewFlagSet("hybridsearch-mcp", pflag.ExitOnError)

	cfg, err := config.Load("", fs, os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// stdout carries the protocol; logs go to stderr.
	logger, err := app.NewLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build search service")
	}
	defer a.Close()

	srv, err := mcpserver.NewServer(a.Service, "hybridsearch", version, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create MCP server")
	}
	if err := srv.Run(ctx); err != nil {
		a.Close()
		os.Exit(1)
	}
}
