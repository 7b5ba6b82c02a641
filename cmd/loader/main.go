package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seanblong/hybridsearch/internal/ai"
	"github.com/seanblong/hybridsearch/internal/app"
	"github.com/seanblong/hybridsearch/internal/config"
	"github.com/seanblong/hybridsearch/internal/loader"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("hybridsearch-loader", pflag.ExitOnError)
	workers := fs.Int("workers", 0, "Concurrent dump readers (0 = number of CPUs, at most 8)")

	cfg, err := config.Load("", fs, os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	logger, err := app.NewLogger(cfg.LogLevel, os.Stdout)
	if err != nil {
		log.Fatal(err)
	}

	root := cfg.Fixtures
	if fs.NArg() > 0 {
		root = fs.Arg(0)
	}
	if root == "" {
		logger.Fatal().Msg("a dump directory is required (--fixtures or first argument)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dim := cfg.Dim
	if dim <= 0 {
		emb, err := ai.NewEmbedder(ctx, app.ClientConfig(cfg))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create embedder")
		}
		dim = emb.Dim()
	}
	if dim <= 0 {
		logger.Fatal().Msg("embedding dimension must be set")
	}

	// The memory store only validates the dumps; it is not persisted.
	cfg.Fixtures = ""
	st, err := app.OpenStore(ctx, cfg, dim)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	l := loader.New(st, root, dim)
	l.Workers = *workers
	stats, err := l.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Int64("chunks", stats.Chunks).Msg("load failed")
		st.Close()
		os.Exit(1)
	}
	logger.Info().
		Str("store", cfg.Store).
		Int64("files", stats.Files).
		Int64("chunks", stats.Chunks).
		Int64("skipped", stats.Skipped).
		Msg("dumps loaded")
}
