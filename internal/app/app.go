// Package app builds the search stack from configuration. The HTTP, MCP and
// loader commands share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/hybridsearch/internal/ai"
	"github.com/seanblong/hybridsearch/internal/auth"
	"github.com/seanblong/hybridsearch/internal/config"
	"github.com/seanblong/hybridsearch/internal/loader"
	"github.com/seanblong/hybridsearch/internal/memstore"
	"github.com/seanblong/hybridsearch/internal/metrics"
	"github.com/seanblong/hybridsearch/internal/retriever"
	"github.com/seanblong/hybridsearch/internal/search"
	"github.com/seanblong/hybridsearch/internal/store"
)

// NewLogger builds the process logger and installs it as the global one.
func NewLogger(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

// Backend is an opened chunk store.
type Backend interface {
	store.Corpus
	store.ChunkWriter
	Dim() int
	Close()
}

// ClientConfig maps the provider settings onto an embedder config.
func ClientConfig(cfg config.Specification) *ai.ClientConfig {
	return &ai.ClientConfig{
		APIKey:         cfg.APIKey,
		EmbedModel:     cfg.EmbedModel,
		CodeEmbedModel: cfg.CodeEmbedModel,
		Dim:            cfg.Dim,
		ProjectID:      cfg.ProjectID,
		Provider:       ai.Provider(cfg.Provider),
		Location:       cfg.Location,
		BaseURL:        cfg.BaseURL,
		CacheSize:      cfg.CacheSize,
	}
}

// OpenStore opens the configured backend. Postgres schemas are migrated;
// a memory store with a fixtures directory is seeded from it.
func OpenStore(ctx context.Context, cfg config.Specification, dim int) (Backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		mem := memstore.New(dim)
		if cfg.Fixtures != "" {
			stats, err := loader.New(mem, cfg.Fixtures, dim).Run(ctx)
			if err != nil {
				mem.Close()
				return nil, fmt.Errorf("load fixtures: %w", err)
			}
			log.Info().Int64("chunks", stats.Chunks).Str("fixtures", cfg.Fixtures).Msg("memory store seeded")
		}
		return mem, nil

	case config.StorePostgres:
		st, err := store.New(ctx, cfg.Database, dim)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unsupported store: %s", cfg.Store)
}

// App is the assembled search stack.
type App struct {
	Service  *search.Service
	Verifier *auth.Verifier
	Embedder ai.Embedder
	Backend  Backend
}

// Options tune Build.
type Options struct {
	// Metrics receives the Prometheus collectors; nil uses the global registry.
	Metrics *metrics.Metrics
}

// Build wires the embedder, store, retrievers and search service.
func Build(ctx context.Context, cfg config.Specification, opts Options) (*App, error) {
	domains, err := cfg.SearchDomains()
	if err != nil {
		return nil, err
	}

	emb, err := ai.NewEmbedder(ctx, ClientConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	dim := cfg.Dim
	if dim <= 0 {
		dim = emb.Dim()
	}
	if dim <= 0 {
		return nil, errors.New("embedding dimension must be set")
	}
	log.Info().Str("provider", cfg.Provider).Int("embedding_dim", dim).Msg("embedder initialized")

	backend, err := OpenStore(ctx, cfg, dim)
	if err != nil {
		return nil, err
	}

	v, err := auth.NewVerifier(cfg.Auth.JwtSecret, cfg.Auth.Issuer, cfg.Auth.Enabled)
	if err != nil {
		backend.Close()
		return nil, err
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	rs := []retriever.Retriever{
		retriever.NewLexical(backend, cfg.Search.LexicalFloor),
		retriever.NewVector(backend, emb, dim, domains),
		retriever.NewFilter(backend),
	}
	svc, err := search.NewService(backend, rs, search.Options{
		FusionK:        cfg.Search.RRFConstant,
		BranchTimeout:  cfg.Search.BranchTimeout,
		RequestTimeout: cfg.Search.RequestTimeout,
		DefaultLimit:   cfg.Search.DefaultLimit,
		MaxLimit:       cfg.Search.MaxLimit,
		CandidateDepth: cfg.Search.CandidateDepth,
		Domains:        domains,
	}, metrics.NewRecorder(m, 0))
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &App{Service: svc, Verifier: v, Embedder: emb, Backend: backend}, nil
}

// Close releases the store.
func (a *App) Close() {
	if a.Backend != nil {
		a.Backend.Close()
	}
}

// ShutdownTimeout bounds graceful shutdown of the servers.
const ShutdownTimeout = 10 * time.Second
