package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/hybridsearch/internal/ai"
	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Vector ranks chunks by cosine distance between the query embedding and
// each chunk's embedding, over one or more embedding domains.
type Vector struct {
	corpus   store.Corpus
	embedder ai.Embedder
	dim      int
	domains  []models.Domain
	logger   zerolog.Logger
}

// NewVector creates the vector branch. dim is the corpus dimensionality; query
// vectors of any other length are rejected. domains are used when a request
// names none.
func NewVector(corpus store.Corpus, embedder ai.Embedder, dim int, domains []models.Domain) *Vector {
	if len(domains) == 0 {
		domains = models.AllDomains
	}
	return &Vector{
		corpus:   corpus,
		embedder: embedder,
		dim:      dim,
		domains:  domains,
		logger:   log.With().Str("branch", string(models.BranchVector)).Logger(),
	}
}

func (v *Vector) Branch() models.Branch { return models.BranchVector }

type domainResult struct {
	skipped bool
	matches []store.VectorMatch
}

func (v *Vector) Search(ctx context.Context, req Request) ([]models.RankedHit, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" || req.Limit <= 0 {
		return []models.RankedHit{}, nil
	}
	domains := req.Domains
	if len(domains) == 0 {
		domains = v.domains
	}

	filter := store.FilterFrom(req.Filters)
	results := make([]domainResult, len(domains))
	var g errgroup.Group
	for i, d := range domains {
		g.Go(func() error {
			vec, err := v.embedder.Embed(ctx, text, d)
			if errors.Is(err, ai.ErrEmbeddingUnavailable) {
				v.logger.Warn().Err(err).Str("domain", string(d)).Msg("embedding model unavailable, skipping domain")
				results[i].skipped = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("embed %s query: %w", d, err)
			}
			if len(vec) != v.dim {
				return apperr.DimensionMismatch(v.dim, len(vec))
			}

			matches, err := v.corpus.VectorSearch(ctx, d, vec, req.Limit, filter)
			if err != nil {
				return storeError("vector index", err)
			}
			results[i].matches = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := make(map[string]float64)
	served := 0
	for _, r := range results {
		if r.skipped {
			continue
		}
		served++
		for _, m := range r.matches {
			if d, ok := best[m.ID]; !ok || m.Distance < d {
				best[m.ID] = m.Distance
			}
		}
	}
	if served == 0 {
		return nil, apperr.Unavailable("embedding models", ai.ErrEmbeddingUnavailable)
	}

	items := make([]scored, 0, len(best))
	for id, d := range best {
		items = append(items, scored{id: id, score: 1 - d})
	}
	// Higher similarity is smaller distance.
	hits := rank(items, req.Limit, func(a, b scored) bool {
		if a.score != b.score {
			return a.score > b.score
		}
		return a.id < b.id
	})
	v.logger.Debug().Int("hits", len(hits)).Int("domains", served).Msg("vector search complete")
	return hits, nil
}

func (v *Vector) Ping(ctx context.Context) error {
	return v.corpus.Ping(ctx)
}
