package retriever

import (
	"context"

	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
)

// Filter lists chunks that satisfy the structural filters, in repository,
// path and line order. It ignores the query text.
type Filter struct {
	corpus store.Corpus
}

func NewFilter(corpus store.Corpus) *Filter {
	return &Filter{corpus: corpus}
}

func (f *Filter) Branch() models.Branch { return models.BranchFilter }

func (f *Filter) Search(ctx context.Context, req Request) ([]models.RankedHit, error) {
	if req.Limit <= 0 {
		return []models.RankedHit{}, nil
	}
	ids, err := f.corpus.FilterSearch(ctx, store.FilterFrom(req.Filters), req.Limit)
	if err != nil {
		return nil, storeError("chunk table", err)
	}
	hits := make([]models.RankedHit, len(ids))
	for i, id := range ids {
		hits[i] = models.RankedHit{ID: id, Rank: i + 1, Score: 1}
	}
	return hits, nil
}

func (f *Filter) Ping(ctx context.Context) error {
	return f.corpus.Ping(ctx)
}
