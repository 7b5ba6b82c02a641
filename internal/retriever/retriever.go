// Package retriever holds the independent retrieval branches and the fan-out
// that runs them side by side.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
)

// Request is what every branch receives. Branches ignore fields they do not use.
type Request struct {
	Text    string
	Filters models.Filters
	Limit   int
	Domains []models.Domain
}

// Retriever produces one ranked candidate list. Ranks are contiguous from 1.
type Retriever interface {
	Branch() models.Branch
	Search(ctx context.Context, req Request) ([]models.RankedHit, error)
	Ping(ctx context.Context) error
}

// storeError maps a corpus failure onto the error taxonomy. Context errors
// pass through untouched so the fan-out can tell timeouts apart.
func storeError(what string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, store.ErrUnavailable):
		return apperr.Unavailable(what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

type scored struct {
	id    string
	score float64
}

// rank sorts by the given order and assigns 1-based ranks.
func rank(items []scored, limit int, less func(a, b scored) bool) []models.RankedHit {
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]models.RankedHit, len(items))
	for i, it := range items {
		out[i] = models.RankedHit{ID: it.id, Rank: i + 1, Score: it.score}
	}
	return out
}
