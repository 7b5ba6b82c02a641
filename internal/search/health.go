package search

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
	"golang.org/x/sync/errgroup"
)

const pingTimeout = 2 * time.Second

var branchOrder = map[models.Branch]int{
	models.BranchLexical: 0,
	models.BranchVector:  1,
	models.BranchFilter:  2,
}

// Health pings every configured retriever and reports its recent latency.
func (s *Service) Health(ctx context.Context) models.HealthReport {
	branches := make([]models.Branch, 0, len(s.retrievers))
	for b := range s.retrievers {
		branches = append(branches, b)
	}
	sort.Slice(branches, func(i, j int) bool { return branchOrder[branches[i]] < branchOrder[branches[j]] })

	report := models.HealthReport{
		Retrievers: make([]models.RetrieverHealth, len(branches)),
		CheckedAt:  time.Now().UTC(),
	}
	var g errgroup.Group
	for i, b := range branches {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			err := s.retrievers[b].Ping(pctx)

			st := s.recorder.Stats(b)
			h := models.RetrieverHealth{
				Branch:      b,
				Available:   err == nil,
				LastOutcome: st.LastOutcome,
				Failures:    st.Failures,
				Samples:     st.Samples,
				P50:         st.P50,
				P95:         st.P95,
				P99:         st.P99,
			}
			if err != nil {
				h.Error = err.Error()
			}
			report.Retrievers[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// Repositories lists the repositories present in the corpus.
func (s *Service) Repositories(ctx context.Context) ([]string, error) {
	repos, err := s.Corpus.GetRepositories(ctx)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return nil, apperr.Unavailable("chunk store", err)
		}
		return nil, err
	}
	if repos == nil {
		repos = []string{}
	}
	return repos, nil
}
