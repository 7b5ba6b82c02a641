package search

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/internal/retriever"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
)

const (
	minHydrateBatch = 32
	snippetLines    = 6
	snippetChars    = 400
)

// hydrate walks the fused ranking in batches, loading chunk records and
// applying the filters the indexes could not evaluate. Ids without a record
// are skipped and later candidates move up to fill the page. The walk stops
// once the page is full; the estimate then counts the unvisited candidates.
func (s *Service) hydrate(ctx context.Context, logger zerolog.Logger, q models.SearchQuery, fused []models.FusedHit, ok []retriever.Outcome) ([]models.Hit, int, error) {
	want := q.Offset + q.Limit
	batch := want
	if batch < minHydrateBatch {
		batch = minHydrateBatch
	}

	kept := make([]models.FusedHit, 0, want)
	chunks := make(map[string]models.CodeChunk, want)
	gaps := 0
	next := 0
	for next < len(fused) && len(kept) < want {
		end := next + batch
		if end > len(fused) {
			end = len(fused)
		}
		ids := make([]string, 0, end-next)
		for _, h := range fused[next:end] {
			ids = append(ids, h.ID)
		}

		got, err := s.Corpus.GetChunks(ctx, ids)
		if err != nil {
			return nil, 0, hydrateError(ctx, err)
		}

		for _, h := range fused[next:end] {
			next++
			c, found := got[h.ID]
			if !found {
				gaps++
				logger.Debug().Str("id", h.ID).Msg("hydration gap")
				continue
			}
			if !q.Filters.Match(c) {
				continue
			}
			kept = append(kept, h)
			chunks[h.ID] = c
			if len(kept) == want {
				break
			}
		}
	}
	s.recorder.ObserveHydrationGaps(gaps)

	total := len(kept) + (len(fused) - next)

	page := []models.Hit{}
	if q.Offset < len(kept) {
		for _, h := range kept[q.Offset:] {
			page = append(page, toHit(h, chunks[h.ID], ok))
		}
	}
	return page, total, nil
}

func hydrateError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return apperr.Timeout(ctx.Err())
	}
	if errors.Is(err, store.ErrUnavailable) {
		return apperr.Unavailable("chunk store", err)
	}
	return apperr.New(apperr.CodeInternal, "load chunks", err)
}

func toHit(h models.FusedHit, c models.CodeChunk, ok []retriever.Outcome) models.Hit {
	breakdown := make(map[models.Branch]models.BranchScore, len(ok))
	for i, r := range h.Ranks {
		if r == 0 || i >= len(ok) {
			continue
		}
		hits := ok[i].Hits
		bs := models.BranchScore{Rank: r}
		// Ranks are contiguous, so the hit sits at r-1.
		if r-1 < len(hits) && hits[r-1].ID == h.ID {
			bs.Score = hits[r-1].Score
		}
		breakdown[ok[i].Branch] = bs
	}
	return models.Hit{
		ID:         c.ID,
		Name:       c.Name,
		Path:       c.Path,
		Repository: c.Repository,
		Language:   c.Language,
		Kind:       c.Kind,
		LineStart:  c.LineStart,
		LineEnd:    c.LineEnd,
		Snippet:    snippet(c.Source),
		Score:      h.Score,
		Breakdown:  breakdown,
	}
}

// snippet keeps the first few lines of source.
func snippet(src string) string {
	lines := strings.Split(strings.Trim(src, "\n"), "\n")
	if len(lines) > snippetLines {
		lines = lines[:snippetLines]
	}
	out := strings.Join(lines, "\n")
	if len(out) > snippetChars {
		cut := snippetChars
		for cut > 0 && !isRuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "…"
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
