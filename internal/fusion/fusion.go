// Package fusion merges ranked lists with Reciprocal Rank Fusion.
//
//	score(d) = Σ 1 / (k + rank_i(d))
//
// summed over the lists that contain d. A list that does not contain d adds
// nothing. Fusion works on ranks only, so retriever-local scores never need to
// be comparable.
package fusion

import (
	"sort"

	"github.com/seanblong/hybridsearch/pkg/models"
)

// DefaultK is the RRF smoothing constant.
const DefaultK = 60

// Fuse combines any number of ranked lists into one ranking sorted by fused
// score descending, ties broken by ascending ID. k <= 0 uses DefaultK.
// Fuse does not modify its inputs and is safe for concurrent use.
func Fuse(lists [][]models.RankedHit, k int) []models.FusedHit {
	if k <= 0 {
		k = DefaultK
	}

	byID := make(map[string]*models.FusedHit)
	order := make([]string, 0)
	for li, list := range lists {
		for _, h := range list {
			if h.Rank <= 0 {
				continue
			}
			f, ok := byID[h.ID]
			if !ok {
				f = &models.FusedHit{ID: h.ID, Ranks: make([]int, len(lists))}
				byID[h.ID] = f
				order = append(order, h.ID)
			}
			// An id listed twice in one list keeps its best rank.
			if f.Ranks[li] != 0 && f.Ranks[li] <= h.Rank {
				continue
			}
			f.Ranks[li] = h.Rank
		}
	}

	out := make([]models.FusedHit, 0, len(order))
	for _, id := range order {
		f := byID[id]
		// Sum in list order so the float result never depends on map iteration.
		for _, r := range f.Ranks {
			if r > 0 {
				f.Score += 1 / float64(k+r)
			}
		}
		out = append(out, *f)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
