package search

import (
	"strings"

	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/pkg/models"
)

// maxOffset bounds how deep a caller can page.
const maxOffset = 10000

// validate checks q and returns a copy with defaults applied.
func (s *Service) validate(q models.SearchQuery) (models.SearchQuery, error) {
	mode, err := models.ParseMode(string(q.Mode))
	if err != nil {
		return q, apperr.InvalidQuery("%v", err)
	}
	q.Mode = mode
	q.Text = strings.TrimSpace(q.Text)

	if mode == models.ModeFilter {
		if q.Filters.IsEmpty() {
			return q, apperr.InvalidQuery("filter mode requires at least one filter")
		}
	} else if q.Text == "" {
		return q, apperr.InvalidQuery("query text is empty")
	}

	f := q.Filters
	f.Language = strings.ToLower(strings.TrimSpace(f.Language))
	if f.Language != "" && !models.KnownLanguage(f.Language) {
		return q, apperr.InvalidQuery("unknown language %q", f.Language)
	}
	f.Repository = strings.TrimSpace(f.Repository)
	if len(f.Kinds) > 0 {
		kinds := make([]models.ChunkKind, 0, len(f.Kinds))
		seen := make(map[models.ChunkKind]bool)
		for _, k := range f.Kinds {
			kind, err := models.ParseChunkKind(string(k))
			if err != nil {
				return q, apperr.InvalidQuery("%v", err)
			}
			if !seen[kind] {
				seen[kind] = true
				kinds = append(kinds, kind)
			}
		}
		f.Kinds = kinds
	}
	if r := f.Complexity; r != nil {
		if (r.Min != nil && *r.Min < 0) || (r.Max != nil && *r.Max < 0) {
			return q, apperr.InvalidQuery("complexity bounds must be non-negative")
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return q, apperr.InvalidQuery("complexity min %d exceeds max %d", *r.Min, *r.Max)
		}
	}
	q.Filters = f

	switch {
	case q.Limit < 0:
		return q, apperr.InvalidQuery("limit must be non-negative")
	case q.Limit == 0:
		q.Limit = s.opts.DefaultLimit
	case q.Limit > s.opts.MaxLimit:
		q.Limit = s.opts.MaxLimit
	}
	if q.Offset < 0 {
		return q, apperr.InvalidQuery("offset must be non-negative")
	}
	if q.Offset > maxOffset {
		return q, apperr.InvalidQuery("offset exceeds %d", maxOffset)
	}

	if q.FusionK < 0 {
		return q, apperr.InvalidQuery("fusion constant must be non-negative")
	}
	if q.FusionK == 0 {
		q.FusionK = s.opts.FusionK
	}

	if len(q.Domains) == 0 {
		q.Domains = s.opts.Domains
	} else {
		domains := make([]models.Domain, 0, len(q.Domains))
		seen := make(map[models.Domain]bool)
		for _, d := range q.Domains {
			dom, err := models.ParseDomain(string(d))
			if err != nil {
				return q, apperr.InvalidQuery("%v", err)
			}
			if !seen[dom] {
				seen[dom] = true
				domains = append(domains, dom)
			}
		}
		q.Domains = domains
	}
	return q, nil
}

// candidateDepth is the per-branch candidate count for a page: the configured
// depth, grown in whole steps until it covers offset+limit. Pages inside one
// step see the same candidate pool.
func (s *Service) candidateDepth(q models.SearchQuery) int {
	step := s.opts.CandidateDepth
	need := q.Offset + q.Limit
	if need <= step {
		return step
	}
	return ((need + step - 1) / step) * step
}
