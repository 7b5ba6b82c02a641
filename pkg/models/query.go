package models

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects which retrieval branches serve a query.
type Mode string

const (
	ModeHybrid  Mode = "hybrid"
	ModeLexical Mode = "lexical"
	ModeVector  Mode = "vector"
	// ModeFilter lists chunks matching the filters without any text relevance.
	ModeFilter Mode = "filter"
)

// ParseMode returns the mode named by s. An empty string means hybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeHybrid, ModeLexical, ModeVector, ModeFilter:
		return m, nil
	case "lexical-only", "keyword":
		return ModeLexical, nil
	case "vector-only", "semantic":
		return ModeVector, nil
	}
	return "", fmt.Errorf("unknown search mode %q", s)
}

// Branch identifies one retrieval strategy inside a request.
type Branch string

const (
	BranchLexical Branch = "lexical"
	BranchVector  Branch = "vector"
	BranchFilter  Branch = "filter"
)

// Branches returns the retrieval branches a mode dispatches.
func (m Mode) Branches() []Branch {
	switch m {
	case ModeHybrid:
		return []Branch{BranchLexical, BranchVector}
	case ModeLexical:
		return []Branch{BranchLexical}
	case ModeVector:
		return []Branch{BranchVector}
	case ModeFilter:
		return []Branch{BranchFilter}
	}
	return nil
}

// Range is an inclusive integer range. A nil bound is open.
type Range struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

// Contains reports whether v lies within the range.
func (r *Range) Contains(v int) bool {
	if r == nil {
		return true
	}
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// Filters are the structural constraints of a query.
type Filters struct {
	Language   string      `json:"language,omitempty"`
	Repository string      `json:"repository,omitempty"`
	Kinds      []ChunkKind `json:"kinds,omitempty"`
	Complexity *Range      `json:"complexity,omitempty"`
}

// IsEmpty reports whether no filter is set.
func (f Filters) IsEmpty() bool {
	return f.Language == "" && f.Repository == "" && len(f.Kinds) == 0 && f.Complexity == nil
}

// Match reports whether the chunk satisfies every filter.
func (f Filters) Match(c CodeChunk) bool {
	if f.Language != "" && !strings.EqualFold(c.Language, f.Language) {
		return false
	}
	if f.Repository != "" && c.Repository != f.Repository {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if c.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return f.Complexity.Contains(c.Metadata.Complexity)
}

// SearchQuery is an immutable search request.
type SearchQuery struct {
	Text    string   `json:"text"`
	Mode    Mode     `json:"mode"`
	Filters Filters  `json:"filters"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
	FusionK int      `json:"fusion_k,omitempty"` // 0 uses the configured constant
	Domains []Domain `json:"domains,omitempty"`  // empty uses the configured domains
}

// BranchScore is a hit's provenance within one branch.
type BranchScore struct {
	Rank  int     `json:"rank"`
	Score float64 `json:"score"`
}

// Hit is a fused result projected onto display fields.
type Hit struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	Path       string                 `json:"path"`
	Repository string                 `json:"repository"`
	Language   string                 `json:"language"`
	Kind       ChunkKind              `json:"kind"`
	LineStart  int                    `json:"line_start"`
	LineEnd    int                    `json:"line_end"`
	Snippet    string                 `json:"snippet"`
	Score      float64                `json:"score"`
	Breakdown  map[Branch]BranchScore `json:"breakdown"`
}

// SearchResponse is the result of one query.
type SearchResponse struct {
	Hits          []Hit                    `json:"hits"`
	TotalEstimate int                      `json:"total_estimate"`
	Mode          Mode                     `json:"mode"`
	Limit         int                      `json:"limit"`
	Offset        int                      `json:"offset"`
	Partial       bool                     `json:"partial"`
	Degraded      []Branch                 `json:"degraded,omitempty"`
	Latency       map[Branch]time.Duration `json:"latency"`
	Took          time.Duration            `json:"took"`
}

// RetrieverHealth is the operational state of one branch.
type RetrieverHealth struct {
	Branch      Branch        `json:"branch"`
	Available   bool          `json:"available"`
	Error       string        `json:"error,omitempty"`
	LastOutcome string        `json:"last_outcome,omitempty"`
	Failures    int64         `json:"failures"`
	Samples     int           `json:"samples"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
}

// HealthReport summarises every configured retriever.
type HealthReport struct {
	Retrievers []RetrieverHealth `json:"retrievers"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Healthy reports whether every retriever is available.
func (h HealthReport) Healthy() bool {
	for _, r := range h.Retrievers {
		if !r.Available {
			return false
		}
	}
	return true
}
