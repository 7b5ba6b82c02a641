package store

import (
	"context"
	"errors"

	"github.com/seanblong/hybridsearch/pkg/models"
)

// ErrUnavailable marks an index that cannot serve queries right now
// (connection refused, pool closed, extension missing).
var ErrUnavailable = errors.New("corpus index unavailable")

// Filter is the subset of query filters an index can evaluate natively.
type Filter struct {
	Language   string
	Repository string
	Kinds      []models.ChunkKind
	Complexity *models.Range
}

// FilterFrom keeps the pushable part of the query filters.
func FilterFrom(f models.Filters) Filter {
	return Filter{Language: f.Language, Repository: f.Repository, Kinds: f.Kinds, Complexity: f.Complexity}
}

// LexicalOpts parameterise a text-similarity lookup.
type LexicalOpts struct {
	Filter   Filter
	MinScore float64
	Limit    int
}

// LexicalMatch is one row of a text-similarity lookup.
type LexicalMatch struct {
	ID           string
	Similarity   float64
	SourceLength int
}

// VectorMatch is one nearest neighbour. Distance is cosine distance.
type VectorMatch struct {
	ID       string
	Distance float64
}

// Corpus is the read-only surface the retrievers and the orchestrator need.
type Corpus interface {
	LexicalSearch(ctx context.Context, text string, opt LexicalOpts) ([]LexicalMatch, error)
	VectorSearch(ctx context.Context, domain models.Domain, vec []float32, k int, f Filter) ([]VectorMatch, error)
	FilterSearch(ctx context.Context, f Filter, limit int) ([]string, error)
	GetChunks(ctx context.Context, ids []string) (map[string]models.CodeChunk, error)
	GetRepositories(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// ChunkWriter is implemented by stores that can be seeded with pre-extracted chunks.
type ChunkWriter interface {
	UpsertChunk(ctx context.Context, c models.CodeChunk) error
}
