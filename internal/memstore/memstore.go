// Package memstore is an in-process corpus for development servers and tests.
// Text similarity uses pg_trgm-style trigrams; nearest-neighbour search uses
// an HNSW graph per embedding domain.
package memstore

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/coder/hnsw"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
)

type indexEntry struct {
	id         string
	repository string
	path       string
	language   string
	kind       models.ChunkKind
	lineStart  int
	complexity int
	srcLen     int
	srcTri     map[string]struct{}
	nameTri    map[string]struct{}
}

func (e *indexEntry) match(f store.Filter) bool {
	if f.Repository != "" && e.repository != f.Repository {
		return false
	}
	if f.Language != "" && !strings.EqualFold(e.language, f.Language) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.kind) {
		return false
	}
	return f.Complexity.Contains(e.complexity)
}

// Store holds chunk records and the indexes built over them. Records and
// index entries are kept apart: DeleteChunk drops the record only, which is
// how a stale index looks to the search path.
type Store struct {
	mu      sync.RWMutex
	dim     int
	chunks  map[string]models.CodeChunk
	entries map[string]*indexEntry
	graphs  map[models.Domain]*hnsw.Graph[uint64]
	keys    map[models.Domain]map[string]uint64
	ids     map[uint64]string
	nextKey uint64
	closed  bool
}

var (
	_ store.Corpus      = (*Store)(nil)
	_ store.ChunkWriter = (*Store)(nil)
)

// New creates an empty store for vectors of the given dimensionality.
func New(dim int) *Store {
	s := &Store{
		dim:     dim,
		chunks:  make(map[string]models.CodeChunk),
		entries: make(map[string]*indexEntry),
		graphs:  make(map[models.Domain]*hnsw.Graph[uint64]),
		keys:    make(map[models.Domain]map[string]uint64),
		ids:     make(map[uint64]string),
	}
	for _, d := range models.AllDomains {
		g := hnsw.NewGraph[uint64]()
		g.Distance = hnsw.CosineDistance
		g.M = 16
		g.EfSearch = 64
		s.graphs[d] = g
		s.keys[d] = make(map[string]uint64)
	}
	return s
}

// Dim returns the corpus embedding dimensionality.
func (s *Store) Dim() int { return s.dim }

// UpsertChunk stores the record and (re)indexes it.
func (s *Store) UpsertChunk(ctx context.Context, c models.CodeChunk) error {
	for _, d := range models.AllDomains {
		if v := c.Embedding(d); v != nil && len(v) != s.dim {
			return fmt.Errorf("chunk %s %s embedding: expected %d dimensions, got %d", c.ID, d, s.dim, len(v))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}

	s.chunks[c.ID] = c
	s.entries[c.ID] = &indexEntry{
		id:         c.ID,
		repository: c.Repository,
		path:       c.Path,
		language:   c.Language,
		kind:       c.Kind,
		lineStart:  c.LineStart,
		complexity: c.Metadata.Complexity,
		srcLen:     len(c.Source),
		srcTri:     trigrams(store.NormalizeText(c.Source)),
		nameTri:    trigrams(store.NormalizeText(c.Name)),
	}

	for _, d := range models.AllDomains {
		// Old graph nodes are orphaned rather than deleted; their keys no
		// longer resolve to an id.
		if old, ok := s.keys[d][c.ID]; ok {
			delete(s.ids, old)
			delete(s.keys[d], c.ID)
		}
		v := c.Embedding(d)
		if v == nil {
			continue
		}
		key := s.nextKey
		s.nextKey++
		s.graphs[d].Add(hnsw.MakeNode(key, normalized(v)))
		s.keys[d][c.ID] = key
		s.ids[key] = c.ID
	}
	return nil
}

// DeleteChunk removes the chunk record but leaves its index entries behind.
func (s *Store) DeleteChunk(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, id)
}

// Close makes every subsequent call fail with store.ErrUnavailable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Len returns the number of chunk records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *Store) LexicalSearch(ctx context.Context, text string, opt store.LexicalOpts) ([]store.LexicalMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}

	q := trigrams(store.NormalizeText(text))
	if len(q) == 0 || opt.Limit <= 0 {
		return []store.LexicalMatch{}, nil
	}

	out := []store.LexicalMatch{}
	for _, e := range s.entries {
		if !e.match(opt.Filter) {
			continue
		}
		sim := math.Max(coverage(q, e.srcTri), similarity(q, e.nameTri))
		if sim <= 0 || sim < opt.MinScore {
			continue
		}
		out = append(out, store.LexicalMatch{ID: e.id, Similarity: sim, SourceLength: e.srcLen})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].SourceLength != out[j].SourceLength {
			return out[i].SourceLength < out[j].SourceLength
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > opt.Limit {
		out = out[:opt.Limit]
	}
	return out, nil
}

func (s *Store) VectorSearch(ctx context.Context, domain models.Domain, vec []float32, k int, f store.Filter) ([]store.VectorMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	g, ok := s.graphs[domain]
	if !ok {
		return nil, fmt.Errorf("unknown embedding domain %q", domain)
	}
	if len(vec) != s.dim {
		return nil, fmt.Errorf("query vector: expected %d dimensions, got %d", s.dim, len(vec))
	}
	if k <= 0 || g.Len() == 0 {
		return []store.VectorMatch{}, nil
	}

	// Oversample so post-search filtering and orphaned nodes still leave k
	// hits; widen the search until it does or the graph is exhausted.
	n := g.Len()
	want := min(k*4+16, n)
	q := normalized(vec)
	var out []store.VectorMatch
	for {
		out = s.collect(g.Search(q, want), q, f)
		if len(out) >= k || want >= n {
			break
		}
		want = min(want*2, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *Store) collect(nodes []hnsw.Node[uint64], q []float32, f store.Filter) []store.VectorMatch {
	out := make([]store.VectorMatch, 0, len(nodes))
	for _, n := range nodes {
		id, ok := s.ids[n.Key]
		if !ok {
			continue
		}
		e, ok := s.entries[id]
		if !ok || !e.match(f) {
			continue
		}
		out = append(out, store.VectorMatch{ID: id, Distance: float64(hnsw.CosineDistance(q, n.Value))})
	}
	return out
}

func (s *Store) FilterSearch(ctx context.Context, f store.Filter, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}

	matched := make([]*indexEntry, 0)
	for _, e := range s.entries {
		if e.match(f) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.repository != b.repository {
			return a.repository < b.repository
		}
		if a.path != b.path {
			return a.path < b.path
		}
		if a.lineStart != b.lineStart {
			return a.lineStart < b.lineStart
		}
		return a.id < b.id
	})
	if limit >= 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]string, len(matched))
	for i, e := range matched {
		out[i] = e.id
	}
	return out, nil
}

func (s *Store) GetChunks(ctx context.Context, ids []string) (map[string]models.CodeChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	out := make(map[string]models.CodeChunk, len(ids))
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (s *Store) GetRepositories(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	seen := make(map[string]struct{})
	var repos []string
	for _, c := range s.chunks {
		if _, ok := seen[c.Repository]; ok {
			continue
		}
		seen[c.Repository] = struct{}{}
		repos = append(repos, c.Repository)
	}
	sort.Strings(repos)
	return repos, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrUnavailable
	}
	return ctx.Err()
}

func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	n := float32(math.Sqrt(sum))
	for i := range out {
		out[i] /= n
	}
	return out
}
