package search

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/coder/hnsw"
	"github.com/rs/zerolog"
	"github.com/seanblong/hybridsearch/internal/ai"
	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/internal/memstore"
	"github.com/seanblong/hybridsearch/internal/metrics"
	"github.com/seanblong/hybridsearch/internal/retriever"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockCorpus implements store.Corpus for hydration
type MockCorpus struct {
	Chunks        map[string]models.CodeChunk
	GetChunksFunc func(ctx context.Context, ids []string) (map[string]models.CodeChunk, error)
	ReposFunc     func(ctx context.Context) ([]string, error)
}

func (m *MockCorpus) LexicalSearch(ctx context.Context, text string, opt store.LexicalOpts) ([]store.LexicalMatch, error) {
	return nil, nil
}

func (m *MockCorpus) VectorSearch(ctx context.Context, d models.Domain, vec []float32, k int, f store.Filter) ([]store.VectorMatch, error) {
	return nil, nil
}

func (m *MockCorpus) FilterSearch(ctx context.Context, f store.Filter, limit int) ([]string, error) {
	return nil, nil
}

func (m *MockCorpus) GetChunks(ctx context.Context, ids []string) (map[string]models.CodeChunk, error) {
	if m.GetChunksFunc != nil {
		return m.GetChunksFunc(ctx, ids)
	}
	out := make(map[string]models.CodeChunk)
	for _, id := range ids {
		if c, ok := m.Chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *MockCorpus) GetRepositories(ctx context.Context) ([]string, error) {
	if m.ReposFunc != nil {
		return m.ReposFunc(ctx)
	}
	return nil, nil
}

func (m *MockCorpus) Ping(ctx context.Context) error { return nil }

// MockRetriever implements retriever.Retriever
type MockRetriever struct {
	BranchName models.Branch
	SearchFunc func(ctx context.Context, req retriever.Request) ([]models.RankedHit, error)
	PingFunc   func(ctx context.Context) error
}

func (m *MockRetriever) Branch() models.Branch { return m.BranchName }

func (m *MockRetriever) Search(ctx context.Context, req retriever.Request) ([]models.RankedHit, error) {
	return m.SearchFunc(ctx, req)
}

func (m *MockRetriever) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func returns(b models.Branch, ids ...string) *MockRetriever {
	return &MockRetriever{BranchName: b, SearchFunc: func(ctx context.Context, req retriever.Request) ([]models.RankedHit, error) {
		hits := make([]models.RankedHit, 0, len(ids))
		for i, id := range ids {
			if i == req.Limit {
				break
			}
			hits = append(hits, models.RankedHit{ID: id, Rank: i + 1, Score: 1 / float64(i+1)})
		}
		return hits, nil
	}}
}

func fails(b models.Branch, err error) *MockRetriever {
	return &MockRetriever{BranchName: b, SearchFunc: func(ctx context.Context, req retriever.Request) ([]models.RankedHit, error) {
		return nil, err
	}}
}

func blocks(b models.Branch) *MockRetriever {
	return &MockRetriever{BranchName: b, SearchFunc: func(ctx context.Context, req retriever.Request) ([]models.RankedHit, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func corpusOf(ids ...string) *MockCorpus {
	m := &MockCorpus{Chunks: make(map[string]models.CodeChunk)}
	for i, id := range ids {
		m.Chunks[id] = models.CodeChunk{
			ID: id, Repository: "acme/shop", Path: id + ".py", Language: "python",
			Kind: models.KindFunction, Name: id, Source: "def " + id + "():\n    pass",
			LineStart: 1, LineEnd: 2, Metadata: models.ChunkMetadata{Complexity: i + 1},
		}
	}
	return m
}

func newService(t *testing.T, c store.Corpus, opts Options, rs ...retriever.Retriever) *Service {
	t.Helper()
	s, err := NewService(c, rs, opts, nil)
	require.NoError(t, err)
	return s
}

func ids(hits []models.Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func intp(v int) *int { return &v }

func TestNewService(t *testing.T) {
	_, err := NewService(nil, nil, Options{}, nil)
	assert.Error(t, err, "nil corpus")

	_, err = NewService(&MockCorpus{}, nil, Options{BranchTimeout: 5 * time.Second, RequestTimeout: 5 * time.Second}, nil)
	assert.Error(t, err, "branch timeout must be shorter than request timeout")

	s := newService(t, &MockCorpus{}, Options{DefaultLimit: 500, MaxLimit: 50})
	o := s.Options()
	assert.Equal(t, 50, o.DefaultLimit)
	assert.Equal(t, 60, o.FusionK)
	assert.Equal(t, 200, o.CandidateDepth)
}

func TestExecute_Validation(t *testing.T) {
	s := newService(t, corpusOf("a"), Options{}, returns(models.BranchLexical, "a"), returns(models.BranchVector, "a"))

	tests := []struct {
		name  string
		query models.SearchQuery
	}{
		{"empty text", models.SearchQuery{Text: "   "}},
		{"unknown mode", models.SearchQuery{Text: "x", Mode: "fuzzy"}},
		{"filter mode without filters", models.SearchQuery{Mode: models.ModeFilter}},
		{"unknown kind", models.SearchQuery{Text: "x", Filters: models.Filters{Kinds: []models.ChunkKind{"lambda"}}}},
		{"unknown language", models.SearchQuery{Text: "x", Filters: models.Filters{Language: "klingon"}}},
		{"inverted complexity", models.SearchQuery{Text: "x", Filters: models.Filters{Complexity: &models.Range{Min: intp(5), Max: intp(2)}}}},
		{"negative complexity", models.SearchQuery{Text: "x", Filters: models.Filters{Complexity: &models.Range{Min: intp(-1)}}}},
		{"negative limit", models.SearchQuery{Text: "x", Limit: -1}},
		{"negative offset", models.SearchQuery{Text: "x", Offset: -3}},
		{"huge offset", models.SearchQuery{Text: "x", Offset: maxOffset + 1}},
		{"negative fusion k", models.SearchQuery{Text: "x", FusionK: -1}},
		{"unknown domain", models.SearchQuery{Text: "x", Domains: []models.Domain{"audio"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Execute(context.Background(), tt.query)
			require.ErrorIs(t, err, apperr.ErrInvalidQuery)
			assert.False(t, apperr.IsRetryable(err), "InvalidQuery must not be retryable")
		})
	}
}

func TestExecute_LimitDefaultsAndCap(t *testing.T) {
	many := make([]string, 150)
	for i := range many {
		many[i] = fmt.Sprintf("c%03d", i)
	}
	s := newService(t, corpusOf(many...), Options{DefaultLimit: 10, MaxLimit: 100}, returns(models.BranchLexical, many...))

	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "x", Mode: models.ModeLexical})
	require.NoError(t, err)
	assert.Equal(t, 10, resp.Limit)
	assert.Len(t, resp.Hits, 10)

	resp, err = s.Execute(context.Background(), models.SearchQuery{Text: "x", Mode: models.ModeLexical, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, resp.Limit)
	assert.Len(t, resp.Hits, 100)
}

func TestExecute_FusionAndProvenance(t *testing.T) {
	s := newService(t, corpusOf("a", "b", "c"), Options{},
		returns(models.BranchLexical, "a", "b"),
		returns(models.BranchVector, "b", "c"),
	)
	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "q"})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a", "c"}, ids(resp.Hits))

	b := resp.Hits[0]
	assert.InDelta(t, 1.0/62+1.0/61, b.Score, 1e-12)
	assert.Equal(t, 2, b.Breakdown[models.BranchLexical].Rank)
	assert.Equal(t, 1, b.Breakdown[models.BranchVector].Rank)
	assert.Equal(t, 0.5, b.Breakdown[models.BranchLexical].Score)
	assert.NotContains(t, resp.Hits[1].Breakdown, models.BranchVector, "a has no vector provenance")
	assert.False(t, resp.Partial)
	assert.Empty(t, resp.Degraded)
	assert.Len(t, resp.Latency, 2)
	assert.NotEmpty(t, resp.Hits[0].Snippet)
	assert.Equal(t, "b.py", resp.Hits[0].Path)
}

func TestExecute_FusionKOverride(t *testing.T) {
	s := newService(t, corpusOf("a"), Options{}, returns(models.BranchLexical, "a"))
	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "q", Mode: models.ModeLexical, FusionK: 10})
	require.NoError(t, err)
	assert.InDelta(t, 1.0/11, resp.Hits[0].Score, 1e-12)
}

func TestExecute_Deterministic(t *testing.T) {
	s := newService(t, corpusOf("a", "b", "c", "d"), Options{},
		returns(models.BranchLexical, "d", "c"),
		returns(models.BranchVector, "c", "d", "a", "b"),
	)
	first, err := s.Execute(context.Background(), models.SearchQuery{Text: "q"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := s.Execute(context.Background(), models.SearchQuery{Text: "q"})
		require.NoError(t, err)
		require.Equal(t, first.Hits, again.Hits, "run %d", i)
	}
	// c and d tie on fused score; the identifier decides.
	assert.Equal(t, []string{"c", "d"}, ids(first.Hits)[:2])
}

func TestExecute_GracefulDegradation(t *testing.T) {
	s := newService(t, corpusOf("a", "b"), Options{},
		returns(models.BranchLexical, "a", "b"),
		fails(models.BranchVector, apperr.Unavailable("vector index", store.ErrUnavailable)),
	)
	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "q"})
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	assert.Equal(t, []models.Branch{models.BranchVector}, resp.Degraded)
	assert.Equal(t, []string{"a", "b"}, ids(resp.Hits), "lexical order")
}

func TestExecute_BranchTimeoutDegrades(t *testing.T) {
	s := newService(t, corpusOf("a"), Options{BranchTimeout: 20 * time.Millisecond, RequestTimeout: time.Second},
		returns(models.BranchLexical, "a"),
		blocks(models.BranchVector),
	)
	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "q"})
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	assert.Equal(t, []models.Branch{models.BranchVector}, resp.Degraded)
}

func TestExecute_AllUnavailable(t *testing.T) {
	s := newService(t, corpusOf("a"), Options{},
		fails(models.BranchLexical, apperr.Unavailable("lexical index", store.ErrUnavailable)),
		fails(models.BranchVector, errors.New("boom")),
	)
	_, err := s.Execute(context.Background(), models.SearchQuery{Text: "q"})
	require.ErrorIs(t, err, apperr.ErrRetrieverUnavailable)
	assert.True(t, apperr.IsRetryable(err))
}

func TestExecute_SingleBranchFailure(t *testing.T) {
	s := newService(t, corpusOf("a"), Options{}, fails(models.BranchLexical, apperr.Unavailable("lexical index", nil)))
	_, err := s.Execute(context.Background(), models.SearchQuery{Text: "q", Mode: models.ModeLexical})
	assert.ErrorIs(t, err, apperr.ErrRetrieverUnavailable)
}

func TestExecute_MissingRetrieverDegrades(t *testing.T) {
	s := newService(t, corpusOf("a"), Options{}, returns(models.BranchLexical, "a"))
	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "q"})
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	assert.Equal(t, []models.Branch{models.BranchVector}, resp.Degraded)
}

func TestExecute_BothEmpty(t *testing.T) {
	s := newService(t, corpusOf(), Options{}, returns(models.BranchLexical), returns(models.BranchVector))
	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "nothing matches"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Hits)
	assert.Empty(t, resp.Hits)
	assert.Zero(t, resp.TotalEstimate)
	assert.False(t, resp.Partial)
}

func TestExecute_CallerDeadline(t *testing.T) {
	rec := metrics.NewRecorder(nil, 16)
	s, err := NewService(corpusOf("a"), []retriever.Retriever{blocks(models.BranchLexical), blocks(models.BranchVector)}, Options{}, rec)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = s.Execute(ctx, models.SearchQuery{Text: "q"})
	require.ErrorIs(t, err, apperr.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, apperr.IsRetryable(err))

	// Branches cut off by the caller still land in the health windows.
	for _, b := range []models.Branch{models.BranchLexical, models.BranchVector} {
		st := rec.Stats(b)
		assert.Equal(t, 1, st.Samples, b)
		assert.Equal(t, int64(1), st.Failures, b)
		assert.Equal(t, "timeout", st.LastOutcome, b)
	}
	h := s.Health(context.Background())
	for _, r := range h.Retrievers {
		assert.Equal(t, "timeout", r.LastOutcome, r.Branch)
		assert.Equal(t, int64(1), r.Failures, r.Branch)
	}
}

func TestExecute_CallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &MockRetriever{BranchName: models.BranchLexical, SearchFunc: func(c context.Context, req retriever.Request) ([]models.RankedHit, error) {
		cancel()
		return []models.RankedHit{{ID: "a", Rank: 1}}, nil
	}}
	s := newService(t, corpusOf("a"), Options{}, r)
	_, err := s.Execute(ctx, models.SearchQuery{Text: "q", Mode: models.ModeLexical})
	require.ErrorIs(t, err, apperr.ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_DimensionMismatchFailsFast(t *testing.T) {
	s := newService(t, corpusOf("a"), Options{},
		returns(models.BranchLexical, "a"),
		fails(models.BranchVector, apperr.DimensionMismatch(768, 1536)),
	)
	_, err := s.Execute(context.Background(), models.SearchQuery{Text: "q"})
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
}

func TestExecute_HydrationGapBackfill(t *testing.T) {
	c := corpusOf("a", "c", "d")
	s := newService(t, c, Options{}, returns(models.BranchLexical, "a", "b", "c", "d"))

	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "q", Mode: models.ModeLexical, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(resp.Hits))
	assert.Equal(t, 3, resp.TotalEstimate)
}

func TestExecute_HydrationStoreDown(t *testing.T) {
	c := &MockCorpus{GetChunksFunc: func(ctx context.Context, ids []string) (map[string]models.CodeChunk, error) {
		return nil, store.ErrUnavailable
	}}
	s := newService(t, c, Options{}, returns(models.BranchLexical, "a"))
	_, err := s.Execute(context.Background(), models.SearchQuery{Text: "q", Mode: models.ModeLexical})
	assert.ErrorIs(t, err, apperr.ErrRetrieverUnavailable)
}

func TestExecute_PostFilters(t *testing.T) {
	c := corpusOf("a", "b", "c", "d") // complexity 1..4
	c.Chunks["b"] = func(ch models.CodeChunk) models.CodeChunk { ch.Kind = models.KindClass; return ch }(c.Chunks["b"])
	s := newService(t, c, Options{}, returns(models.BranchLexical, "a", "b", "c", "d"))

	resp, err := s.Execute(context.Background(), models.SearchQuery{
		Text: "q", Mode: models.ModeLexical,
		Filters: models.Filters{
			Kinds:      []models.ChunkKind{models.KindFunction},
			Complexity: &models.Range{Min: intp(2)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(resp.Hits))
	for _, h := range resp.Hits {
		assert.Equal(t, models.KindFunction, h.Kind, h.ID)
	}
}

func TestExecute_PaginationStable(t *testing.T) {
	all := make([]string, 30)
	for i := range all {
		all[i] = fmt.Sprintf("c%02d", i)
	}
	rev := make([]string, len(all))
	for i := range all {
		rev[i] = all[len(all)-1-i]
	}
	s := newService(t, corpusOf(all...), Options{},
		returns(models.BranchLexical, all...),
		returns(models.BranchVector, rev...),
	)

	full, err := s.Execute(context.Background(), models.SearchQuery{Text: "q", Limit: 20})
	require.NoError(t, err)
	var paged []string
	for off := 0; off < 20; off += 5 {
		resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "q", Limit: 5, Offset: off})
		require.NoError(t, err, "offset %d", off)
		paged = append(paged, ids(resp.Hits)...)
	}
	assert.Equal(t, ids(full.Hits), paged)
}

func TestExecute_OffsetPastEnd(t *testing.T) {
	s := newService(t, corpusOf("a", "b"), Options{}, returns(models.BranchLexical, "a", "b"))
	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "q", Mode: models.ModeLexical, Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
	assert.Equal(t, 2, resp.TotalEstimate)
}

func TestCandidateDepth(t *testing.T) {
	var got int
	r := &MockRetriever{BranchName: models.BranchLexical, SearchFunc: func(ctx context.Context, req retriever.Request) ([]models.RankedHit, error) {
		got = req.Limit
		return nil, nil
	}}
	s := newService(t, corpusOf(), Options{}, r)

	tests := []struct {
		offset, limit, want int
	}{
		{0, 20, 200},
		{180, 20, 200},
		{190, 20, 400},
		{1000, 100, 1200},
	}
	for _, tt := range tests {
		_, err := s.Execute(context.Background(), models.SearchQuery{Text: "q", Mode: models.ModeLexical, Offset: tt.offset, Limit: tt.limit})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "offset=%d limit=%d", tt.offset, tt.limit)
	}
}

func TestExecute_FilterMode(t *testing.T) {
	mem := memstore.New(2)
	for _, c := range []models.CodeChunk{
		{ID: "m1", Repository: "acme/api", Path: "b.go", Language: "go", Kind: models.KindMethod, LineStart: 1},
		{ID: "m2", Repository: "acme/api", Path: "a.go", Language: "go", Kind: models.KindMethod, LineStart: 9},
		{ID: "f1", Repository: "acme/api", Path: "a.go", Language: "go", Kind: models.KindFunction, LineStart: 1},
	} {
		require.NoError(t, mem.UpsertChunk(context.Background(), c))
	}
	s := newService(t, mem, Options{}, retriever.NewFilter(mem))

	resp, err := s.Execute(context.Background(), models.SearchQuery{
		Mode:    models.ModeFilter,
		Filters: models.Filters{Kinds: []models.ChunkKind{models.KindMethod}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m1"}, ids(resp.Hits))
}

func TestExecute_FilterModeComplexityBeyondCandidateDepth(t *testing.T) {
	// The matching chunks sort after more than a candidate window of
	// non-matching ones, so the range has to reach the index.
	mem := memstore.New(2)
	for i := 0; i < 250; i++ {
		c := models.CodeChunk{
			ID: fmt.Sprintf("c%03d", i), Repository: "acme/api", Language: "go", Kind: models.KindFunction,
			Path: fmt.Sprintf("a%03d.go", i), LineStart: 1, Metadata: models.ChunkMetadata{Complexity: 1},
		}
		if i >= 200 {
			c.Path = fmt.Sprintf("b%03d.go", i)
			c.Metadata.Complexity = 10
		}
		require.NoError(t, mem.UpsertChunk(context.Background(), c))
	}
	s := newService(t, mem, Options{}, retriever.NewFilter(mem))
	require.Equal(t, 200, s.Options().CandidateDepth)

	resp, err := s.Execute(context.Background(), models.SearchQuery{
		Mode:    models.ModeFilter,
		Filters: models.Filters{Complexity: &models.Range{Min: intp(5)}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 20)
	assert.Equal(t, "c200", resp.Hits[0].ID)
	assert.Equal(t, 50, resp.TotalEstimate)
	assert.False(t, resp.Partial)

	last, err := s.Execute(context.Background(), models.SearchQuery{
		Mode:    models.ModeFilter,
		Filters: models.Filters{Complexity: &models.Range{Min: intp(5), Max: intp(10)}},
		Offset:  40,
	})
	require.NoError(t, err)
	assert.Len(t, last.Hits, 10)
}

func TestExecute_FilterCorrectnessRandomized(t *testing.T) {
	const dim = 16
	var (
		rng       = rand.New(rand.NewSource(7))
		languages = []string{"go", "python", "java"}
		repos     = []string{"acme/api", "acme/web"}
		kinds     = []models.ChunkKind{models.KindFunction, models.KindClass, models.KindMethod, models.KindModule}
		emb       = ai.NewStubClient(dim)
		mem       = memstore.New(dim)
		chunks    = make(map[string]models.CodeChunk)
	)
	for i := 0; i < 80; i++ {
		c := models.CodeChunk{
			ID:         fmt.Sprintf("c%02d", i),
			Repository: repos[rng.Intn(len(repos))],
			Path:       fmt.Sprintf("src/f%02d", i),
			Language:   languages[rng.Intn(len(languages))],
			Kind:       kinds[rng.Intn(len(kinds))],
			Name:       fmt.Sprintf("process_records_%d", i),
			Source:     fmt.Sprintf("process_records_%d(items) keeps items above %d", i, i),
			LineStart:  1 + rng.Intn(50),
			Metadata:   models.ChunkMetadata{Complexity: rng.Intn(13)},
		}
		c.EmbeddingText, _ = emb.Embed(context.Background(), c.Source, models.DomainText)
		c.EmbeddingCode, _ = emb.Embed(context.Background(), c.Source, models.DomainCode)
		require.NoError(t, mem.UpsertChunk(context.Background(), c))
		chunks[c.ID] = c
	}
	s := newService(t, mem, Options{},
		retriever.NewLexical(mem, 0.3),
		retriever.NewVector(mem, emb, dim, nil),
		retriever.NewFilter(mem),
	)

	randomFilters := func() models.Filters {
		var f models.Filters
		if rng.Intn(2) == 0 {
			f.Language = languages[rng.Intn(len(languages))]
		}
		if rng.Intn(3) == 0 {
			f.Repository = repos[rng.Intn(len(repos))]
		}
		if rng.Intn(2) == 0 {
			rng.Shuffle(len(kinds), func(i, j int) { kinds[i], kinds[j] = kinds[j], kinds[i] })
			f.Kinds = append([]models.ChunkKind(nil), kinds[:1+rng.Intn(2)]...)
		}
		if rng.Intn(2) == 0 {
			lo := rng.Intn(8)
			r := &models.Range{}
			if rng.Intn(3) > 0 {
				r.Min = intp(lo)
			}
			if rng.Intn(3) > 0 {
				r.Max = intp(lo + rng.Intn(6))
			}
			f.Complexity = r
		}
		if f.IsEmpty() {
			f.Language = languages[rng.Intn(len(languages))]
		}
		return f
	}

	for i := 0; i < 60; i++ {
		f := randomFilters()
		want := 0
		for _, c := range chunks {
			if f.Match(c) {
				want++
			}
		}

		filtered, err := s.Execute(context.Background(), models.SearchQuery{Mode: models.ModeFilter, Filters: f, Limit: 100})
		require.NoError(t, err, "round %d", i)
		assert.Len(t, filtered.Hits, want, "round %d filters %+v", i, f)
		assert.Equal(t, want, filtered.TotalEstimate, "round %d", i)

		hybrid, err := s.Execute(context.Background(), models.SearchQuery{Text: "process records", Filters: f, Limit: 100})
		require.NoError(t, err, "round %d", i)
		assert.False(t, hybrid.Partial, "round %d", i)
		assert.LessOrEqual(t, len(hybrid.Hits), want, "round %d", i)

		for _, resp := range []*models.SearchResponse{filtered, hybrid} {
			for _, h := range resp.Hits {
				c, ok := chunks[h.ID]
				require.True(t, ok, h.ID)
				assert.True(t, f.Match(c), "round %d: %s (lang=%s repo=%s kind=%s complexity=%d) violates %+v",
					i, h.ID, c.Language, c.Repository, c.Kind, c.Metadata.Complexity, f)
			}
		}
	}
}

// calculateTotalCorpus seeds a memory corpus with stub embeddings.
func calculateTotalCorpus(t *testing.T) (*memstore.Store, ai.Embedder) {
	t.Helper()
	const dim = 64
	emb := ai.NewStubClient(dim)
	mem := memstore.New(dim)
	chunks := []models.CodeChunk{
		{ID: "shop/cart.py:calculate_total", Name: "calculate_total", Path: "cart.py",
			Source: "def calculate_total(items):\n    return sum(i.price * i.qty for i in items)"},
		{ID: "shop/report.py:compute_summary", Name: "compute_summary", Path: "report.py",
			Source: "def compute_summary(items):\n    \"\"\"Add up the amounts.\"\"\"\n    return sum(i.amount for i in items)"},
		{ID: "shop/http.py:open_socket", Name: "open_socket", Path: "http.py",
			Source: "def open_socket(host, port):\n    return socket.create_connection((host, port))"},
	}
	for _, c := range chunks {
		c.Repository, c.Language, c.Kind = "acme/shop", "python", models.KindFunction
		text, _ := emb.Embed(context.Background(), c.Name+" "+c.Source, models.DomainText)
		code, _ := emb.Embed(context.Background(), c.Source, models.DomainCode)
		c.EmbeddingText, c.EmbeddingCode = text, code
		require.NoError(t, mem.UpsertChunk(context.Background(), c))
	}
	return mem, emb
}

func TestExecute_CalculateTotal(t *testing.T) {
	const (
		calculateTotal = "shop/cart.py:calculate_total"
		computeSummary = "shop/report.py:compute_summary"
	)
	mem, emb := calculateTotalCorpus(t)
	s := newService(t, mem, Options{},
		retriever.NewLexical(mem, 0.3),
		retriever.NewVector(mem, emb, emb.Dim(), nil),
	)

	t.Run("hybrid", func(t *testing.T) {
		resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "calculate total"})
		require.NoError(t, err)
		got := ids(resp.Hits)
		require.NotEmpty(t, got)
		assert.Equal(t, calculateTotal, got[0])
		assert.Contains(t, got, computeSummary, "reached through the vector branch")
	})

	t.Run("lexical", func(t *testing.T) {
		resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "calculate total", Mode: models.ModeLexical})
		require.NoError(t, err)
		got := ids(resp.Hits)
		require.NotEmpty(t, got)
		assert.Equal(t, calculateTotal, got[0])
		assert.NotContains(t, got, computeSummary, "below the similarity floor")
	})

	t.Run("vector", func(t *testing.T) {
		resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "calculate total", Mode: models.ModeVector})
		require.NoError(t, err)
		got := ids(resp.Hits)
		assert.Contains(t, got, calculateTotal)
		assert.Contains(t, got, computeSummary)

		// Closest first: the vector score is one minus the best cosine
		// distance over the embedding domains.
		for i, h := range resp.Hits {
			bs, ok := h.Breakdown[models.BranchVector]
			require.True(t, ok, h.ID)
			assert.Equal(t, i+1, bs.Rank, h.ID)
			assert.NotContains(t, h.Breakdown, models.BranchLexical, h.ID)
			if i > 0 {
				assert.LessOrEqual(t, bs.Score, resp.Hits[i-1].Breakdown[models.BranchVector].Score, h.ID)
			}
		}

		chunk, err := mem.GetChunks(context.Background(), []string{calculateTotal})
		require.NoError(t, err)
		qt, _ := emb.Embed(context.Background(), "calculate total", models.DomainText)
		qc, _ := emb.Embed(context.Background(), "calculate total", models.DomainCode)
		best := min(
			hnsw.CosineDistance(qt, chunk[calculateTotal].EmbeddingText),
			hnsw.CosineDistance(qc, chunk[calculateTotal].EmbeddingCode),
		)
		for _, h := range resp.Hits {
			if h.ID == calculateTotal {
				assert.InDelta(t, 1-float64(best), h.Breakdown[models.BranchVector].Score, 1e-4)
			}
		}
	})
}

func TestExecute_StaleIndexAgainstMemstore(t *testing.T) {
	mem, emb := calculateTotalCorpus(t)
	mem.DeleteChunk("shop/cart.py:calculate_total")
	s := newService(t, mem, Options{},
		retriever.NewLexical(mem, 0.3),
		retriever.NewVector(mem, emb, emb.Dim(), nil),
	)
	resp, err := s.Execute(context.Background(), models.SearchQuery{Text: "calculate total"})
	require.NoError(t, err)
	assert.NotContains(t, ids(resp.Hits), "shop/cart.py:calculate_total", "deleted chunk")
	assert.NotEmpty(t, resp.Hits, "remaining chunks backfill the page")
}

func TestHealth(t *testing.T) {
	rec := metrics.NewRecorder(nil, 16)
	lex := returns(models.BranchLexical, "a")
	vec := returns(models.BranchVector, "a")
	vec.PingFunc = func(ctx context.Context) error { return store.ErrUnavailable }

	s, err := NewService(corpusOf("a"), []retriever.Retriever{vec, lex}, Options{}, rec)
	require.NoError(t, err)
	_, err = s.Execute(context.Background(), models.SearchQuery{Text: "q"})
	require.NoError(t, err)

	report := s.Health(context.Background())
	require.Len(t, report.Retrievers, 2)
	l, v := report.Retrievers[0], report.Retrievers[1]
	require.Equal(t, models.BranchLexical, l.Branch)
	require.Equal(t, models.BranchVector, v.Branch)
	assert.True(t, l.Available)
	assert.False(t, v.Available)
	assert.NotEmpty(t, v.Error)
	assert.Equal(t, 1, l.Samples)
	assert.Equal(t, "ok", l.LastOutcome)
	assert.False(t, report.Healthy(), "an unavailable retriever makes the report unhealthy")
}

func TestRepositories(t *testing.T) {
	c := &MockCorpus{ReposFunc: func(ctx context.Context) ([]string, error) { return nil, nil }}
	s := newService(t, c, Options{})
	repos, err := s.Repositories(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, repos)
	assert.Empty(t, repos)

	c.ReposFunc = func(ctx context.Context) ([]string, error) { return nil, store.ErrUnavailable }
	_, err = s.Repositories(context.Background())
	assert.ErrorIs(t, err, apperr.ErrRetrieverUnavailable)
}

func TestSnippet(t *testing.T) {
	src := "\n\nline1\nline2\nline3\nline4\nline5\nline6\nline7\n"
	assert.Equal(t, "line1\nline2\nline3\nline4\nline5\nline6", snippet(src))

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, snippet(string(long)), snippetChars+len("…"))
}

func BenchmarkExecute(b *testing.B) {
	all := make([]string, 200)
	for i := range all {
		all[i] = fmt.Sprintf("c%03d", i)
	}
	s, err := NewService(corpusOf(all...), []retriever.Retriever{
		returns(models.BranchLexical, all...),
		returns(models.BranchVector, all[100:]...),
	}, Options{}, nil)
	if err != nil {
		b.Fatal(err)
	}
	q := models.SearchQuery{Text: "q"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Execute(context.Background(), q); err != nil {
			b.Fatal(err)
		}
	}
}
