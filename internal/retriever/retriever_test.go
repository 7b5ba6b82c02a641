package retriever

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/hybridsearch/internal/ai"
	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockCorpus implements store.Corpus with overridable funcs
type MockCorpus struct {
	LexicalSearchFunc func(ctx context.Context, text string, opt store.LexicalOpts) ([]store.LexicalMatch, error)
	VectorSearchFunc  func(ctx context.Context, d models.Domain, vec []float32, k int, f store.Filter) ([]store.VectorMatch, error)
	FilterSearchFunc  func(ctx context.Context, f store.Filter, limit int) ([]string, error)
	PingFunc          func(ctx context.Context) error
}

func (m *MockCorpus) LexicalSearch(ctx context.Context, text string, opt store.LexicalOpts) ([]store.LexicalMatch, error) {
	return m.LexicalSearchFunc(ctx, text, opt)
}

func (m *MockCorpus) VectorSearch(ctx context.Context, d models.Domain, vec []float32, k int, f store.Filter) ([]store.VectorMatch, error) {
	return m.VectorSearchFunc(ctx, d, vec, k, f)
}

func (m *MockCorpus) FilterSearch(ctx context.Context, f store.Filter, limit int) ([]string, error) {
	return m.FilterSearchFunc(ctx, f, limit)
}

func (m *MockCorpus) GetChunks(ctx context.Context, ids []string) (map[string]models.CodeChunk, error) {
	return map[string]models.CodeChunk{}, nil
}

func (m *MockCorpus) GetRepositories(ctx context.Context) ([]string, error) { return nil, nil }

func (m *MockCorpus) Ping(ctx context.Context) error {
	if m.PingFunc == nil {
		return nil
	}
	return m.PingFunc(ctx)
}

// MockEmbedder implements ai.Embedder
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string, d models.Domain) ([]float32, error)
	dim       int
}

func (m *MockEmbedder) Embed(ctx context.Context, text string, d models.Domain) ([]float32, error) {
	return m.EmbedFunc(ctx, text, d)
}

func (m *MockEmbedder) Dim() int { return m.dim }

func fixedEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{dim: dim, EmbedFunc: func(ctx context.Context, text string, d models.Domain) ([]float32, error) {
		return make([]float32, dim), nil
	}}
}

func assertContiguous(t *testing.T, hits []models.RankedHit) {
	t.Helper()
	for i, h := range hits {
		assert.Equal(t, i+1, h.Rank, "rank of %s", h.ID)
	}
}

func TestLexicalSearch(t *testing.T) {
	var got store.LexicalOpts
	corpus := &MockCorpus{LexicalSearchFunc: func(ctx context.Context, text string, opt store.LexicalOpts) ([]store.LexicalMatch, error) {
		got = opt
		return []store.LexicalMatch{
			{ID: "c", Similarity: 0.5, SourceLength: 10},
			{ID: "a", Similarity: 0.9, SourceLength: 300},
			{ID: "b", Similarity: 0.9, SourceLength: 20},
			{ID: "d", Similarity: 0.5, SourceLength: 10},
			{ID: "noise", Similarity: 0.1, SourceLength: 1},
		}, nil
	}}
	l := NewLexical(corpus, 0)

	hits, err := l.Search(context.Background(), Request{
		Text:    "  calculate total ",
		Limit:   3,
		Filters: models.Filters{Language: "python", Complexity: &models.Range{}},
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})
	assertContiguous(t, hits)

	assert.Equal(t, DefaultLexicalFloor, got.MinScore)
	assert.Equal(t, 3, got.Limit)
	assert.Equal(t, "python", got.Filter.Language)
	assert.Equal(t, models.BranchLexical, l.Branch())
}

func TestLexicalSearchEmptyText(t *testing.T) {
	corpus := &MockCorpus{LexicalSearchFunc: func(ctx context.Context, text string, opt store.LexicalOpts) ([]store.LexicalMatch, error) {
		assert.Fail(t, "store must not be queried for empty text")
		return nil, nil
	}}
	hits, err := NewLexical(corpus, 0.3).Search(context.Background(), Request{Text: " \t", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalSearchUnavailable(t *testing.T) {
	corpus := &MockCorpus{LexicalSearchFunc: func(ctx context.Context, text string, opt store.LexicalOpts) ([]store.LexicalMatch, error) {
		return nil, fmt.Errorf("dial: %w", store.ErrUnavailable)
	}}
	_, err := NewLexical(corpus, 0.3).Search(context.Background(), Request{Text: "x", Limit: 10})
	assert.ErrorIs(t, err, apperr.ErrRetrieverUnavailable)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestLexicalSearchDeterministic(t *testing.T) {
	corpus := &MockCorpus{LexicalSearchFunc: func(ctx context.Context, text string, opt store.LexicalOpts) ([]store.LexicalMatch, error) {
		return []store.LexicalMatch{{ID: "z", Similarity: 0.4}, {ID: "y", Similarity: 0.4}, {ID: "x", Similarity: 0.4}}, nil
	}}
	l := NewLexical(corpus, 0.3)
	first, err := l.Search(context.Background(), Request{Text: "q", Limit: 10})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := l.Search(context.Background(), Request{Text: "q", Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "x", first[0].ID)
}

func TestVectorSearchMergesDomains(t *testing.T) {
	corpus := &MockCorpus{VectorSearchFunc: func(ctx context.Context, d models.Domain, vec []float32, k int, f store.Filter) ([]store.VectorMatch, error) {
		if d == models.DomainText {
			return []store.VectorMatch{{ID: "a", Distance: 0.30}, {ID: "b", Distance: 0.10}}, nil
		}
		return []store.VectorMatch{{ID: "a", Distance: 0.05}, {ID: "c", Distance: 0.10}}, nil
	}}
	v := NewVector(corpus, fixedEmbedder(4), 4, nil)

	hits, err := v.Search(context.Background(), Request{Text: "q", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 0.95, hits[0].Score, 1e-9)
	// b and c tie on distance; identifier breaks the tie.
	assert.Equal(t, "b", hits[1].ID)
	assert.Equal(t, "c", hits[2].ID)
	assertContiguous(t, hits)
}

func TestVectorSearchSkipsUnavailableDomain(t *testing.T) {
	var searched []models.Domain
	corpus := &MockCorpus{VectorSearchFunc: func(ctx context.Context, d models.Domain, vec []float32, k int, f store.Filter) ([]store.VectorMatch, error) {
		searched = append(searched, d)
		return []store.VectorMatch{{ID: "a", Distance: 0.2}}, nil
	}}
	emb := &MockEmbedder{dim: 2, EmbedFunc: func(ctx context.Context, text string, d models.Domain) ([]float32, error) {
		if d == models.DomainCode {
			return nil, ai.ErrEmbeddingUnavailable
		}
		return []float32{1, 0}, nil
	}}
	v := NewVector(corpus, emb, 2, nil)

	hits, err := v.Search(context.Background(), Request{Text: "q", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, []models.Domain{models.DomainText}, searched)
}

func TestVectorSearchAllDomainsUnavailable(t *testing.T) {
	emb := &MockEmbedder{dim: 2, EmbedFunc: func(ctx context.Context, text string, d models.Domain) ([]float32, error) {
		return nil, fmt.Errorf("429: %w", ai.ErrEmbeddingUnavailable)
	}}
	v := NewVector(&MockCorpus{}, emb, 2, nil)
	_, err := v.Search(context.Background(), Request{Text: "q", Limit: 5})
	assert.ErrorIs(t, err, apperr.ErrRetrieverUnavailable)
}

func TestVectorSearchDimensionMismatch(t *testing.T) {
	v := NewVector(&MockCorpus{}, fixedEmbedder(3), 4, []models.Domain{models.DomainText})
	_, err := v.Search(context.Background(), Request{Text: "q", Limit: 5})
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
	assert.Equal(t, apperr.CodeDimensionMismatch, apperr.CodeOf(err))
}

func TestVectorSearchRequestDomains(t *testing.T) {
	var searched []models.Domain
	corpus := &MockCorpus{VectorSearchFunc: func(ctx context.Context, d models.Domain, vec []float32, k int, f store.Filter) ([]store.VectorMatch, error) {
		searched = append(searched, d)
		assert.Equal(t, "acme/api", f.Repository)
		return nil, nil
	}}
	v := NewVector(corpus, fixedEmbedder(2), 2, nil)
	hits, err := v.Search(context.Background(), Request{
		Text: "q", Limit: 5, Domains: []models.Domain{models.DomainCode},
		Filters: models.Filters{Repository: "acme/api"},
	})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, []models.Domain{models.DomainCode}, searched)
}

func TestFilterSearch(t *testing.T) {
	corpus := &MockCorpus{FilterSearchFunc: func(ctx context.Context, f store.Filter, limit int) ([]string, error) {
		assert.Equal(t, []models.ChunkKind{models.KindClass}, f.Kinds)
		return []string{"k1", "k2"}, nil
	}}
	f := NewFilter(corpus)
	hits, err := f.Search(context.Background(), Request{Limit: 10, Filters: models.Filters{Kinds: []models.ChunkKind{models.KindClass}}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assertContiguous(t, hits)
	assert.Equal(t, models.BranchFilter, f.Branch())
}

// stubRetriever is a Retriever whose behaviour is set per test
type stubRetriever struct {
	branch models.Branch
	search func(ctx context.Context) ([]models.RankedHit, error)
}

func (s *stubRetriever) Branch() models.Branch { return s.branch }
func (s *stubRetriever) Search(ctx context.Context, req Request) ([]models.RankedHit, error) {
	return s.search(ctx)
}
func (s *stubRetriever) Ping(ctx context.Context) error { return nil }

func TestFanoutOutcomes(t *testing.T) {
	ok := &stubRetriever{branch: models.BranchLexical, search: func(ctx context.Context) ([]models.RankedHit, error) {
		return []models.RankedHit{{ID: "a", Rank: 1}}, nil
	}}
	down := &stubRetriever{branch: models.BranchVector, search: func(ctx context.Context) ([]models.RankedHit, error) {
		return nil, apperr.Unavailable("vector index", store.ErrUnavailable)
	}}
	slow := &stubRetriever{branch: models.BranchFilter, search: func(ctx context.Context) ([]models.RankedHit, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	broken := &stubRetriever{branch: "broken", search: func(ctx context.Context) ([]models.RankedHit, error) {
		return nil, errors.New("boom")
	}}
	panicky := &stubRetriever{branch: "panicky", search: func(ctx context.Context) ([]models.RankedHit, error) {
		panic("bad")
	}}

	out := Fanout(context.Background(), []Retriever{ok, down, slow, broken, panicky}, Request{Text: "q", Limit: 5}, 20*time.Millisecond)
	require.Len(t, out, 5)

	assert.Equal(t, StatusOK, out[0].Status)
	assert.Len(t, out[0].Hits, 1)
	assert.Equal(t, StatusUnavailable, out[1].Status)
	assert.Equal(t, StatusTimeout, out[2].Status)
	assert.GreaterOrEqual(t, out[2].Latency, 20*time.Millisecond)
	assert.Equal(t, StatusFailed, out[3].Status)
	assert.Equal(t, StatusFailed, out[4].Status)
	for i, o := range out[1:] {
		assert.Nil(t, o.Hits, "outcome %d", i+1)
		assert.Error(t, o.Err)
	}
}

func TestFanoutDiscardsLateResults(t *testing.T) {
	late := &stubRetriever{branch: models.BranchLexical, search: func(ctx context.Context) ([]models.RankedHit, error) {
		<-ctx.Done()
		return []models.RankedHit{{ID: "late", Rank: 1}}, nil
	}}
	out := Fanout(context.Background(), []Retriever{late}, Request{}, 5*time.Millisecond)
	assert.Equal(t, StatusTimeout, out[0].Status)
	assert.Nil(t, out[0].Hits)
}

func TestFanoutRunsConcurrently(t *testing.T) {
	var running, peak atomic.Int32
	mk := func(b models.Branch) Retriever {
		return &stubRetriever{branch: b, search: func(ctx context.Context) ([]models.RankedHit, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		}}
	}
	Fanout(context.Background(), []Retriever{mk(models.BranchLexical), mk(models.BranchVector)}, Request{}, time.Second)
	assert.Equal(t, int32(2), peak.Load())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, StatusOK, classify(nil))
	assert.Equal(t, StatusTimeout, classify(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, StatusTimeout, classify(apperr.Timeout(context.Canceled)))
	assert.Equal(t, StatusUnavailable, classify(apperr.Unavailable("x", nil)))
	assert.Equal(t, StatusFailed, classify(apperr.DimensionMismatch(2, 3)))
}
