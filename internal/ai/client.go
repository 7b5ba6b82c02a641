package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/seanblong/hybridsearch/pkg/models"
)

// ErrEmbeddingUnavailable marks a transient embedding failure (rate limit,
// provider outage). Callers skip the domain instead of failing the request.
var ErrEmbeddingUnavailable = errors.New("embedding model unavailable")

// Embedder turns query text into a vector for one embedding domain
type Embedder interface {
	Embed(ctx context.Context, text string, domain models.Domain) ([]float32, error)
	Dim() int
}

// Provider is enumeration of supported embedding providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for embedding clients
type ClientConfig struct {
	APIKey         string
	EmbedModel     string
	CodeEmbedModel string
	Dim            int
	ProjectID      string
	Provider       Provider
	Location       string
	BaseURL        string
	CacheSize      int
}

// model returns the model serving a domain; code falls back to the text model.
func (c *ClientConfig) model(d models.Domain) string {
	if d == models.DomainCode && c.CodeEmbedModel != "" {
		return c.CodeEmbedModel
	}
	return c.EmbedModel
}

// NewEmbedder creates an embedder based on configuration, wrapped in a
// query cache when CacheSize is positive.
func NewEmbedder(ctx context.Context, config *ClientConfig) (Embedder, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	var e Embedder
	switch config.Provider {
	case ProviderOpenAI:
		e = NewOpenAIClient(config)
	case ProviderVertexAI:
		v, err := NewVertexAIClient(ctx, config)
		if err != nil {
			return nil, err
		}
		e = v
	case ProviderStub:
		e = NewStubClient(config.Dim)
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}

	if config.CacheSize > 0 {
		return NewCached(e, config.CacheSize)
	}
	return e, nil
}

// StubClient hashes character trigrams into a fixed-size unit vector. Texts
// sharing vocabulary land near each other, which is enough for development
// corpora and tests.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	return &StubClient{dim: dim}
}

// Embed implements the embedding functionality
func (s *StubClient) Embed(ctx context.Context, text string, domain models.Domain) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, s.dim)
	if s.dim == 0 {
		return vec, nil
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		p := " " + w + " "
		for i := 0; i+3 <= len(p); i++ {
			h := fnv.New32a()
			_, _ = h.Write([]byte(p[i : i+3]))
			vec[h.Sum32()%uint32(s.dim)]++
		}
	}

	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		n := float32(math.Sqrt(sum))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}
