package ai

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/seanblong/hybridsearch/pkg/models"
)

type cacheKey struct {
	domain models.Domain
	text   string
}

// Cached remembers query embeddings. Only successful lookups are stored.
type Cached struct {
	inner Embedder
	cache *lru.Cache[cacheKey, []float32]
}

// NewCached wraps e with an LRU of the given size.
func NewCached(e Embedder, size int) (*Cached, error) {
	c, err := lru.New[cacheKey, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Cached{inner: e, cache: c}, nil
}

func (c *Cached) Embed(ctx context.Context, text string, domain models.Domain) ([]float32, error) {
	key := cacheKey{domain: domain, text: text}
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text, domain)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

func (c *Cached) Dim() int { return c.inner.Dim() }

// Len returns the number of cached vectors.
func (c *Cached) Len() int { return c.cache.Len() }
