package models

import (
	"fmt"
	"strings"
	"time"
)

// ChunkKind is the structural kind of a chunk.
type ChunkKind string

const (
	KindFunction ChunkKind = "function"
	KindClass    ChunkKind = "class"
	KindMethod   ChunkKind = "method"
	KindModule   ChunkKind = "module"
)

// ParseChunkKind returns the kind named by s, rejecting unknown values.
func ParseChunkKind(s string) (ChunkKind, error) {
	switch k := ChunkKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindFunction, KindClass, KindMethod, KindModule:
		return k, nil
	}
	return "", fmt.Errorf("unknown chunk kind %q", s)
}

// Domain names an embedding space. Every chunk carries at most one vector per domain.
type Domain string

const (
	DomainText Domain = "text"
	DomainCode Domain = "code"
)

// AllDomains lists the embedding domains in their canonical order.
var AllDomains = []Domain{DomainText, DomainCode}

// ParseDomain returns the domain named by s, rejecting unknown values.
func ParseDomain(s string) (Domain, error) {
	switch d := Domain(strings.ToLower(strings.TrimSpace(s))); d {
	case DomainText, DomainCode:
		return d, nil
	}
	return "", fmt.Errorf("unknown embedding domain %q", s)
}

// ChunkMetadata is the structured metadata ingestion attaches to a chunk.
type ChunkMetadata struct {
	Complexity int      `json:"complexity"`
	Parameters []string `json:"parameters,omitempty"`
	Imports    []string `json:"imports,omitempty"`
	Calls      []string `json:"calls,omitempty"`
}

// CodeChunk is a semantically coherent unit of source code. Ingestion owns it;
// the search path only reads it.
type CodeChunk struct {
	ID            string        `json:"id"`
	Repository    string        `json:"repository"`
	Path          string        `json:"path"`
	Language      string        `json:"language"`
	Kind          ChunkKind     `json:"kind"`
	Name          string        `json:"name,omitempty"`
	Source        string        `json:"source"`
	LineStart     int           `json:"line_start"`
	LineEnd       int           `json:"line_end"`
	EmbeddingText []float32     `json:"embedding_text,omitempty"`
	EmbeddingCode []float32     `json:"embedding_code,omitempty"`
	Metadata      ChunkMetadata `json:"metadata"`
	IndexedAt     time.Time     `json:"indexed_at"`
}

// Embedding returns the chunk's vector for the domain, or nil.
func (c CodeChunk) Embedding(d Domain) []float32 {
	switch d {
	case DomainText:
		return c.EmbeddingText
	case DomainCode:
		return c.EmbeddingCode
	}
	return nil
}

// RankedHit is a single retriever's opinion of a chunk. Rank is 1-based and
// contiguous; Score is only meaningful within the retriever that produced it.
type RankedHit struct {
	ID    string  `json:"id"`
	Rank  int     `json:"rank"`
	Score float64 `json:"score"`
}

// FusedHit is a chunk after rank fusion. Ranks is aligned with the fused input
// lists; 0 means the chunk was absent from that list.
type FusedHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Ranks []int   `json:"ranks"`
}
