// Package mcpserver exposes the search service as MCP tools.
package mcpserver

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/pkg/models"
)

// Searcher is the part of search.Service the tools call.
type Searcher interface {
	Execute(ctx context.Context, q models.SearchQuery) (*models.SearchResponse, error)
	Health(ctx context.Context) models.HealthReport
}

type Server struct {
	mcp    *mcp.Server
	svc    Searcher
	logger zerolog.Logger
}

// SearchCodeInput defines the input schema for the search_code tool.
type SearchCodeInput struct {
	Query         string   `json:"query,omitempty" jsonschema:"natural-language or identifier query; may be empty only in filter mode"`
	Mode          string   `json:"mode,omitempty" jsonschema:"hybrid (default), lexical, vector or filter"`
	Language      string   `json:"language,omitempty" jsonschema:"restrict to one language, e.g. go, python"`
	Repository    string   `json:"repository,omitempty" jsonschema:"restrict to one repository"`
	Kinds         []string `json:"kinds,omitempty" jsonschema:"restrict to chunk kinds: function, class, method, module"`
	ComplexityMin *int     `json:"complexity_min,omitempty" jsonschema:"minimum cyclomatic complexity, inclusive"`
	ComplexityMax *int     `json:"complexity_max,omitempty" jsonschema:"maximum cyclomatic complexity, inclusive"`
	Limit         int      `json:"limit,omitempty" jsonschema:"page size, default 20"`
	Offset        int      `json:"offset,omitempty" jsonschema:"number of results to skip"`
	Domains       []string `json:"domains,omitempty" jsonschema:"embedding domains for the vector branch: text, code"`
	RRFK          int      `json:"rrf_k,omitempty" jsonschema:"reciprocal rank fusion constant; 0 uses the server default"`
}

// SearchCodeOutput defines the output schema for the search_code tool.
type SearchCodeOutput struct {
	Hits          []HitOutput        `json:"hits" jsonschema:"ranked results for the requested page"`
	TotalEstimate int                `json:"total_estimate" jsonschema:"estimated number of matching results"`
	Mode          string             `json:"mode" jsonschema:"mode that served the query"`
	Partial       bool               `json:"partial" jsonschema:"true when a retrieval branch did not contribute"`
	Degraded      []string           `json:"degraded,omitempty" jsonschema:"branches that failed or timed out"`
	LatencyMS     map[string]float64 `json:"latency_ms" jsonschema:"time spent in each dispatched branch, in milliseconds"`
	TookMS        float64            `json:"took_ms" jsonschema:"server time in milliseconds"`
}

// HitOutput is one result with its per-branch provenance.
type HitOutput struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"`
	Repository string        `json:"repository"`
	Path       string        `json:"path"`
	Language   string        `json:"language"`
	Kind       string        `json:"kind"`
	LineStart  int           `json:"line_start"`
	LineEnd    int           `json:"line_end"`
	Snippet    string        `json:"snippet"`
	Score      float64       `json:"score" jsonschema:"fused reciprocal-rank score"`
	Branches   []BranchScore `json:"branches" jsonschema:"rank and raw score in each branch that returned this chunk"`
}

type BranchScore struct {
	Branch string  `json:"branch"`
	Rank   int     `json:"rank"`
	Score  float64 `json:"score"`
}

// SearchHealthInput is empty; the tool takes no arguments.
type SearchHealthInput struct{}

// SearchHealthOutput defines the output schema for the search_health tool.
type SearchHealthOutput struct {
	Healthy    bool              `json:"healthy" jsonschema:"true when every retriever is available"`
	Retrievers []RetrieverOutput `json:"retrievers"`
}

type RetrieverOutput struct {
	Branch      string  `json:"branch"`
	Available   bool    `json:"available"`
	Error       string  `json:"error,omitempty"`
	LastOutcome string  `json:"last_outcome,omitempty"`
	Failures    int64   `json:"failures"`
	Samples     int     `json:"samples"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
}

// NewServer creates the MCP server and registers its tools.
func NewServer(svc Searcher, name, version string, logger zerolog.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("search service is required")
	}
	if name == "" {
		name = "hybridsearch"
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcp:    mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		svc:    svc,
		logger: logger,
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Run serves the tools over stdio until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().Str("transport", "stdio").Msg("starting MCP server")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("MCP server stopped with error")
		return err
	}
	s.logger.Info().Msg("MCP server stopped")
	return nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_code",
		Description: "Hybrid code search. Combines trigram text matching with embedding similarity through reciprocal rank fusion, and supports language, repository, kind and complexity filters.",
	}, s.searchCode)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_health",
		Description: "Report availability and recent latency percentiles of each retrieval branch.",
	}, s.searchHealth)

	s.logger.Debug().Int("count", 2).Msg("MCP tools registered")
}

func (s *Server) searchCode(ctx context.Context, _ *mcp.CallToolRequest, in SearchCodeInput) (*mcp.CallToolResult, SearchCodeOutput, error) {
	q := models.SearchQuery{
		Text:    in.Query,
		Mode:    models.Mode(in.Mode),
		Limit:   in.Limit,
		Offset:  in.Offset,
		FusionK: in.RRFK,
		Filters: models.Filters{
			Language:   in.Language,
			Repository: in.Repository,
		},
	}
	for _, k := range in.Kinds {
		q.Filters.Kinds = append(q.Filters.Kinds, models.ChunkKind(k))
	}
	for _, d := range in.Domains {
		q.Domains = append(q.Domains, models.Domain(d))
	}
	if in.ComplexityMin != nil || in.ComplexityMax != nil {
		q.Filters.Complexity = &models.Range{Min: in.ComplexityMin, Max: in.ComplexityMax}
	}

	res, err := s.svc.Execute(ctx, q)
	if err != nil {
		s.logger.Warn().Err(err).Str("code", string(apperr.CodeOf(err))).Msg("search_code failed")
		return nil, SearchCodeOutput{}, err
	}
	return nil, toOutput(res), nil
}

func (s *Server) searchHealth(ctx context.Context, _ *mcp.CallToolRequest, _ SearchHealthInput) (*mcp.CallToolResult, SearchHealthOutput, error) {
	report := s.svc.Health(ctx)
	out := SearchHealthOutput{
		Healthy:    report.Healthy(),
		Retrievers: make([]RetrieverOutput, 0, len(report.Retrievers)),
	}
	for _, r := range report.Retrievers {
		out.Retrievers = append(out.Retrievers, RetrieverOutput{
			Branch:      string(r.Branch),
			Available:   r.Available,
			Error:       r.Error,
			LastOutcome: r.LastOutcome,
			Failures:    r.Failures,
			Samples:     r.Samples,
			P50MS:       ms(r.P50),
			P95MS:       ms(r.P95),
			P99MS:       ms(r.P99),
		})
	}
	return nil, out, nil
}

var branchOrder = []models.Branch{models.BranchLexical, models.BranchVector, models.BranchFilter}

func toOutput(res *models.SearchResponse) SearchCodeOutput {
	out := SearchCodeOutput{
		Hits:          make([]HitOutput, 0, len(res.Hits)),
		TotalEstimate: res.TotalEstimate,
		Mode:          string(res.Mode),
		Partial:       res.Partial,
		LatencyMS:     make(map[string]float64, len(res.Latency)),
		TookMS:        ms(res.Took),
	}
	for b, d := range res.Latency {
		out.LatencyMS[string(b)] = ms(d)
	}
	for _, b := range res.Degraded {
		out.Degraded = append(out.Degraded, string(b))
	}
	for _, h := range res.Hits {
		ho := HitOutput{
			ID:         h.ID,
			Name:       h.Name,
			Repository: h.Repository,
			Path:       h.Path,
			Language:   h.Language,
			Kind:       string(h.Kind),
			LineStart:  h.LineStart,
			LineEnd:    h.LineEnd,
			Snippet:    h.Snippet,
			Score:      finite(h.Score),
			Branches:   []BranchScore{},
		}
		for _, b := range branchOrder {
			if bs, ok := h.Breakdown[b]; ok {
				ho.Branches = append(ho.Branches, BranchScore{Branch: string(b), Rank: bs.Rank, Score: finite(bs.Score)})
			}
		}
		out.Hits = append(out.Hits, ho)
	}
	return out
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
