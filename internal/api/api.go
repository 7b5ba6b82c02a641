// Package api exposes the search service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/internal/auth"
	"github.com/seanblong/hybridsearch/pkg/models"
)

// Searcher is the part of search.Service the handlers use.
type Searcher interface {
	Execute(ctx context.Context, q models.SearchQuery) (*models.SearchResponse, error)
	Health(ctx context.Context) models.HealthReport
	Repositories(ctx context.Context) ([]string, error)
}

type Server struct {
	svc      Searcher
	verifier *auth.Verifier
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// NewServer wires the handlers. A nil verifier disables auth; a nil gatherer
// serves the default Prometheus registry.
func NewServer(svc Searcher, v *auth.Verifier, g prometheus.Gatherer, logger zerolog.Logger) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{svc: svc, verifier: v, gatherer: g, logger: logger}
}

// Handler returns the routed, logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.verifier.Enabled()})
	})
	mux.Handle("/search", s.verifier.Middleware(http.HandlerFunc(s.handleSearch)))
	mux.Handle("/health", s.verifier.Middleware(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/repositories", s.verifier.Middleware(http.HandlerFunc(s.handleRepositories)))

	access := hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("dur", dur).
			Msg("http")
	})
	return hlog.NewHandler(s.logger)(hlog.RequestIDHandler("req_id", "X-Request-Id")(access(mux)))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.svc.Execute(r.Context(), q)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("code", string(apperr.CodeOf(err))).Msg("search failed")
		writeError(w, err)
		return
	}
	sanitize(res)

	hlog.FromRequest(r).Info().
		Str("mode", string(res.Mode)).
		Int("hits", len(res.Hits)).
		Bool("partial", res.Partial).
		Dur("took", res.Took).
		Msg("served")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.svc.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	repos, err := s.svc.Repositories(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

// parseQuery maps URL parameters onto a query. Only syntax is checked here;
// the service validates semantics.
func parseQuery(r *http.Request) (models.SearchQuery, error) {
	v := r.URL.Query()
	q := models.SearchQuery{
		Text: v.Get("q"),
		Mode: models.Mode(v.Get("mode")),
		Filters: models.Filters{
			Language:   v.Get("language"),
			Repository: v.Get("repository"),
		},
	}
	for _, k := range splitList(v.Get("kind")) {
		q.Filters.Kinds = append(q.Filters.Kinds, models.ChunkKind(k))
	}
	for _, d := range splitList(v.Get("domains")) {
		q.Domains = append(q.Domains, models.Domain(d))
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"limit", &q.Limit},
		{"offset", &q.Offset},
		{"rrf_k", &q.FusionK},
	}
	for _, p := range ints {
		n, ok, err := intParam(v.Get(p.name), p.name)
		if err != nil {
			return q, err
		}
		if ok {
			*p.dst = n
		}
	}

	var rng models.Range
	for _, p := range []struct {
		name string
		dst  **int
	}{
		{"complexity_min", &rng.Min},
		{"complexity_max", &rng.Max},
	} {
		n, ok, err := intParam(v.Get(p.name), p.name)
		if err != nil {
			return q, err
		}
		if ok {
			*p.dst = &n
		}
	}
	if rng.Min != nil || rng.Max != nil {
		q.Filters.Complexity = &rng
	}
	return q, nil
}

func intParam(raw, name string) (int, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, apperr.InvalidQuery("%s must be an integer", name)
	}
	return n, true, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sanitize zeroes scores JSON cannot encode.
func sanitize(res *models.SearchResponse) {
	finite := func(f float64) float64 {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	}
	if res.Hits == nil {
		res.Hits = []models.Hit{}
	}
	for i := range res.Hits {
		h := &res.Hits[i]
		h.Score = finite(h.Score)
		for b, bs := range h.Breakdown {
			bs.Score = finite(bs.Score)
			h.Breakdown[b] = bs
		}
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidQuery:
		return http.StatusBadRequest
	case apperr.CodeRetrieverUnavailable:
		return http.StatusServiceUnavailable
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		Error:     err.Error(),
		Code:      string(apperr.CodeOf(err)),
		Retryable: apperr.IsRetryable(err),
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		body.Error = "internal error"
	}
	if body.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, StatusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("encode response")
	}
}
