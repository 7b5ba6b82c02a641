// Package search orchestrates a hybrid query: it validates the request, runs
// the retrieval branches concurrently, fuses their rankings and hydrates the
// requested page.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/internal/fusion"
	"github.com/seanblong/hybridsearch/internal/metrics"
	"github.com/seanblong/hybridsearch/internal/retriever"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
)

// Options are the tunables of the search path.
type Options struct {
	FusionK        int
	BranchTimeout  time.Duration
	RequestTimeout time.Duration
	DefaultLimit   int
	MaxLimit       int
	CandidateDepth int
	Domains        []models.Domain
}

// DefaultOptions returns the starting-point tunables.
func DefaultOptions() Options {
	return Options{
		FusionK:        fusion.DefaultK,
		BranchTimeout:  2 * time.Second,
		RequestTimeout: 5 * time.Second,
		DefaultLimit:   20,
		MaxLimit:       100,
		CandidateDepth: 200,
		Domains:        models.AllDomains,
	}
}

type Service struct {
	Corpus     store.Corpus
	retrievers map[models.Branch]retriever.Retriever
	opts       Options
	recorder   *metrics.Recorder
	logger     zerolog.Logger
}

// NewService creates a search service over the given retrievers. Zero-valued
// options take their defaults; a branch timeout that does not fit inside the
// request timeout is rejected.
func NewService(corpus store.Corpus, rs []retriever.Retriever, opts Options, rec *metrics.Recorder) (*Service, error) {
	if corpus == nil {
		return nil, errors.New("search: corpus is required")
	}
	d := DefaultOptions()
	if opts.FusionK <= 0 {
		opts.FusionK = d.FusionK
	}
	if opts.BranchTimeout <= 0 {
		opts.BranchTimeout = d.BranchTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = d.RequestTimeout
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = d.DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = d.MaxLimit
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}
	if opts.CandidateDepth <= 0 {
		opts.CandidateDepth = d.CandidateDepth
	}
	if len(opts.Domains) == 0 {
		opts.Domains = d.Domains
	}
	if opts.BranchTimeout >= opts.RequestTimeout {
		return nil, fmt.Errorf("search: branch timeout %s must be shorter than request timeout %s", opts.BranchTimeout, opts.RequestTimeout)
	}
	if rec == nil {
		rec = metrics.NewRecorder(nil, 0)
	}

	byBranch := make(map[models.Branch]retriever.Retriever, len(rs))
	for _, r := range rs {
		byBranch[r.Branch()] = r
	}
	return &Service{
		Corpus:     corpus,
		retrievers: byBranch,
		opts:       opts,
		recorder:   rec,
		logger:     log.With().Str("component", "search").Logger(),
	}, nil
}

// Options returns the effective tunables.
func (s *Service) Options() Options { return s.opts }

type state string

const (
	stateValidating  state = "VALIDATING"
	stateDispatching state = "DISPATCHING"
	stateAwaiting    state = "AWAITING"
	stateFusing      state = "FUSING"
	stateHydrating   state = "HYDRATING"
	stateDone        state = "DONE"
	stateError       state = "ERROR"
)

// lifecycle logs each state change of one request.
type lifecycle struct {
	logger zerolog.Logger
	cur    state
}

func (l *lifecycle) to(next state) {
	l.logger.Debug().Str("from", string(l.cur)).Str("to", string(next)).Msg("search state")
	l.cur = next
}

func (s *Service) loggerFor(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l.With().Str("component", "search").Logger()
	}
	return s.logger
}

// Execute runs one query to completion.
func (s *Service) Execute(ctx context.Context, q models.SearchQuery) (resp *models.SearchResponse, err error) {
	start := time.Now()
	lc := &lifecycle{logger: s.loggerFor(ctx), cur: stateValidating}
	defer func() {
		if err != nil {
			lc.to(stateError)
			lc.logger.Debug().Err(err).Msg("search failed")
			mode := q.Mode
			if _, perr := models.ParseMode(string(mode)); perr != nil {
				mode = "unknown"
			}
			s.recorder.ObserveRequest(mode, string(apperr.CodeOf(err)))
			return
		}
		lc.to(stateDone)
		s.recorder.ObserveRequest(resp.Mode, "ok")
	}()

	q, err = s.validate(q)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	lc.to(stateDispatching)
	depth := s.candidateDepth(q)
	branches := q.Mode.Branches()
	rs := make([]retriever.Retriever, 0, len(branches))
	var missing []retriever.Outcome
	for _, b := range branches {
		if r, ok := s.retrievers[b]; ok {
			rs = append(rs, r)
			continue
		}
		missing = append(missing, retriever.Outcome{
			Branch: b,
			Status: retriever.StatusUnavailable,
			Err:    apperr.Unavailable(string(b)+" retriever", errors.New("not configured")),
		})
	}

	lc.to(stateAwaiting)
	outcomes := retriever.Fanout(ctx, rs, retriever.Request{
		Text:    q.Text,
		Filters: q.Filters,
		Limit:   depth,
		Domains: q.Domains,
	}, s.opts.BranchTimeout)
	for _, o := range outcomes {
		s.recorder.ObserveBranch(o.Branch, string(o.Status), o.Latency)
	}
	if ctx.Err() != nil {
		return nil, apperr.Timeout(ctx.Err())
	}
	outcomes = append(outcomes, missing...)

	resp = &models.SearchResponse{
		Mode:    q.Mode,
		Limit:   q.Limit,
		Offset:  q.Offset,
		Latency: make(map[models.Branch]time.Duration, len(outcomes)),
	}
	var ok []retriever.Outcome
	var errs []error
	for _, o := range outcomes {
		resp.Latency[o.Branch] = o.Latency
		if o.Status == retriever.StatusOK {
			ok = append(ok, o)
			continue
		}
		if errors.Is(o.Err, apperr.ErrDimensionMismatch) {
			return nil, o.Err
		}
		lc.logger.Warn().Err(o.Err).Str("branch", string(o.Branch)).Str("outcome", string(o.Status)).Msg("retriever degraded")
		resp.Degraded = append(resp.Degraded, o.Branch)
		errs = append(errs, fmt.Errorf("%s: %w", o.Branch, o.Err))
	}
	if len(ok) == 0 {
		return nil, apperr.Unavailable("all retrievers", errors.Join(errs...))
	}
	if len(resp.Degraded) > 0 {
		resp.Partial = true
		for _, b := range resp.Degraded {
			s.recorder.ObserveDegraded(b)
		}
	}

	lc.to(stateFusing)
	lists := make([][]models.RankedHit, len(ok))
	for i, o := range ok {
		lists[i] = o.Hits
	}
	fused := fusion.Fuse(lists, q.FusionK)

	lc.to(stateHydrating)
	hits, total, err := s.hydrate(ctx, lc.logger, q, fused, ok)
	if err != nil {
		return nil, err
	}
	resp.Hits = hits
	resp.TotalEstimate = total
	resp.Took = time.Since(start)
	return resp, nil
}
