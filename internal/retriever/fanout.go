package retriever

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seanblong/hybridsearch/internal/apperr"
	"github.com/seanblong/hybridsearch/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Status is the typed result of one branch.
type Status string

const (
	StatusOK          Status = "ok"
	StatusUnavailable Status = "unavailable"
	StatusTimeout     Status = "timeout"
	StatusFailed      Status = "failed"
)

// Outcome is what one branch produced. Hits is only set when Status is ok.
type Outcome struct {
	Branch  models.Branch
	Hits    []models.RankedHit
	Status  Status
	Err     error
	Latency time.Duration
}

// Fanout runs every retriever concurrently, each under its own timeout, and
// waits for all of them. A failing branch never cancels its siblings.
// Outcomes are returned in the order of rs.
func Fanout(ctx context.Context, rs []Retriever, req Request, timeout time.Duration) []Outcome {
	out := make([]Outcome, len(rs))
	var g errgroup.Group
	for i, r := range rs {
		g.Go(func() error {
			out[i] = run(ctx, r, req, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func run(ctx context.Context, r Retriever, req Request, timeout time.Duration) (o Outcome) {
	o.Branch = r.Branch()
	bctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			o.Hits = nil
			o.Status = StatusFailed
			o.Err = fmt.Errorf("%s retriever panicked: %v", o.Branch, p)
		}
		o.Latency = time.Since(start)
	}()

	hits, err := r.Search(bctx, req)
	if err == nil && bctx.Err() != nil {
		// Late results after the deadline are discarded.
		err = bctx.Err()
	}
	o.Status = classify(err)
	o.Err = err
	if o.Status == StatusOK {
		o.Hits = hits
	}
	return o
}

func classify(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, apperr.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, apperr.ErrRetrieverUnavailable):
		return StatusUnavailable
	}
	return StatusFailed
}
