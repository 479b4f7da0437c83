// Package cycle runs a single gated fetch/score/persist attempt. It is shared
// by the scheduled, manual and backfill paths of a collector so every path
// consults the same breaker and limiter.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collectorflow/internal/breaker"
	"collectorflow/internal/models"
	"collectorflow/internal/quality"
	"collectorflow/internal/ratelimit"
	"collectorflow/logger"
)

// Options tune a Runner.
type Options struct {
	FetchCost        int
	CycleTimeout     time.Duration
	QualityFloor     float64
	RejectBelowFloor bool
	BatchAtomic      bool
}

// Runner executes one attempt. It does not take the run-lock; callers hold it.
type Runner struct {
	collector string
	fetcher   models.Fetcher
	persister models.Persister
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	scorer    *quality.Scorer
	opts      Options
	log       *logger.Entry
	now       func() time.Time

	// OnVendorError, when set, observes every failed fetch.
	OnVendorError func(models.CollectionWindow, error)
}

func NewRunner(collector string, fetcher models.Fetcher, persister models.Persister, limiter *ratelimit.Limiter, cb *breaker.Breaker, scorer *quality.Scorer, opts Options) *Runner {
	if opts.FetchCost <= 0 {
		opts.FetchCost = 1
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 30 * time.Second
	}
	return &Runner{
		collector: collector,
		fetcher:   fetcher,
		persister: persister,
		limiter:   limiter,
		breaker:   cb,
		scorer:    scorer,
		opts:      opts,
		log:       logger.GetLogger().WithComponent("cycle").WithFields(logger.Fields{"collector": collector}),
		now:       time.Now,
	}
}

// Run performs breaker check, token acquisition, fetch with timeout, scoring
// and persist for window. The returned outcome is always populated; err is
// the classified failure, if any.
func (r *Runner) Run(ctx context.Context, trigger models.Trigger, window models.CollectionWindow) (models.CollectionOutcome, error) {
	started := r.now()
	out := models.CollectionOutcome{Trigger: trigger, Window: window, StartedAt: started, Error: models.ErrorKindNone}
	finish := func(err error) (models.CollectionOutcome, error) {
		out.Duration = r.now().Sub(started)
		if err != nil {
			out.Error = models.KindOf(err)
			out.ErrorMessage = err.Error()
		}
		return out, err
	}

	if err := r.breaker.Allow(); err != nil {
		return finish(err)
	}

	if err := r.limiter.Acquire(ctx, r.opts.FetchCost); err != nil {
		r.breaker.Abandon()
		if ctx.Err() != nil {
			return finish(fmt.Errorf("%w: %v", models.ErrAborted, err))
		}
		return finish(&models.ConfigError{Field: "fetch_cost", Reason: err.Error()})
	}

	records, err := r.fetch(ctx, window)
	if err != nil {
		if errors.Is(err, models.ErrAborted) {
			r.breaker.Abandon()
		} else {
			r.breaker.RecordResult(false)
			if r.OnVendorError != nil {
				r.OnVendorError(window, err)
			}
		}
		return finish(err)
	}
	r.breaker.RecordResult(true)
	out.RecordsFetched = len(records)

	res := r.scorer.Score(records)
	res.Stamp(records)
	out.QualityScore = res.Score
	out.Violations = len(res.Violations)

	if res.Score < r.opts.QualityFloor {
		r.log.WithFields(logger.Fields{
			"window":     window.String(),
			"score":      res.Score,
			"violations": res.CountByKind(),
		}).Warn("batch below quality floor")
		if r.opts.RejectBelowFloor {
			return finish(&models.ValidationError{Score: res.Score, Floor: r.opts.QualityFloor, Violations: len(res.Violations)})
		}
	}

	if len(records) == 0 {
		return finish(nil)
	}

	n, err := r.persister.Persist(ctx, r.collector, records)
	out.RecordsPersisted = n
	switch {
	case err != nil && ctx.Err() != nil:
		return finish(fmt.Errorf("%w: persist interrupted: %v", models.ErrAborted, err))
	case err != nil:
		return finish(&models.PersistError{Err: err, Persisted: n, Expected: len(records)})
	case r.opts.BatchAtomic && n < len(records):
		return finish(&models.PersistError{Persisted: n, Expected: len(records)})
	case n < len(records):
		r.log.WithFields(logger.Fields{"persisted": n, "fetched": len(records)}).Debug("partial persist, remainder dropped")
	}
	return finish(nil)
}

func (r *Runner) fetch(ctx context.Context, window models.CollectionWindow) ([]models.Record, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.opts.CycleTimeout)
	defer cancel()

	records, err := r.fetcher.Fetch(fetchCtx, window)
	if err == nil {
		return records, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAborted, err)
	}
	timeout := errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
	return nil, &models.VendorError{Err: err, Timeout: timeout}
}
