// Package backfill replays gap windows through a collector's fetch/persist
// pair in bounded, rate-limited chunks.
package backfill

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"collectorflow/internal/cycle"
	"collectorflow/internal/gap"
	"collectorflow/internal/models"
	"collectorflow/logger"
)

// Locker is the per-collector run-lock. Lock blocks until the lock is held
// or ctx is done.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock()
}

// Options configure an Executor.
type Options struct {
	// ChunkMaxSpan bounds a single fetch; longer windows are split. Zero
	// disables chunking.
	ChunkMaxSpan time.Duration
	// Granularity is the bucket size used to check existing coverage.
	Granularity time.Duration
	QualityFloor float64
	DetectStale  bool
}

// Executor processes gap descriptors strictly in order. The run-lock is held
// per chunk, so live cycles interleave with a long backfill instead of being
// starved by it.
type Executor struct {
	collector string
	runner    *cycle.Runner
	lock      Locker
	coverage  gap.CoverageQuery
	opts      Options
	log       *logger.Entry

	// OnOutcome observes every chunk attempt. It runs while the run-lock is
	// still held so outcomes are recorded in the order chunks ran.
	OnOutcome func(models.CollectionOutcome)
}

// NewExecutor builds an executor. coverage may be nil, in which case every
// chunk is fetched regardless of force.
func NewExecutor(collector string, runner *cycle.Runner, lock Locker, coverage gap.CoverageQuery, opts Options) *Executor {
	return &Executor{
		collector: collector,
		runner:    runner,
		lock:      lock,
		coverage:  coverage,
		opts:      opts,
		log:       logger.GetLogger().WithComponent("backfill").WithFields(logger.Fields{"collector": collector}),
	}
}

// Run processes gaps and returns the summary. It never fails wholesale: a
// failed window is recorded and the next one is attempted. Processing stops
// early only when the breaker opens or ctx is cancelled, in which case the
// current and every later window are reported as unprocessed.
func (e *Executor) Run(ctx context.Context, requested models.CollectionWindow, gaps []models.GapDescriptor, force bool) models.BackfillSummary {
	started := time.Now()
	summary := models.BackfillSummary{
		RunID:     uuid.NewString(),
		Collector: e.collector,
		Requested: requested,
		Force:     force,
		Windows:   len(gaps),
		Results:   make([]models.WindowResult, 0, len(gaps)),
	}
	log := e.log.WithFields(logger.Fields{"run_id": summary.RunID, "windows": len(gaps), "force": force})
	log.Info("backfill started")

	for i, gd := range gaps {
		res, stop := e.runWindow(ctx, gd, force)
		if stop {
			if errors.Is(res.stopErr, models.ErrCircuitOpen) {
				summary.CircuitOpened = true
			}
			summary.Remaining = len(gaps) - i
			for _, rest := range gaps[i:] {
				summary.Results = append(summary.Results, models.WindowResult{Gap: rest, Status: models.WindowUnprocessed})
			}
			// chunks completed before the stop still count
			summary.RecordsFetched += res.RecordsFetched
			summary.RecordsPersisted += res.RecordsPersisted
			log.WithFields(logger.Fields{
				"remaining": summary.Remaining,
				"window":    gd.Window.String(),
			}).WithError(res.stopErr).Warn("backfill stopped early")
			break
		}

		summary.Results = append(summary.Results, res.WindowResult)
		summary.RecordsFetched += res.RecordsFetched
		summary.RecordsPersisted += res.RecordsPersisted
		switch res.Status {
		case models.WindowCompleted:
			summary.Completed++
		case models.WindowFailed:
			summary.Failed++
		case models.WindowSkipped:
			summary.Skipped++
		}
	}

	summary.Duration = time.Since(started)
	log.WithFields(logger.Fields{
		"completed":         summary.Completed,
		"failed":            summary.Failed,
		"skipped":           summary.Skipped,
		"remaining":         summary.Remaining,
		"records_persisted": summary.RecordsPersisted,
		"duration_ms":       summary.Duration.Milliseconds(),
	}).Info("backfill finished")
	return summary
}

type windowRun struct {
	models.WindowResult
	stopErr error
}

func (e *Executor) runWindow(ctx context.Context, gd models.GapDescriptor, force bool) (windowRun, bool) {
	res := windowRun{WindowResult: models.WindowResult{Gap: gd, Status: models.WindowSkipped}}
	var weighted float64

	for _, chunk := range gd.Window.Split(e.opts.ChunkMaxSpan) {
		if err := ctx.Err(); err != nil {
			res.stopErr = err
			return res, true
		}
		res.Chunks++

		if !force && e.covered(ctx, chunk) {
			continue
		}

		if err := e.lock.Lock(ctx); err != nil {
			res.stopErr = err
			return res, true
		}
		out, err := e.runner.Run(ctx, models.TriggerBackfill, chunk)
		if e.OnOutcome != nil {
			e.OnOutcome(out)
		}
		e.lock.Unlock()

		res.RecordsFetched += out.RecordsFetched
		res.RecordsPersisted += out.RecordsPersisted
		weighted += out.QualityScore * float64(out.RecordsFetched)

		switch {
		case errors.Is(err, models.ErrCircuitOpen), errors.Is(err, models.ErrAborted):
			res.stopErr = err
			return res, true
		case err != nil:
			if res.Status != models.WindowFailed {
				res.Status = models.WindowFailed
				res.Error = models.KindOf(err)
				res.ErrorMessage = err.Error()
			}
			e.log.WithFields(logger.Fields{"chunk": chunk.String(), "reason": gd.Reason}).WithError(err).Warn("backfill chunk failed")
		case res.Status == models.WindowSkipped:
			res.Status = models.WindowCompleted
		}
	}

	if res.RecordsFetched > 0 {
		res.QualityScore = weighted / float64(res.RecordsFetched)
	}
	return res, false
}

// covered reports whether chunk already meets the quality floor in the store.
// Coverage errors are treated as not covered.
func (e *Executor) covered(ctx context.Context, chunk models.CollectionWindow) bool {
	if e.coverage == nil || e.opts.Granularity <= 0 {
		return false
	}
	spec := gap.CoverageSpec{
		Start:       chunk.Start,
		End:         chunk.End,
		Granularity: e.opts.Granularity,
		Entities:    chunk.Symbols,
	}
	gaps, err := gap.NewAnalyzer(e.opts.QualityFloor, e.opts.DetectStale).FindGaps(ctx, spec, e.coverage)
	if err != nil {
		e.log.WithError(err).Warn("coverage check failed; fetching chunk")
		return false
	}
	return len(gaps) == 0
}
