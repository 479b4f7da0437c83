// Package collector hosts the per-collector runtime: the scheduling loop,
// manual and backfill triggers, the run-lock that serializes them, bounded
// outcome history and derived health.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"collectorflow/config"
	"collectorflow/internal/backfill"
	"collectorflow/internal/breaker"
	"collectorflow/internal/cycle"
	"collectorflow/internal/gap"
	"collectorflow/internal/metrics/rate"
	"collectorflow/internal/models"
	"collectorflow/internal/quality"
	"collectorflow/internal/ratelimit"
	"collectorflow/logger"
)

// State is the lifecycle position of a runtime.
type State string

const (
	StateIdle        State = "IDLE"
	StateCollecting  State = "COLLECTING"
	StateBackfilling State = "BACKFILLING"
	StateDraining    State = "DRAINING"
	StateStopped     State = "STOPPED"
)

var (
	// ErrShuttingDown is returned for triggers received while draining or
	// after the runtime stopped.
	ErrShuttingDown = errors.New("collector is shutting down")
	// ErrBackfillInProgress is returned when a backfill is requested while
	// another one is still running.
	ErrBackfillInProgress = errors.New("backfill already in progress")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("collector already started")
)

// Deps are the collaborators injected into a runtime.
type Deps struct {
	Fetcher   models.Fetcher
	Persister models.Persister
	// Coverage backs gap analysis. Without it every backfill request is
	// treated as fully missing.
	Coverage  gap.CoverageQuery
	Observers []Observer
}

// BackfillRequest is the operator input for TriggerBackfill.
type BackfillRequest struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Symbols []string  `json:"symbols,omitempty"`
	Force   bool      `json:"force"`
}

// Runtime drives one collector. Each instance owns its own breaker, limiter
// and history; nothing is shared between runtimes.
type Runtime struct {
	cfg      config.CollectorConfig
	rt       config.RuntimeConfig
	schedule cron.Schedule

	coverage  gap.CoverageQuery
	observers []Observer

	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	runner  *cycle.Runner
	lock    *runLock
	history *History

	log *logger.Entry
	now func() time.Time

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	state       State
	started     bool
	schedCancel context.CancelFunc
	backfilling bool
	flight      *flight
	nextRun     time.Time
	stopped     chan struct{}
}

// New validates cfg and builds a runtime. Invalid configuration yields a
// *models.ConfigError.
func New(cfg config.CollectorConfig, deps Deps) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Fetcher == nil {
		return nil, &models.ConfigError{Field: "fetcher", Reason: "is required"}
	}
	if deps.Persister == nil {
		return nil, &models.ConfigError{Field: "persister", Reason: "is required"}
	}
	rt := cfg.Runtime

	sched, err := newSchedule(cfg)
	if err != nil {
		return nil, &models.ConfigError{Field: "schedule", Reason: err.Error()}
	}
	limiter, err := ratelimit.New(rt.RateCapacity, rt.RefillRate)
	if err != nil {
		return nil, &models.ConfigError{Field: "rate_capacity", Reason: err.Error()}
	}
	cb, err := breaker.New(breaker.Config{
		FailureThreshold: rt.FailureThreshold,
		Window:           rt.FailureWindow,
		Cooldown:         rt.Cooldown,
		MaxCooldown:      rt.MaxCooldown,
	})
	if err != nil {
		return nil, &models.ConfigError{Field: "failure_threshold", Reason: err.Error()}
	}

	ranges := make(map[string]quality.Range, len(cfg.Quality.Ranges))
	for f, r := range cfg.Quality.Ranges {
		ranges[f] = quality.Range{Min: r.Min, Max: r.Max}
	}
	scorer := quality.NewScorer(quality.Rules{RequiredFields: cfg.Quality.RequiredFields, Ranges: ranges})

	runner := cycle.NewRunner(cfg.Name, deps.Fetcher, deps.Persister, limiter, cb, scorer, cycle.Options{
		FetchCost:        rt.FetchCost,
		CycleTimeout:     rt.CycleTimeout,
		QualityFloor:     rt.QualityFloor,
		RejectBelowFloor: rt.RejectBelowFloor,
		BatchAtomic:      rt.BatchAtomic,
	})

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:        cfg,
		rt:         rt,
		schedule:   sched,
		coverage:   deps.Coverage,
		observers:  deps.Observers,
		limiter:    limiter,
		breaker:    cb,
		runner:     runner,
		lock:       newRunLock(),
		history:    NewHistory(rt.HistorySize),
		log:        logger.GetLogger().WithComponent("collector").WithFields(logger.Fields{"collector": cfg.Name, "source": cfg.Source}),
		now:        time.Now,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		state:      StateIdle,
		stopped:    make(chan struct{}),
	}

	runner.OnVendorError = func(w models.CollectionWindow, err error) {
		rate.ReportLimitFromMessage(logger.GetLogger(), cfg.Source, strings.Join(w.Symbols, ","), "", cfg.Name, err.Error())
	}
	cb.OnTransition(func(t breaker.Transition) {
		r.log.WithFields(logger.Fields{"from": t.From.String(), "to": t.To.String()}).Warn("circuit state changed")
		for _, o := range r.observers {
			if co, ok := o.(CircuitObserver); ok {
				co.OnCircuitChange(cfg.Name, t)
			}
		}
	})
	return r, nil
}

func (r *Runtime) Name() string { return r.cfg.Name }

func (r *Runtime) Config() config.CollectorConfig { return r.cfg }

// Start launches the scheduling loop. It is the sole driver of live cycles;
// manual triggers and backfills serialize against it through the run-lock.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDraining || r.state == StateStopped {
		return ErrShuttingDown
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	schedCtx, cancel := context.WithCancel(r.lifeCtx)
	r.schedCancel = cancel
	r.wg.Add(1)
	go r.loop(schedCtx)

	r.log.WithFields(logger.Fields{
		"interval": r.cfg.Interval.String(),
		"cron":     r.cfg.Cron,
		"lookback": r.cfg.Lookback.String(),
	}).Info("collector started")
	return nil
}

func (r *Runtime) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		next := r.schedule.Next(r.now())
		r.mu.Lock()
		r.nextRun = next
		r.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// The cycle runs on the life context so cancelling the scheduler
		// does not interrupt it.
		if _, err := r.collect(r.lifeCtx, models.TriggerScheduled); err != nil && !errors.Is(err, ErrShuttingDown) {
			r.log.WithError(err).Warn("scheduled cycle not run")
		}
	}
}

// TriggerCollect runs one live cycle outside the scheduler's clock. Cycle
// failures are reported in the outcome; the error is non-nil only when the
// cycle could not be started.
func (r *Runtime) TriggerCollect(ctx context.Context) (models.CollectionOutcome, error) {
	return r.collect(ctx, models.TriggerManual)
}

func (r *Runtime) collect(ctx context.Context, trigger models.Trigger) (models.CollectionOutcome, error) {
	ctx, cancel := r.bind(ctx)
	defer cancel()

	fl, err := r.acquire(ctx, trigger)
	if err != nil {
		return models.CollectionOutcome{}, err
	}
	defer r.release(fl)

	now := r.now()
	window := models.NewWindow(now.Add(-r.cfg.Lookback), now, r.cfg.Symbols...)
	out, _ := r.runner.Run(ctx, trigger, window)
	r.record(fl, out)
	return out, nil
}

// TriggerBackfill analyses the requested range for gaps and replays them.
// With Force the whole range is treated as missing.
func (r *Runtime) TriggerBackfill(ctx context.Context, req BackfillRequest) (models.BackfillSummary, error) {
	if !req.End.After(req.Start) {
		return models.BackfillSummary{}, fmt.Errorf("backfill end must be after start")
	}
	if req.End.After(r.now()) {
		req.End = r.now()
		if !req.End.After(req.Start) {
			return models.BackfillSummary{}, fmt.Errorf("backfill range lies in the future")
		}
	}
	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = r.cfg.Symbols
	}

	r.mu.Lock()
	switch {
	case r.state == StateDraining || r.state == StateStopped:
		r.mu.Unlock()
		return models.BackfillSummary{}, ErrShuttingDown
	case r.backfilling:
		r.mu.Unlock()
		return models.BackfillSummary{}, ErrBackfillInProgress
	}
	r.backfilling = true
	if r.state == StateIdle {
		r.state = StateBackfilling
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.backfilling = false
		if r.state == StateBackfilling {
			r.state = StateIdle
		}
		r.mu.Unlock()
	}()

	ctx, cancel := r.bind(ctx)
	defer cancel()

	spec := gap.CoverageSpec{Start: req.Start, End: req.End, Granularity: r.cfg.Granularity, Entities: symbols}
	observed := r.coverage
	if req.Force || observed == nil {
		observed = gap.CoverageQueryFunc(func(context.Context, gap.CoverageSpec) ([]gap.BucketCoverage, error) {
			return nil, nil
		})
	}
	gaps, err := gap.NewAnalyzer(r.rt.QualityFloor, r.rt.DetectStale).FindGaps(ctx, spec, observed)
	if err != nil {
		return models.BackfillSummary{}, fmt.Errorf("find gaps: %w", err)
	}

	lock := &backfillLock{r: r}
	exec := backfill.NewExecutor(r.cfg.Name, r.runner, lock, r.coverage, backfill.Options{
		ChunkMaxSpan: r.rt.ChunkMaxSpan,
		Granularity:  r.cfg.Granularity,
		QualityFloor: r.rt.QualityFloor,
		DetectStale:  r.rt.DetectStale,
	})
	exec.OnOutcome = func(o models.CollectionOutcome) { r.record(lock.current, o) }

	summary := exec.Run(ctx, models.NewWindow(req.Start, req.End, symbols...), gaps, req.Force)
	for _, o := range r.observers {
		o.OnBackfill(r.cfg.Name, summary)
	}
	return summary, nil
}

// bind derives a context that is cancelled when either ctx or the runtime's
// life context ends.
func (r *Runtime) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.lifeCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// acquire takes the run-lock for a cycle and moves the state machine.
func (r *Runtime) acquire(ctx context.Context, trigger models.Trigger) (*flight, error) {
	if !r.accepting() {
		return nil, ErrShuttingDown
	}
	if err := r.lock.acquire(ctx); err != nil {
		if !r.accepting() {
			return nil, ErrShuttingDown
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDraining || r.state == StateStopped {
		r.lock.release()
		return nil, ErrShuttingDown
	}
	fl := &flight{trigger: trigger, started: r.now(), done: make(chan struct{})}
	r.flight = fl
	if trigger == models.TriggerBackfill {
		r.state = StateBackfilling
	} else {
		r.state = StateCollecting
	}
	return fl, nil
}

func (r *Runtime) release(fl *flight) {
	if fl == nil {
		return
	}
	r.mu.Lock()
	if r.flight == fl {
		r.flight = nil
	}
	if r.state == StateCollecting || r.state == StateBackfilling {
		if r.backfilling {
			r.state = StateBackfilling
		} else {
			r.state = StateIdle
		}
	}
	r.mu.Unlock()
	close(fl.done)
	r.lock.release()
}

func (r *Runtime) accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != StateDraining && r.state != StateStopped
}

// record appends an outcome to history and notifies observers. Outcomes of a
// flight abandoned at shutdown are discarded; a failure was already recorded
// in their place.
func (r *Runtime) record(fl *flight, out models.CollectionOutcome) {
	if fl != nil {
		r.mu.Lock()
		abandoned := fl.abandoned
		r.mu.Unlock()
		if abandoned {
			return
		}
	}
	r.publish(out)
}

func (r *Runtime) publish(out models.CollectionOutcome) {
	r.history.Add(out)
	logger.RecordCycle(r.cfg.Name, !out.Succeeded() && !out.Skipped(), out.Skipped(), out.RecordsFetched, out.RecordsPersisted)

	entry := r.log.WithFields(logger.Fields{
		"trigger":           string(out.Trigger),
		"window":            out.Window.String(),
		"records_fetched":   out.RecordsFetched,
		"records_persisted": out.RecordsPersisted,
		"quality_score":     out.QualityScore,
		"duration_ms":       out.Duration.Milliseconds(),
		"error_kind":        string(out.Error),
	})
	switch {
	case out.Succeeded():
		entry.Info("cycle completed")
	case out.Skipped():
		entry.Debug("cycle skipped, circuit open")
	case out.Trigger == models.TriggerShutdown:
		entry.WithFields(logger.Fields{"error": out.ErrorMessage}).Warn("cycle abandoned")
	default:
		entry.WithFields(logger.Fields{"error": out.ErrorMessage}).Warn("cycle failed")
	}

	for _, o := range r.observers {
		o.OnOutcome(r.cfg.Name, out)
	}
}

// Shutdown stops the scheduler immediately, waits up to shutdown_grace (or
// until ctx is done) for the in-flight cycle, then cancels and abandons it.
// The runtime is STOPPED when Shutdown returns.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateStopped:
		r.mu.Unlock()
		return nil
	case StateDraining:
		r.mu.Unlock()
		select {
		case <-r.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.state = StateDraining
	fl := r.flight
	if r.schedCancel != nil {
		r.schedCancel()
	}
	r.mu.Unlock()
	r.log.Info("collector draining")

	abandoned := false
	if fl != nil {
		grace := time.NewTimer(r.rt.ShutdownGrace)
		select {
		case <-fl.done:
		case <-grace.C:
			abandoned = true
		case <-ctx.Done():
			abandoned = true
		}
		grace.Stop()
	}

	if abandoned {
		r.mu.Lock()
		fl.abandoned = true
		r.mu.Unlock()
		r.lifeCancel()
		r.publish(models.CollectionOutcome{
			Trigger:      models.TriggerShutdown,
			StartedAt:    fl.started,
			Duration:     r.now().Sub(fl.started),
			Error:        models.ErrorKindAborted,
			ErrorMessage: fmt.Sprintf("%s cycle abandoned after shutdown grace", fl.trigger),
		})
	} else {
		r.lifeCancel()
		r.wg.Wait()
	}

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	close(r.stopped)
	r.log.Info("collector stopped")
	return nil
}

// Done is closed once the runtime reaches STOPPED.
func (r *Runtime) Done() <-chan struct{} { return r.stopped }

func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Health derives status from history, breaker and lifecycle state. It never
// mutates the runtime, so an OPEN breaker whose cooldown has elapsed is still
// reported OPEN (with CircuitRetryDue set) until the next cycle calls Allow.
func (r *Runtime) Health() Health {
	state := r.State()
	cb := r.breaker.Snapshot()
	circuit := cb.State
	successRate := r.history.SuccessRate()
	status, reason := evaluate(state, circuit, cb.RetryDue, successRate, thresholds{
		degraded:  r.rt.DegradedThreshold,
		unhealthy: r.rt.UnhealthyThreshold,
	})
	h := Health{
		Collector:          r.cfg.Name,
		Status:             status,
		Reason:             reason,
		State:              state,
		CircuitState:       circuit,
		CircuitRetryDue:    cb.RetryDue,
		RollingSuccessRate: successRate,
	}
	if last, ok := r.history.Last(); ok {
		h.LastOutcome = &last
	}
	return h
}

// History returns the retained outcomes, oldest first.
func (r *Runtime) History() []models.CollectionOutcome {
	return r.history.Outcomes()
}

// Snapshot is the metrics view of a runtime.
type Snapshot struct {
	Collector          string                     `json:"collector"`
	Source             string                     `json:"source"`
	State              State                      `json:"state"`
	Backfilling        bool                       `json:"backfilling"`
	NextRun            time.Time                  `json:"next_run,omitempty"`
	Circuit            breaker.Snapshot           `json:"circuit"`
	Limiter            ratelimit.Stats            `json:"limiter"`
	Utilization        float64                    `json:"limiter_utilization"`
	OutcomesTotal      int64                      `json:"outcomes_total"`
	OutcomesByKind     map[models.ErrorKind]int64 `json:"outcomes_by_kind"`
	RollingSuccessRate float64                    `json:"rolling_success_rate"`
	LastOutcome        *models.CollectionOutcome  `json:"last_outcome,omitempty"`
}

func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	state, backfilling, next := r.state, r.backfilling, r.nextRun
	r.mu.Unlock()

	total, byKind := r.history.Totals()
	s := Snapshot{
		Collector:          r.cfg.Name,
		Source:             r.cfg.Source,
		State:              state,
		Backfilling:        backfilling,
		NextRun:            next,
		Circuit:            r.breaker.Snapshot(),
		Limiter:            r.limiter.Stats(),
		Utilization:        r.limiter.Utilization(),
		OutcomesTotal:      total,
		OutcomesByKind:     byKind,
		RollingSuccessRate: r.history.SuccessRate(),
	}
	if last, ok := r.history.Last(); ok {
		s.LastOutcome = &last
	}
	return s
}
