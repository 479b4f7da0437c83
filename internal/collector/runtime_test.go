package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collectorflow/config"
	"collectorflow/internal/breaker"
	"collectorflow/internal/gap"
	"collectorflow/internal/models"
	"collectorflow/internal/store"
)

func testConfig(name string) config.CollectorConfig {
	rt := config.DefaultRuntimeConfig()
	rt.RateCapacity = 1000
	rt.RefillRate = 1000
	rt.Cooldown = time.Minute
	rt.ShutdownGrace = time.Second
	return config.CollectorConfig{
		Name:        name,
		Source:      "test",
		Interval:    time.Hour,
		Lookback:    time.Hour,
		Granularity: time.Hour,
		Symbols:     []string{"BTCUSDT", "ETHUSDT"},
		Runtime:     rt,
	}
}

// hourlyFetcher returns one record per symbol and hour bucket in the window.
func hourlyFetcher(calls *atomic.Int32) models.FetcherFunc {
	return func(ctx context.Context, w models.CollectionWindow) ([]models.Record, error) {
		if calls != nil {
			calls.Add(1)
		}
		var out []models.Record
		for t := gap.Align(w.Start, time.Hour); t.Before(w.End); t = t.Add(time.Hour) {
			if t.Before(w.Start) {
				continue
			}
			for _, s := range w.Symbols {
				out = append(out, models.Record{EntityKey: s, ObservedAt: t, Fields: map[string]interface{}{"close": 1.5}})
			}
		}
		return out, nil
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []models.CollectionOutcome
	summaries []models.BackfillSummary
	changes   []breaker.Transition
}

func (o *recordingObserver) OnOutcome(_ string, out models.CollectionOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
}

func (o *recordingObserver) OnBackfill(_ string, s models.BackfillSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, s)
}

func (o *recordingObserver) OnCircuitChange(_ string, t breaker.Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, t)
}

func (o *recordingObserver) count() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.outcomes), len(o.summaries), len(o.changes)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("bad")
	cfg.Runtime.FetchCost = cfg.Runtime.RateCapacity + 1
	_, err := New(cfg, Deps{Fetcher: hourlyFetcher(nil), Persister: store.NewMemory()})
	var ce *models.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}

	if _, err := New(testConfig("nofetch"), Deps{Persister: store.NewMemory()}); !errors.As(err, &ce) || ce.Field != "fetcher" {
		t.Fatalf("expected fetcher ConfigError, got %v", err)
	}
}

func TestTriggerCollectRecordsOutcome(t *testing.T) {
	mem := store.NewMemory()
	obs := &recordingObserver{}
	r, err := New(testConfig("klines"), Deps{
		Fetcher:   hourlyFetcher(nil),
		Persister: mem,
		Observers: []Observer{obs},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Shutdown(context.Background())

	out, err := r.TriggerCollect(context.Background())
	if err != nil {
		t.Fatalf("TriggerCollect: %v", err)
	}
	if !out.Succeeded() || out.Trigger != models.TriggerManual {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.RecordsFetched == 0 || out.RecordsPersisted != out.RecordsFetched {
		t.Fatalf("fetched %d persisted %d", out.RecordsFetched, out.RecordsPersisted)
	}
	if got := len(mem.Records("klines")); got != out.RecordsPersisted {
		t.Fatalf("store holds %d records, want %d", got, out.RecordsPersisted)
	}
	if n, _, _ := obs.count(); n != 1 {
		t.Fatalf("observer saw %d outcomes, want 1", n)
	}
	if h := r.History(); len(h) != 1 || h[0].Trigger != models.TriggerManual {
		t.Fatalf("unexpected history %+v", h)
	}
	if r.State() != StateIdle {
		t.Fatalf("state = %s, want IDLE", r.State())
	}
	if health := r.Health(); health.Status != StatusHealthy || health.LastOutcome == nil {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestScheduledCyclesRun(t *testing.T) {
	cfg := testConfig("sched")
	cfg.Interval = 10 * time.Millisecond
	var calls atomic.Int32
	r, err := New(cfg, Deps{Fetcher: hourlyFetcher(&calls), Persister: store.NewMemory()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(r.History()) >= 3 })
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, o := range r.History() {
		if o.Trigger != models.TriggerScheduled {
			t.Fatalf("unexpected trigger %s", o.Trigger)
		}
	}
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != after {
		t.Fatal("scheduler kept running after shutdown")
	}
	if _, err := r.TriggerCollect(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("trigger after shutdown = %v", err)
	}
}

func TestFailuresOpenCircuitAndDegradeHealth(t *testing.T) {
	cfg := testConfig("failing")
	obs := &recordingObserver{}
	r, err := New(cfg, Deps{
		Fetcher: models.FetcherFunc(func(context.Context, models.CollectionWindow) ([]models.Record, error) {
			return nil, errors.New("503 service unavailable")
		}),
		Persister: store.NewMemory(),
		Observers: []Observer{obs},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Shutdown(context.Background())

	for i := 0; i < cfg.Runtime.FailureThreshold; i++ {
		out, _ := r.TriggerCollect(context.Background())
		if out.Error != models.ErrorKindVendor {
			t.Fatalf("cycle %d: error kind %s", i, out.Error)
		}
	}
	out, _ := r.TriggerCollect(context.Background())
	if !out.Skipped() {
		t.Fatalf("expected skipped cycle once circuit opened, got %+v", out)
	}
	h := r.Health()
	if h.Status != StatusUnhealthy || h.CircuitState != breaker.Open {
		t.Fatalf("unexpected health %+v", h)
	}
	if h.RollingSuccessRate != 0 {
		t.Fatalf("skipped cycles must not count: rate %.2f", h.RollingSuccessRate)
	}
	if _, _, changes := obs.count(); changes != 1 {
		t.Fatalf("observer saw %d circuit changes, want 1", changes)
	}
}

func TestHealthFlagsDueCircuitRetry(t *testing.T) {
	cfg := testConfig("cooling")
	cfg.Runtime.Cooldown = 20 * time.Millisecond
	r, err := New(cfg, Deps{
		Fetcher: models.FetcherFunc(func(context.Context, models.CollectionWindow) ([]models.Record, error) {
			return nil, errors.New("503 service unavailable")
		}),
		Persister: store.NewMemory(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Shutdown(context.Background())

	for i := 0; i < cfg.Runtime.FailureThreshold; i++ {
		_, _ = r.TriggerCollect(context.Background())
	}
	if h := r.Health(); h.CircuitState != breaker.Open || h.CircuitRetryDue {
		t.Fatalf("expected open circuit in cooldown, got %+v", h)
	}
	waitFor(t, time.Second, func() bool { return r.Health().CircuitRetryDue })
	h := r.Health()
	if h.CircuitState != breaker.Open || h.Status != StatusUnhealthy {
		t.Fatalf("health must not advance the breaker: %+v", h)
	}
	if !r.Snapshot().Circuit.RetryDue {
		t.Fatal("snapshot does not report the due retry")
	}
}

func TestBackfillGuard(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 16)
	fetch := models.FetcherFunc(func(ctx context.Context, w models.CollectionWindow) ([]models.Record, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return hourlyFetcher(nil)(ctx, w)
	})
	r, err := New(testConfig("guard"), Deps{Fetcher: fetch, Persister: store.NewMemory()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Shutdown(context.Background())

	end := gap.Align(time.Now(), time.Hour)
	req := BackfillRequest{Start: end.Add(-3 * time.Hour), End: end, Force: true}

	done := make(chan models.BackfillSummary, 1)
	go func() {
		s, err := r.TriggerBackfill(context.Background(), req)
		if err != nil {
			t.Errorf("TriggerBackfill: %v", err)
		}
		done <- s
	}()
	<-entered

	if r.State() != StateBackfilling {
		t.Fatalf("state = %s, want BACKFILLING", r.State())
	}
	if _, err := r.TriggerBackfill(context.Background(), req); !errors.Is(err, ErrBackfillInProgress) {
		t.Fatalf("concurrent backfill = %v", err)
	}

	close(release)
	summary := <-done
	if summary.Completed != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if r.State() != StateIdle {
		t.Fatalf("state after backfill = %s", r.State())
	}
}

func TestBackfillIsIdempotentAgainstStore(t *testing.T) {
	mem := store.NewMemory()
	var calls atomic.Int32
	obs := &recordingObserver{}
	r, err := New(testConfig("idem"), Deps{
		Fetcher:   hourlyFetcher(&calls),
		Persister: store.ForCollector(mem, "idem"),
		Coverage:  store.ForCollector(mem, "idem"),
		Observers: []Observer{obs},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Shutdown(context.Background())

	end := gap.Align(time.Now(), time.Hour)
	req := BackfillRequest{Start: end.Add(-6 * time.Hour), End: end}

	first, err := r.TriggerBackfill(context.Background(), req)
	if err != nil {
		t.Fatalf("first backfill: %v", err)
	}
	if first.Windows == 0 || first.RecordsPersisted != 12 {
		t.Fatalf("unexpected first summary %+v", first)
	}
	fetched := calls.Load()

	second, err := r.TriggerBackfill(context.Background(), req)
	if err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	if second.Windows != 0 || second.RecordsPersisted != 0 {
		t.Fatalf("second backfill should find no gaps: %+v", second)
	}
	if calls.Load() != fetched {
		t.Fatal("second backfill fetched from the vendor")
	}

	forced, err := r.TriggerBackfill(context.Background(), BackfillRequest{Start: req.Start, End: req.End, Force: true})
	if err != nil {
		t.Fatalf("forced backfill: %v", err)
	}
	if forced.RecordsFetched != 12 {
		t.Fatalf("force should refetch the whole range: %+v", forced)
	}
	if got := len(mem.Records("idem")); got != 12 {
		t.Fatalf("store holds %d records after overlapping writes, want 12", got)
	}
	if _, summaries, _ := obs.count(); summaries != 3 {
		t.Fatalf("observer saw %d summaries, want 3", summaries)
	}
}

func TestLiveAndBackfillNeverOverlap(t *testing.T) {
	cfg := testConfig("exclusive")
	cfg.Interval = 3 * time.Millisecond
	cfg.Runtime.ChunkMaxSpan = time.Hour
	cfg.Runtime.HistorySize = 1000

	var active, peak atomic.Int32
	fetch := models.FetcherFunc(func(ctx context.Context, w models.CollectionWindow) ([]models.Record, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return hourlyFetcher(nil)(ctx, w)
	})
	r, err := New(cfg, Deps{Fetcher: fetch, Persister: store.NewMemory()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	end := gap.Align(time.Now(), time.Hour)
	summary, err := r.TriggerBackfill(context.Background(), BackfillRequest{Start: end.Add(-8 * time.Hour), End: end, Force: true})
	if err != nil {
		t.Fatalf("TriggerBackfill: %v", err)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if peak.Load() != 1 {
		t.Fatalf("observed %d concurrent fetches", peak.Load())
	}
	if summary.Completed != summary.Windows {
		t.Fatalf("unexpected summary %+v", summary)
	}
	backfills := 0
	for _, o := range r.History() {
		if o.Trigger == models.TriggerBackfill {
			backfills++
		}
	}
	if backfills != 8 {
		t.Fatalf("history holds %d backfill chunks, want 8", backfills)
	}
}

func TestShutdownWaitsForInFlightCycle(t *testing.T) {
	entered := make(chan struct{})
	fetch := models.FetcherFunc(func(ctx context.Context, w models.CollectionWindow) ([]models.Record, error) {
		close(entered)
		time.Sleep(30 * time.Millisecond)
		return hourlyFetcher(nil)(ctx, w)
	})
	r, err := New(testConfig("drain"), Deps{Fetcher: fetch, Persister: store.NewMemory()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan models.CollectionOutcome, 1)
	go func() {
		out, _ := r.TriggerCollect(context.Background())
		done <- out
	}()
	<-entered

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	out := <-done
	if !out.Succeeded() {
		t.Fatalf("in-flight cycle should finish within grace: %+v", out)
	}
	if h := r.History(); len(h) != 1 || h[0].Trigger != models.TriggerManual {
		t.Fatalf("unexpected history %+v", h)
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s", r.State())
	}
}

func TestShutdownAbandonsCycleAfterGrace(t *testing.T) {
	cfg := testConfig("abandon")
	cfg.Runtime.ShutdownGrace = 20 * time.Millisecond
	entered := make(chan struct{})
	fetch := models.FetcherFunc(func(ctx context.Context, w models.CollectionWindow) ([]models.Record, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := New(cfg, Deps{Fetcher: fetch, Persister: store.NewMemory()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.TriggerCollect(context.Background())
	}()
	<-entered

	start := time.Now()
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
	<-done

	h := r.History()
	if len(h) != 1 {
		t.Fatalf("history holds %d outcomes, want exactly the abandonment", len(h))
	}
	if h[0].Trigger != models.TriggerShutdown || h[0].Error != models.ErrorKindAborted {
		t.Fatalf("unexpected abandonment outcome %+v", h[0])
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s", r.State())
	}
	if health := r.Health(); health.Status != StatusUnhealthy {
		t.Fatalf("stopped runtime reported %s", health.Status)
	}
	// Repeated shutdown is a no-op.
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestTriggerBackfillRejectsEmptyRange(t *testing.T) {
	r, err := New(testConfig("range"), Deps{Fetcher: hourlyFetcher(nil), Persister: store.NewMemory()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Shutdown(context.Background())
	now := time.Now()
	if _, err := r.TriggerBackfill(context.Background(), BackfillRequest{Start: now, End: now}); err == nil {
		t.Fatal("expected error for empty range")
	}
}
