package collector

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"collectorflow/internal/models"
)

// flight tracks the cycle currently holding the run-lock.
type flight struct {
	trigger   models.Trigger
	started   time.Time
	done      chan struct{}
	abandoned bool // guarded by Runtime.mu
}

// runLock is the single-slot lock that serializes live and backfill cycles of
// one runtime. Acquisition honours ctx.
type runLock struct {
	sem *semaphore.Weighted
}

func newRunLock() *runLock {
	return &runLock{sem: semaphore.NewWeighted(1)}
}

func (l *runLock) acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l *runLock) release() {
	l.sem.Release(1)
}

// backfillLock adapts the runtime's run-lock to backfill.Locker for a single
// backfill run, tracking the flight of the chunk in progress.
type backfillLock struct {
	r       *Runtime
	current *flight
}

func (b *backfillLock) Lock(ctx context.Context) error {
	fl, err := b.r.acquire(ctx, models.TriggerBackfill)
	if err != nil {
		return err
	}
	b.current = fl
	return nil
}

func (b *backfillLock) Unlock() {
	fl := b.current
	b.current = nil
	b.r.release(fl)
}
