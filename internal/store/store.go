// Package store persists collected records and answers coverage queries for
// gap analysis.
package store

import (
	"context"

	"collectorflow/internal/gap"
	"collectorflow/internal/models"
)

// Store is the record sink shared by every collector in a process. Persist
// must be an idempotent upsert keyed on (collector, entity, observed_at).
type Store interface {
	Persist(ctx context.Context, collector string, records []models.Record) (int, error)
	Coverage(ctx context.Context, collector string, spec gap.CoverageSpec) ([]gap.BucketCoverage, error)
	Ping(ctx context.Context) error
	Close()
}

// ForCollector binds a Store to a single collector name.
func ForCollector(s Store, collector string) Collector {
	return Collector{store: s, name: collector}
}

// Collector is a Store view scoped to one collector. It satisfies both
// models.Persister and gap.CoverageQuery.
type Collector struct {
	store Store
	name  string
}

func (c Collector) Persist(ctx context.Context, _ string, records []models.Record) (int, error) {
	return c.store.Persist(ctx, c.name, records)
}

func (c Collector) Coverage(ctx context.Context, spec gap.CoverageSpec) ([]gap.BucketCoverage, error) {
	return c.store.Coverage(ctx, c.name, spec)
}
