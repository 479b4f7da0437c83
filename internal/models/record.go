package models

import (
	"context"
	"time"
)

// Record is a single collected observation. The runtime only ever looks at
// EntityKey, ObservedAt and which Fields are present; the meaning of the
// fields belongs to the collector that produced them.
type Record struct {
	EntityKey  string                 `json:"entity_key"`
	ObservedAt time.Time              `json:"observed_at"`
	Fields     map[string]interface{} `json:"fields"`
	// Quality is stamped by the runtime before persist: 1 for a record that
	// passed scoring, 0 otherwise.
	Quality float64 `json:"quality"`
}

// Key identifies a record for duplicate detection.
func (r Record) Key() RecordKey {
	return RecordKey{EntityKey: r.EntityKey, ObservedAt: r.ObservedAt.UnixNano()}
}

// RecordKey is the (entity, timestamp) identity of a record.
type RecordKey struct {
	EntityKey  string
	ObservedAt int64
}

// Fetcher requests the records covering a window from a vendor.
type Fetcher interface {
	Fetch(ctx context.Context, window CollectionWindow) ([]Record, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, window CollectionWindow) ([]Record, error)

func (f FetcherFunc) Fetch(ctx context.Context, window CollectionWindow) ([]Record, error) {
	return f(ctx, window)
}

// Persister writes records to the store and reports how many were persisted.
// Implementations must tolerate overlapping and duplicate records.
type Persister interface {
	Persist(ctx context.Context, collector string, records []Record) (int, error)
}

// PersisterFunc adapts a plain function to Persister.
type PersisterFunc func(ctx context.Context, collector string, records []Record) (int, error)

func (f PersisterFunc) Persist(ctx context.Context, collector string, records []Record) (int, error) {
	return f(ctx, collector, records)
}
