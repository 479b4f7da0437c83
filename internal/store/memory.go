package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"collectorflow/internal/gap"
	"collectorflow/internal/models"
)

type memoryRecord struct {
	record      models.Record
	collectedAt time.Time
}

// Memory is an in-process Store used for dry runs and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[models.RecordKey]memoryRecord
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[models.RecordKey]memoryRecord),
		now:     time.Now,
	}
}

func (m *Memory) Persist(ctx context.Context, collector string, records []models.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.records[collector]
	if !ok {
		byKey = make(map[models.RecordKey]memoryRecord)
		m.records[collector] = byKey
	}
	for _, r := range records {
		byKey[r.Key()] = memoryRecord{record: r, collectedAt: now}
	}
	return len(records), nil
}

func (m *Memory) Coverage(ctx context.Context, collector string, spec gap.CoverageSpec) ([]gap.BucketCoverage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type agg struct {
		sum       float64
		n         int
		collected time.Time
	}
	type key struct {
		entity string
		bucket int64
	}

	entities := make(map[string]struct{}, len(spec.Entities))
	for _, e := range spec.Entities {
		entities[e] = struct{}{}
	}
	from := gap.Align(spec.Start, spec.Granularity)

	m.mu.RLock()
	buckets := make(map[key]*agg)
	for _, mr := range m.records[collector] {
		r := mr.record
		if r.ObservedAt.Before(from) || !r.ObservedAt.Before(spec.End) {
			continue
		}
		if len(entities) > 0 {
			if _, ok := entities[r.EntityKey]; !ok {
				continue
			}
		}
		k := key{entity: r.EntityKey, bucket: gap.Align(r.ObservedAt, spec.Granularity).UnixNano()}
		a, ok := buckets[k]
		if !ok {
			a = &agg{}
			buckets[k] = a
		}
		a.sum += r.Quality
		a.n++
		if mr.collectedAt.After(a.collected) {
			a.collected = mr.collectedAt
		}
	}
	m.mu.RUnlock()

	out := make([]gap.BucketCoverage, 0, len(buckets))
	for k, a := range buckets {
		out = append(out, gap.BucketCoverage{
			Entity:      k.entity,
			Bucket:      time.Unix(0, k.bucket).UTC(),
			Quality:     a.sum / float64(a.n),
			CollectedAt: a.collected,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		return out[i].Entity < out[j].Entity
	})
	return out, nil
}

// Records returns the stored records of a collector ordered by observation
// time.
func (m *Memory) Records(collector string) []models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Record, 0, len(m.records[collector]))
	for _, mr := range m.records[collector] {
		out = append(out, mr.record)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].EntityKey < out[j].EntityKey
	})
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
