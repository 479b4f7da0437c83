// Package gap derives backfill windows by comparing the expected bucket
// lattice of a dataset with what the store actually holds.
package gap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"collectorflow/internal/models"
)

// CoverageSpec is the nominal coverage of a dataset: one record per entity
// per Granularity bucket over [Start, End). An empty Entities list means the
// dataset is tracked as a whole.
type CoverageSpec struct {
	Start       time.Time
	End         time.Time
	Granularity time.Duration
	Entities    []string
}

// BucketCoverage is what the store holds for one entity in one bucket.
type BucketCoverage struct {
	Entity      string
	Bucket      time.Time
	Quality     float64
	CollectedAt time.Time
}

// CoverageQuery is the read-only view of the store used by the analyzer.
type CoverageQuery interface {
	Coverage(ctx context.Context, spec CoverageSpec) ([]BucketCoverage, error)
}

// CoverageQueryFunc adapts a function to CoverageQuery.
type CoverageQueryFunc func(ctx context.Context, spec CoverageSpec) ([]BucketCoverage, error)

func (f CoverageQueryFunc) Coverage(ctx context.Context, spec CoverageSpec) ([]BucketCoverage, error) {
	return f(ctx, spec)
}

// Align returns the start of the bucket containing t. Buckets are aligned to
// the Unix epoch.
func Align(t time.Time, granularity time.Duration) time.Time {
	ns := t.UnixNano()
	g := int64(granularity)
	rem := ns % g
	if rem < 0 {
		rem += g
	}
	return time.Unix(0, ns-rem).UTC()
}

// Buckets lists the bucket starts overlapping [spec.Start, spec.End).
func Buckets(spec CoverageSpec) []time.Time {
	if spec.Granularity <= 0 || !spec.End.After(spec.Start) {
		return nil
	}
	var out []time.Time
	for b := Align(spec.Start, spec.Granularity); b.Before(spec.End); b = b.Add(spec.Granularity) {
		out = append(out, b)
	}
	return out
}

// Analyzer classifies buckets as missing, low quality or stale.
type Analyzer struct {
	// QualityFloor is the minimum bucket quality considered acceptable.
	QualityFloor float64
	// DetectStale flags buckets whose data was collected before the bucket
	// closed. Only meaningful for datasets whose records are final once the
	// bucket ends, such as candles.
	DetectStale bool
}

func NewAnalyzer(qualityFloor float64, detectStale bool) *Analyzer {
	return &Analyzer{QualityFloor: qualityFloor, DetectStale: detectStale}
}

type cell struct {
	entity string
	bucket int64
}

// FindGaps returns the windows that need backfilling, oldest first. Each
// (entity, bucket) pair appears in at most one descriptor. Adjacent buckets
// sharing a reason and entity set are coalesced into a single window.
func (a *Analyzer) FindGaps(ctx context.Context, spec CoverageSpec, observed CoverageQuery) ([]models.GapDescriptor, error) {
	if spec.Granularity <= 0 {
		return nil, fmt.Errorf("granularity must be greater than 0")
	}
	buckets := Buckets(spec)
	if len(buckets) == 0 {
		return nil, nil
	}

	coverage, err := observed.Coverage(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("query coverage: %w", err)
	}

	entities := normalize(spec.Entities)
	scoped := len(entities) > 0
	if !scoped {
		entities = []string{""}
	}

	seen := make(map[cell]BucketCoverage, len(coverage))
	for _, c := range coverage {
		entity := c.Entity
		if !scoped {
			entity = ""
		}
		k := cell{entity: entity, bucket: Align(c.Bucket, spec.Granularity).UnixNano()}
		if prev, ok := seen[k]; ok && prev.Quality >= c.Quality {
			continue
		}
		seen[k] = c
	}

	var out []models.GapDescriptor
	for _, reason := range []models.GapReason{models.GapMissing, models.GapLowQuality, models.GapStale} {
		var (
			runStart int
			runSet   []string
		)
		flush := func(end int) {
			if runSet == nil {
				return
			}
			out = append(out, a.descriptor(spec, buckets[runStart], buckets[end-1], runSet, scoped, reason))
			runSet = nil
		}

		for i, b := range buckets {
			var set []string
			for _, e := range entities {
				if a.classify(seen, e, b, spec.Granularity) == reason {
					set = append(set, e)
				}
			}
			if runSet != nil && !equal(runSet, set) {
				flush(i)
			}
			if len(set) > 0 && runSet == nil {
				runStart, runSet = i, set
			}
		}
		flush(len(buckets))
	}

	order := map[models.GapReason]int{models.GapMissing: 0, models.GapLowQuality: 1, models.GapStale: 2}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Window.Start.Equal(out[j].Window.Start) {
			return out[i].Window.Start.Before(out[j].Window.Start)
		}
		return order[out[i].Reason] < order[out[j].Reason]
	})
	return out, nil
}

// classify returns "" for a bucket that needs no work.
func (a *Analyzer) classify(seen map[cell]BucketCoverage, entity string, bucket time.Time, g time.Duration) models.GapReason {
	c, ok := seen[cell{entity: entity, bucket: bucket.UnixNano()}]
	switch {
	case !ok:
		return models.GapMissing
	case c.Quality < a.QualityFloor:
		return models.GapLowQuality
	case a.DetectStale && !c.CollectedAt.IsZero() && c.CollectedAt.Before(bucket.Add(g)):
		return models.GapStale
	default:
		return ""
	}
}

func (a *Analyzer) descriptor(spec CoverageSpec, first, last time.Time, set []string, scoped bool, reason models.GapReason) models.GapDescriptor {
	start, end := first, last.Add(spec.Granularity)
	if start.Before(spec.Start) {
		start = spec.Start
	}
	if end.After(spec.End) {
		end = spec.End
	}
	var symbols []string
	if scoped {
		symbols = set
	}
	return models.GapDescriptor{Window: models.NewWindow(start, end, symbols...), Reason: reason}
}

func normalize(entities []string) []string {
	set := make(map[string]struct{}, len(entities))
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, ok := set[e]; ok {
			continue
		}
		set[e] = struct{}{}
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
