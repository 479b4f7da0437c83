// Package quality scores collected batches for completeness and validity.
package quality

import (
	"fmt"
	"sort"

	"github.com/spf13/cast"

	"collectorflow/internal/models"
)

// Range bounds a numeric field. Nil bounds are open.
type Range struct {
	Min *float64
	Max *float64
}

func (r Range) contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// Rules declares what a valid record looks like.
type Rules struct {
	RequiredFields []string
	Ranges         map[string]Range
}

// Result is the outcome of scoring one batch.
type Result struct {
	Score      float64
	Examined   int
	Valid      int
	Duplicates int
	Violations []models.Violation
	// Passed is aligned with the scored slice: Passed[i] reports whether
	// records[i] satisfied every rule. Duplicates inherit the verdict of the
	// first occurrence.
	Passed []bool
}

// Scorer applies a fixed rule set. It holds no mutable state and is safe for
// concurrent use.
type Scorer struct {
	required []string
	ranges   map[string]Range
	fields   []string
}

func NewScorer(rules Rules) *Scorer {
	required := append([]string(nil), rules.RequiredFields...)
	sort.Strings(required)
	ranges := make(map[string]Range, len(rules.Ranges))
	fields := make([]string, 0, len(rules.Ranges))
	for f, r := range rules.Ranges {
		ranges[f] = r
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return &Scorer{required: required, ranges: ranges, fields: fields}
}

// Score returns valid/examined over the unique (entity, timestamp) pairs in
// records. An empty batch scores 0 with a no_data violation.
func (s *Scorer) Score(records []models.Record) Result {
	res := Result{Passed: make([]bool, len(records))}
	if len(records) == 0 {
		res.Violations = []models.Violation{{Kind: models.ViolationNoData, Detail: "batch contained no records"}}
		return res
	}

	seen := make(map[models.RecordKey]int, len(records))
	for i, rec := range records {
		if rec.EntityKey == "" || rec.ObservedAt.IsZero() {
			res.Examined++
			res.Violations = append(res.Violations, models.Violation{
				Kind:       models.ViolationMissingKey,
				EntityKey:  rec.EntityKey,
				ObservedAt: rec.ObservedAt,
				Detail:     "record has no entity key or observation time",
			})
			continue
		}

		key := rec.Key()
		if first, dup := seen[key]; dup {
			res.Duplicates++
			res.Passed[i] = res.Passed[first]
			res.Violations = append(res.Violations, models.Violation{
				Kind:       models.ViolationDuplicate,
				EntityKey:  rec.EntityKey,
				ObservedAt: rec.ObservedAt,
			})
			continue
		}
		seen[key] = i
		res.Examined++

		violations := s.check(rec)
		if len(violations) == 0 {
			res.Valid++
			res.Passed[i] = true
			continue
		}
		res.Violations = append(res.Violations, violations...)
	}

	if res.Examined > 0 {
		res.Score = float64(res.Valid) / float64(res.Examined)
	}
	return res
}

func (s *Scorer) check(rec models.Record) []models.Violation {
	var out []models.Violation
	for _, field := range s.required {
		if v, ok := rec.Fields[field]; !ok || v == nil {
			out = append(out, models.Violation{
				Kind:       models.ViolationMissingField,
				EntityKey:  rec.EntityKey,
				ObservedAt: rec.ObservedAt,
				Field:      field,
			})
		}
	}
	for _, field := range s.fields {
		raw, ok := rec.Fields[field]
		if !ok || raw == nil {
			continue
		}
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			out = append(out, models.Violation{
				Kind:       models.ViolationOutOfRange,
				EntityKey:  rec.EntityKey,
				ObservedAt: rec.ObservedAt,
				Field:      field,
				Detail:     fmt.Sprintf("value %v is not numeric", raw),
			})
			continue
		}
		if !s.ranges[field].contains(v) {
			out = append(out, models.Violation{
				Kind:       models.ViolationOutOfRange,
				EntityKey:  rec.EntityKey,
				ObservedAt: rec.ObservedAt,
				Field:      field,
				Detail:     fmt.Sprintf("value %v outside allowed range", v),
			})
		}
	}
	return out
}

// Stamp sets Record.Quality to 1 for passing records and 0 otherwise.
func (r Result) Stamp(records []models.Record) {
	for i := range records {
		if i < len(r.Passed) && r.Passed[i] {
			records[i].Quality = 1
		} else {
			records[i].Quality = 0
		}
	}
}

// CountByKind groups violations for reporting.
func (r Result) CountByKind() map[models.ViolationKind]int {
	out := make(map[models.ViolationKind]int)
	for _, v := range r.Violations {
		out[v.Kind]++
	}
	return out
}
