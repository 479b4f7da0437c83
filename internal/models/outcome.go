package models

import "time"

// Trigger identifies what started a cycle.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerBackfill  Trigger = "backfill"
	TriggerShutdown  Trigger = "shutdown"
)

// ViolationKind names a data quality problem found while scoring.
type ViolationKind string

const (
	ViolationNoData       ViolationKind = "no_data"
	ViolationMissingKey   ViolationKind = "missing_key"
	ViolationMissingField ViolationKind = "missing_field"
	ViolationOutOfRange   ViolationKind = "out_of_range"
	ViolationDuplicate    ViolationKind = "duplicate"
)

// Violation is a single quality finding.
type Violation struct {
	Kind       ViolationKind `json:"kind"`
	EntityKey  string        `json:"entity_key,omitempty"`
	ObservedAt time.Time     `json:"observed_at,omitempty"`
	Field      string        `json:"field,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// CollectionOutcome is the result of one cycle, live or backfill.
type CollectionOutcome struct {
	Trigger          Trigger          `json:"trigger"`
	Window           CollectionWindow `json:"window"`
	StartedAt        time.Time        `json:"started_at"`
	Duration         time.Duration    `json:"duration"`
	RecordsFetched   int              `json:"records_fetched"`
	RecordsPersisted int              `json:"records_persisted"`
	QualityScore     float64          `json:"quality_score"`
	Violations       int              `json:"violations"`
	Error            ErrorKind        `json:"error"`
	ErrorMessage     string           `json:"error_message,omitempty"`
}

// Succeeded reports whether the cycle completed without error.
func (o CollectionOutcome) Succeeded() bool {
	return o.Error == "" || o.Error == ErrorKindNone
}

// Skipped reports whether the cycle never reached the vendor because the
// circuit was open.
func (o CollectionOutcome) Skipped() bool {
	return o.Error == ErrorKindCircuitOpen
}

// WindowStatus is the final state of one backfill window.
type WindowStatus string

const (
	WindowCompleted   WindowStatus = "completed"
	WindowFailed      WindowStatus = "failed"
	WindowSkipped     WindowStatus = "skipped"
	WindowUnprocessed WindowStatus = "unprocessed"
)

// WindowResult reports how one gap window was handled by a backfill run.
type WindowResult struct {
	Gap              GapDescriptor `json:"gap"`
	Status           WindowStatus  `json:"status"`
	Chunks           int           `json:"chunks"`
	RecordsFetched   int           `json:"records_fetched"`
	RecordsPersisted int           `json:"records_persisted"`
	QualityScore     float64       `json:"quality_score"`
	Error            ErrorKind     `json:"error,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// BackfillSummary aggregates a backfill run.
type BackfillSummary struct {
	RunID            string           `json:"run_id"`
	Collector        string           `json:"collector"`
	Requested        CollectionWindow `json:"requested"`
	Force            bool             `json:"force"`
	Windows          int              `json:"windows"`
	Completed        int              `json:"completed"`
	Failed           int              `json:"failed"`
	Skipped          int              `json:"skipped"`
	Remaining        int              `json:"remaining"`
	CircuitOpened    bool             `json:"circuit_opened"`
	RecordsFetched   int              `json:"records_fetched"`
	RecordsPersisted int              `json:"records_persisted"`
	Duration         time.Duration    `json:"duration"`
	Results          []WindowResult   `json:"results"`
}

// FailedWindows lists the windows that failed so operators can target re-runs.
func (s BackfillSummary) FailedWindows() []WindowResult {
	var out []WindowResult
	for _, r := range s.Results {
		if r.Status == WindowFailed {
			out = append(out, r)
		}
	}
	return out
}
