package metrics

import "collectorflow/logger"

// DropMetric names the metric emitted when a buffered item is discarded.
type DropMetric string

const (
	// DropMetricOutcomeEvent records outcome events discarded because the
	// publisher buffer was full.
	DropMetricOutcomeEvent DropMetric = "outcome_events_dropped"
	// DropMetricArchiveRecords records batches discarded because the archive
	// buffer reached its limit.
	DropMetricArchiveRecords DropMetric = "archive_batches_dropped"
)

// EmitDropMetric emits a single dropped-item count. Empty metadata values are
// left out of the fields.
func EmitDropMetric(log *logger.Log, metric DropMetric, collector, stage string) {
	fields := logger.Fields{}
	if collector != "" {
		fields["collector"] = collector
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
