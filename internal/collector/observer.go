package collector

import (
	"collectorflow/internal/breaker"
	"collectorflow/internal/models"
)

// Observer receives every recorded outcome and backfill summary. Calls are
// made synchronously in record order, so implementations must not block.
type Observer interface {
	OnOutcome(collector string, outcome models.CollectionOutcome)
	OnBackfill(collector string, summary models.BackfillSummary)
}

// CircuitObserver is implemented by observers that also track breaker
// transitions.
type CircuitObserver interface {
	OnCircuitChange(collector string, t breaker.Transition)
}
