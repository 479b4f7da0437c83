package collector

import (
	"fmt"

	"collectorflow/internal/breaker"
	"collectorflow/internal/models"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is the derived, read-only status of a runtime.
type Health struct {
	Collector          string                    `json:"collector"`
	Status             HealthStatus              `json:"status"`
	Reason             string                    `json:"reason,omitempty"`
	State              State                     `json:"state"`
	CircuitState       breaker.State             `json:"circuit_state"`
	CircuitRetryDue    bool                      `json:"circuit_retry_due"`
	RollingSuccessRate float64                   `json:"rolling_success_rate"`
	LastOutcome        *models.CollectionOutcome `json:"last_outcome,omitempty"`
}

type thresholds struct {
	degraded  float64
	unhealthy float64
}

func evaluate(state State, circuit breaker.State, retryDue bool, rate float64, t thresholds) (HealthStatus, string) {
	switch {
	case state == StateDraining || state == StateStopped:
		return StatusUnhealthy, fmt.Sprintf("runtime is %s", state)
	case circuit == breaker.Open && retryDue:
		return StatusUnhealthy, "circuit breaker is open, trial call due on the next cycle"
	case circuit == breaker.Open:
		return StatusUnhealthy, "circuit breaker is open"
	case rate < t.unhealthy:
		return StatusUnhealthy, fmt.Sprintf("success rate %.2f below %.2f", rate, t.unhealthy)
	case rate < t.degraded:
		return StatusDegraded, fmt.Sprintf("success rate %.2f below %.2f", rate, t.degraded)
	case circuit == breaker.HalfOpen:
		return StatusDegraded, "circuit breaker is probing"
	default:
		return StatusHealthy, ""
	}
}
