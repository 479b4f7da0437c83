// Package metrics exposes collector activity as Prometheus series, structured
// metric events and, when configured, CloudWatch data points.
//
// Registered series:
//
//	collectorflow_cycles_total{collector,trigger,result}
//	collectorflow_records_total{collector,stage}
//	collectorflow_cycle_duration_seconds{collector,trigger}
//	collectorflow_quality_score{collector}
//	collectorflow_circuit_state{collector}
//	collectorflow_circuit_opens_total{collector}
//	collectorflow_limiter_tokens{collector}
//	collectorflow_limiter_utilization{collector}
//	collectorflow_success_rate{collector}
//	collectorflow_backfill_windows_total{collector,status}
//	go_* and process_* system metrics
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collectorflow/config"
	"collectorflow/internal/breaker"
	"collectorflow/internal/collector"
	"collectorflow/internal/metrics/rate"
	"collectorflow/internal/models"
	"collectorflow/logger"
)

// Recorder turns runtime outcomes into metrics. It implements
// collector.Observer and collector.CircuitObserver.
type Recorder struct {
	log *logger.Log

	cycles        *prometheus.CounterVec
	records       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	quality       *prometheus.GaugeVec
	circuitState  *prometheus.GaugeVec
	circuitOpens  *prometheus.CounterVec
	tokens        *prometheus.GaugeVec
	utilization   *prometheus.GaugeVec
	successRate   *prometheus.GaugeVec
	backfillWins  *prometheus.CounterVec
	backfillRuns  *prometheus.CounterVec
}

// NewRecorder creates the collector series and registers them, together with
// the Go and process collectors and the vendor limit counters, on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		log: logger.GetLogger(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectorflow_cycles_total",
			Help: "Collection cycles by trigger and result",
		}, []string{"collector", "trigger", "result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectorflow_records_total",
			Help: "Records fetched from vendors and persisted to the store",
		}, []string{"collector", "stage"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collectorflow_cycle_duration_seconds",
			Help:    "Wall time of collection cycles",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"collector", "trigger"}),
		quality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collectorflow_quality_score",
			Help: "Quality score of the most recent batch",
		}, []string{"collector"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collectorflow_circuit_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"collector"}),
		circuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectorflow_circuit_opens_total",
			Help: "Transitions of the circuit breaker into OPEN",
		}, []string{"collector"}),
		tokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collectorflow_limiter_tokens",
			Help: "Tokens currently available in the rate limiter",
		}, []string{"collector"}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collectorflow_limiter_utilization",
			Help: "Share of rate limiter capacity in use",
		}, []string{"collector"}),
		successRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collectorflow_success_rate",
			Help: "Rolling success rate over retained outcomes",
		}, []string{"collector"}),
		backfillWins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectorflow_backfill_windows_total",
			Help: "Backfill windows by final status",
		}, []string{"collector", "status"}),
		backfillRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectorflow_backfill_runs_total",
			Help: "Backfill runs, labelled by whether the circuit stopped them",
		}, []string{"collector", "stopped"}),
	}

	for _, c := range []prometheus.Collector{
		r.cycles, r.records, r.duration, r.quality, r.circuitState, r.circuitOpens,
		r.tokens, r.utilization, r.successRate, r.backfillWins, r.backfillRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	if err := rate.Register(reg); err != nil {
		return nil, err
	}
	return r, nil
}

// Setup builds a registry and recorder when Prometheus export is enabled.
// With it disabled all results are nil and no series are registered.
func Setup(cfg config.MetricsConfig) (*Recorder, *prometheus.Registry, error) {
	if !cfg.Prometheus {
		return nil, nil, nil
	}
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	if err != nil {
		return nil, nil, err
	}
	return rec, reg, nil
}

// Handler serves the series gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func resultLabel(o models.CollectionOutcome) string {
	if o.Error == "" {
		return string(models.ErrorKindNone)
	}
	return string(o.Error)
}

func (r *Recorder) OnOutcome(name string, o models.CollectionOutcome) {
	r.cycles.WithLabelValues(name, string(o.Trigger), resultLabel(o)).Inc()
	r.records.WithLabelValues(name, "fetched").Add(float64(o.RecordsFetched))
	r.records.WithLabelValues(name, "persisted").Add(float64(o.RecordsPersisted))
	r.duration.WithLabelValues(name, string(o.Trigger)).Observe(o.Duration.Seconds())
	if o.RecordsFetched > 0 {
		r.quality.WithLabelValues(name).Set(o.QualityScore)
	}

	fields := logger.Fields{"collector": name}
	switch {
	case o.Succeeded():
		EmitMetric(r.log, "collector", "cycles_succeeded", int64(1), "counter", fields)
	case o.Skipped():
		EmitMetric(r.log, "collector", "cycles_skipped", int64(1), "counter", fields)
	default:
		EmitMetric(r.log, "collector", "cycles_failed", int64(1), "counter", fields)
	}
	if o.RecordsFetched > 0 {
		EmitMetric(r.log, "collector", "records_fetched", o.RecordsFetched, "counter", fields)
		EmitMetric(r.log, "collector", "records_persisted", o.RecordsPersisted, "counter", fields)
		EmitMetric(r.log, "collector", "quality_score", o.QualityScore, "gauge", fields)
	}
}

func (r *Recorder) OnBackfill(name string, s models.BackfillSummary) {
	r.backfillWins.WithLabelValues(name, string(models.WindowCompleted)).Add(float64(s.Completed))
	r.backfillWins.WithLabelValues(name, string(models.WindowFailed)).Add(float64(s.Failed))
	r.backfillWins.WithLabelValues(name, string(models.WindowSkipped)).Add(float64(s.Skipped))
	r.backfillWins.WithLabelValues(name, string(models.WindowUnprocessed)).Add(float64(s.Remaining))
	stopped := "false"
	if s.CircuitOpened {
		stopped = "true"
	}
	r.backfillRuns.WithLabelValues(name, stopped).Inc()

	EmitMetric(r.log, "backfill", "windows_completed", s.Completed, "counter", logger.Fields{"collector": name})
	EmitMetric(r.log, "backfill", "windows_failed", s.Failed, "counter", logger.Fields{"collector": name})
}

func (r *Recorder) OnCircuitChange(name string, t breaker.Transition) {
	r.circuitState.WithLabelValues(name).Set(float64(t.To))
	if t.To == breaker.Open {
		r.circuitOpens.WithLabelValues(name).Inc()
		EmitMetric(r.log, "breaker", "circuit_opened", int64(1), "counter", logger.Fields{"collector": name})
	}
}

// Sample refreshes the gauges that are not driven by outcomes.
func (r *Recorder) Sample(snapshots []collector.Snapshot) {
	for _, s := range snapshots {
		r.tokens.WithLabelValues(s.Collector).Set(s.Limiter.Tokens)
		r.utilization.WithLabelValues(s.Collector).Set(s.Utilization)
		r.successRate.WithLabelValues(s.Collector).Set(s.RollingSuccessRate)
		r.circuitState.WithLabelValues(s.Collector).Set(float64(s.Circuit.State))
	}
}

// StartSampler calls Sample with the manager's snapshots every interval until
// ctx is done.
func (r *Recorder) StartSampler(ctx context.Context, m *collector.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			r.Sample(snapshots(m))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func snapshots(m *collector.Manager) []collector.Snapshot {
	runtimes := m.List()
	out := make([]collector.Snapshot, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, rt.Snapshot())
	}
	return out
}
