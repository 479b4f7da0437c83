package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"collectorflow/config"
	"collectorflow/internal/breaker"
	"collectorflow/internal/collector"
	"collectorflow/internal/models"
	"collectorflow/internal/ratelimit"
	"collectorflow/logger"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s %v not found", name, labels)
	return 0
}

func TestRecorderOutcomes(t *testing.T) {
	resetMetricHandlers()
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	var events []Metric
	id := RegisterMetricHandler(func(m Metric) { events = append(events, m) })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	rec.OnOutcome("klines", models.CollectionOutcome{
		Trigger:          models.TriggerScheduled,
		Duration:         120 * time.Millisecond,
		RecordsFetched:   10,
		RecordsPersisted: 9,
		QualityScore:     0.9,
		Error:            models.ErrorKindNone,
	})
	rec.OnOutcome("klines", models.CollectionOutcome{Trigger: models.TriggerScheduled, Error: models.ErrorKindCircuitOpen})

	if got := gatherValue(t, reg, "collectorflow_cycles_total", map[string]string{"collector": "klines", "result": "none"}); got != 1 {
		t.Fatalf("successful cycles = %.0f", got)
	}
	if got := gatherValue(t, reg, "collectorflow_cycles_total", map[string]string{"collector": "klines", "result": "circuit_open"}); got != 1 {
		t.Fatalf("skipped cycles = %.0f", got)
	}
	if got := gatherValue(t, reg, "collectorflow_records_total", map[string]string{"stage": "persisted"}); got != 9 {
		t.Fatalf("persisted records = %.0f", got)
	}
	if got := gatherValue(t, reg, "collectorflow_quality_score", map[string]string{"collector": "klines"}); got != 0.9 {
		t.Fatalf("quality = %.2f; empty batches must not overwrite it", got)
	}
	if got := gatherValue(t, reg, "collectorflow_cycle_duration_seconds", map[string]string{"trigger": "scheduled"}); got != 2 {
		t.Fatalf("duration samples = %.0f", got)
	}

	names := map[string]int{}
	for _, e := range events {
		names[e.Name]++
	}
	if names["cycles_succeeded"] != 1 || names["cycles_skipped"] != 1 || names["records_persisted"] != 1 {
		t.Fatalf("unexpected metric events %v", names)
	}
}

func TestRecorderCircuitAndBackfill(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.OnCircuitChange("klines", breaker.Transition{From: breaker.Closed, To: breaker.Open, At: time.Now()})
	if got := gatherValue(t, reg, "collectorflow_circuit_state", map[string]string{"collector": "klines"}); got != float64(breaker.Open) {
		t.Fatalf("circuit state = %.0f", got)
	}
	if got := gatherValue(t, reg, "collectorflow_circuit_opens_total", nil); got != 1 {
		t.Fatalf("circuit opens = %.0f", got)
	}

	rec.OnBackfill("klines", models.BackfillSummary{Windows: 4, Completed: 2, Failed: 1, Remaining: 1, CircuitOpened: true})
	if got := gatherValue(t, reg, "collectorflow_backfill_windows_total", map[string]string{"status": "unprocessed"}); got != 1 {
		t.Fatalf("unprocessed windows = %.0f", got)
	}
	if got := gatherValue(t, reg, "collectorflow_backfill_runs_total", map[string]string{"stopped": "true"}); got != 1 {
		t.Fatalf("stopped runs = %.0f", got)
	}

	rec.Sample([]collector.Snapshot{{
		Collector:          "klines",
		Limiter:            ratelimit.Stats{Capacity: 10, Tokens: 4},
		Utilization:        0.6,
		RollingSuccessRate: 0.75,
		Circuit:            breaker.Snapshot{State: breaker.HalfOpen},
	}})
	if got := gatherValue(t, reg, "collectorflow_limiter_utilization", nil); got != 0.6 {
		t.Fatalf("utilization = %.2f", got)
	}
	if got := gatherValue(t, reg, "collectorflow_circuit_state", nil); got != float64(breaker.HalfOpen) {
		t.Fatalf("sampled circuit state = %.0f", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	rec.OnOutcome("klines", models.CollectionOutcome{Trigger: models.TriggerManual, Error: models.ErrorKindVendor})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `collectorflow_cycles_total{collector="klines",result="vendor",trigger="manual"} 1`) {
		t.Fatalf("scrape output missing cycle counter:\n%s", body)
	}
}

func TestReportWriterAndDrops(t *testing.T) {
	resetMetricHandlers()
	var names []string
	id := RegisterMetricHandler(func(m Metric) { names = append(names, m.Name) })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	ReportWriter(logger.GetLogger(), "archive", WriterStats{BatchesWritten: 3, FilesWritten: 1, BytesWritten: 2048})
	EmitDropMetric(nil, DropMetricOutcomeEvent, "klines", "publish")

	joined := strings.Join(names, ",")
	for _, want := range []string{"batches_written", "files_written", "bytes_written", string(DropMetricOutcomeEvent)} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s in %s", want, joined)
		}
	}
}

func TestSetupHonoursPrometheusFlag(t *testing.T) {
	rec, reg, err := Setup(config.MetricsConfig{Prometheus: false})
	if err != nil || rec != nil || reg != nil {
		t.Fatalf("disabled setup = %v, %v, %v", rec, reg, err)
	}

	rec, reg, err = Setup(config.MetricsConfig{Prometheus: true})
	if err != nil || rec == nil || reg == nil {
		t.Fatalf("enabled setup = %v, %v, %v", rec, reg, err)
	}
	rec.OnOutcome("klines", models.CollectionOutcome{Trigger: models.TriggerManual, RecordsFetched: 2, RecordsPersisted: 2})
	if got := gatherValue(t, reg, "collectorflow_cycles_total", map[string]string{"collector": "klines"}); got != 1 {
		t.Fatalf("cycles = %v", got)
	}
}
