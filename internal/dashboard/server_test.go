package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"collectorflow/config"
	"collectorflow/internal/collector"
	"collectorflow/internal/gap"
	"collectorflow/internal/metrics"
	"collectorflow/internal/models"
	"collectorflow/internal/store"
	"collectorflow/logger"
)

func testCollectorConfig(name string) config.CollectorConfig {
	rt := config.DefaultRuntimeConfig()
	rt.RateCapacity = 1000
	rt.RefillRate = 1000
	rt.ShutdownGrace = time.Second
	return config.CollectorConfig{
		Name:        name,
		Source:      "test",
		Interval:    time.Hour,
		Lookback:    time.Hour,
		Granularity: time.Hour,
		Symbols:     []string{"BTCUSDT"},
		Runtime:     rt,
	}
}

func hourly(ctx context.Context, w models.CollectionWindow) ([]models.Record, error) {
	var out []models.Record
	for t := gap.Align(w.Start, time.Hour); t.Before(w.End); t = t.Add(time.Hour) {
		if t.Before(w.Start) {
			continue
		}
		for _, s := range w.Symbols {
			out = append(out, models.Record{EntityKey: s, ObservedAt: t, Fields: map[string]interface{}{"close": 1.0}})
		}
	}
	return out, nil
}

type testEnv struct {
	srv    *Server
	router *gin.Engine
	mgr    *collector.Manager
}

func newTestEnv(t *testing.T, opts Options, fetchers map[string]models.FetcherFunc) testEnv {
	t.Helper()
	mem := store.NewMemory()
	mgr := collector.NewManager()
	for name, f := range fetchers {
		bound := store.ForCollector(mem, name)
		rt, err := collector.New(testCollectorConfig(name), collector.Deps{Fetcher: f, Persister: bound, Coverage: bound})
		if err != nil {
			t.Fatalf("collector.New: %v", err)
		}
		if err := mgr.Add(rt); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.ShutdownAll(ctx)
	})

	opts.Manager = mgr
	srv, err := NewServer(config.DashboardConfig{Enabled: true, RefreshInterval: time.Second, MetricsHistory: 50, LogHistory: 50}, logger.Logger(), opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)
	router, err := srv.buildRouter("collectorflow")
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	return testEnv{srv: srv, router: router, mgr: mgr}
}

func (e testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	e.router.ServeHTTP(res, req)
	return res
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{}, logger.Logger(), Options{})
	if err != nil || srv != nil {
		t.Fatalf("disabled dashboard = %v, %v", srv, err)
	}
	if _, err := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger(), Options{}); err == nil {
		t.Fatal("expected error without a manager")
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000"}, logger.Logger(), Options{Manager: collector.NewManager()})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	defer srv.cleanup()
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
}

func TestCollectEndpointRunsCycle(t *testing.T) {
	env := newTestEnv(t, Options{}, map[string]models.FetcherFunc{"klines": hourly})

	res := env.do(http.MethodPost, "/collectors/klines/collect", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("collect status = %d: %s", res.Code, res.Body)
	}
	var out models.CollectionOutcome
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out.Trigger != models.TriggerManual || !out.Succeeded() {
		t.Fatalf("unexpected outcome %+v", out)
	}

	res = env.do(http.MethodGet, "/collectors/klines/history?limit=1", nil)
	var hist struct {
		Outcomes []models.CollectionOutcome `json:"outcomes"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &hist); err != nil || len(hist.Outcomes) != 1 {
		t.Fatalf("history = %s (%v)", res.Body, err)
	}
	if res := env.do(http.MethodGet, "/collectors/klines/history?limit=-2", nil); res.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d", res.Code)
	}
}

func TestUnknownCollectorIs404(t *testing.T) {
	env := newTestEnv(t, Options{}, map[string]models.FetcherFunc{"klines": hourly})
	for _, path := range []string{"/collectors/nope/health", "/collectors/nope/metrics", "/collectors/nope/history"} {
		if res := env.do(http.MethodGet, path, nil); res.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d", path, res.Code)
		}
	}
	if res := env.do(http.MethodPost, "/collectors/nope/collect", nil); res.Code != http.StatusNotFound {
		t.Fatalf("collect status = %d", res.Code)
	}
}

func TestBackfillEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{}, map[string]models.FetcherFunc{"klines": hourly})
	end := time.Now().UTC().Truncate(time.Hour)
	start := end.Add(-4 * time.Hour)

	res := env.do(http.MethodPost, "/collectors/klines/backfill", map[string]interface{}{"start": start, "end": end})
	if res.Code != http.StatusOK {
		t.Fatalf("backfill status = %d: %s", res.Code, res.Body)
	}
	var body struct {
		Summary models.BackfillSummary `json:"summary"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if body.Summary.RecordsPersisted != 4 || body.Summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", body.Summary)
	}

	if res := env.do(http.MethodPost, "/collectors/klines/backfill", map[string]interface{}{"start": end}); res.Code != http.StatusBadRequest {
		t.Fatalf("missing end status = %d", res.Code)
	}
	if res := env.do(http.MethodPost, "/collectors/klines/backfill", map[string]interface{}{"start": end, "end": start}); res.Code != http.StatusBadRequest {
		t.Fatalf("inverted range status = %d", res.Code)
	}
}

func TestHealthReflectsWorstCollector(t *testing.T) {
	failing := func(context.Context, models.CollectionWindow) ([]models.Record, error) {
		return nil, errors.New("vendor down")
	}
	env := newTestEnv(t, Options{}, map[string]models.FetcherFunc{"klines": hourly, "funding": failing})

	if res := env.do(http.MethodGet, "/health", nil); res.Code != http.StatusOK {
		t.Fatalf("initial health status = %d", res.Code)
	}
	for i := 0; i < 3; i++ {
		env.do(http.MethodPost, "/collectors/funding/collect", nil)
	}

	res := env.do(http.MethodGet, "/health", nil)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d: %s", res.Code, res.Body)
	}
	if res := env.do(http.MethodGet, "/collectors/klines/health", nil); res.Code != http.StatusOK {
		t.Fatalf("healthy collector status = %d", res.Code)
	}
	if res := env.do(http.MethodGet, "/collectors/funding/health", nil); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing collector status = %d", res.Code)
	}
}

func TestLivenessReadinessAndScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := metrics.NewRecorder(reg); err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	var storeDown atomic.Bool
	env := newTestEnv(t, Options{
		Gatherer:   reg,
		Registerer: reg,
		ReadinessChecks: map[string]healthcheck.Check{
			"store": func() error {
				if storeDown.Load() {
					return errors.New("connection refused")
				}
				return nil
			},
		},
	}, map[string]models.FetcherFunc{"klines": hourly})

	if res := env.do(http.MethodGet, "/live", nil); res.Code != http.StatusOK {
		t.Fatalf("live status = %d", res.Code)
	}
	if res := env.do(http.MethodGet, "/ready", nil); res.Code != http.StatusOK {
		t.Fatalf("ready status = %d: %s", res.Code, res.Body)
	}
	storeDown.Store(true)
	if res := env.do(http.MethodGet, "/ready", nil); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with store down = %d", res.Code)
	}
	storeDown.Store(false)

	_ = env.mgr.ShutdownAll(context.Background())
	if res := env.do(http.MethodGet, "/ready", nil); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready after shutdown = %d", res.Code)
	}
	if res := env.do(http.MethodPost, "/collectors/klines/collect", nil); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("collect after shutdown = %d", res.Code)
	}

	res := env.do(http.MethodGet, "/metrics", nil)
	if res.Code != http.StatusOK || !bytes.Contains(res.Body.Bytes(), []byte("healthcheck")) {
		t.Fatalf("scrape status %d missing healthcheck gauges", res.Code)
	}
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	env := newTestEnv(t, Options{}, map[string]models.FetcherFunc{"klines": hourly})
	metrics.EmitMetric(logger.Logger(), "collector", "cycles_succeeded", 1, "counter", logger.Fields{"collector": "klines"})

	res := env.do(http.MethodGet, "/api/metrics", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if len(env.srv.metricStore.snapshot()) == 0 {
		t.Fatal("metrics store empty")
	}
	if got := env.srv.metricStore.forCollector("klines"); len(got) != 1 {
		t.Fatalf("collector events = %d", len(got))
	}
}

func TestLogsEndpointFilters(t *testing.T) {
	env := newTestEnv(t, Options{}, map[string]models.FetcherFunc{"klines": hourly})
	log := logger.Logger()
	log.AddHook(env.srv.logStore)
	log.WithComponent("archive").Warn("upload slow")
	log.WithComponent("store").Info("connected")

	res := env.do(http.MethodGet, "/api/logs?level=warning", nil)
	var body struct {
		Logs []map[string]interface{} `json:"logs"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(body.Logs) != 1 || body.Logs[0]["component"] != "archive" {
		t.Fatalf("unexpected logs %v", body.Logs)
	}
	if res := env.do(http.MethodGet, "/api/logs?level=loud", nil); res.Code != http.StatusBadRequest {
		t.Fatalf("bad level status = %d", res.Code)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://10.1.2.3:8080":           "10.1.2.3:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestScrapeEndpointAbsentWithoutGatherer(t *testing.T) {
	env := newTestEnv(t, Options{}, map[string]models.FetcherFunc{"klines": hourly})
	if res := env.do(http.MethodGet, "/metrics", nil); res.Code != http.StatusNotFound {
		t.Fatalf("/metrics status = %d, want 404", res.Code)
	}
	if res := env.do(http.MethodGet, "/live", nil); res.Code != http.StatusOK {
		t.Fatalf("/live status = %d", res.Code)
	}
}
