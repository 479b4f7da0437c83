package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"collectorflow/internal/models"
)

const baseConfig = `collectorflow:
  name: "TestApp"
  version: "1.0"
runtime:
  rate_capacity: 5
  refill_rate: 1
  failure_threshold: 2
  failure_window: 4
  cooldown: 2s
  max_cooldown: 20s
collectors:
  - name: "a"
    source: "stub"
    interval: 1s
    lookback: 1m
    granularity: 1m
    symbols: ["BTCUSDT"]
  - name: "b"
    source: "stub"
    cron: "*/5 * * * *"
    lookback: 1h
    granularity: 5m
    runtime:
      fetch_cost: 3
      quality_floor: 0.8
storage:
  s3:
    enabled: false
`

// writeTempConfig creates a configuration file for LoadConfig and returns its
// path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Collectorflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Collectorflow.Name)
	}
	if len(cfg.Collectors) != 2 {
		t.Fatalf("expected 2 collectors, got %d", len(cfg.Collectors))
	}
	if cfg.Collectors[0].Interval != time.Second {
		t.Errorf("unexpected interval: %s", cfg.Collectors[0].Interval)
	}
}

func TestLoadConfigRuntimeOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	a, b := cfg.Collectors[0].Runtime, cfg.Collectors[1].Runtime
	if a.RateCapacity != 5 || a.FetchCost != 1 {
		t.Errorf("collector a should inherit runtime block, got %+v", a)
	}
	if a.HistorySize != DefaultRuntimeConfig().HistorySize {
		t.Errorf("collector a should keep default history size, got %d", a.HistorySize)
	}
	if b.FetchCost != 3 || b.QualityFloor != 0.8 {
		t.Errorf("collector b overrides not applied: %+v", b)
	}
	if b.RateCapacity != 5 || b.Cooldown != 2*time.Second {
		t.Errorf("collector b should inherit non-overridden keys: %+v", b)
	}
}

func TestLoadConfigRejectsInvalidRuntime(t *testing.T) {
	content := strings.Replace(baseConfig, "fetch_cost: 3", "fetch_cost: 9", 1)
	_, err := LoadConfig(writeTempConfig(t, content))
	if err == nil {
		t.Fatal("expected error for fetch_cost above rate_capacity")
	}
	var ce *models.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
	if ce.Field != "collectors[1].runtime.fetch_cost" {
		t.Errorf("unexpected field: %s", ce.Field)
	}
}

func TestRuntimeConfigValidate(t *testing.T) {
	cases := map[string]func(*RuntimeConfig){
		"rate_capacity":       func(c *RuntimeConfig) { c.RateCapacity = 0 },
		"refill_rate":         func(c *RuntimeConfig) { c.RefillRate = -1 },
		"failure_window":      func(c *RuntimeConfig) { c.FailureWindow = 1 },
		"max_cooldown":        func(c *RuntimeConfig) { c.MaxCooldown = time.Second },
		"quality_floor":       func(c *RuntimeConfig) { c.QualityFloor = 1.5 },
		"degraded_threshold":  func(c *RuntimeConfig) { c.DegradedThreshold = 0.1 },
		"unhealthy_threshold": func(c *RuntimeConfig) { c.UnhealthyThreshold = -0.1 },
	}
	for field, mutate := range cases {
		cfg := DefaultRuntimeConfig()
		mutate(&cfg)
		err := cfg.Validate()
		var ce *models.ConfigError
		if !errors.As(err, &ce) || ce.Field != field {
			t.Errorf("%s: expected ConfigError on field, got %v", field, err)
		}
	}
	if err := DefaultRuntimeConfig().Validate(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
}

func TestCollectorScheduleRequired(t *testing.T) {
	c := CollectorConfig{Name: "x", Source: "stub", Lookback: time.Minute, Granularity: time.Minute, Runtime: DefaultRuntimeConfig()}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error without interval or cron")
	}
	c.Interval = time.Second
	c.Cron = "* * * * *"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when both interval and cron are set")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://env")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := LoadConfig(writeTempConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.Postgres.DSN != "postgres://env" {
		t.Errorf("PG_DSN not applied: %s", cfg.Storage.Postgres.DSN)
	}
	if len(cfg.Events.Kafka.Brokers) != 2 || cfg.Events.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("KAFKA_BROKERS not applied: %v", cfg.Events.Kafka.Brokers)
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	for _, p := range []string{base, prod} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath(base); got != prod {
		t.Errorf("ResolvePath() = %s, want %s", got, prod)
	}
	t.Setenv("APP_ENV", "staging")
	if got := ResolvePath(base); got != base {
		t.Errorf("ResolvePath() = %s, want %s", got, base)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Errorf("staging should be production-like")
	}
	t.Setenv("APP_ENV", "")
	if env := AppEnvironment(); env != EnvironmentDevelopment || IsProductionLike(env) {
		t.Errorf("AppEnvironment() = %s", env)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"my-bucket", "bucket.name", "abc"}
	invalid := []string{"ab", "Upper", "bad..dots", ".start", "end-"}
	for _, b := range valid {
		if !isValidS3Bucket(b) {
			t.Errorf("expected %q to be valid", b)
		}
	}
	for _, b := range invalid {
		if isValidS3Bucket(b) {
			t.Errorf("expected %q to be invalid", b)
		}
	}
}
