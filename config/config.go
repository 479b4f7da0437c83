package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"collectorflow/internal/models"
)

type Config struct {
	Collectorflow CollectorflowConfig `yaml:"collectorflow"`
	Logging       LoggingConfig       `yaml:"logging"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Collectors    []CollectorConfig   `yaml:"collectors"`
	Sources       SourcesConfig       `yaml:"sources"`
	Storage       StorageConfig       `yaml:"storage"`
	Events        EventsConfig        `yaml:"events"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
}

type CollectorflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// RuntimeConfig is the construction surface of a collector runtime. The
// top-level block supplies defaults; each collector may override any key.
type RuntimeConfig struct {
	RateCapacity       int           `yaml:"rate_capacity"`
	RefillRate         float64       `yaml:"refill_rate"`
	FetchCost          int           `yaml:"fetch_cost"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	FailureWindow      int           `yaml:"failure_window"`
	Cooldown           time.Duration `yaml:"cooldown"`
	MaxCooldown        time.Duration `yaml:"max_cooldown"`
	ChunkMaxSpan       time.Duration `yaml:"chunk_max_span"`
	QualityFloor       float64       `yaml:"quality_floor"`
	RejectBelowFloor   bool          `yaml:"reject_below_floor"`
	BatchAtomic        bool          `yaml:"batch_atomic"`
	DetectStale        bool          `yaml:"detect_stale"`
	CycleTimeout       time.Duration `yaml:"cycle_timeout"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	HistorySize        int           `yaml:"history_size"`
	DegradedThreshold  float64       `yaml:"degraded_threshold"`
	UnhealthyThreshold float64       `yaml:"unhealthy_threshold"`
}

// DefaultRuntimeConfig returns the values used when a key is absent from
// both the runtime block and the collector override.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		RateCapacity:       10,
		RefillRate:         1,
		FetchCost:          1,
		FailureThreshold:   3,
		FailureWindow:      5,
		Cooldown:           30 * time.Second,
		MaxCooldown:        10 * time.Minute,
		ChunkMaxSpan:       24 * time.Hour,
		QualityFloor:       0.6,
		CycleTimeout:       30 * time.Second,
		ShutdownGrace:      10 * time.Second,
		HistorySize:        100,
		DegradedThreshold:  0.9,
		UnhealthyThreshold: 0.5,
	}
}

// Validate checks the runtime surface and returns a *models.ConfigError for
// the first invalid value.
func (c RuntimeConfig) Validate() error {
	switch {
	case c.RateCapacity <= 0:
		return &models.ConfigError{Field: "rate_capacity", Reason: "must be greater than 0"}
	case c.RefillRate <= 0:
		return &models.ConfigError{Field: "refill_rate", Reason: "must be greater than 0"}
	case c.FetchCost <= 0:
		return &models.ConfigError{Field: "fetch_cost", Reason: "must be greater than 0"}
	case c.FetchCost > c.RateCapacity:
		return &models.ConfigError{Field: "fetch_cost", Reason: "must not exceed rate_capacity"}
	case c.FailureThreshold <= 0:
		return &models.ConfigError{Field: "failure_threshold", Reason: "must be greater than 0"}
	case c.FailureWindow < c.FailureThreshold:
		return &models.ConfigError{Field: "failure_window", Reason: "must be at least failure_threshold"}
	case c.Cooldown <= 0:
		return &models.ConfigError{Field: "cooldown", Reason: "must be greater than 0"}
	case c.MaxCooldown < c.Cooldown:
		return &models.ConfigError{Field: "max_cooldown", Reason: "must be at least cooldown"}
	case c.ChunkMaxSpan < 0:
		return &models.ConfigError{Field: "chunk_max_span", Reason: "must not be negative"}
	case c.QualityFloor < 0 || c.QualityFloor > 1:
		return &models.ConfigError{Field: "quality_floor", Reason: "must be within [0, 1]"}
	case c.CycleTimeout <= 0:
		return &models.ConfigError{Field: "cycle_timeout", Reason: "must be greater than 0"}
	case c.ShutdownGrace <= 0:
		return &models.ConfigError{Field: "shutdown_grace", Reason: "must be greater than 0"}
	case c.HistorySize <= 0:
		return &models.ConfigError{Field: "history_size", Reason: "must be greater than 0"}
	case c.UnhealthyThreshold < 0 || c.UnhealthyThreshold > 1:
		return &models.ConfigError{Field: "unhealthy_threshold", Reason: "must be within [0, 1]"}
	case c.DegradedThreshold < c.UnhealthyThreshold || c.DegradedThreshold > 1:
		return &models.ConfigError{Field: "degraded_threshold", Reason: "must be within [unhealthy_threshold, 1]"}
	}
	return nil
}

type CollectorConfig struct {
	Name        string            `yaml:"name"`
	Source      string            `yaml:"source"`
	Interval    time.Duration     `yaml:"interval"`
	Cron        string            `yaml:"cron"`
	Lookback    time.Duration     `yaml:"lookback"`
	Granularity time.Duration     `yaml:"granularity"`
	Symbols     []string          `yaml:"symbols"`
	Quality     QualityConfig     `yaml:"quality"`
	Params      map[string]string `yaml:"params"`

	// Overrides holds the raw collector runtime block; Runtime is the
	// effective configuration after it has been merged over the defaults.
	Overrides yaml.Node     `yaml:"runtime"`
	Runtime   RuntimeConfig `yaml:"-"`
}

type QualityConfig struct {
	RequiredFields []string               `yaml:"required_fields"`
	Ranges         map[string]RangeConfig `yaml:"ranges"`
}

type RangeConfig struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

type SourcesConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	URL            string               `yaml:"url"`
	Timeout        time.Duration        `yaml:"timeout"`
	KlineLimit     int                  `yaml:"kline_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	Enabled        bool   `yaml:"enabled"`
	DSN            string `yaml:"dsn"`
	MaxConns       int    `yaml:"max_conns"`
	Schema         string `yaml:"schema"`
	Table          string `yaml:"table"`
	SimpleProtocol bool   `yaml:"simple_protocol"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBufferSize   int           `yaml:"max_buffer_size"`
}

type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	BufferSize int      `yaml:"buffer_size"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Namespace       string        `yaml:"namespace"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Runtime: DefaultRuntimeConfig(),
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{Prometheus: true},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range config.Collectors {
		c := &config.Collectors[i]
		c.Runtime = config.Runtime
		if !c.Overrides.IsZero() {
			if err := c.Overrides.Decode(&c.Runtime); err != nil {
				return nil, fmt.Errorf("failed to parse runtime overrides for collector %q: %w", c.Name, err)
			}
		}
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("PG_DSN"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Events.Kafka.Brokers = brokers
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Collectorflow.Name == "" {
		return &models.ConfigError{Field: "collectorflow.name", Reason: "is required"}
	}
	if cfg.Collectorflow.Version == "" {
		return &models.ConfigError{Field: "collectorflow.version", Reason: "is required"}
	}

	if err := cfg.Runtime.Validate(); err != nil {
		return prefixConfigError("runtime.", err)
	}

	if len(cfg.Collectors) == 0 {
		return &models.ConfigError{Field: "collectors", Reason: "at least one collector is required"}
	}
	seen := make(map[string]struct{}, len(cfg.Collectors))
	for i, c := range cfg.Collectors {
		prefix := fmt.Sprintf("collectors[%d].", i)
		if _, dup := seen[c.Name]; dup {
			return &models.ConfigError{Field: prefix + "name", Reason: fmt.Sprintf("duplicate collector name %q", c.Name)}
		}
		seen[c.Name] = struct{}{}
		if err := c.Validate(); err != nil {
			return prefixConfigError(prefix, err)
		}
	}

	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return &models.ConfigError{Field: "storage.postgres.dsn", Reason: "is required when postgres is enabled"}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return &models.ConfigError{Field: "storage.s3.bucket", Reason: "is required when S3 is enabled"}
		}
		if cfg.Storage.S3.Region == "" {
			return &models.ConfigError{Field: "storage.s3.region", Reason: "is required when S3 is enabled"}
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return &models.ConfigError{Field: "storage.s3.bucket", Reason: fmt.Sprintf("'%s' is invalid", cfg.Storage.S3.Bucket)}
		}
	}

	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return &models.ConfigError{Field: "events.kafka.brokers", Reason: "are required when kafka is enabled"}
		}
		if cfg.Events.Kafka.Topic == "" {
			return &models.ConfigError{Field: "events.kafka.topic", Reason: "is required when kafka is enabled"}
		}
	}

	return nil
}

// Validate checks a single collector definition, including its effective
// runtime configuration.
func (c CollectorConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &models.ConfigError{Field: "name", Reason: "is required"}
	}
	if c.Source == "" {
		return &models.ConfigError{Field: "source", Reason: "is required"}
	}
	if c.Interval <= 0 && c.Cron == "" {
		return &models.ConfigError{Field: "interval", Reason: "either interval or cron is required"}
	}
	if c.Interval > 0 && c.Cron != "" {
		return &models.ConfigError{Field: "cron", Reason: "interval and cron are mutually exclusive"}
	}
	if c.Lookback <= 0 {
		return &models.ConfigError{Field: "lookback", Reason: "must be greater than 0"}
	}
	if c.Granularity <= 0 {
		return &models.ConfigError{Field: "granularity", Reason: "must be greater than 0"}
	}
	for field, r := range c.Quality.Ranges {
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return &models.ConfigError{Field: "quality.ranges." + field, Reason: "min exceeds max"}
		}
	}
	if err := c.Runtime.Validate(); err != nil {
		return prefixConfigError("runtime.", err)
	}
	return nil
}

func prefixConfigError(prefix string, err error) error {
	if ce, ok := err.(*models.ConfigError); ok {
		return &models.ConfigError{Field: prefix + ce.Field, Reason: ce.Reason}
	}
	return err
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
