package collector

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"collectorflow/config"
)

// everySchedule fires at a fixed interval from the previous activation. Unlike
// cron.Every it keeps sub-second precision.
type everySchedule struct {
	interval time.Duration
}

func (s everySchedule) Next(t time.Time) time.Time {
	return t.Add(s.interval)
}

func newSchedule(cfg config.CollectorConfig) (cron.Schedule, error) {
	if cfg.Cron != "" {
		s, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", cfg.Cron, err)
		}
		return s, nil
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be greater than 0")
	}
	return everySchedule{interval: cfg.Interval}, nil
}
