package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"collectorflow/internal/metrics"
)

// ring keeps the newest limit items. It is safe for concurrent use.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

// filter returns the retained items accepted by keep, oldest first. A nil
// keep returns everything.
func (r *ring[T]) filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.items))
	for _, it := range r.items {
		if keep == nil || keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// metricStore retains the most recent metric events emitted through
// metrics.EmitMetric.
type metricStore struct {
	*ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{ring: newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) { s.push(metric) }

func (s *metricStore) snapshot() []metrics.Metric { return s.filter(nil) }

// forCollector keeps the events tagged with the given collector.
func (s *metricStore) forCollector(name string) []metrics.Metric {
	return s.filter(func(m metrics.Metric) bool {
		c, _ := m.Fields["collector"].(string)
		return c == name
	})
}

// logRecord is a captured log entry as served by /api/logs.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	severity  logrus.Level
}

// logStore is a logrus hook retaining the most recent entries of the
// application logger. Hooks cannot be detached from logrus, so close only
// stops capturing.
type logStore struct {
	*ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{ring: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		severity:  entry.Level,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}
	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.push(record)
	return nil
}

func (s *logStore) snapshot() []logRecord { return s.filter(nil) }

// query returns entries at least as severe as minLevel, optionally limited
// to one component.
func (s *logStore) query(component string, minLevel logrus.Level) []logRecord {
	return s.filter(func(r logRecord) bool {
		if component != "" && r.Component != component {
			return false
		}
		return r.severity <= minLevel
	})
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
