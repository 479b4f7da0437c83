package metrics

import "collectorflow/logger"

// WriterStats holds counters shared by the archive and outcome publisher.
type WriterStats struct {
	BatchesWritten int64
	FilesWritten   int64
	BytesWritten   int64
	ErrorsCount    int64
	Dropped        int64
	BufferLen      int
	BufferCap      int
}

// ReportWriter emits writer metrics under component and logs a summary,
// at Warn when errors were seen.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}
	avgBytesPerFile := float64(0)
	if stats.FilesWritten > 0 {
		avgBytesPerFile = float64(stats.BytesWritten) / float64(stats.FilesWritten)
	}

	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", logger.Fields{})
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", logger.Fields{})
	EmitMetric(log, component, "buffer_len", stats.BufferLen, "gauge", logger.Fields{})
	if stats.FilesWritten > 0 {
		EmitMetric(log, component, "files_written", stats.FilesWritten, "counter", logger.Fields{})
		EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	}

	entry := l.WithFields(logger.Fields{
		"batches_written":    stats.BatchesWritten,
		"files_written":      stats.FilesWritten,
		"bytes_written":      stats.BytesWritten,
		"errors_count":       stats.ErrorsCount,
		"dropped":            stats.Dropped,
		"error_rate":         errorRate,
		"avg_bytes_per_file": avgBytesPerFile,
		"buffer_len":         stats.BufferLen,
		"buffer_cap":         stats.BufferCap,
	})
	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
