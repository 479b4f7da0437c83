package rate

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"collectorflow/logger"
)

var limitEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "collectorflow_vendor_limit_events_total",
		Help: "Vendor responses signalling a rate limit or an IP ban",
	},
	[]string{"vendor", "collector", "kind"},
)

// Register adds the vendor limit counters to reg. Registering twice is not an
// error.
func Register(reg prometheus.Registerer) error {
	if err := reg.Register(limitEvents); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
	}
	return nil
}

// VendorOf returns the vendor part of a source name such as "binance_klines".
func VendorOf(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if i := strings.IndexAny(source, "_-."); i > 0 {
		return source[:i]
	}
	return source
}

// ReportRateLimitExceeded counts a rate limit response for the collector and
// logs it with the affected symbols.
func ReportRateLimitExceeded(log *logger.Log, source, symbols, ip, collector string) {
	vendor := VendorOf(source)
	fields := logger.Fields{
		"vendor":    vendor,
		"symbols":   symbols,
		"ip":        ip,
		"collector": collector,
	}
	l := log.WithComponent("vendor_limits")
	l.LogMetric("vendor_limits", "rate_limit_exceeded", int64(1), "counter", fields)
	limitEvents.WithLabelValues(vendor, collector, "rate_limit").Inc()
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts an IP ban response. until is zero when the vendor did
// not say how long the ban lasts.
func ReportIPBan(log *logger.Log, source, symbols, ip, collector string, until time.Time) {
	vendor := VendorOf(source)
	fields := logger.Fields{
		"vendor":    vendor,
		"symbols":   symbols,
		"ip":        ip,
		"collector": collector,
	}
	if !until.IsZero() {
		fields["banned_until"] = until.UTC().Format(time.RFC3339)
	}
	l := log.WithComponent("vendor_limits")
	l.LogMetric("vendor_limits", "ip_ban", int64(1), "counter", fields)
	limitEvents.WithLabelValues(vendor, collector, "ip_ban").Inc()
	l.WithFields(fields).Error("ip banned")
}

// detectLimit inspects a vendor error message for rate limit or IP ban
// wording. Each vendor phrases these differently.
func detectLimit(vendor, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch vendor {
	case "binance":
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "banned")
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "too many requests") ||
			strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "code=-1003") ||
			strings.Contains(lowerMsg, "429"))
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "429")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// banUntil extracts a millisecond epoch from messages such as
// "IP(1.2.3.4) banned until 1700000000000".
func banUntil(msg string) time.Time {
	for _, n := range extractInts(msg) {
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n)
		}
	}
	return time.Time{}
}

// ReportLimitFromMessage records rate limit or IP ban events found in a
// vendor error message. Messages matching neither are ignored.
func ReportLimitFromMessage(log *logger.Log, source, symbols, ip, collector, msg string) {
	vendor := VendorOf(source)
	rateLimit, ipBan := detectLimit(vendor, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, source, symbols, ip, collector)
	}
	if ipBan {
		ReportIPBan(log, source, symbols, ip, collector, banUntil(msg))
	}
}
