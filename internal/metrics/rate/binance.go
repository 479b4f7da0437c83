package rate

import (
	"context"
	"net/http"
	"strconv"

	futures "github.com/adshao/go-binance/v2/futures"

	"collectorflow/logger"
)

// FetchRequestWeightLimit queries the Binance exchangeInfo endpoint for the
// REQUEST_WEIGHT per minute limit. It returns 0 if the limit cannot be
// determined.
func FetchRequestWeightLimit(ctx context.Context, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// KlineWeight is the request weight of a klines call for the given limit.
func KlineWeight(limit int) int64 {
	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

// ReportUsedWeight parses the used weight from Binance response headers and
// emits used and remaining weight gauges. It reports false when the header is
// missing or not numeric.
func ReportUsedWeight(log *logger.Log, header http.Header, limit int64, collector string) (int64, bool) {
	usedStr := header.Get("X-MBX-USED-WEIGHT-1m")
	if usedStr == "" {
		usedStr = header.Get("X-MBX-USED-WEIGHT")
	}
	if usedStr == "" {
		return 0, false
	}
	used, err := strconv.ParseInt(usedStr, 10, 64)
	if err != nil {
		return 0, false
	}

	l := log.WithComponent("binance_source")
	fields := logger.Fields{"collector": collector}
	l.LogMetric("binance_source", "used_weight", used, "gauge", fields)
	if limit > 0 {
		l.LogMetric("binance_source", "remaining_weight", limit-used, "gauge", fields)
	}
	return used, true
}
