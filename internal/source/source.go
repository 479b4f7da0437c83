// Package source maps a collector's configured source name to its Fetcher.
package source

import (
	"context"
	"fmt"

	"collectorflow/config"
	"collectorflow/internal/models"
	"collectorflow/internal/source/binance"
)

const BinanceKlines = "binance_klines"

// New builds the fetcher for c. Sources that can discover vendor limits do so
// before returning; ctx bounds that lookup.
func New(ctx context.Context, cfg *config.Config, c config.CollectorConfig) (models.Fetcher, error) {
	switch c.Source {
	case BinanceKlines:
		f, err := binance.NewKlineFetcher(cfg.Sources.Binance, c)
		if err != nil {
			return nil, err
		}
		f.Prime(ctx)
		return f, nil
	default:
		return nil, &models.ConfigError{Field: "source", Reason: fmt.Sprintf("unknown source %q", c.Source)}
	}
}
