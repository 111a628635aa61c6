package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rsi-trader/internal/logging"
	"rsi-trader/internal/models"
	"rsi-trader/internal/store"
)

// CachedSource serves bars from a BarStore when an earlier fetch covered the
// requested range, and otherwise loads them from the wrapped source and
// caches the result.
type CachedSource struct {
	src    Source
	cache  store.BarStore
	logger zerolog.Logger
}

// NewCachedSource wraps src with cache.
func NewCachedSource(src Source, cache store.BarStore, logger zerolog.Logger) *CachedSource {
	return &CachedSource{
		src:    src,
		cache:  cache,
		logger: logging.WithComponent(logger, "feed-cache"),
	}
}

// Name implements Source. Cached bars keep the name of the source they came from.
func (c *CachedSource) Name() string { return c.src.Name() }

// Bars implements Source.
func (c *CachedSource) Bars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	covered, err := c.cache.Covered(ctx, c.src.Name(), symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to check cache: %w", err)
	}
	if covered {
		bars, err := c.cache.GetBars(ctx, c.src.Name(), symbol, from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to get cached bars: %w", err)
		}
		c.logger.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("Serving bars from cache")
		return bars, nil
	}

	bars, err := c.src.Bars(ctx, symbol, from, to)
	if err != nil {
		// A partial cache is better than nothing when the source is down.
		cached, cerr := c.cache.GetBars(ctx, c.src.Name(), symbol, from, to)
		if cerr == nil && len(cached) > 0 {
			c.logger.Warn().Err(err).Str("symbol", symbol).Int("bars", len(cached)).Msg("Source failed, using stale cache")
			return cached, nil
		}
		return nil, err
	}

	if err := c.cache.SaveBars(ctx, c.src.Name(), bars); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache bars")
		return bars, nil
	}
	if err := c.cache.RecordFetch(ctx, c.src.Name(), symbol, from, to); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to record fetch")
	}
	return bars, nil
}
