package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisFeed reads prices published by an external ingester under
// price:{SYMBOL}. Misses and Redis errors fall back to another feed.
type RedisFeed struct {
	rdb      *redis.Client
	fallback Feed
}

// NewRedisFeed creates a Redis-backed feed. fallback may be nil.
func NewRedisFeed(rdb *redis.Client, fallback Feed) *RedisFeed {
	return &RedisFeed{rdb: rdb, fallback: fallback}
}

func (f *RedisFeed) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := f.rdb.Get(ctx, priceKey(symbol)).Result()
	if err == nil {
		p, perr := decimal.NewFromString(raw)
		if perr == nil && p.IsPositive() {
			return p, nil
		}
		slog.Warn("ignoring malformed price", "symbol", symbol, "value", raw)
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("redis price lookup failed", "symbol", symbol, "err", err)
	}

	if f.fallback != nil {
		return f.fallback.Price(ctx, symbol)
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
}

func priceKey(symbol string) string { return fmt.Sprintf("price:%s", symbol) }
