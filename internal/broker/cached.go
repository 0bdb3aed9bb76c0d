package broker

import (
	"context"
	"time"

	"scalp-core/pkg/cache"
)

// CachedQuotes decorates a Broker with a short-TTL tick cache. Workers and
// the monitor poll the same symbols every cycle; serving a recent quote from
// memory keeps most of those reads off the serialized terminal connection.
// All other methods pass through untouched.
type CachedQuotes struct {
	Broker
	ttl   time.Duration
	ticks *cache.Sharded[Tick]
}

// WithQuoteCache wraps b. ttl <= 0 disables caching and returns b unchanged.
func WithQuoteCache(b Broker, ttl time.Duration) Broker {
	if ttl <= 0 {
		return b
	}
	return &CachedQuotes{Broker: b, ttl: ttl, ticks: cache.NewSharded[Tick]()}
}

func (c *CachedQuotes) Tick(ctx context.Context, symbol string) (Tick, error) {
	if t, ok := c.ticks.Get(symbol, c.ttl); ok {
		return t, nil
	}
	t, err := c.Broker.Tick(ctx, symbol)
	if err != nil {
		return Tick{}, err
	}
	c.ticks.Set(symbol, t)
	return t, nil
}
