package quote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "folio:quote:"

// RedisCache fronts a Fetcher with a short-lived fresh entry and a
// last-known entry. When the upstream fails the last-known quote is served
// marked stale, so a holding keeps its last known value.
type RedisCache struct {
	client *redis.Client
	inner  Fetcher
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, inner Fetcher, ttl time.Duration, prefix string, logger *slog.Logger) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		client: client,
		inner:  inner,
		ttl:    ttl,
		prefix: prefix,
		logger: logger,
	}
}

func (c *RedisCache) key(kind, symbol, market string) string {
	return c.prefix + kind + ":" + strings.ToUpper(strings.TrimSpace(market)) + ":" + strings.ToUpper(strings.TrimSpace(symbol))
}

func (c *RedisCache) FetchQuote(ctx context.Context, symbol, market string) (Quote, error) {
	if q, ok := c.load(ctx, c.key("fresh", symbol, market)); ok {
		return q, nil
	}

	q, fetchErr := c.inner.FetchQuote(ctx, symbol, market)
	if fetchErr == nil {
		c.store(ctx, symbol, market, q)
		return q, nil
	}

	if last, ok := c.load(ctx, c.key("last", symbol, market)); ok {
		c.logger.Warn("serving last known quote", "symbol", symbol, "market", market, "error", fetchErr)
		last.Stale = true
		return last, nil
	}
	return Quote{}, fetchErr
}

func (c *RedisCache) load(ctx context.Context, key string) (Quote, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("quote cache read failed", "key", key, "error", err)
		}
		return Quote{}, false
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		c.logger.Warn("quote cache decode failed", "key", key, "error", err)
		return Quote{}, false
	}
	return q, true
}

func (c *RedisCache) store(ctx context.Context, symbol, market string, q Quote) {
	payload, err := json.Marshal(q)
	if err != nil {
		c.logger.Warn("quote cache encode failed", "symbol", symbol, "error", err)
		return
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key("fresh", symbol, market), payload, c.ttl)
		pipe.Set(ctx, c.key("last", symbol, market), payload, 0)
		return nil
	})
	if err != nil {
		c.logger.Warn("quote cache write failed", "symbol", symbol, "error", err)
	}
}
