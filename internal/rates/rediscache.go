package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const redisKeyPrefix = "cgtcalc:rate"

// redisCacheTTL keeps a cached month's rate for 128 hours (a little over
// five days), so repeated runs of cgtcalc within that window do not
// re-hit HMRC; a run after the entry expires fetches the rate again.
const redisCacheTTL = 128 * time.Hour

// RedisCache layers a distributed per-(year,month,currency) cache in
// front of a slower Backend (HMRC HTTP fetch or ledger query).
type RedisCache struct {
	client  *redis.Client
	backend Backend
}

// NewRedisCache wraps backend with a Redis-backed cache.
func NewRedisCache(client *redis.Client, backend Backend) *RedisCache {
	return &RedisCache{client: client, backend: backend}
}

func redisRateKey(year, month int, currency string) string {
	return fmt.Sprintf("%s:%04d:%02d:%s", redisKeyPrefix, year, month, currency)
}

// Rate implements Backend.
func (c *RedisCache) Rate(ctx context.Context, timestampMillis int64, currency string) (decimal.Decimal, error) {
	t := msToUTC(timestampMillis)
	key := redisRateKey(t.Year(), int(t.Month()), currency)

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		r, parseErr := decimal.NewFromString(cached)
		if parseErr == nil {
			return r, nil
		}
		// Corrupt cache entry: fall through and re-fetch.
	} else if err != redis.Nil {
		return decimal.Zero, fmt.Errorf("redis rate cache lookup for %s: %w", key, err)
	}

	rate, err := c.backend.Rate(ctx, timestampMillis, currency)
	if err != nil {
		return decimal.Zero, err
	}

	if setErr := c.client.Set(ctx, key, rate.String(), redisCacheTTL).Err(); setErr != nil {
		// Caching is an optimisation, not a correctness requirement here;
		// the rate is still returned.
		return rate, nil
	}
	return rate, nil
}
