package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"spotqueue/model"
	"spotqueue/rdb"
)

const cacheKeyPrefix = "spot_prices:"

func cacheKey(region, instanceType string) string {
	return cacheKeyPrefix + region + ":" + instanceType
}

type cachedPrice struct {
	Observation model.PriceObservation `json:"observation"`
	CachedAt    time.Time              `json:"cached_at"`
}

// Cache keeps recent price observations in Redis. Entries live for ttl
// but are only served while younger than maxAge; in between they exist
// solely so their cached_at age is inspectable.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	maxAge time.Duration
}

func NewCache(client *redis.Client, ttl, maxAge time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl, maxAge: maxAge}
}

// Get returns the cached observation for the pair, or nil on a miss.
// Entries older than the freshness horizon count as misses.
func (c *Cache) Get(ctx context.Context, region, instanceType string) (*model.PriceObservation, error) {
	var data []byte
	err := rdb.Retry(ctx, func() error {
		var err error
		data, err = c.client.Get(ctx, cacheKey(region, instanceType)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry cachedPrice
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	if time.Since(entry.CachedAt) > c.maxAge {
		return nil, nil
	}
	obs := entry.Observation
	obs.Source = "cache"
	return &obs, nil
}

// Set stores an observation with the cache TTL.
func (c *Cache) Set(ctx context.Context, obs *model.PriceObservation) error {
	data, err := json.Marshal(cachedPrice{
		Observation: *obs,
		CachedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return rdb.Retry(ctx, func() error {
		return c.client.Set(ctx, cacheKey(obs.Region, obs.InstanceType), data, c.ttl).Err()
	})
}
