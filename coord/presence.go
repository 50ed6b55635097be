package coord

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"spotqueue/rdb"
)

const presenceKeyPrefix = "workers:"

// Presence tracks which worker processes are alive via TTL'd heartbeat
// keys. Liveness visibility only; nothing admits or rejects work based
// on it.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	return &Presence{client: client, ttl: ttl}
}

// Heartbeat refreshes the caller's membership record.
func (p *Presence) Heartbeat(ctx context.Context, workerID string) error {
	return rdb.Retry(ctx, func() error {
		return p.client.Set(ctx, presenceKeyPrefix+workerID, time.Now().UTC().Format(time.RFC3339), p.ttl).Err()
	})
}

// Alive lists the workers whose heartbeat has not expired.
func (p *Presence) Alive(ctx context.Context) ([]string, error) {
	var ids []string
	err := rdb.Retry(ctx, func() error {
		ids = ids[:0]
		iter := p.client.Scan(ctx, 0, presenceKeyPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			ids = append(ids, strings.TrimPrefix(iter.Val(), presenceKeyPrefix))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
