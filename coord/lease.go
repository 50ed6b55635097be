// Package coord holds the coordination primitives shared by the
// symmetric process pool: the leader lease, worker presence, and the
// stale-task reclaimer.
package coord

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"spotqueue/rdb"
)

const leaseKeyPrefix = "lease:"

// Lease is a short renewable exclusive lock. It gives best-effort
// mutual exclusion only — no fencing token — so any duty gated by it
// must tolerate rare double-invocation during handover.
type Lease struct {
	client *redis.Client
}

func NewLease(client *redis.Client) *Lease {
	return &Lease{client: client}
}

// AcquireOrRenew attempts to take or keep the named lease. Callers
// should retry on a cadence well under ttl (ttl/3 works) and stop the
// singleton duty the moment this returns false.
func (l *Lease) AcquireOrRenew(ctx context.Context, name, selfID string, ttl time.Duration) (bool, error) {
	key := leaseKeyPrefix + name

	var acquired bool
	err := rdb.Retry(ctx, func() error {
		var err error
		acquired, err = l.client.SetNX(ctx, key, selfID, ttl).Result()
		return err
	})
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}

	var holder string
	err = rdb.Retry(ctx, func() error {
		var err error
		holder, err = l.client.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		// Holder expired between the SETNX and the GET; next attempt wins it.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder != selfID {
		return false, nil
	}

	// We already hold it: plain renew.
	err = rdb.Retry(ctx, func() error {
		return l.client.Set(ctx, key, selfID, ttl).Err()
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
