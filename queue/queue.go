// Package queue implements the two-lane priority dispatch queue on
// Redis lists.
package queue

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"spotqueue/model"
	"spotqueue/rdb"
)

const (
	keyHigh = "queue:high"
	keyLow  = "queue:low"
)

// LaneKey returns the Redis list key backing a priority lane.
func LaneKey(p model.TaskPriority) string {
	if p == model.PriorityHigh {
		return keyHigh
	}
	return keyLow
}

type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue appends a task id to the tail of its priority lane.
func (q *Queue) Enqueue(ctx context.Context, id string, priority model.TaskPriority) error {
	return rdb.Retry(ctx, func() error {
		return q.client.LPush(ctx, LaneKey(priority), id).Err()
	})
}

// Dequeue pops the next task id, high lane first. Only when the high
// lane is empty is the low lane consulted: under sustained high-lane
// load, low-lane tasks starve indefinitely. That is the intended
// discipline, not a bug to fair-schedule away. Returns "" when both
// lanes are empty; callers back off and retry.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for _, key := range []string{keyHigh, keyLow} {
		var id string
		err := rdb.Retry(ctx, func() error {
			var err error
			id, err = q.client.RPop(ctx, key).Result()
			return err
		})
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return "", nil
}

// Depths reports the current length of each lane.
func (q *Queue) Depths(ctx context.Context) (high, low int64, err error) {
	err = rdb.Retry(ctx, func() error {
		var err error
		if high, err = q.client.LLen(ctx, keyHigh).Result(); err != nil {
			return err
		}
		low, err = q.client.LLen(ctx, keyLow).Result()
		return err
	})
	return high, low, err
}
