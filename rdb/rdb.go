// Package rdb owns the connection to the shared coordination store and
// the retry policy applied to its primitives.
package rdb

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"spotqueue/config"
)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// Retry runs op, retrying transient store failures with doubling sleeps
// and capped attempts. Expected misses (redis.Nil) and caller
// cancellation are returned immediately; once attempts are exhausted the
// last error propagates instead of hanging the caller.
func Retry(ctx context.Context, op func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = op()
		if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
