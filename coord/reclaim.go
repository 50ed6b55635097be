package coord

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"spotqueue/metrics"
	"spotqueue/model"
	"spotqueue/queue"
	"spotqueue/store"
)

// Reclaimer sweeps task records for work abandoned mid-flight: tasks
// still marked processing whose processing-start age exceeds the
// staleness threshold. Such tasks are flipped back to pending and
// re-enqueued at the tail of their original lane.
type Reclaimer struct {
	client     *redis.Client
	staleAfter time.Duration
}

func NewReclaimer(client *redis.Client, staleAfter time.Duration) *Reclaimer {
	return &Reclaimer{client: client, staleAfter: staleAfter}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				log.Printf("[reclaimer] sweep error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[reclaimer] requeued %d stale tasks", n)
			}
		}
	}
}

// Sweep scans all task records once and reclaims the stale ones,
// returning how many were requeued. Safe to run concurrently with
// other sweeps: the status flip and the re-enqueue happen in one
// transaction guarded by WATCH on the record, so a second pass sees
// the task already pending and leaves it alone.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	requeued := 0
	iter := r.client.Scan(ctx, 0, store.TaskKeyPattern, 100).Iterator()
	for iter.Next(ctx) {
		ok, err := r.reclaim(ctx, iter.Val())
		if err != nil {
			log.Printf("[reclaimer] %s: %v", iter.Val(), err)
			continue
		}
		if ok {
			requeued++
			metrics.TasksReclaimedTotal.Inc()
		}
	}
	if err := iter.Err(); err != nil {
		return requeued, err
	}
	return requeued, nil
}

func (r *Reclaimer) reclaim(ctx context.Context, key string) (bool, error) {
	reclaimed := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var task model.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		// Re-check status right before the transition; anything that
		// already left processing is not ours to touch.
		if task.Status != model.StatusProcessing {
			return nil
		}
		if task.ProcessingStartedAt.IsZero() || time.Since(task.ProcessingStartedAt) < r.staleAfter {
			return nil
		}

		task.Status = model.StatusPending
		task.ProcessingStartedAt = time.Time{}
		task.WorkerID = ""
		task.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			pipe.Decr(ctx, store.ProcessingCounterKey)
			pipe.LPush(ctx, queue.LaneKey(task.Priority), task.ID)
			return nil
		})
		if err != nil {
			return err
		}
		reclaimed = true
		return nil
	}, key)

	if errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) {
		// Expired under us, or another actor moved it first.
		return false, nil
	}
	return reclaimed, err
}
