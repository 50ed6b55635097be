// Package store persists task records in the shared coordination store.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spotqueue/model"
	"spotqueue/rdb"
)

// ErrNotFound is returned when a task id is unknown or its record has
// expired. An expected miss for status checks, not a store failure.
var ErrNotFound = errors.New("task not found")

const (
	taskKeyPrefix = "task:"
	// TaskKeyPattern matches all task records; used by the reclaimer sweep.
	TaskKeyPattern = "task:*"
	// ProcessingCounterKey counts tasks currently held by a worker.
	ProcessingCounterKey = "tasks:processing"
)

// TaskKey returns the Redis key of a task record.
func TaskKey(id string) string {
	return taskKeyPrefix + id
}

// NewID builds a task id from a millisecond timestamp and 32 bits of
// randomness, so two producers creating tasks in the same clock tick
// do not collide.
func NewID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("store: reading random bytes: %v", err))
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a task store. Every write carries ttl so abandoned
// records clean themselves up.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Create persists a new pending task and returns it.
func (s *Store) Create(ctx context.Context, typ model.TaskType, payload json.RawMessage, priority model.TaskPriority) (*model.Task, error) {
	now := time.Now().UTC()
	task := &model.Task{
		ID:        NewID(),
		Type:      typ,
		Payload:   payload,
		Priority:  priority,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Load fetches a task record. Unknown and expired ids both surface as
// ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*model.Task, error) {
	var data []byte
	err := rdb.Retry(ctx, func() error {
		var err error
		data, err = s.client.Get(ctx, TaskKey(id)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return &task, nil
}

// MarkProcessing records that workerID has claimed the task. The id was
// already popped from its lane, so no other worker holds it.
func (s *Store) MarkProcessing(ctx context.Context, id, workerID string) (*model.Task, error) {
	task, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != model.StatusPending {
		// A reclaimed-and-redelivered duplicate, or a terminal task.
		return nil, fmt.Errorf("task %s is %s, not pending", id, task.Status)
	}
	now := time.Now().UTC()
	task.Status = model.StatusProcessing
	task.ProcessingStartedAt = now
	task.UpdatedAt = now
	task.WorkerID = workerID
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	if err := rdb.Retry(ctx, func() error {
		return s.client.Incr(ctx, ProcessingCounterKey).Err()
	}); err != nil {
		return nil, err
	}
	return task, nil
}

// MarkCompleted stores the task result. Idempotent: a second call with
// the same result is a harmless overwrite.
func (s *Store) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	return s.finish(ctx, id, model.StatusCompleted, result, "")
}

// MarkFailed stores the task error verbatim. Idempotent like MarkCompleted.
func (s *Store) MarkFailed(ctx context.Context, id, taskErr string) error {
	return s.finish(ctx, id, model.StatusFailed, nil, taskErr)
}

func (s *Store) finish(ctx context.Context, id string, status model.TaskStatus, result json.RawMessage, taskErr string) error {
	task, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	wasProcessing := task.Status == model.StatusProcessing
	task.Status = status
	task.Result = result
	task.Error = taskErr
	task.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, task); err != nil {
		return err
	}
	if wasProcessing {
		return rdb.Retry(ctx, func() error {
			return s.client.Decr(ctx, ProcessingCounterKey).Err()
		})
	}
	return nil
}

// ProcessingCount reports how many tasks are currently held by workers.
func (s *Store) ProcessingCount(ctx context.Context) (int64, error) {
	var n int64
	err := rdb.Retry(ctx, func() error {
		var err error
		n, err = s.client.Get(ctx, ProcessingCounterKey).Int64()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *Store) save(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	return rdb.Retry(ctx, func() error {
		return s.client.Set(ctx, TaskKey(task.ID), data, s.ttl).Err()
	})
}
