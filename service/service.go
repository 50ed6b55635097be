// Package service is the surface the API, CLI and scheduler consume:
// enqueue, status, synchronous wait, and queue metrics.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"spotqueue/metrics"
	"spotqueue/model"
	"spotqueue/queue"
	"spotqueue/store"
)

// ErrWaitTimeout means the wait budget elapsed before the task reached
// a terminal state. The task is not cancelled; it may still complete
// later, its result simply unobserved by this caller.
var ErrWaitTimeout = errors.New("timed out waiting for task result")

// TaskFailedError carries the error a worker recorded on the task.
type TaskFailedError struct {
	ID      string
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.ID, e.Message)
}

type Service struct {
	store        *store.Store
	queue        *queue.Queue
	pollInterval time.Duration
}

func New(st *store.Store, q *queue.Queue, pollInterval time.Duration) *Service {
	return &Service{store: st, queue: q, pollInterval: pollInterval}
}

// Enqueue creates a task record and pushes its id onto the matching
// priority lane.
func (s *Service) Enqueue(ctx context.Context, typ model.TaskType, payload json.RawMessage, priority model.TaskPriority) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("unknown task type %q", typ)
	}
	if !priority.Valid() {
		return "", fmt.Errorf("unknown priority %q", priority)
	}
	task, err := s.store.Create(ctx, typ, payload, priority)
	if err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(ctx, task.ID, priority); err != nil {
		return "", err
	}
	metrics.TasksEnqueuedTotal.WithLabelValues(string(priority)).Inc()
	return task.ID, nil
}

// GetStatus loads the task record; store.ErrNotFound passes through
// for unknown or expired ids.
func (s *Service) GetStatus(ctx context.Context, id string) (*model.Task, error) {
	return s.store.Load(ctx, id)
}

// SubmitAndWait enqueues a task and polls its record at a fixed short
// interval until it reaches a terminal state or the timeout elapses.
// Callers must not expect wakeup precision finer than the poll
// interval.
func (s *Service) SubmitAndWait(ctx context.Context, typ model.TaskType, payload json.RawMessage, priority model.TaskPriority, timeout time.Duration) (json.RawMessage, error) {
	id, err := s.Enqueue(ctx, typ, payload, priority)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, id, timeout)
}

// Wait blocks until the task with the given id completes, fails, or
// the timeout elapses.
func (s *Service) Wait(ctx context.Context, id string, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			// One last look so a result landing right at the deadline
			// is not thrown away.
			if result, done, err := s.check(ctx, id); done {
				return result, err
			}
			metrics.WaitTimeoutsTotal.Inc()
			return nil, fmt.Errorf("task %s: %w", id, ErrWaitTimeout)
		case <-ticker.C:
			if result, done, err := s.check(ctx, id); done {
				return result, err
			}
		}
	}
}

func (s *Service) check(ctx context.Context, id string) (json.RawMessage, bool, error) {
	task, err := s.store.Load(ctx, id)
	if err != nil {
		// Not-found mid-wait means the record expired; surface it
		// rather than spin until the deadline.
		return nil, true, err
	}
	switch task.Status {
	case model.StatusCompleted:
		return task.Result, true, nil
	case model.StatusFailed:
		return nil, true, &TaskFailedError{ID: id, Message: task.Error}
	}
	return nil, false, nil
}

// Metrics snapshots the queue depths and in-flight count, and mirrors
// them onto the Prometheus gauges.
func (s *Service) Metrics(ctx context.Context) (model.QueueMetrics, error) {
	high, low, err := s.queue.Depths(ctx)
	if err != nil {
		return model.QueueMetrics{}, err
	}
	processing, err := s.store.ProcessingCount(ctx)
	if err != nil {
		return model.QueueMetrics{}, err
	}
	metrics.QueueDepth.WithLabelValues("high").Set(float64(high))
	metrics.QueueDepth.WithLabelValues("low").Set(float64(low))
	return model.QueueMetrics{QueuedHigh: high, QueuedLow: low, Processing: processing}, nil
}
