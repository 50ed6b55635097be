package model

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task. Transitions only move
// forward (pending -> processing -> completed/failed); the one backward
// edge, processing -> pending, belongs to the reclaimer alone.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskPriority selects the queue lane. Dequeue is strict priority:
// low-lane tasks wait as long as any high-lane task is queued.
type TaskPriority string

const (
	PriorityHigh TaskPriority = "high"
	PriorityLow  TaskPriority = "low"
)

func (p TaskPriority) Valid() bool {
	return p == PriorityHigh || p == PriorityLow
}

// TaskType is the closed set of operations a worker knows how to run.
type TaskType string

const (
	// TypeFetchSingle fetches the spot price for one instance type,
	// either in one region or the best price across all regions.
	TypeFetchSingle TaskType = "fetch-single"
	// TypeFetchBatch refreshes prices for a list of instance types.
	TypeFetchBatch TaskType = "fetch-batch"
)

func (t TaskType) Valid() bool {
	return t == TypeFetchSingle || t == TypeFetchBatch
}

type Task struct {
	ID       string          `json:"id"`
	Type     TaskType        `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority TaskPriority    `json:"priority"`
	Status   TaskStatus      `json:"status"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// ProcessingStartedAt is set when a worker claims the task. The
	// reclaimer measures staleness from here, not from CreatedAt, so
	// time spent waiting in the queue never counts as execution time.
	ProcessingStartedAt time.Time `json:"processing_started_at,omitempty"`
	WorkerID            string    `json:"worker_id,omitempty"`
}

// FetchSinglePayload is the payload for TypeFetchSingle. An empty
// Region means "find the best price across all regions".
type FetchSinglePayload struct {
	InstanceType string `json:"instance_type"`
	Region       string `json:"region,omitempty"`
}

// FetchBatchPayload is the payload for TypeFetchBatch.
type FetchBatchPayload struct {
	InstanceTypes []string `json:"instance_types"`
	Source        string   `json:"source,omitempty"`
}

// PriceObservation is one spot price data point, and the result shape
// stored on completed fetch-single tasks.
type PriceObservation struct {
	InstanceType     string    `json:"instance_type"`
	Region           string    `json:"region"`
	AvailabilityZone string    `json:"availability_zone"`
	Price            float64   `json:"price"`
	Timestamp        time.Time `json:"timestamp"`
	Source           string    `json:"source,omitempty"` // "aws" or "cache"
}

// QueueMetrics is the snapshot returned by the service metrics surface.
type QueueMetrics struct {
	QueuedHigh int64 `json:"queued_high"`
	QueuedLow  int64 `json:"queued_low"`
	Processing int64 `json:"processing"`
}
