package sessiontier

import (
	"context"
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a queued task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Task is one queued invocation of a named handler.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args"`
	State       TaskState       `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	AvailableAt time.Time       `json:"available_at"`
	LeaseUntil  *time.Time      `json:"lease_until,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Finished reports whether the task reached a terminal state.
func (t *Task) Finished() bool {
	return t.State == TaskSucceeded || t.State == TaskFailed
}

// TaskQueue is the durable queue and result store shared by submitters and
// workers, possibly in different processes. Delivery is at-least-once: a
// task whose lease expires before Complete or Fail is handed out again.
type TaskQueue interface {
	// Enqueue stores a pending task and returns its id.
	Enqueue(ctx context.Context, name string, args json.RawMessage, maxAttempts int) (string, error)

	// Claim leases the next runnable task to workerID. It returns ErrNoTask
	// when nothing is due.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*Task, error)

	// Complete records a successful run with its outcome.
	Complete(ctx context.Context, taskID, workerID, outcome string) error

	// Fail records a failed attempt. A zero retryAt marks the task failed
	// for good; otherwise it becomes pending again at retryAt.
	Fail(ctx context.Context, taskID, workerID, reason string, retryAt time.Time) error

	// Get returns the task and its result by id.
	Get(ctx context.Context, taskID string) (*Task, error)

	// PurgeFinished deletes terminal tasks last updated before cutoff.
	PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error)
}
