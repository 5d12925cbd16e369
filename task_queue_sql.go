package sessiontier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const tasksTable = "session_tasks"

// ErrLeaseLost is returned when a worker reports on a task whose lease has
// passed to another worker.
var ErrLeaseLost = errors.New("task lease lost")

// SQLTaskQueue is a TaskQueue kept in one SQL table. Timestamps are stored
// as unix microseconds so comparisons work the same in every dialect.
type SQLTaskQueue struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLTaskQueue creates the queue and its schema. The caller owns db.
func NewSQLTaskQueue(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLTaskQueue, error) {
	q := &SQLTaskQueue{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}

	if err := q.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize task queue schema: %w", err)
	}
	return q, nil
}

func (q *SQLTaskQueue) initSchema(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		args TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		available_at BIGINT NOT NULL,
		lease_until BIGINT,
		worker_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);`

	createStateIndexSQL := `
	CREATE INDEX IF NOT EXISTS idx_session_tasks_state_available ON ` + tasksTable + ` (state, available_at);`

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema init: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create %s table: %w", tasksTable, err)
	}
	if _, err := tx.ExecContext(ctx, createStateIndexSQL); err != nil {
		return fmt.Errorf("failed to create task state index: %w", err)
	}
	return tx.Commit()
}

// Enqueue stores a pending task due immediately
func (q *SQLTaskQueue) Enqueue(ctx context.Context, name string, args json.RawMessage, maxAttempts int) (string, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if len(args) == 0 {
		args = json.RawMessage("null")
	}

	id := uuid.New().String()
	now := toUnixMicro(q.now())

	insertSQL := q.dialect.rebind(`
	INSERT INTO ` + tasksTable + ` (id, name, args, state, attempts, max_attempts, available_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`)

	if _, err := q.db.ExecContext(ctx, insertSQL, id, name, string(args), TaskPending, maxAttempts, now, now, now); err != nil {
		return "", newStoreError(TierDurable, "enqueue", err)
	}
	return id, nil
}

// Claim leases the oldest due task. Running tasks whose lease expired are
// due again.
func (q *SQLTaskQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	task, err := q.claim(ctx, workerID, lease)
	if err != nil && isBusy(err) {
		return nil, ErrNoTask
	}
	return task, err
}

func (q *SQLTaskQueue) claim(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	now := q.now()
	nowMicro := toUnixMicro(now)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newStoreError(TierDurable, "claim", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	dueCond := `((state = ? AND available_at <= ?) OR (state = ? AND lease_until < ?))`
	dueArgs := []interface{}{TaskPending, nowMicro, TaskRunning, nowMicro}

	selectSQL := q.dialect.rebind(`SELECT id FROM ` + tasksTable + ` WHERE ` + dueCond +
		` ORDER BY available_at, created_at LIMIT 1` + q.dialect.skipLockedClause())

	var id string
	if err := tx.QueryRowContext(ctx, selectSQL, dueArgs...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTask
		}
		return nil, newStoreError(TierDurable, "claim", err)
	}

	updateSQL := q.dialect.rebind(`UPDATE ` + tasksTable +
		` SET state = ?, attempts = attempts + 1, lease_until = ?, worker_id = ?, updated_at = ?` +
		` WHERE id = ? AND ` + dueCond)
	args := append([]interface{}{TaskRunning, toUnixMicro(now.Add(lease)), workerID, nowMicro, id}, dueArgs...)

	res, err := tx.ExecContext(ctx, updateSQL, args...)
	if err != nil {
		return nil, newStoreError(TierDurable, "claim", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, newStoreError(TierDurable, "claim", err)
	} else if n == 0 {
		return nil, ErrNoTask
	}

	task, err := q.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, newStoreError(TierDurable, "claim", fmt.Errorf("failed to commit claim: %w", err))
	}
	return task, nil
}

// Complete marks a running task succeeded
func (q *SQLTaskQueue) Complete(ctx context.Context, taskID, workerID, outcome string) error {
	updateSQL := q.dialect.rebind(`UPDATE ` + tasksTable +
		` SET state = ?, outcome = ?, last_error = '', lease_until = NULL, updated_at = ?` +
		` WHERE id = ? AND worker_id = ? AND state = ?`)

	res, err := q.db.ExecContext(ctx, updateSQL, TaskSucceeded, outcome, toUnixMicro(q.now()), taskID, workerID, TaskRunning)
	if err != nil {
		return newStoreError(TierDurable, "complete", err)
	}
	return leaseHeld(res, taskID)
}

// Fail records a failed attempt and either reschedules or finishes the task
func (q *SQLTaskQueue) Fail(ctx context.Context, taskID, workerID, reason string, retryAt time.Time) error {
	now := toUnixMicro(q.now())

	var res sql.Result
	var err error
	if retryAt.IsZero() {
		updateSQL := q.dialect.rebind(`UPDATE ` + tasksTable +
			` SET state = ?, last_error = ?, lease_until = NULL, updated_at = ?` +
			` WHERE id = ? AND worker_id = ? AND state = ?`)
		res, err = q.db.ExecContext(ctx, updateSQL, TaskFailed, reason, now, taskID, workerID, TaskRunning)
	} else {
		updateSQL := q.dialect.rebind(`UPDATE ` + tasksTable +
			` SET state = ?, last_error = ?, available_at = ?, lease_until = NULL, updated_at = ?` +
			` WHERE id = ? AND worker_id = ? AND state = ?`)
		res, err = q.db.ExecContext(ctx, updateSQL, TaskPending, reason, toUnixMicro(retryAt), now, taskID, workerID, TaskRunning)
	}
	if err != nil {
		return newStoreError(TierDurable, "fail", err)
	}
	return leaseHeld(res, taskID)
}

// Get returns a task by id
func (q *SQLTaskQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	return q.get(ctx, q.db, taskID)
}

// PurgeFinished removes terminal tasks last updated before cutoff
func (q *SQLTaskQueue) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	deleteSQL := q.dialect.rebind(`DELETE FROM ` + tasksTable + ` WHERE state IN (?, ?) AND updated_at < ?`)

	res, err := q.db.ExecContext(ctx, deleteSQL, TaskSucceeded, TaskFailed, toUnixMicro(cutoff))
	if err != nil {
		return 0, newStoreError(TierDurable, "purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStoreError(TierDurable, "purge", err)
	}
	return n, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (q *SQLTaskQueue) get(ctx context.Context, db queryRower, taskID string) (*Task, error) {
	selectSQL := q.dialect.rebind(`SELECT id, name, args, state, attempts, max_attempts, available_at, lease_until,
	worker_id, outcome, last_error, created_at, updated_at FROM ` + tasksTable + ` WHERE id = ?`)

	var (
		t                               Task
		args                            string
		availableAt, createdAt, updated int64
		leaseUntil                      sql.NullInt64
	)
	err := db.QueryRowContext(ctx, selectSQL, taskID).Scan(
		&t.ID, &t.Name, &args, &t.State, &t.Attempts, &t.MaxAttempts, &availableAt, &leaseUntil,
		&t.WorkerID, &t.Outcome, &t.LastError, &createdAt, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		return nil, newStoreError(TierDurable, "get_task", err)
	}

	t.Args = json.RawMessage(args)
	t.AvailableAt = fromUnixMicro(availableAt)
	t.CreatedAt = fromUnixMicro(createdAt)
	t.UpdatedAt = fromUnixMicro(updated)
	if leaseUntil.Valid {
		lu := fromUnixMicro(leaseUntil.Int64)
		t.LeaseUntil = &lu
	}
	return &t, nil
}

func leaseHeld(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return newStoreError(TierDurable, "rows_affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s", ErrLeaseLost, taskID)
	}
	return nil
}
