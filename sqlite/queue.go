// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

// Package sqlite implements a SQLite-backed task queue. It is useful
// for single-process deployments and for tests that want a real SQL
// backend without an external server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/dkropachev/taskq"
)

const defaultLeaseTimeout = 5 * time.Minute

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS taskq_tasks (
id text primary key,
queue text not null,
kind text,
state text,
data text,
result text,
retry integer not null default 0,
max_retry integer not null default 0,
claim_key text not null default '',
eligible_at integer not null default 0,
lease_until integer not null default 0,
created integer,
started integer,
completed integer);`,
	`CREATE INDEX IF NOT EXISTS ix_tasks_queue_state_eligible ON taskq_tasks (queue, state, eligible_at);`,
	`CREATE INDEX IF NOT EXISTS ix_tasks_queue_lease ON taskq_tasks (queue, state, lease_until);`,
}

var claimableStates = []string{string(taskq.Pending), string(taskq.Rescheduled)}

// Queue represents a persistent SQLite-backed queue. It implements the
// taskq.Queue and taskq.StatsReporter interfaces.
type Queue struct {
	db           *sql.DB
	name         string
	leaseTimeout time.Duration
	backoff      taskq.BackoffFunc
}

// QueueOption is an options provider for Queue.
type QueueOption func(*Queue)

// SetLeaseTimeout overrides the duration after which an unreported
// claim is considered stale. The default is 5 minutes.
func SetLeaseTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTimeout = d
		}
	}
}

// SetBackoffFunc specifies the backoff function for reschedule delays.
func SetBackoffFunc(fn taskq.BackoffFunc) QueueOption {
	return func(q *Queue) {
		if fn != nil {
			q.backoff = fn
		}
	}
}

// NewQueue initializes a SQLite-backed queue with the given name. The
// url is a SQLite DSN, e.g. "file:taskq.db" or "file::memory:?cache=shared".
func NewQueue(url, name string, options ...QueueOption) (*Queue, error) {
	q := &Queue{
		name:         name,
		leaseTimeout: defaultLeaseTimeout,
		backoff:      taskq.DefaultBackoff,
	}
	for _, opt := range options {
		opt(q)
	}

	var err error
	q.db, err = sql.Open("sqlite", url)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids busy errors.
	q.db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := q.db.Exec(stmt); err != nil {
			q.db.Close()
			return nil, err
		}
	}
	return q, nil
}

// Close closes the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Add enqueues a task. A missing ID, state, or creation time is filled
// in.
func (q *Queue) Add(ctx context.Context, task *taskq.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.State == "" {
		task.State = taskq.Pending
	}
	if task.Created == 0 {
		task.Created = time.Now().UnixNano()
	}
	query, args, err := sq.Insert("taskq_tasks").
		Columns("id", "queue", "kind", "state", "data", "result",
			"retry", "max_retry", "eligible_at", "created", "started", "completed").
		Values(task.ID, q.name, task.Kind, string(task.State), string(task.Data), string(task.Result),
			task.Retry, task.MaxRetry, time.Now().UnixNano(), task.Created, task.Started, task.Completed).
		ToSql()
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, query, args...)
	return err
}

// GetTask claims and returns the next eligible task. The claim UPDATE
// is guarded by the task's previous state and empty claim key, so a
// concurrent claimer losing the race simply sees no task.
func (q *Queue) GetTask(ctx context.Context) (*taskq.TaskWrapper, error) {
	now := time.Now()

	query, args, err := sq.Select("id", "kind", "state", "data", "result",
		"retry", "max_retry", "created", "started", "completed").
		From("taskq_tasks").
		Where(sq.Eq{"queue": q.name, "state": claimableStates}).
		Where(sq.LtOrEq{"eligible_at": now.UnixNano()}).
		OrderBy("created ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	task, err := scanTask(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	key := uuid.NewString()
	deadline := now.Add(q.leaseTimeout)
	query, args, err = sq.Update("taskq_tasks").
		Set("state", string(taskq.Processing)).
		Set("claim_key", key).
		Set("lease_until", deadline.UnixNano()).
		Set("started", now.UnixNano()).
		Where(sq.Eq{"id": task.ID, "state": string(task.State), "claim_key": ""}).
		ToSql()
	if err != nil {
		return nil, err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race to another claimer.
		return nil, nil
	}

	task.State = taskq.Processing
	task.Started = now.UnixNano()
	return &taskq.TaskWrapper{Task: task, Key: key, Deadline: deadline}, nil
}

// CompleteTask marks the wrapped task as completed and releases its
// claim.
func (q *Queue) CompleteTask(ctx context.Context, wrapper *taskq.TaskWrapper) error {
	return q.release(ctx, wrapper, taskq.Completed)
}

// FailTask marks the wrapped task as permanently failed and releases
// its claim.
func (q *Queue) FailTask(ctx context.Context, wrapper *taskq.TaskWrapper) error {
	return q.release(ctx, wrapper, taskq.Failed)
}

func (q *Queue) release(ctx context.Context, wrapper *taskq.TaskWrapper, state taskq.TaskState) error {
	task := wrapper.Task
	now := time.Now().UnixNano()
	query, args, err := sq.Update("taskq_tasks").
		Set("state", string(state)).
		Set("claim_key", "").
		Set("lease_until", 0).
		Set("result", string(task.Result)).
		Set("completed", now).
		Where(sq.Eq{"id": task.ID, "claim_key": wrapper.Key}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return taskq.ErrNotFound
	}
	task.Completed = now
	return nil
}

// AutoRescheduleTask queues the wrapped task for a future retry. When
// the retry budget is exhausted and force is false, the task is failed
// and taskq.ErrRescheduleLimit is returned.
func (q *Queue) AutoRescheduleTask(ctx context.Context, wrapper *taskq.TaskWrapper, force bool) (time.Duration, error) {
	task := wrapper.Task
	if !force && task.Retry >= task.MaxRetry {
		if err := q.release(ctx, wrapper, taskq.Failed); err != nil {
			return 0, err
		}
		return 0, taskq.ErrRescheduleLimit
	}

	delay := q.backoff(task.Retry + 1)
	query, args, err := sq.Update("taskq_tasks").
		Set("state", string(taskq.Rescheduled)).
		Set("claim_key", "").
		Set("lease_until", 0).
		Set("retry", task.Retry+1).
		Set("result", string(task.Result)).
		Set("eligible_at", time.Now().Add(delay).UnixNano()).
		Where(sq.Eq{"id": task.ID, "claim_key": wrapper.Key}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, taskq.ErrNotFound
	}
	task.Retry++
	return delay, nil
}

// BuryTasks reclaims tasks whose lease deadline has passed and returns
// how many were reclaimed.
func (q *Queue) BuryTasks(ctx context.Context) (int, error) {
	query, args, err := sq.Update("taskq_tasks").
		Set("state", string(taskq.Buried)).
		Set("claim_key", "").
		Set("completed", time.Now().UnixNano()).
		Where(sq.Eq{"queue": q.name, "state": string(taskq.Processing)}).
		Where(sq.Gt{"lease_until": 0}).
		Where(sq.Lt{"lease_until": time.Now().UnixNano()}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Stats returns statistics about the tasks in the queue.
func (q *Queue) Stats(ctx context.Context) (*taskq.Stats, error) {
	query, args, err := sq.Select("state", "COUNT(*)").
		From("taskq_tasks").
		Where(sq.Eq{"queue": q.name}).
		GroupBy("state").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &taskq.Stats{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		switch taskq.TaskState(state) {
		case taskq.Pending:
			stats.Pending = n
		case taskq.Processing:
			stats.Processing = n
		case taskq.Rescheduled:
			stats.Rescheduled = n
		case taskq.Completed:
			stats.Completed = n
		case taskq.Failed:
			stats.Failed = n
		case taskq.Buried:
			stats.Buried = n
		}
	}
	return stats, rows.Err()
}

// Lookup returns the task with the specified identifier (or
// taskq.ErrNotFound).
func (q *Queue) Lookup(ctx context.Context, id string) (*taskq.Task, error) {
	query, args, err := sq.Select("id", "kind", "state", "data", "result",
		"retry", "max_retry", "created", "started", "completed").
		From("taskq_tasks").
		Where(sq.Eq{"id": id, "queue": q.name}).
		ToSql()
	if err != nil {
		return nil, err
	}
	task, err := scanTask(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskq.ErrNotFound
	}
	return task, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*taskq.Task, error) {
	var task taskq.Task
	var kind, state, data, result sql.NullString
	err := row.Scan(&task.ID, &kind, &state, &data, &result,
		&task.Retry, &task.MaxRetry, &task.Created, &task.Started, &task.Completed)
	if err != nil {
		return nil, err
	}
	task.Kind = kind.String
	task.State = taskq.TaskState(state.String)
	if data.String != "" {
		task.Data = []byte(data.String)
	}
	if result.String != "" {
		task.Result = []byte(result.String)
	}
	return &task, nil
}
