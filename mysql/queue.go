// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

// Package mysql implements a MySQL-backed task queue.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/dkropachev/taskq"
)

const (
	mysqlSchema = `CREATE TABLE IF NOT EXISTS taskq_tasks (
id varchar(36) primary key,
queue varchar(255) not null,
kind varchar(255),
state varchar(30),
data mediumtext,
result mediumtext,
retry integer not null default 0,
max_retry integer not null default 0,
claim_key varchar(36) not null default '',
eligible_at bigint not null default 0,
lease_until bigint not null default 0,
created bigint,
started bigint,
completed bigint,
index ix_tasks_queue_state_eligible (queue, state, eligible_at),
index ix_tasks_queue_lease (queue, state, lease_until));`

	defaultLeaseTimeout = 5 * time.Minute
)

// claimableStates are the states GetTask may claim from.
var claimableStates = []string{string(taskq.Pending), string(taskq.Rescheduled)}

// Queue represents a persistent MySQL-backed queue. It implements the
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

// NewQueue initializes a MySQL-backed queue with the given name. The
// database named in the DSN is created if it does not exist, as is the
// task table.
func NewQueue(url, name string, options ...QueueOption) (*Queue, error) {
	q := &Queue{
		name:         name,
		leaseTimeout: defaultLeaseTimeout,
		backoff:      taskq.DefaultBackoff,
	}
	for _, opt := range options {
		opt(q)
	}

	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("taskq/mysql: no database specified")
	}

	// First connect without DB name to create the database.
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name.
	q.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	_, err = q.db.Exec(mysqlSchema)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Close closes the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// runWithRetry retries transient database errors with a capped
// exponential backoff.
func (q *Queue) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(fn, b)
}

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
	return q.runWithRetry(func() error {
		_, err := q.db.ExecContext(ctx, query, args...)
		return err
	})
}

// GetTask atomically claims and returns the next eligible task. The
// claim is taken with a SELECT ... FOR UPDATE so that concurrent
// workers never receive the same task.
func (q *Queue) GetTask(ctx context.Context) (*taskq.TaskWrapper, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	query, args, err := sq.Select("id", "kind", "state", "data", "result",
		"retry", "max_retry", "created", "started", "completed").
		From("taskq_tasks").
		Where(sq.Eq{"queue": q.name, "state": claimableStates}).
		Where(sq.LtOrEq{"eligible_at": now.UnixNano()}).
		OrderBy("created ASC").
		Limit(1).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	task, err := scanTask(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	key := uuid.NewString()
	deadline := now.Add(q.leaseTimeout)
	query, args, err = sq.Update("taskq_tasks").
		Set("state", string(taskq.Processing)).
		Set("claim_key", key).
		Set("lease_until", deadline.UnixNano()).
		Set("started", now.UnixNano()).
		Where(sq.Eq{"id": task.ID}).
		ToSql()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
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
	return q.runWithRetry(func() error {
		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Claim lost, e.g. buried by the gravekeeper. Not transient.
			return backoff.Permanent(taskq.ErrNotFound)
		}
		task.Completed = now
		return nil
	})
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
	err = q.runWithRetry(func() error {
		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return backoff.Permanent(taskq.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return 0, err
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
	var count int
	err = q.runWithRetry(func() error {
		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
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
