// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

// Package redis implements a Redis-backed task queue.
//
// Pending tasks live in a sorted set scored by the time they become
// eligible, claimed tasks in a sorted set scored by their lease
// deadline, and task bodies in hashes. Claiming is a single Lua script,
// so the same task is never handed to two concurrent workers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"

	"github.com/dkropachev/taskq"
)

const (
	defaultNamespace    = "taskq"
	defaultLeaseTimeout = 5 * time.Minute
)

// claimScript atomically moves the next eligible task from the pending
// set into the processing set and stamps the claim onto its hash.
// KEYS[1] = pending zset, KEYS[2] = processing zset.
// ARGV[1] = now (ms), ARGV[2] = lease deadline (ms), ARGV[3] = task key
// prefix, ARGV[4] = claim key, ARGV[5] = started (ns).
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', ARGV[3] .. id, 'state', 'processing', 'claim_key', ARGV[4], 'started', ARGV[5])
return id
`)

// buryScript reclaims every task in the processing set whose lease
// deadline has passed.
// KEYS[1] = processing zset.
// ARGV[1] = now (ms), ARGV[2] = task key prefix, ARGV[3] = completed (ns).
var buryScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HSET', ARGV[2] .. id, 'state', 'buried', 'claim_key', '', 'completed', ARGV[3])
end
return #ids
`)

// Queue is a Redis-backed taskq.Queue. It also implements
// taskq.StatsReporter.
type Queue struct {
	client       goredis.UniversalClient
	name         string
	namespace    string
	leaseTimeout time.Duration
	backoff      taskq.BackoffFunc
}

// QueueOption is an options provider for Queue.
type QueueOption func(*Queue)

// SetNamespace overrides the key namespace. The default is "taskq".
func SetNamespace(ns string) QueueOption {
	return func(q *Queue) {
		if ns != "" {
			q.namespace = ns
		}
	}
}

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

// NewQueue creates a Redis-backed queue with the given name on the
// given client.
func NewQueue(client goredis.UniversalClient, name string, options ...QueueOption) *Queue {
	q := &Queue{
		client:       client,
		name:         name,
		namespace:    defaultNamespace,
		leaseTimeout: defaultLeaseTimeout,
		backoff:      taskq.DefaultBackoff,
	}
	for _, opt := range options {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) pendingKey() string    { return fmt.Sprintf("%s:%s:pending", q.namespace, q.name) }
func (q *Queue) processingKey() string { return fmt.Sprintf("%s:%s:processing", q.namespace, q.name) }
func (q *Queue) idsKey() string        { return fmt.Sprintf("%s:%s:tasks", q.namespace, q.name) }
func (q *Queue) taskKeyPrefix() string { return fmt.Sprintf("%s:%s:task:", q.namespace, q.name) }
func (q *Queue) taskKey(id string) string {
	return q.taskKeyPrefix() + id
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
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.ID), taskToMap(task))
	pipe.SAdd(ctx, q.idsKey(), task.ID)
	pipe.ZAdd(ctx, q.pendingKey(), goredis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("taskq/redis: add task: %w", err)
	}
	return nil
}

// GetTask atomically claims and returns the next eligible task.
func (q *Queue) GetTask(ctx context.Context) (*taskq.TaskWrapper, error) {
	now := time.Now()
	key := uuid.NewString()
	deadline := now.Add(q.leaseTimeout)

	res, err := claimScript.Run(ctx, q.client,
		[]string{q.pendingKey(), q.processingKey()},
		now.UnixMilli(), deadline.UnixMilli(), q.taskKeyPrefix(), key, now.UnixNano(),
	).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskq/redis: claim task: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("taskq/redis: claim script returned %T", res)
	}

	task, err := q.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
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

// release verifies the claim, then records the terminal state. The
// claim key makes the attempt the exclusive owner of the record, so a
// transactional pipeline after the check is sufficient.
func (q *Queue) release(ctx context.Context, wrapper *taskq.TaskWrapper, state taskq.TaskState) error {
	task := wrapper.Task
	if err := q.checkClaim(ctx, wrapper); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	task.Completed = now
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), task.ID)
	pipe.HSet(ctx, q.taskKey(task.ID),
		"state", string(state),
		"claim_key", "",
		"result", string(task.Result),
		"completed", strconv.FormatInt(now, 10),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("taskq/redis: release task: %w", err)
	}
	return nil
}

// AutoRescheduleTask queues the wrapped task for a future retry. When
// the retry budget is exhausted and force is false, the task is failed
// and taskq.ErrRescheduleLimit is returned.
func (q *Queue) AutoRescheduleTask(ctx context.Context, wrapper *taskq.TaskWrapper, force bool) (time.Duration, error) {
	task := wrapper.Task
	if err := q.checkClaim(ctx, wrapper); err != nil {
		return 0, err
	}
	if !force && task.Retry >= task.MaxRetry {
		if err := q.release(ctx, wrapper, taskq.Failed); err != nil {
			return 0, err
		}
		return 0, taskq.ErrRescheduleLimit
	}

	task.Retry++
	delay := q.backoff(task.Retry)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), task.ID)
	pipe.HSet(ctx, q.taskKey(task.ID),
		"state", string(taskq.Rescheduled),
		"claim_key", "",
		"retry", strconv.Itoa(task.Retry),
		"result", string(task.Result),
	)
	pipe.ZAdd(ctx, q.pendingKey(), goredis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("taskq/redis: reschedule task: %w", err)
	}
	return delay, nil
}

// BuryTasks reclaims tasks whose lease deadline has passed and returns
// how many were reclaimed.
func (q *Queue) BuryTasks(ctx context.Context) (int, error) {
	res, err := buryScript.Run(ctx, q.client,
		[]string{q.processingKey()},
		time.Now().UnixMilli(), q.taskKeyPrefix(), time.Now().UnixNano(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("taskq/redis: bury tasks: %w", err)
	}
	return res, nil
}

// Stats returns statistics about the tasks in the queue.
func (q *Queue) Stats(ctx context.Context) (*taskq.Stats, error) {
	ids, err := q.client.SMembers(ctx, q.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("taskq/redis: stats: %w", err)
	}
	stats := &taskq.Stats{}
	for _, id := range ids {
		state, err := q.client.HGet(ctx, q.taskKey(id), "state").Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("taskq/redis: stats: %w", err)
		}
		switch taskq.TaskState(state) {
		case taskq.Pending:
			stats.Pending++
		case taskq.Processing:
			stats.Processing++
		case taskq.Rescheduled:
			stats.Rescheduled++
		case taskq.Completed:
			stats.Completed++
		case taskq.Failed:
			stats.Failed++
		case taskq.Buried:
			stats.Buried++
		}
	}
	return stats, nil
}

// Lookup returns the task with the specified identifier (or
// taskq.ErrNotFound).
func (q *Queue) Lookup(ctx context.Context, id string) (*taskq.Task, error) {
	return q.getTask(ctx, id)
}

// checkClaim verifies that the wrapper still owns the task record.
func (q *Queue) checkClaim(ctx context.Context, wrapper *taskq.TaskWrapper) error {
	key, err := q.client.HGet(ctx, q.taskKey(wrapper.Task.ID), "claim_key").Result()
	if errors.Is(err, goredis.Nil) {
		return taskq.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("taskq/redis: check claim: %w", err)
	}
	if key != wrapper.Key {
		return taskq.ErrNotFound
	}
	return nil
}

func (q *Queue) getTask(ctx context.Context, id string) (*taskq.Task, error) {
	vals, err := q.client.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("taskq/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, taskq.ErrNotFound
	}
	return mapToTask(vals), nil
}

// -- hash mapping --

func taskToMap(task *taskq.Task) map[string]interface{} {
	return map[string]interface{}{
		"id":        task.ID,
		"kind":      task.Kind,
		"state":     string(task.State),
		"data":      string(task.Data),
		"result":    string(task.Result),
		"retry":     strconv.Itoa(task.Retry),
		"max_retry": strconv.Itoa(task.MaxRetry),
		"created":   strconv.FormatInt(task.Created, 10),
		"started":   strconv.FormatInt(task.Started, 10),
		"completed": strconv.FormatInt(task.Completed, 10),
	}
}

func mapToTask(m map[string]string) *taskq.Task {
	retry, _ := strconv.Atoi(m["retry"])
	maxRetry, _ := strconv.Atoi(m["max_retry"])
	created, _ := strconv.ParseInt(m["created"], 10, 64)
	started, _ := strconv.ParseInt(m["started"], 10, 64)
	completed, _ := strconv.ParseInt(m["completed"], 10, 64)
	task := &taskq.Task{
		ID:        m["id"],
		Kind:      m["kind"],
		State:     taskq.TaskState(m["state"]),
		Retry:     retry,
		MaxRetry:  maxRetry,
		Created:   created,
		Started:   started,
		Completed: completed,
	}
	if v := m["data"]; v != "" {
		task.Data = []byte(v)
	}
	if v := m["result"]; v != "" {
		task.Result = []byte(v)
	}
	return task
}
