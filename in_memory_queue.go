// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package taskq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLeaseTimeout = 5 * time.Minute

// InMemoryQueue is a simple in-memory Queue implementation.
// It implements the Queue and StatsReporter interfaces and is used for
// testing and demos. Do not use in production.
type InMemoryQueue struct {
	name         string
	leaseTimeout time.Duration
	backoff      BackoffFunc

	mu       sync.Mutex
	tasks    map[string]*Task
	eligible map[string]time.Time // task id -> time it may be claimed
	claims   map[string]*claim    // claim key -> claim
}

type claim struct {
	taskID   string
	deadline time.Time
}

// InMemoryQueueOption is an options provider for InMemoryQueue.
type InMemoryQueueOption func(*InMemoryQueue)

// SetLeaseTimeout overrides the duration after which an unreported claim
// is considered stale. The default is 5 minutes.
func SetLeaseTimeout(d time.Duration) InMemoryQueueOption {
	return func(q *InMemoryQueue) {
		if d > 0 {
			q.leaseTimeout = d
		}
	}
}

// SetBackoffFunc specifies the backoff function that returns the delay
// before retries of rescheduled tasks. Exponential backoff is used by
// default.
func SetBackoffFunc(fn BackoffFunc) InMemoryQueueOption {
	return func(q *InMemoryQueue) {
		if fn != nil {
			q.backoff = fn
		}
	}
}

// NewInMemoryQueue creates a new InMemoryQueue with the given name.
func NewInMemoryQueue(name string, options ...InMemoryQueueOption) *InMemoryQueue {
	q := &InMemoryQueue{
		name:         name,
		leaseTimeout: defaultLeaseTimeout,
		backoff:      exponentialBackoff,
		tasks:        make(map[string]*Task),
		eligible:     make(map[string]time.Time),
		claims:       make(map[string]*claim),
	}
	for _, opt := range options {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *InMemoryQueue) Name() string { return q.name }

// Add enqueues a task. A missing ID, state, or creation time is filled
// in.
func (q *InMemoryQueue) Add(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.State == "" {
		task.State = Pending
	}
	if task.Created == 0 {
		task.Created = time.Now().UnixNano()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[task.ID] = task
	q.eligible[task.ID] = time.Now()
	return nil
}

// GetTask atomically claims and returns the next eligible task, in
// enqueue order, or nil if none is eligible.
func (q *InMemoryQueue) GetTask(ctx context.Context) (*TaskWrapper, error) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *Task
	for id, at := range q.eligible {
		if at.After(now) {
			continue
		}
		task := q.tasks[id]
		if next == nil || task.Created < next.Created {
			next = task
		}
	}
	if next == nil {
		return nil, nil
	}

	delete(q.eligible, next.ID)
	next.State = Processing
	next.Started = now.UnixNano()

	key := uuid.NewString()
	deadline := now.Add(q.leaseTimeout)
	q.claims[key] = &claim{taskID: next.ID, deadline: deadline}

	return &TaskWrapper{Task: next, Key: key, Deadline: deadline}, nil
}

// CompleteTask marks the wrapped task as completed and releases its
// claim.
func (q *InMemoryQueue) CompleteTask(ctx context.Context, wrapper *TaskWrapper) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, err := q.takeClaim(wrapper)
	if err != nil {
		return err
	}
	task.State = Completed
	task.Completed = time.Now().UnixNano()
	return nil
}

// FailTask marks the wrapped task as permanently failed and releases
// its claim.
func (q *InMemoryQueue) FailTask(ctx context.Context, wrapper *TaskWrapper) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, err := q.takeClaim(wrapper)
	if err != nil {
		return err
	}
	task.State = Failed
	task.Completed = time.Now().UnixNano()
	return nil
}

// AutoRescheduleTask queues the wrapped task for a future retry and
// returns the delay until it becomes eligible again. When the retry
// budget is exhausted and force is false, the task is failed and
// ErrRescheduleLimit is returned.
func (q *InMemoryQueue) AutoRescheduleTask(ctx context.Context, wrapper *TaskWrapper, force bool) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, err := q.takeClaim(wrapper)
	if err != nil {
		return 0, err
	}
	if !force && task.Retry >= task.MaxRetry {
		task.State = Failed
		task.Completed = time.Now().UnixNano()
		return 0, ErrRescheduleLimit
	}
	task.Retry++
	task.State = Rescheduled
	delay := q.backoff(task.Retry)
	q.eligible[task.ID] = time.Now().Add(delay)
	return delay, nil
}

// BuryTasks moves tasks whose claim deadline has passed into the buried
// state and returns how many were reclaimed.
func (q *InMemoryQueue) BuryTasks(ctx context.Context) (int, error) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var count int
	for key, c := range q.claims {
		if c.deadline.After(now) {
			continue
		}
		delete(q.claims, key)
		task := q.tasks[c.taskID]
		task.State = Buried
		task.Completed = now.UnixNano()
		count++
	}
	return count, nil
}

// Stats returns statistics about the tasks in the queue.
func (q *InMemoryQueue) Stats(ctx context.Context) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := &Stats{}
	for _, task := range q.tasks {
		switch task.State {
		case Pending:
			stats.Pending++
		case Processing:
			stats.Processing++
		case Rescheduled:
			stats.Rescheduled++
		case Completed:
			stats.Completed++
		case Failed:
			stats.Failed++
		case Buried:
			stats.Buried++
		}
	}
	return stats, nil
}

// Lookup returns the task with the specified identifier (or ErrNotFound).
func (q *InMemoryQueue) Lookup(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, found := q.tasks[id]
	if !found {
		return nil, ErrNotFound
	}
	return task, nil
}

// takeClaim resolves and removes the claim behind a wrapper. Callers
// must hold q.mu.
func (q *InMemoryQueue) takeClaim(wrapper *TaskWrapper) (*Task, error) {
	c, found := q.claims[wrapper.Key]
	if !found {
		return nil, ErrNotFound
	}
	delete(q.claims, wrapper.Key)
	return q.tasks[c.taskID], nil
}
