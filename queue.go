// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package taskq

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound must be returned from Queue implementations when a task
	// or claim could not be found in the backing store.
	ErrNotFound = errors.New("taskq: task not found")

	// ErrRescheduleLimit is returned from AutoRescheduleTask when the
	// task's retry budget is exhausted. The queue is responsible for the
	// task's terminal disposition in that case (it marks it as failed).
	ErrRescheduleLimit = errors.New("taskq: reschedule limit reached")
)

// Queue is a named, durable work source. The worker treats queues as
// logically independent resources: an error on one queue never affects
// another. Implementations must make GetTask atomic so that the same
// task is never returned to two concurrent callers.
type Queue interface {
	// Name returns a stable identifier, used for logging only.
	Name() string

	// GetTask atomically claims and returns the next eligible task, or
	// (nil, nil) if the queue has no eligible work. The returned wrapper
	// must be passed back into every later mutation call.
	GetTask(ctx context.Context) (*TaskWrapper, error)

	// CompleteTask marks the wrapped task's attempt as successfully
	// completed and releases its claim.
	CompleteTask(ctx context.Context, wrapper *TaskWrapper) error

	// FailTask marks the wrapped task as permanently failed. No further
	// retries will happen.
	FailTask(ctx context.Context, wrapper *TaskWrapper) error

	// AutoRescheduleTask schedules a future retry of the wrapped task and
	// returns the delay until it becomes eligible again. It returns
	// ErrRescheduleLimit when the retry policy disallows further attempts,
	// unless force bypasses the budget check.
	AutoRescheduleTask(ctx context.Context, wrapper *TaskWrapper, force bool) (time.Duration, error)

	// BuryTasks reclaims tasks whose claim has gone stale, e.g. because
	// the owning worker crashed, and returns how many were reclaimed.
	BuryTasks(ctx context.Context) (int, error)
}
