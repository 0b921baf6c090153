// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package taskq

import (
	"context"
	"fmt"
	"sync"
)

// Job is one attempt at executing a task. A fresh Job is created for
// every attempt and discarded afterwards; jobs are never persisted.
type Job interface {
	// Process performs the actual work. Returning an error triggers an
	// automatic reschedule of the task.
	Process(ctx context.Context) error

	// PostProcess runs after the task has been reported as completed.
	// It is best effort: errors are logged and otherwise ignored.
	PostProcess(ctx context.Context) error
}

// JobFactory builds a runnable job from a claimed task. An error, e.g.
// for a malformed payload or an unsupported task kind, is permanent:
// the task is failed without a retry.
type JobFactory interface {
	CreateJob(task *Task) (Job, error)
}

// JobFunc adapts a plain function to the Job interface. PostProcess is
// a no-op.
type JobFunc func(ctx context.Context) error

// Process runs the function.
func (f JobFunc) Process(ctx context.Context) error { return f(ctx) }

// PostProcess implements Job.
func (JobFunc) PostProcess(ctx context.Context) error { return nil }

// FactoryRegistry is a JobFactory that selects a job constructor by the
// task's Kind. Register each supported kind before handing the registry
// to a worker; new job types need no worker changes.
type FactoryRegistry struct {
	mu           sync.Mutex
	constructors map[string]func(task *Task) (Job, error)
}

// NewFactoryRegistry creates an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{
		constructors: make(map[string]func(task *Task) (Job, error)),
	}
}

// Register registers the constructor for tasks of the given kind.
func (r *FactoryRegistry) Register(kind string, fn func(task *Task) (Job, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.constructors[kind]; found {
		return fmt.Errorf("taskq: kind %s already registered", kind)
	}
	r.constructors[kind] = fn
	return nil
}

// CreateJob builds a job for the task via the constructor registered for
// its kind.
func (r *FactoryRegistry) CreateJob(task *Task) (Job, error) {
	r.mu.Lock()
	fn, found := r.constructors[task.Kind]
	r.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("taskq: no job constructor registered for kind %s", task.Kind)
	}
	return fn(task)
}
