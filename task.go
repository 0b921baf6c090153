// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package taskq

import (
	"encoding/json"
	"time"
)

// TaskState describes the lifecycle state of a task.
type TaskState string

const (
	// Pending tasks are waiting to be claimed by a worker.
	Pending TaskState = "pending"
	// Processing tasks are claimed and currently being worked on.
	Processing TaskState = "processing"
	// Completed tasks finished successfully.
	Completed TaskState = "completed"
	// Failed tasks failed permanently and will not be retried.
	Failed TaskState = "failed"
	// Rescheduled tasks failed but are queued for a future retry.
	Rescheduled TaskState = "rescheduled"
	// Buried tasks had their claim go stale (e.g. a crashed worker) and
	// were reclaimed by the gravekeeper. They need manual intervention.
	Buried TaskState = "buried"
)

// Task is one unit of work pulled from a queue.
type Task struct {
	ID        string          `json:"id"`        // unique identifier
	Kind      string          `json:"kind"`      // discriminator to find the correct job constructor
	State     TaskState       `json:"state"`     // current state
	Data      json.RawMessage `json:"data"`      // encoded payload, interpreted only by the job factory
	Result    json.RawMessage `json:"result"`    // success payload or failure diagnostics
	Retry     int             `json:"retry"`     // current number of retries
	MaxRetry  int             `json:"maxretry"`  // maximum number of retries
	Created   int64           `json:"created"`   // time the task was enqueued (in UnixNano)
	Started   int64           `json:"started"`   // time the task was last claimed (in UnixNano)
	Completed int64           `json:"completed"` // time the task reached a terminal state (in UnixNano)
}

// TaskWrapper is the envelope a queue hands out with a claimed task. It
// carries the claim metadata the queue needs to later identify and mutate
// the same record. Wrappers are created by Queue implementations only;
// the worker passes them back into every queue mutation call.
type TaskWrapper struct {
	Task     *Task
	Key      string    // claim key assigned by the queue
	Deadline time.Time // lease deadline after which the claim is stale
}

// TaskError is the failure diagnostic a worker writes into the result
// slot of a task whose processing failed.
type TaskError struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}

// errorResult renders a TaskError into a task result payload.
func errorResult(msg, stack string) json.RawMessage {
	buf, err := json.Marshal(TaskError{Error: msg, Stack: stack})
	if err != nil {
		return json.RawMessage(`{"error":"unserializable failure"}`)
	}
	return buf
}
