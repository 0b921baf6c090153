// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkropachev/taskq"
)

const testMongoDBURL = "mongodb://localhost/taskq_test"

func newTestQueue(t *testing.T, options ...QueueOption) *Queue {
	t.Helper()
	name := fmt.Sprintf("test-%d", time.Now().UnixNano())
	q, err := NewQueue(testMongoDBURL, name, options...)
	if err != nil {
		t.Skipf("skipping MongoDB tests: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

// TestMongoDBRoundTrip is the green case where a task is enqueued,
// claimed, and completed.
func TestMongoDBRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	task := &taskq.Task{
		Kind: "crawl",
		Data: json.RawMessage(`{"url":"https://alt-f4.de"}`),
	}
	if err := q.Add(ctx, task); err != nil {
		t.Fatalf("Add failed with %v", err)
	}
	if task.ID == "" {
		t.Fatalf("Task ID = %q", task.ID)
	}

	wrapper, err := q.GetTask(ctx)
	if err != nil {
		t.Fatalf("GetTask failed with %v", err)
	}
	if wrapper == nil {
		t.Fatal("expected a task")
	}
	if have, want := wrapper.Task.ID, task.ID; have != want {
		t.Fatalf("claimed task %s, want %s", have, want)
	}
	if have, want := wrapper.Task.State, taskq.Processing; have != want {
		t.Fatalf("task state = %q, want %q", have, want)
	}

	// A claimed task is invisible to further claims.
	second, err := q.GetTask(ctx)
	if err != nil {
		t.Fatalf("GetTask failed with %v", err)
	}
	if second != nil {
		t.Fatal("claimed task must not be claimable again")
	}

	wrapper.Task.Result = json.RawMessage(`{"pages":12}`)
	if err := q.CompleteTask(ctx, wrapper); err != nil {
		t.Fatalf("CompleteTask failed with %v", err)
	}
	got, err := q.Lookup(ctx, task.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, taskq.Completed; have != want {
		t.Fatalf("task state = %q, want %q", have, want)
	}
	if have, want := string(got.Result), `{"pages":12}`; have != want {
		t.Fatalf("task result = %s, want %s", have, want)
	}
}

func TestMongoDBReschedule(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, SetBackoffFunc(func(retry int) time.Duration {
		return 0
	}))
	if err := q.Add(ctx, &taskq.Task{Kind: "flaky", MaxRetry: 2}); err != nil {
		t.Fatalf("Add failed with %v", err)
	}
	wrapper, err := q.GetTask(ctx)
	if err != nil {
		t.Fatalf("GetTask failed with %v", err)
	}
	if _, err := q.AutoRescheduleTask(ctx, wrapper, false); err != nil {
		t.Fatalf("AutoRescheduleTask failed with %v", err)
	}
	got, err := q.Lookup(ctx, wrapper.Task.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, taskq.Rescheduled; have != want {
		t.Fatalf("task state = %q, want %q", have, want)
	}
	if have, want := got.Retry, 1; have != want {
		t.Fatalf("retry count = %d, want %d", have, want)
	}
	next, err := q.GetTask(ctx)
	if err != nil {
		t.Fatalf("GetTask failed with %v", err)
	}
	if next == nil {
		t.Fatal("expected the rescheduled task to be claimable again")
	}
}

func TestMongoDBRescheduleLimit(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	if err := q.Add(ctx, &taskq.Task{Kind: "flaky", MaxRetry: 0}); err != nil {
		t.Fatalf("Add failed with %v", err)
	}
	wrapper, err := q.GetTask(ctx)
	if err != nil {
		t.Fatalf("GetTask failed with %v", err)
	}
	if _, err := q.AutoRescheduleTask(ctx, wrapper, false); !errors.Is(err, taskq.ErrRescheduleLimit) {
		t.Fatalf("expected taskq.ErrRescheduleLimit, have %v", err)
	}
	got, err := q.Lookup(ctx, wrapper.Task.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := got.State, taskq.Failed; have != want {
		t.Fatalf("task state = %q, want %q", have, want)
	}
}

func TestMongoDBBuryExpiredClaims(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, SetLeaseTimeout(10*time.Millisecond))
	if err := q.Add(ctx, &taskq.Task{Kind: "noop"}); err != nil {
		t.Fatalf("Add failed with %v", err)
	}
	wrapper, err := q.GetTask(ctx)
	if err != nil {
		t.Fatalf("GetTask failed with %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	count, err := q.BuryTasks(ctx)
	if err != nil {
		t.Fatalf("BuryTasks failed with %v", err)
	}
	if have, want := count, 1; have != want {
		t.Fatalf("buried %d task(s), want %d", have, want)
	}
	// The stale claim no longer resolves.
	if err := q.CompleteTask(ctx, wrapper); !errors.Is(err, taskq.ErrNotFound) {
		t.Fatalf("expected taskq.ErrNotFound on a buried claim, have %v", err)
	}
}

func TestMongoDBStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	for i := 0; i < 3; i++ {
		if err := q.Add(ctx, &taskq.Task{Kind: "noop"}); err != nil {
			t.Fatalf("Add failed with %v", err)
		}
	}
	wrapper, err := q.GetTask(ctx)
	if err != nil {
		t.Fatalf("GetTask failed with %v", err)
	}
	if err := q.CompleteTask(ctx, wrapper); err != nil {
		t.Fatalf("CompleteTask failed with %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.Pending, 2; have != want {
		t.Fatalf("pending = %d, want %d", have, want)
	}
	if have, want := stats.Completed, 1; have != want {
		t.Fatalf("completed = %d, want %d", have, want)
	}
}
