// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

// Package mongodb implements a MongoDB-backed task queue. Claims use
// findAndModify, so the same task is never handed to two concurrent
// workers.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"
	"github.com/google/uuid"

	"github.com/dkropachev/taskq"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping
	// themselves every 10 seconds, we use a value just over 2 ping
	// periods to allow for delayed pings due to issues such as CPU
	// starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same
	// cloud/private network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "taskq_tasks"

	defaultLeaseTimeout = 5 * time.Minute
)

// taskDoc is the persistence format of a task.
type taskDoc struct {
	ID         string `bson:"_id"`
	Queue      string `bson:"queue"`
	Kind       string `bson:"kind,omitempty"`
	State      string `bson:"state"`
	Data       string `bson:"data,omitempty"`
	Result     string `bson:"result,omitempty"`
	Retry      int    `bson:"retry"`
	MaxRetry   int    `bson:"max_retry"`
	ClaimKey   string `bson:"claim_key"`
	EligibleAt int64  `bson:"eligible_at"`
	LeaseUntil int64  `bson:"lease_until"`
	Created    int64  `bson:"created"`
	Started    int64  `bson:"started"`
	Completed  int64  `bson:"completed"`
}

func (d *taskDoc) toTask() *taskq.Task {
	task := &taskq.Task{
		ID:        d.ID,
		Kind:      d.Kind,
		State:     taskq.TaskState(d.State),
		Retry:     d.Retry,
		MaxRetry:  d.MaxRetry,
		Created:   d.Created,
		Started:   d.Started,
		Completed: d.Completed,
	}
	if d.Data != "" {
		task.Data = []byte(d.Data)
	}
	if d.Result != "" {
		task.Result = []byte(d.Result)
	}
	return task
}

var claimableStates = []string{string(taskq.Pending), string(taskq.Rescheduled)}

// Queue represents a MongoDB-backed queue. It implements the
// taskq.Queue and taskq.StatsReporter interfaces.
type Queue struct {
	session        *mgo.Session
	coll           *mgo.Collection
	name           string
	collectionName string
	leaseTimeout   time.Duration
	backoff        taskq.BackoffFunc
}

// QueueOption is an options provider for Queue.
type QueueOption func(*Queue)

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) QueueOption {
	return func(q *Queue) {
		if collectionName != "" {
			q.collectionName = collectionName
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

// NewQueue creates a MongoDB-backed queue with the given name.
func NewQueue(mongodbURL, name string, options ...QueueOption) (*Queue, error) {
	q := &Queue{
		name:           name,
		collectionName: defaultCollectionName,
		leaseTimeout:   defaultLeaseTimeout,
		backoff:        taskq.DefaultBackoff,
	}
	for _, opt := range options {
		opt(q)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("taskq/mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	q.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}
	q.session.SetMode(mgo.Monotonic, true)
	q.session.SetSocketTimeout(socketTimeout)

	q.coll = q.session.DB(dbname).C(q.collectionName)

	err = q.coll.EnsureIndexKey("queue", "state", "eligible_at")
	if err != nil {
		return nil, err
	}
	err = q.coll.EnsureIndexKey("queue", "state", "lease_until")
	if err != nil {
		return nil, err
	}

	return q, nil
}

// Close the MongoDB queue.
func (q *Queue) Close() error {
	q.session.Close()
	return nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to the taskq-specific "not found" error.
		return taskq.ErrNotFound
	}
	return err
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
	doc := &taskDoc{
		ID:         task.ID,
		Queue:      q.name,
		Kind:       task.Kind,
		State:      string(task.State),
		Data:       string(task.Data),
		Result:     string(task.Result),
		Retry:      task.Retry,
		MaxRetry:   task.MaxRetry,
		EligibleAt: time.Now().UnixNano(),
		Created:    task.Created,
		Started:    task.Started,
		Completed:  task.Completed,
	}
	return q.coll.Insert(doc)
}

// GetTask atomically claims and returns the next eligible task via
// findAndModify.
func (q *Queue) GetTask(ctx context.Context) (*taskq.TaskWrapper, error) {
	now := time.Now()
	key := uuid.NewString()
	deadline := now.Add(q.leaseTimeout)

	change := mgo.Change{
		Update: bson.M{"$set": bson.M{
			"state":       string(taskq.Processing),
			"claim_key":   key,
			"lease_until": deadline.UnixNano(),
			"started":     now.UnixNano(),
		}},
		ReturnNew: true,
	}
	var doc taskDoc
	_, err := q.coll.Find(bson.M{
		"queue":       q.name,
		"state":       bson.M{"$in": claimableStates},
		"eligible_at": bson.M{"$lte": now.UnixNano()},
	}).Sort("created").Apply(change, &doc)
	if err == mgo.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &taskq.TaskWrapper{Task: doc.toTask(), Key: key, Deadline: deadline}, nil
}

// CompleteTask marks the wrapped task as completed and releases its
// claim.
func (q *Queue) CompleteTask(ctx context.Context, wrapper *taskq.TaskWrapper) error {
	return q.release(wrapper, taskq.Completed)
}

// FailTask marks the wrapped task as permanently failed and releases
// its claim.
func (q *Queue) FailTask(ctx context.Context, wrapper *taskq.TaskWrapper) error {
	return q.release(wrapper, taskq.Failed)
}

func (q *Queue) release(wrapper *taskq.TaskWrapper, state taskq.TaskState) error {
	task := wrapper.Task
	now := time.Now().UnixNano()
	err := q.coll.Update(
		bson.M{"_id": task.ID, "claim_key": wrapper.Key},
		bson.M{"$set": bson.M{
			"state":       string(state),
			"claim_key":   "",
			"lease_until": 0,
			"result":      string(task.Result),
			"completed":   now,
		}},
	)
	if err != nil {
		return q.wrapError(err)
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
		if err := q.release(wrapper, taskq.Failed); err != nil {
			return 0, err
		}
		return 0, taskq.ErrRescheduleLimit
	}

	delay := q.backoff(task.Retry + 1)
	err := q.coll.Update(
		bson.M{"_id": task.ID, "claim_key": wrapper.Key},
		bson.M{"$set": bson.M{
			"state":       string(taskq.Rescheduled),
			"claim_key":   "",
			"lease_until": 0,
			"retry":       task.Retry + 1,
			"result":      string(task.Result),
			"eligible_at": time.Now().Add(delay).UnixNano(),
		}},
	)
	if err != nil {
		return 0, q.wrapError(err)
	}
	task.Retry++
	return delay, nil
}

// BuryTasks reclaims tasks whose lease deadline has passed and returns
// how many were reclaimed.
func (q *Queue) BuryTasks(ctx context.Context) (int, error) {
	info, err := q.coll.UpdateAll(
		bson.M{
			"queue":       q.name,
			"state":       string(taskq.Processing),
			"lease_until": bson.M{"$gt": 0, "$lt": time.Now().UnixNano()},
		},
		bson.M{"$set": bson.M{
			"state":     string(taskq.Buried),
			"claim_key": "",
			"completed": time.Now().UnixNano(),
		}},
	)
	if err != nil {
		return 0, err
	}
	return info.Updated, nil
}

// Stats returns statistics about the tasks in the queue.
func (q *Queue) Stats(ctx context.Context) (*taskq.Stats, error) {
	stats := &taskq.Stats{}
	for state, slot := range map[taskq.TaskState]*int{
		taskq.Pending:     &stats.Pending,
		taskq.Processing:  &stats.Processing,
		taskq.Rescheduled: &stats.Rescheduled,
		taskq.Completed:   &stats.Completed,
		taskq.Failed:      &stats.Failed,
		taskq.Buried:      &stats.Buried,
	} {
		n, err := q.coll.Find(bson.M{"queue": q.name, "state": string(state)}).Count()
		if err != nil {
			return nil, err
		}
		*slot = n
	}
	return stats, nil
}

// Lookup returns the task with the specified identifier (or
// taskq.ErrNotFound).
func (q *Queue) Lookup(ctx context.Context, id string) (*taskq.Task, error) {
	var doc taskDoc
	err := q.coll.Find(bson.M{"_id": id, "queue": q.name}).One(&doc)
	if err != nil {
		return nil, q.wrapError(err)
	}
	return doc.toTask(), nil
}
