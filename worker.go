// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package taskq

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPollInterval        = 2 * time.Second
	defaultMaxJobs             = 8
	defaultGravekeeperInterval = 30 * time.Second
)

// Worker pulls tasks from a prioritized list of queues and executes them
// with bounded concurrency. Create a new worker via New, then call Run.
//
// Queues are polled strictly in list order: the first queue that yields
// a task wins the dispatch cycle. Each claimed task runs in its own
// handler goroutine; the number of concurrently running handlers never
// exceeds the configured maximum. A separate gravekeeper loop
// periodically reclaims stale tasks on every queue.
type Worker struct {
	logger  Logger
	queues  []Queue
	factory JobFactory

	pollInterval        time.Duration
	maxJobs             int
	gravekeeperInterval time.Duration

	// Started is pulsed when Run enters its scheduling loop.
	Started *Event
	// GotTask is pulsed every time a task is claimed from a queue.
	GotTask *Event
	// CompletedTask is pulsed every time a handler finishes, regardless
	// of its outcome.
	CompletedTask *Event

	mu       sync.Mutex // guards the following block
	inflight int        // number of busy handlers
	running  bool

	handlers sync.WaitGroup

	stopc    chan struct{} // closed by Stop
	stopOnce sync.Once
}

// New creates a new worker processing tasks from the given queues, in
// list order, with jobs built by the given factory. Pass options to
// configure it.
func New(queues []Queue, factory JobFactory, options ...Option) *Worker {
	w := &Worker{
		logger:              stdLogger{},
		queues:              queues,
		factory:             factory,
		pollInterval:        defaultPollInterval,
		maxJobs:             defaultMaxJobs,
		gravekeeperInterval: defaultGravekeeperInterval,
		Started:             NewEvent(),
		GotTask:             NewEvent(),
		CompletedTask:       NewEvent(),
		stopc:               make(chan struct{}),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// -- Configuration --

// Option is the signature of an options provider.
type Option func(*Worker)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// SetPollInterval sets the interval in which the scheduling loop
// re-polls the queues when no work or no capacity is available. It
// bounds worst-case pickup latency and is 2 seconds by default.
func SetPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// SetMaxJobs sets the maximum number of handlers that will be run at
// the same time. It must be greater or equal to 1 and is 8 by default.
func SetMaxJobs(n int) Option {
	return func(w *Worker) {
		if n < 1 {
			n = 1
		}
		w.maxJobs = n
	}
}

// SetGravekeeperInterval sets the interval in which stale tasks are
// reclaimed on every queue. It is 30 seconds by default.
func SetGravekeeperInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.gravekeeperInterval = d
		}
	}
}

// InFlight returns the number of currently running handlers.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

// -- Run and Stop --

// Run executes the scheduling loop. It blocks until Stop is called or
// ctx is cancelled, then drains: no further tasks are claimed, but every
// handler already in flight runs to its terminal report before Run
// returns. There is no deadline on the drain.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("taskq: worker already running")
	}
	w.running = true
	w.mu.Unlock()

	names := make([]string, len(w.queues))
	for i, q := range w.queues {
		names[i] = q.Name()
	}
	w.logger.Printf("taskq: starting worker, queue list: %v", names)
	w.Started.Pulse()

	// The gravekeeper and the ctx watcher outlive the scheduling loop and
	// keep running during the drain; they are torn down via donec only
	// after the drain has completed.
	donec := make(chan struct{})
	go w.gravekeeper(donec)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-donec:
		}
	}()

	poll := time.NewTicker(w.pollInterval)

	for !w.stopping() {
		if w.shouldGetNewTask() {
			if w.tryFetchTask(ctx) {
				// Keep claiming as long as there is work and capacity.
				continue
			}
		}
		select {
		case <-poll.C:
		case <-w.stopc:
		}
	}

	w.completePendingJobs()

	poll.Stop()
	close(donec)
	return nil
}

// Stop requests a graceful shutdown. It is idempotent, does not block,
// and is safe to invoke from a signal handler. The scheduling loop is
// woken promptly; in-flight handlers are not cancelled.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Printf("taskq: stopping worker")
		close(w.stopc)
	})
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopc:
		return true
	default:
		return false
	}
}

// shouldGetNewTask is the admission control: claiming is throttled at
// claim time, so a burst of completions immediately unblocks a burst of
// claims on the next loop iteration.
func (w *Worker) shouldGetNewTask() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight < w.maxJobs
}

// completePendingJobs waits for all in-flight handlers to report a
// disposition.
func (w *Worker) completePendingJobs() {
	if n := w.InFlight(); n > 0 {
		w.logger.Printf("taskq: waiting for %d running job(s) to finish", n)
		w.handlers.Wait()
		return
	}
	w.logger.Printf("taskq: no running jobs; exiting")
}

// -- Fetch cycle and dispatch --

// tryFetchTask attempts to claim exactly one task, trying queues
// strictly in priority order. It reports whether a task was claimed.
// A queue that errors on claim is skipped for this cycle; the remaining
// queues are still tried.
func (w *Worker) tryFetchTask(ctx context.Context) bool {
	for _, queue := range w.queues {
		wrapper, err := queue.GetTask(ctx)
		if err != nil {
			w.logger.Printf("taskq: error getting task from queue %s: %v", queue.Name(), err)
			continue
		}
		if wrapper == nil {
			continue
		}
		w.startTaskProcessing(wrapper, queue)
		return true
	}
	return false
}

// startTaskProcessing dispatches the claimed task to its own handler
// goroutine and registers it with the in-flight set.
func (w *Worker) startTaskProcessing(wrapper *TaskWrapper, queue Queue) {
	w.logger.Printf("taskq: got task %s from queue %s", wrapper.Task.ID, queue.Name())
	w.GotTask.Pulse()

	w.mu.Lock()
	w.inflight++
	w.mu.Unlock()
	w.handlers.Add(1)

	go func() {
		defer func() {
			w.mu.Lock()
			w.inflight--
			w.mu.Unlock()
			w.CompletedTask.Pulse()
			w.handlers.Done()
		}()
		// Handlers deliberately run detached from the Run context: an
		// expiring Run context must not keep a drained handler from
		// reporting its disposition.
		w.handleTask(context.Background(), wrapper, queue)
	}()
}

// handleTask runs one task attempt from job construction to its
// disposition report. Every claimed task reaches exactly one of
// CompleteTask, FailTask, or a reschedule attempt.
func (w *Worker) handleTask(ctx context.Context, wrapper *TaskWrapper, queue Queue) {
	task := wrapper.Task

	job, err := w.factory.CreateJob(task)
	if err != nil {
		// Malformed payload or unsupported kind: permanent, no retry.
		w.logger.Printf("taskq: failed to create job for task %s: %v", task.ID, err)
		if err := queue.FailTask(ctx, wrapper); err != nil {
			w.logger.Printf("taskq: error failing task %s on queue %s: %v", task.ID, queue.Name(), err)
		}
		return
	}

	start := time.Now()
	err = runJob(ctx, job.Process)
	processDuration := time.Since(start)
	if err != nil {
		w.logger.Printf("taskq: error in job for task %s: %v", task.ID, err)
		var stack string
		var pe *panicError
		if errors.As(err, &pe) {
			stack = string(pe.stack)
		}
		task.Result = errorResult(err.Error(), stack)
		w.tryRescheduleTask(ctx, wrapper, queue, false)
		return
	}

	task.State = Completed
	if err := queue.CompleteTask(ctx, wrapper); err != nil {
		w.logger.Printf("taskq: error completing task %s on queue %s: %v", task.ID, queue.Name(), err)
	}

	start = time.Now()
	if err := runJob(ctx, job.PostProcess); err != nil {
		// Best effort: the task's success is not undone.
		w.logger.Printf("taskq: error in job post processing for task %s: %v", task.ID, err)
	}
	postProcessDuration := time.Since(start)

	w.logger.Printf("taskq: finished job for task %s after %v (%v post processing) with state %s",
		task.ID, processDuration, postProcessDuration, task.State)
}

// tryRescheduleTask asks the owning queue to retry the task later. A
// refusal, e.g. an exhausted retry budget, is logged and swallowed: the
// task's terminal disposition is then the queue's responsibility.
func (w *Worker) tryRescheduleTask(ctx context.Context, wrapper *TaskWrapper, queue Queue, force bool) {
	delay, err := queue.AutoRescheduleTask(ctx, wrapper, force)
	if err != nil {
		w.logger.Printf("taskq: failed to reschedule task %s: %v", wrapper.Task.ID, err)
		return
	}
	w.logger.Printf("taskq: rescheduling task %s, next try after %v", wrapper.Task.ID, delay)
}

// -- Gravekeeper --

// gravekeeper periodically reclaims stale tasks on every queue. It runs
// for the full lifetime of the worker, independent of how many jobs are
// in flight, and is torn down only after the final drain.
func (w *Worker) gravekeeper(donec <-chan struct{}) {
	t := time.NewTicker(w.gravekeeperInterval)
	defer t.Stop()
	for {
		w.buryStaleTasks()
		select {
		case <-t.C:
		case <-donec:
			return
		}
	}
}

func (w *Worker) buryStaleTasks() {
	for _, queue := range w.queues {
		count, err := queue.BuryTasks(context.Background())
		if err != nil {
			w.logger.Printf("taskq: gravekeeper: error burying tasks in queue %s: %v", queue.Name(), err)
			continue
		}
		if count > 0 {
			w.logger.Printf("taskq: gravekeeper: buried %d task(s) in queue %s", count, queue.Name())
		}
	}
}

// -- Job execution --

// panicError carries the recovered value and stack of a job that
// panicked instead of returning an error.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// runJob invokes fn, converting a panic into an error so that a
// misbehaving job cannot take down the worker process.
func runJob(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}
