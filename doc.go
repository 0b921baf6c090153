// Package taskq implements the worker side of a distributed task queue.
//
// Applications using taskq first create a Worker via New, passing an
// ordered list of queues and a job factory. Queues are durable work
// sources backed by a shared store; ready-to-use backends exist for
// Redis ("redis"), MySQL ("mysql"), SQLite ("sqlite"), and MongoDB
// ("mongodb"), plus an in-memory queue for testing. The job factory
// turns a claimed task into a runnable job; the FactoryRegistry maps
// task kinds to job constructors.
//
// Once Run is called, the worker repeatedly asks its queues, in list
// order, for work while fewer than the configured maximum number of
// handlers are in flight. Each claimed task runs in its own handler
// goroutine: the factory builds a job, the job is processed, and the
// outcome is reported back to the owning queue. A successful job is
// completed and gets a best-effort post-processing call; a failed job
// has its failure diagnostics captured into the task's result and is
// handed back for an automatic reschedule. The queue decides whether a
// retry is still within budget; if not, the task's terminal disposition
// is the queue's responsibility.
//
// A separate gravekeeper loop periodically asks every queue to bury
// stale tasks, i.e. tasks whose claim lease expired because the owning
// worker died. It runs for the full lifetime of the worker.
//
// Stop requests a graceful shutdown: no further tasks are claimed, but
// every handler already in flight runs to its terminal report before
// Run returns. There is deliberately no deadline on this drain.
package taskq
