// Command e2e exercises the full worker engine against a real queue
// backend: it fills a set of queues with sleep tasks, runs a worker
// over them, periodically logs queue statistics, and shuts down
// gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dkropachev/taskq"
	"github.com/dkropachev/taskq/mongodb"
	"github.com/dkropachev/taskq/mysql"
	taskqredis "github.com/dkropachev/taskq/redis"
	"github.com/dkropachev/taskq/sqlite"
)

// backend is a queue that can also enqueue, which every shipped
// backend supports.
type backend interface {
	taskq.Queue
	Add(ctx context.Context, task *taskq.Task) error
}

func main() {
	var (
		backendType  = flag.String("backend", "memory", "Queue backend (memory, redis, mysql, sqlite or mongodb)")
		url          = flag.String("url", "localhost:6379", "Backend connection string")
		queueNames   = flag.String("queues", "a,b", "comma-separated list of queue names, highest priority first")
		maxJobs      = flag.Int("max-jobs", 8, "maximum number of concurrent handlers")
		pollInterval = flag.Duration("poll-interval", 2*time.Second, "queue poll interval")
		gkInterval   = flag.Duration("gravekeeper-interval", 30*time.Second, "stale task reclamation interval")
		fillInterval = flag.Duration("fill-interval", 500*time.Millisecond, "interval in which new tasks get added")
		runTime      = flag.Duration("run-time", 2*time.Second, "maximum run time of a single task")
		logInterval  = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxRetry     = flag.Int("max-retry", 2, "maximum number of retries per task")
		failureRate  = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	backends, err := makeBackends(*backendType, *url, strings.Split(*queueNames, ","))
	if err != nil {
		log.Fatal(err)
	}
	queues := make([]taskq.Queue, len(backends))
	for i, b := range backends {
		queues[i] = b
	}

	factory := taskq.NewFactoryRegistry()
	err = factory.Register("sleep", func(task *taskq.Task) (taskq.Job, error) {
		var payload struct {
			Millis int `json:"millis"`
		}
		if err := json.Unmarshal(task.Data, &payload); err != nil {
			return nil, err
		}
		return taskq.JobFunc(func(ctx context.Context) error {
			select {
			case <-time.After(time.Duration(payload.Millis) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			if rand.Float64() < *failureRate {
				return errors.New("simulated failure")
			}
			return nil
		}), nil
	})
	if err != nil {
		log.Fatal(err)
	}

	worker := taskq.New(queues, factory,
		taskq.SetMaxJobs(*maxJobs),
		taskq.SetPollInterval(*pollInterval),
		taskq.SetGravekeeperInterval(*gkInterval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Run the worker; once it has drained, stop the producer and the
	// stats logger as well.
	g.Go(func() error {
		defer cancel()
		return worker.Run(context.Background())
	})

	// Fill the queues.
	g.Go(func() error {
		return producer(ctx, backends, *fillInterval, *runTime, *maxRetry)
	})

	// Print stats.
	g.Go(func() error {
		return statsLogger(ctx, backends, *logInterval)
	})

	// Wait for e.g. Ctrl+C.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("signal %v", fmt.Sprint(<-c))
		worker.Stop()
	}()

	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	log.Print("exiting")
}

func makeBackends(backendType, url string, names []string) ([]backend, error) {
	var backends []backend
	for _, name := range names {
		var b backend
		var err error
		switch backendType {
		case "memory":
			b = taskq.NewInMemoryQueue(name)
		case "redis":
			client := goredis.NewClient(&goredis.Options{Addr: url})
			b = taskqredis.NewQueue(client, name)
		case "mysql":
			b, err = mysql.NewQueue(url, name)
		case "sqlite":
			b, err = sqlite.NewQueue(url, name)
		case "mongodb":
			b, err = mongodb.NewQueue(url, name)
		default:
			return nil, fmt.Errorf("unsupported backend %q", backendType)
		}
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// producer adds a sleep task to a random queue on a fixed interval.
func producer(ctx context.Context, backends []backend, fillInterval, runTime time.Duration, maxRetry int) error {
	t := time.NewTicker(fillInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			data, err := json.Marshal(struct {
				Millis int `json:"millis"`
			}{
				Millis: rand.Intn(int(runTime / time.Millisecond)),
			})
			if err != nil {
				return err
			}
			b := backends[rand.Intn(len(backends))]
			task := &taskq.Task{
				Kind:     "sleep",
				Data:     data,
				MaxRetry: maxRetry,
			}
			if err := b.Add(ctx, task); err != nil {
				log.Printf("error adding task to queue %s: %v", b.Name(), err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// statsLogger periodically prints per-queue statistics.
func statsLogger(ctx context.Context, backends []backend, logInterval time.Duration) error {
	t := time.NewTicker(logInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, b := range backends {
				reporter, ok := b.(taskq.StatsReporter)
				if !ok {
					continue
				}
				stats, err := reporter.Stats(ctx)
				if err != nil {
					log.Printf("error reading stats from queue %s: %v", b.Name(), err)
					continue
				}
				log.Printf("queue %s: %d pending, %d processing, %d rescheduled, %d completed, %d failed, %d buried",
					b.Name(), stats.Pending, stats.Processing, stats.Rescheduled,
					stats.Completed, stats.Failed, stats.Buried)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
