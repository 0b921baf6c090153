// Command ui serves a small web UI that streams task queue statistics
// over a WebSocket.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dkropachev/taskq"
	"github.com/dkropachev/taskq/mongodb"
	"github.com/dkropachev/taskq/mysql"
	taskqredis "github.com/dkropachev/taskq/redis"
	"github.com/dkropachev/taskq/sqlite"
	"github.com/dkropachev/taskq/ui/server"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:12345", "HTTP bind address")
		backend    = flag.String("backend", "redis", "Queue backend (redis, mysql, sqlite or mongodb)")
		url        = flag.String("url", "localhost:6379", "Backend connection string")
		queueNames = flag.String("queues", "default", "comma-separated list of queue names")
	)
	flag.Parse()

	var queues []taskq.Queue
	for _, name := range strings.Split(*queueNames, ",") {
		var queue taskq.Queue
		var err error
		switch *backend {
		case "redis":
			client := goredis.NewClient(&goredis.Options{Addr: *url})
			queue = taskqredis.NewQueue(client, name)
		case "mysql":
			queue, err = mysql.NewQueue(*url, name)
		case "sqlite":
			queue, err = sqlite.NewQueue(*url, name)
		case "mongodb":
			queue, err = mongodb.NewQueue(*url, name)
		default:
			log.Fatal("unsupported backend; use redis, mysql, sqlite or mongodb")
		}
		if err != nil {
			log.Fatal(err)
		}
		queues = append(queues, queue)
	}

	errc := make(chan error, 1)

	go func() {
		log.Printf("web server listening on %v", *addr)
		s := server.New(queues)
		errc <- s.Serve(*addr)
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("recv signal %v", fmt.Sprint(<-c))
		errc <- nil
	}()

	if err := <-errc; err != nil {
		log.Printf("exit with error %v", err)
		os.Exit(1)
	}
}
