// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/dkropachev/taskq"
)

// Server is a simple web server with a WebSocket backend that streams
// queue statistics to connected clients.
type Server struct {
	queues []taskq.Queue
}

// New initializes a new Server observing the given queues.
func New(queues []taskq.Queue) *Server {
	return &Server{
		queues: queues,
	}
}

// Serve initializes the mux and starts the web server at the given address.
func (srv *Server) Serve(addr string) error {
	r := http.DefaultServeMux
	r.Handle("/ws", wsserver{queues: srv.queues})
	r.Handle("/", http.FileServer(http.Dir("public")))
	StateUpdates = make(chan *State)
	defer close(StateUpdates)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher(ctx, srv.queues)
	go h.run(ctx) // run websocket hub
	return http.ListenAndServe(addr, r)
}

// QueueState is the current state of one queue.
type QueueState struct {
	Name  string       `json:"name"`
	Stats *taskq.Stats `json:"stats,omitempty"`
}

// State is the current state of all observed queues.
type State struct {
	Type   string        `json:"type"`
	Queues []*QueueState `json:"queues"`
}

// StateUpdates transports state snapshots from the watcher to the hub.
var StateUpdates chan *State

// watcher periodically collects statistics from every queue that can
// report them.
func watcher(ctx context.Context, queues []taskq.Queue) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			newState := &State{Type: "SET_STATE"}
			for _, q := range queues {
				qs := &QueueState{Name: q.Name()}
				if reporter, ok := q.(taskq.StatsReporter); ok {
					stats, err := reporter.Stats(ctx)
					if err != nil {
						continue
					}
					qs.Stats = stats
				}
				newState.Queues = append(newState.Queues, qs)
			}
			StateUpdates <- newState
		case <-ctx.Done():
			return
		}
	}
}

// hub maintains the set of active connections and broadcasts messages
// to them.
type hub struct {
	connections map[*connection]bool
	broadcast   chan []byte
	register    chan *connection
	unregister  chan *connection
}

var h = hub{
	connections: make(map[*connection]bool),
	broadcast:   make(chan []byte),
	register:    make(chan *connection),
	unregister:  make(chan *connection),
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.connections[c] = true
		case c := <-h.unregister:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
			}
		case m := <-h.broadcast:
			for c := range h.connections {
				select {
				case c.send <- m:
				default:
					delete(h.connections, c)
					close(c.send)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
