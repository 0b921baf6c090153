// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package taskq

import "sync"

// Event is a broadcast pulse for external observers, e.g. tests that
// want to wait for "the worker got a task" or "a task completed".
//
// A waiter takes the current channel via Done and blocks on it. Pulse
// closes that channel and installs a fresh one, so every waiter from
// before the pulse is woken exactly once, while a channel taken after
// the pulse stays open until the next occurrence.
type Event struct {
	mu sync.Mutex
	c  chan struct{}
}

// NewEvent creates an Event that has not been pulsed yet.
func NewEvent() *Event {
	return &Event{c: make(chan struct{})}
}

// Done returns a channel that is closed on the next pulse.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c
}

// Pulse wakes all current waiters and resets the event for the next
// occurrence.
func (e *Event) Pulse() {
	e.mu.Lock()
	close(e.c)
	e.c = make(chan struct{})
	e.mu.Unlock()
}
