// SPDX-License-Identifier: Apache-2.0

package plugin

// EventLoop is the single-goroutine work queue every piece of core state
// mutates through. Bus frames (via bus.BusClient.Pump's external channel)
// and timer fires (via Timers) both post closures here, so a plugin
// callback triggered by one can never run concurrently with a callback
// triggered by the other.
type EventLoop struct {
	actions chan func()
}

// NewEventLoop creates a loop with a reasonably generous backlog; Post
// blocks once it is full, which is preferable to dropping work.
func NewEventLoop() *EventLoop {
	return &EventLoop{actions: make(chan func(), 256)}
}

// Post enqueues fn to run on the loop's goroutine. Safe to call from any
// goroutine, including the loop's own.
func (l *EventLoop) Post(fn func()) {
	l.actions <- fn
}

// Channel exposes the raw queue so it can be selected on alongside other
// event sources, e.g. passed as bus.BusClient.Pump's external parameter.
func (l *EventLoop) Channel() chan func() {
	return l.actions
}
