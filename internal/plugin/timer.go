// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"sync"
	"time"
)

// timerState tracks one named timer. generation guards against a fire that
// was already queued on the loop when the timer was canceled or replaced:
// the posted closure re-checks it before invoking the callback, so a
// canceled timer can never fire and a replaced one can never fire under
// its predecessor's identity.
type timerState struct {
	timer      *time.Timer
	repeat     bool
	interval   time.Duration
	cb         func(timeoutID string)
	generation uint64
}

// Timers manages the named one-shot and repeating timers belonging to a
// single PluginAdapter. Every callback it invokes is posted to loop, so it
// never runs concurrently with bus dispatch or another adapter's timers.
type Timers struct {
	loop *EventLoop

	mu     sync.Mutex
	active map[string]*timerState
	nextGen uint64
}

// NewTimers creates a Timers bound to loop.
func NewTimers(loop *EventLoop) *Timers {
	return &Timers{loop: loop, active: make(map[string]*timerState)}
}

// Set schedules id to fire after d, repeating if repeat is true. An
// existing timer under id is canceled first, matching
// pkg/plugin.Manager.SetTimeout's reuse semantics.
func (t *Timers) Set(id string, d time.Duration, repeat bool, cb func(timeoutID string)) {
	t.Cancel(id)

	t.mu.Lock()
	t.nextGen++
	gen := t.nextGen
	state := &timerState{repeat: repeat, interval: d, cb: cb, generation: gen}
	state.timer = time.AfterFunc(d, func() { t.fire(id, gen) })
	t.active[id] = state
	t.mu.Unlock()
}

// Cancel stops id's timer, if any. Returns whether one was present.
func (t *Timers) Cancel(id string) bool {
	t.mu.Lock()
	state, ok := t.active[id]
	if ok {
		state.timer.Stop()
		delete(t.active, id)
	}
	t.mu.Unlock()
	return ok
}

// CancelAll stops every active timer. Used when an adapter unloads.
func (t *Timers) CancelAll() {
	t.mu.Lock()
	for id, state := range t.active {
		state.timer.Stop()
		delete(t.active, id)
	}
	t.mu.Unlock()
}

func (t *Timers) fire(id string, gen uint64) {
	t.loop.Post(func() {
		t.mu.Lock()
		state, ok := t.active[id]
		if !ok || state.generation != gen {
			t.mu.Unlock()
			return // canceled, or replaced before this fire was processed
		}

		var cb func(string)
		if state.repeat {
			state.timer = time.AfterFunc(state.interval, func() { t.fire(id, gen) })
			cb = state.cb
		} else {
			delete(t.active, id)
			cb = state.cb
		}
		t.mu.Unlock()

		cb(id)
	})
}
