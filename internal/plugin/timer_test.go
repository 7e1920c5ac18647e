package plugin

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainLoop(t *testing.T, loop *EventLoop, timeout time.Duration) bool {
	t.Helper()
	select {
	case fn := <-loop.Channel():
		fn()
		return true
	case <-time.After(timeout):
		return false
	}
}

func TestTimers_OneShotFiresOnce(t *testing.T) {
	loop := NewEventLoop()
	timers := NewTimers(loop)

	var fires int64
	timers.Set("t1", 5*time.Millisecond, false, func(id string) {
		atomic.AddInt64(&fires, 1)
	})

	require.True(t, drainLoop(t, loop, time.Second))
	assert.Equal(t, int64(1), atomic.LoadInt64(&fires))
	assert.False(t, drainLoop(t, loop, 30*time.Millisecond))
}

func TestTimers_RepeatingFiresMultipleTimes(t *testing.T) {
	loop := NewEventLoop()
	timers := NewTimers(loop)

	var fires int64
	timers.Set("t1", 5*time.Millisecond, true, func(id string) {
		atomic.AddInt64(&fires, 1)
	})

	for i := 0; i < 3; i++ {
		require.True(t, drainLoop(t, loop, time.Second))
	}
	assert.GreaterOrEqual(t, atomic.LoadInt64(&fires), int64(3))

	timers.Cancel("t1")
}

func TestTimers_SetReplacesExisting(t *testing.T) {
	loop := NewEventLoop()
	timers := NewTimers(loop)

	var firstFired, secondFired int64
	timers.Set("t1", 5*time.Millisecond, false, func(id string) { atomic.AddInt64(&firstFired, 1) })
	timers.Set("t1", 20*time.Millisecond, false, func(id string) { atomic.AddInt64(&secondFired, 1) })

	require.True(t, drainLoop(t, loop, time.Second))
	assert.Equal(t, int64(0), atomic.LoadInt64(&firstFired))
	assert.Equal(t, int64(1), atomic.LoadInt64(&secondFired))
}

func TestTimers_CancelPreventsFire(t *testing.T) {
	loop := NewEventLoop()
	timers := NewTimers(loop)

	var fired int64
	timers.Set("t1", 10*time.Millisecond, false, func(id string) { atomic.AddInt64(&fired, 1) })
	assert.True(t, timers.Cancel("t1"))
	assert.False(t, timers.Cancel("t1"))

	assert.False(t, drainLoop(t, loop, 60*time.Millisecond))
	assert.Equal(t, int64(0), atomic.LoadInt64(&fired))
}

func TestTimers_CancelAll(t *testing.T) {
	loop := NewEventLoop()
	timers := NewTimers(loop)

	timers.Set("a", time.Hour, false, func(string) {})
	timers.Set("b", time.Hour, true, func(string) {})
	timers.CancelAll()

	assert.False(t, timers.Cancel("a"))
	assert.False(t, timers.Cancel("b"))
}
