package clock

import (
	"sync"
	"time"
)

// Clock reports the current time and arms recurring callbacks.
type Clock interface {
	Now() time.Time
	// Every invokes fn once per interval until the returned Timer is stopped.
	// Calls for a single Timer never overlap.
	Every(interval time.Duration, fn func()) Timer
}

// Timer is a handle to a recurring callback.
type Timer interface {
	// Stop prevents future invocations. It does not wait for an invocation
	// that is already running.
	Stop()
}

// SystemClock is the wall clock.
type SystemClock struct{}

func New() Clock {
	return SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (SystemClock) Every(interval time.Duration, fn func()) Timer {
	t := &systemTimer{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go t.loop(fn)
	return t
}

type systemTimer struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *systemTimer) loop(fn func()) {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
		}
		// A tick may race with Stop; done wins.
		select {
		case <-t.done:
			return
		default:
		}
		fn()
	}
}

func (t *systemTimer) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
}
