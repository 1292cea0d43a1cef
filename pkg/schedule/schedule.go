// Package schedule gives sessions an explicit, cancellable handle on their timers so that
// teardown can stop them and tests can drive time by hand.
package schedule

import (
	"sync"
	"time"
)

// Timer is a scheduled callback. Stop reports whether the call prevented a future firing.
type Timer interface {
	Stop() bool
}

type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f once after d on its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
	// Every runs f every d until stopped.
	Every(d time.Duration, f func()) Timer
}

// Real is the wall-clock scheduler.
func Real() Scheduler {
	return realScheduler{}
}

type realScheduler struct{}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realScheduler) Every(d time.Duration, f func()) Timer {
	t := &ticker{t: time.NewTicker(d), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-t.t.C:
				f()
			case <-t.done:
				return
			}
		}
	}()
	return t
}

type ticker struct {
	t    *time.Ticker
	done chan struct{}
	once sync.Once
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.t.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
