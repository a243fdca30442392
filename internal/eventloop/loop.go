// Package eventloop provides a single-threaded scheduler. Posted functions and
// timer callbacks run one at a time on the loop goroutine, so state owned by
// the loop needs no locking.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before it ran.
	Stop() bool
}

// Scheduler is the contract shared by the real loop and the virtual clock.
type Scheduler interface {
	Now() time.Time
	// Post queues fn to run on the loop.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Every runs fn on the loop every d until the returned timer is stopped.
	Every(d time.Duration, fn func()) Timer
}

const defaultBacklog = 1024

// Loop is the production Scheduler backed by wall-clock timers.
type Loop struct {
	events  chan func()
	running atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New creates a loop. Run must be called for posted work to execute.
func New() *Loop {
	return &Loop{
		events: make(chan func(), defaultBacklog),
		done:   make(chan struct{}),
	}
}

// Run executes posted functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		log.Warn().Msg("event loop already running")
		return
	}
	defer l.once.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("event loop stopped")
			return
		case fn := <-l.events:
			l.invoke(fn)
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event loop callback panicked")
		}
	}()
	fn()
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post is safe to call from any goroutine. After the loop has stopped the
// function is dropped.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
	case l.events <- fn:
	}
}

// TryPost queues fn without blocking. It reports false when the backlog is
// full or the loop has stopped, in which case fn is dropped.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	default:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopTimer struct {
	stopped atomic.Bool
	fired   atomic.Bool
	mu      sync.Mutex
	t       *time.Timer
}

func (t *loopTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.mu.Lock()
	if t.t != nil {
		t.t.Stop()
	}
	t.mu.Unlock()
	return !t.fired.Load()
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.mu.Lock()
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			// the stop flag is checked on the loop so a timer stopped after
			// its wall-clock expiry still never runs
			if lt.stopped.Load() {
				return
			}
			lt.fired.Store(true)
			fn()
		})
	})
	lt.mu.Unlock()
	return lt
}

func (l *Loop) Every(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	var arm func()
	arm = func() {
		lt.mu.Lock()
		defer lt.mu.Unlock()
		if lt.stopped.Load() {
			return
		}
		lt.t = time.AfterFunc(d, func() {
			l.Post(func() {
				if lt.stopped.Load() {
					return
				}
				fn()
				arm()
			})
		})
	}
	arm()
	return lt
}
