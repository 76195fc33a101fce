// Package runloop provides a single-goroutine serial executor. The native
// capture layers require that all of their mutable state is touched from one
// logical worker; hopping onto the loop is the only synchronization primitive
// those layers use.
package runloop

import (
	"context"
	"errors"
	"sync"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// ErrClosed is returned for work submitted after the loop has stopped.
var ErrClosed = errors.New("run loop closed")

// Loop executes submitted functions one at a time on a dedicated goroutine.
// Functions submitted from the loop goroutine itself must use Post, never Do.
type Loop struct {
	name string
	jobs chan func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// New starts a loop. The name appears in log output only.
func New(name string) *Loop {
	l := &Loop{
		name: name,
		jobs: make(chan func(), 64),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Name returns the loop's log name.
func (l *Loop) Name() string {
	return l.name
}

// Done returns a channel that is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	log := logger.WithComponent("runloop")
	log.Debug().Str("name", l.name).Msg("loop started")
	defer close(l.done)
	defer log.Debug().Str("name", l.name).Msg("loop stopped")

	for {
		select {
		case <-l.quit:
			// Drain work that was accepted before the close.
			for {
				select {
				case job := <-l.jobs:
					job()
				default:
					return
				}
			}
		case job := <-l.jobs:
			job()
		}
	}
}

// Post submits fn for asynchronous execution and reports whether the loop
// accepted it. Delivery goroutines (stream readers, signal handlers) use
// this to re-enter the confined context without blocking on the result.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	case l.jobs <- fn:
		return true
	}
}

// Do runs fn on the loop and waits for it to complete, returning fn's error.
// If ctx is cancelled before completion, Do returns early with ctx.Err();
// a job already accepted by the loop still runs.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	job := func() { errc <- fn() }

	select {
	case l.jobs <- job:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-l.done:
		// The loop drained remaining jobs on shutdown, so a result may
		// still have been produced.
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop after draining accepted work and waits for the loop
// goroutine to exit. Safe to call more than once. Must not be called from
// the loop goroutine.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.quit) })
	<-l.done
}
