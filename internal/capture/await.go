package capture

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/runloop"
)

// FrameWait bridges one asynchronous native frame delivery into a single
// bounded-time result. Four triggers race to resolve it: frame delivery,
// stream abort, the timeout timer, and caller cancellation; whichever fires
// first wins and the outcome channel completes exactly once. All state is
// confined to the owning run loop; the public methods hop onto it.
type FrameWait struct {
	loop    *runloop.Loop
	op      string
	timeout time.Duration
	log     *zerolog.Logger

	// Everything below is touched only on the loop.
	ch            chan waitOutcome
	done          bool
	pendingCancel bool
	timer         *time.Timer
	early         *waitOutcome
}

type waitOutcome struct {
	frame *Frame
	err   error
}

// NewFrameWait builds a synchronizer for one acquisition attempt. op names
// the operation in timeout errors and logs.
func NewFrameWait(loop *runloop.Loop, op string, timeout time.Duration) *FrameWait {
	return &FrameWait{
		loop:    loop,
		op:      op,
		timeout: timeout,
		log:     logger.WithComponent("framewait"),
	}
}

// finish is the single choke point into the resolved state: it cancels the
// timeout timer, clears the pending-cancellation flag, and completes the
// outcome channel iff it has not completed already. Runs on the loop.
func (w *FrameWait) finish(o waitOutcome) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pendingCancel = false
	if w.done {
		return
	}
	w.done = true
	if w.ch != nil {
		w.ch <- o
	} else {
		// Resolved before any waiter armed; hand the outcome over at arm
		// time instead.
		w.early = &o
	}
}

// arm installs the outcome channel and starts the timeout clock. Runs on
// the loop. A cancellation recorded before arming is consumed here,
// finishing immediately with ErrCancelled.
func (w *FrameWait) arm() chan waitOutcome {
	if w.ch != nil {
		return w.ch
	}
	w.ch = make(chan waitOutcome, 1)

	if w.done {
		w.ch <- *w.early
		w.early = nil
		return w.ch
	}
	if w.pendingCancel {
		w.finish(waitOutcome{err: ErrCancelled})
		return w.ch
	}

	w.timer = time.AfterFunc(w.timeout, func() {
		w.loop.Post(func() {
			w.finish(waitOutcome{err: &TimeoutError{Op: w.op, Duration: w.timeout}})
		})
	})
	return w.ch
}

// Deliver resolves the wait with a frame. Callable from any goroutine.
func (w *FrameWait) Deliver(f *Frame) {
	w.loop.Post(func() {
		w.finish(waitOutcome{frame: f})
	})
}

// Abort resolves the wait with a stream failure. Callable from any
// goroutine.
func (w *FrameWait) Abort(err error) {
	w.loop.Post(func() {
		w.finish(waitOutcome{err: &CaptureError{Reason: "stream stopped", Err: err}})
	})
}

// Cancel resolves the wait with ErrCancelled. A cancellation arriving
// before the wait is armed is remembered and applied the moment it arms.
func (w *FrameWait) Cancel() {
	w.loop.Post(func() {
		if w.ch == nil && !w.done {
			w.pendingCancel = true
			return
		}
		w.finish(waitOutcome{err: ErrCancelled})
	})
}

// Close resolves a still-pending wait with a descriptive failure. This is
// the teardown safety net for an owner discarded mid-acquisition, not a
// normal completion path.
func (w *FrameWait) Close() {
	w.loop.Post(func() {
		w.finish(waitOutcome{err: &CaptureError{Reason: w.op + " abandoned before a frame arrived"}})
	})
}

// Wait arms the synchronizer and blocks until one trigger resolves it. A
// cancelled ctx feeds the cancellation trigger; the winning trigger still
// decides the returned outcome.
func (w *FrameWait) Wait(ctx context.Context) (*Frame, error) {
	armed := make(chan chan waitOutcome, 1)
	ok := w.loop.Post(func() {
		armed <- w.arm()
	})
	if !ok {
		return nil, &CaptureError{Reason: w.op + " rejected: capture loop stopped"}
	}

	var ch chan waitOutcome
	select {
	case ch = <-armed:
	case <-ctx.Done():
		w.Cancel()
		return nil, ErrCancelled
	}

	select {
	case o := <-ch:
		return o.frame, o.err
	case <-ctx.Done():
		w.Cancel()
		// finish completes the armed channel with either the cancellation
		// or a trigger that beat it; if the loop went away instead, give up.
		select {
		case o := <-ch:
			return o.frame, o.err
		case <-w.loop.Done():
			return nil, ErrCancelled
		}
	case <-w.loop.Done():
		// Loop closed under a pending wait. The drain may still have
		// resolved us; otherwise nothing ever will.
		select {
		case o := <-ch:
			return o.frame, o.err
		default:
			return nil, &CaptureError{Reason: w.op + " abandoned: capture loop stopped"}
		}
	}
}
