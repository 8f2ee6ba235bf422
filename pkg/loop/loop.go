// Package loop provides the single-timeline executor every dispatcher and
// transport runs on, together with loop-bound timers and futures.
//
// All state owned by a dispatcher (envelopes, outboxes, pending sets,
// connection state) is only touched from closures running on its Loop, so
// none of it needs locking. Goroutines that talk to the network hand their
// results back with Post.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrClosed is returned when work is submitted to a closed loop
var ErrClosed = errors.New("loop closed")

// PanicHandler receives values recovered from panicking closures
type PanicHandler func(recovered interface{})

// Option configures a Loop
type Option func(*Loop)

// WithClock sets the clock used for timers
func WithClock(clock clockwork.Clock) Option {
	return func(l *Loop) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithPanicHandler sets the handler for panics raised by posted closures
func WithPanicHandler(h PanicHandler) Option {
	return func(l *Loop) {
		l.onPanic = h
	}
}

// Loop runs posted closures one at a time, in the order they were posted
type Loop struct {
	clock   clockwork.Clock
	onPanic PanicHandler

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New creates a loop and starts its goroutine
func New(opts ...Option) *Loop {
	l := &Loop{
		clock: clockwork.NewRealClock(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l
}

// Clock returns the loop's clock
func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

// Now returns the current time according to the loop's clock
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn for execution. It never blocks and returns false if the
// loop has been closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to finish. It must not be
// called from a closure already running on the same loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. Closures still queued are discarded.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	close(l.done)
}

// Done is closed once the loop has been closed
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.closed || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.onPanic != nil {
				l.onPanic(r)
				return
			}
			panic(fmt.Sprintf("loop: unhandled panic: %v", r))
		}
	}()
	fn()
}
