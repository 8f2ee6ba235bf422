package loop

import (
	"context"
	"sync"
)

// FutureState is the settlement state of a Future
type FutureState int

const (
	Pending FutureState = iota
	Resolved
	Rejected
)

// String returns the state name
func (s FutureState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Future is a result that settles exactly once. Any number of observers
// may wait on it; the first Resolve or Reject wins and later calls are
// ignored.
type Future[T any] struct {
	mu        sync.Mutex
	state     FutureState
	value     T
	err       error
	observers []func(T, error)
	done      chan struct{}
}

// NewFuture creates a pending future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// ResolvedFuture returns a future already resolved with v
func ResolvedFuture[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// RejectedFuture returns a future already rejected with err
func RejectedFuture[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It reports whether this call settled it.
func (f *Future[T]) Resolve(v T) bool {
	var zero error
	return f.settle(Resolved, v, zero)
}

// Reject settles the future with err. It reports whether this call settled it.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(Rejected, zero, err)
}

func (f *Future[T]) settle(state FutureState, v T, err error) bool {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return false
	}
	f.state = state
	f.value = v
	f.err = err
	observers := f.observers
	f.observers = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range observers {
		fn(v, err)
	}
	return true
}

// Then registers fn to observe the outcome. fn runs when the future
// settles, on the settling goroutine, or immediately if it has already
// settled.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	if f.state == Pending {
		f.observers = append(f.observers, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()

	fn(v, err)
}

// State returns the current settlement state
func (f *Future[T]) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done is closed when the future settles
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
