// File: internal/result/result.go
package result

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xkilldash9x/browsershell/internal/errdefs"
)

// State is the settlement state of a Result.
type State int32

const (
	Pending State = iota
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// canceller is the type-erased view of a Result used to walk up a chain.
type canceller interface {
	Cancel() *Result[bool]
}

type listener struct {
	d  Dispatcher
	fn func()
}

// Result is a single-assignment completion cell. It is settled exactly once,
// to a value, an error, or cancellation. Continuations registered before
// settlement run through their dispatcher when it happens; continuations
// registered afterwards are scheduled and never run on the registering
// caller's stack.
type Result[T any] struct {
	mu        sync.Mutex
	state     State
	value     T
	err       error
	done      chan struct{}
	listeners []listener

	cancelDelegate func() *Result[bool]
	parent         canceller
}

// New returns a pending Result.
func New[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// FromValue returns a Result already completed with v.
func FromValue[T any](v T) *Result[T] {
	r := New[T]()
	r.Complete(v)
	return r
}

// FromError returns a Result already failed with err.
func FromError[T any](err error) *Result[T] {
	r := New[T]()
	r.Fail(err)
	return r
}

// Bridge adapts a success/error callback pair into a Result. start is
// invoked synchronously with the two callbacks; whichever fires first wins.
func Bridge[T any](start func(onSuccess func(T), onError func(error))) *Result[T] {
	r := New[T]()
	start(func(v T) { r.Complete(v) }, func(err error) { r.Fail(err) })
	return r
}

// Go runs fn on d and settles the returned Result with its outcome.
func Go[T any](d Dispatcher, fn func() (T, error)) *Result[T] {
	r := New[T]()
	d.Dispatch(func() {
		defer func() {
			if p := recover(); p != nil {
				r.Fail(fmt.Errorf("result function panicked: %v", p))
			}
		}()
		v, err := fn()
		if err != nil {
			r.Fail(err)
			return
		}
		r.Complete(v)
	})
	return r
}

// Complete settles the result with v. It returns false if the result was
// already settled; the earlier outcome is kept.
func (r *Result[T]) Complete(v T) bool {
	return r.settle(Completed, v, nil)
}

// Fail settles the result with err. A nil err is replaced by a generic error
// so that a failed result always carries one. Returns false if already settled.
func (r *Result[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("result failed with nil error")
	}
	var zero T
	return r.settle(Failed, zero, err)
}

func (r *Result[T]) settleCancelled() bool {
	var zero T
	return r.settle(Cancelled, zero, errdefs.ErrCancelled)
}

func (r *Result[T]) settle(state State, v T, err error) bool {
	r.mu.Lock()
	if r.state != Pending {
		r.mu.Unlock()
		return false
	}
	r.state = state
	r.value = v
	r.err = err
	ls := r.listeners
	r.listeners = nil
	r.cancelDelegate = nil
	r.parent = nil
	close(r.done)
	r.mu.Unlock()

	for _, l := range ls {
		l.d.Dispatch(l.fn)
	}
	return true
}

// addListener registers fn. After settlement fn is scheduled, with Inline
// promoted to Goroutine so that it never runs on the caller's stack.
func (r *Result[T]) addListener(d Dispatcher, fn func()) {
	if d == nil {
		d = Goroutine
	}
	r.mu.Lock()
	if r.state == Pending {
		r.listeners = append(r.listeners, listener{d: d, fn: fn})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	deferred(d).Dispatch(fn)
}

// SetCancellationDelegate installs the hook used by Cancel to reach the
// underlying operation. It has no effect once the result is settled.
func (r *Result[T]) SetCancellationDelegate(fn func() *Result[bool]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Pending {
		r.cancelDelegate = fn
	}
}

// Cancel asks the underlying operation to stop. The returned Result is true
// only if this result moved to Cancelled. A settled result resolves false and
// keeps its outcome.
func (r *Result[T]) Cancel() *Result[bool] {
	r.mu.Lock()
	if r.state != Pending {
		r.mu.Unlock()
		return FromValue(false)
	}
	delegate, parent := r.cancelDelegate, r.parent
	r.mu.Unlock()

	var attempt *Result[bool]
	switch {
	case delegate != nil:
		attempt = delegate()
	case parent != nil:
		attempt = parent.Cancel()
	}
	if attempt == nil {
		return FromValue(false)
	}

	out := New[bool]()
	attempt.addListener(Inline, func() {
		ok, err := attempt.outcome()
		if err != nil || !ok {
			out.Complete(false)
			return
		}
		r.settleCancelled()
		out.Complete(r.State() == Cancelled)
	})
	return out
}

// State returns the current state.
func (r *Result[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the result settles.
func (r *Result[T]) Done() <-chan struct{} { return r.done }

// Poll returns the outcome without blocking. ok is false while pending.
func (r *Result[T]) Poll() (v T, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Pending {
		return v, false, nil
	}
	return r.value, true, r.err
}

// Await blocks until the result settles or ctx is done.
func (r *Result[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.outcome()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (r *Result[T]) outcome() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

// Accept registers fn to observe the outcome on d and returns r.
func (r *Result[T]) Accept(d Dispatcher, fn func(T, error)) *Result[T] {
	r.addListener(d, func() {
		v, err := r.outcome()
		fn(v, err)
	})
	return r
}

// completeFrom settles r with the outcome of src once it settles, and routes
// cancellation of r to src.
func (r *Result[T]) completeFrom(src *Result[T]) {
	r.SetCancellationDelegate(src.Cancel)
	src.addListener(Inline, func() {
		v, err := src.outcome()
		switch src.State() {
		case Completed:
			r.Complete(v)
		case Cancelled:
			r.settleCancelled()
		default:
			r.Fail(err)
		}
	})
}

// Then registers a continuation on r, run on Goroutine. See ThenOn.
func Then[T, U any](r *Result[T], onSuccess func(T) (*Result[U], error), onError func(error) (*Result[U], error)) *Result[U] {
	return ThenOn(r, Goroutine, onSuccess, onError)
}

// ThenOn registers a continuation on r, run on d. The returned Result follows
// the continuation: its error, or the Result it returns. A nil onSuccess
// completes with the zero value; a nil onError propagates the failure, and
// cancellation stays cancellation. Cancelling the returned Result is
// forwarded to r while r is pending.
func ThenOn[T, U any](r *Result[T], d Dispatcher, onSuccess func(T) (*Result[U], error), onError func(error) (*Result[U], error)) *Result[U] {
	next := New[U]()
	next.parent = r
	r.addListener(d, func() {
		state := r.State()
		v, err := r.outcome()
		if state != Completed && onError == nil {
			if state == Cancelled {
				next.settleCancelled()
			} else {
				next.Fail(err)
			}
			return
		}
		next.run(func() (*Result[U], error) {
			if state == Completed {
				if onSuccess == nil {
					return nil, nil
				}
				return onSuccess(v)
			}
			return onError(err)
		})
	})
	return next
}

func (r *Result[T]) run(fn func() (*Result[T], error)) {
	defer func() {
		if p := recover(); p != nil {
			r.Fail(fmt.Errorf("continuation panicked: %v", p))
		}
	}()
	nested, err := fn()
	switch {
	case err != nil:
		r.Fail(err)
	case nested == nil:
		var zero T
		r.Complete(zero)
	default:
		r.completeFrom(nested)
	}
}

// Map transforms a successful value. Failures pass through.
func Map[T, U any](r *Result[T], fn func(T) (U, error)) *Result[U] {
	return Then(r, func(v T) (*Result[U], error) {
		u, err := fn(v)
		if err != nil {
			return nil, err
		}
		return FromValue(u), nil
	}, nil)
}

// Exceptionally recovers from a failure. Successful values pass through.
func Exceptionally[T any](r *Result[T], fn func(error) (T, error)) *Result[T] {
	return Then(r, func(v T) (*Result[T], error) {
		return FromValue(v), nil
	}, func(err error) (*Result[T], error) {
		v, rerr := fn(err)
		if rerr != nil {
			return nil, rerr
		}
		return FromValue(v), nil
	})
}
