package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
)

// OpQueue runs the operations of one engine session strictly in submission
// order. A worker goroutine exists only while there is work.
type OpQueue struct {
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*op
	running *op
	working bool
	closed  bool
	idle    sync.WaitGroup
}

type op struct {
	name string
	run  func(ctx context.Context)
	// abort settles the op's result after it was removed from the queue.
	abort func(err error)

	cancel          context.CancelFunc
	cancelRequested bool
	cancelAttempt   *result.Result[bool]
}

// NewOpQueue creates an empty queue.
func NewOpQueue(logger *zap.Logger) *OpQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &OpQueue{
		logger: logger.Named("op_queue"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit appends fn to q. The returned Result can be cancelled: a queued
// operation is removed, a running one has its context cancelled.
func Submit[T any](q *OpQueue, name string, fn func(ctx context.Context) (T, error)) *result.Result[T] {
	r := result.New[T]()
	o := &op{name: name}
	o.abort = func(err error) { r.Fail(err) }
	o.run = func(ctx context.Context) {
		v, err := callOp(q.logger, name, ctx, fn)
		q.mu.Lock()
		cancelled := o.cancelRequested
		attempt := o.cancelAttempt
		q.mu.Unlock()

		if cancelled && err != nil && errors.Is(err, context.Canceled) {
			// Cancel settles r once the attempt reports success.
			attempt.Complete(true)
			return
		}
		if err != nil {
			r.Fail(err)
		} else {
			r.Complete(v)
		}
		if attempt != nil {
			attempt.Complete(false)
		}
	}
	r.SetCancellationDelegate(func() *result.Result[bool] { return q.cancelOp(o) })

	if !q.enqueue(o) {
		r.Fail(errdefs.InvalidState("engine session closed, cannot run %s", name))
	}
	return r
}

func callOp[T any](logger *zap.Logger, name string, ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer recoverOp(logger, name, &err)
	return fn(ctx)
}

func (q *OpQueue) enqueue(o *op) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, o)
	if !q.working {
		q.working = true
		q.idle.Add(1)
		go q.work()
	}
	return true
}

func (q *OpQueue) work() {
	defer q.idle.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.closed {
			q.working = false
			q.running = nil
			q.mu.Unlock()
			return
		}
		o := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(q.ctx)
		o.cancel = cancel
		q.running = o
		q.mu.Unlock()

		o.run(ctx)
		cancel()
	}
}

func (q *OpQueue) cancelOp(o *op) *result.Result[bool] {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == o {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return result.FromValue(true)
		}
	}
	if q.running == o && o.cancel != nil {
		if o.cancelAttempt == nil {
			o.cancelRequested = true
			o.cancelAttempt = result.New[bool]()
			o.cancel()
		}
		return o.cancelAttempt
	}
	return result.FromValue(false)
}

// Len returns the number of operations waiting to run.
func (q *OpQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close fails every queued operation, cancels the running one and waits
// for the worker to exit.
func (q *OpQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	for _, o := range dropped {
		o.abort(errdefs.InvalidState("engine session closed before %s ran", o.name))
	}
	q.idle.Wait()
}

func recoverOp(logger *zap.Logger, name string, err *error) {
	if r := recover(); r != nil {
		logger.Error("Panic during engine operation.",
			zap.String("op", name),
			zap.Any("panic_reason", r),
			zap.String("stack", string(debug.Stack())))
		*err = errdefs.BackendFailure(name, "", errors.New("operation panicked"))
	}
}
