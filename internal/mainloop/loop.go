// internal/mainloop/loop.go
package mainloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to, or pending on, a loop that has stopped.
var ErrStopped = errors.New("main loop stopped")

type loopKey struct{}

// Loop is the single sequencing context for session and window state.
// Tasks run one at a time, in the order they were posted, on the goroutine
// that called Run. The queue is unbounded so Post never blocks a backend
// callback goroutine.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a loop. Nothing runs until Run is called.
func New(logger *zap.Logger) *Loop {
	return &Loop{
		logger: logger.Named("main_loop"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn. It reports false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
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

// Dispatch makes the loop usable as a result.Dispatcher.
func (l *Loop) Dispatch(fn func()) {
	if !l.Post(fn) {
		l.logger.Debug("Dropping continuation posted after loop stop.")
	}
}

// Do runs fn on the loop and waits for it. Called from a task already
// running on this loop (detected through ctx), fn runs inline.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if OnLoop(ctx, l) {
		return fn(ctx)
	}
	loopCtx := context.WithValue(ctx, loopKey{}, l)
	errCh := make(chan error, 1)
	if !l.Post(func() { errCh <- l.safeCall(loopCtx, fn) }) {
		return ErrStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The task may have completed just before the loop exited.
		select {
		case err := <-errCh:
			return err
		default:
			return ErrStopped
		}
	}
}

// OnLoop reports whether ctx was handed out by l.Do.
func OnLoop(ctx context.Context, l *Loop) bool {
	v, _ := ctx.Value(loopKey{}).(*Loop)
	return v != nil && v == l
}

// Run drains the queue until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.runTask(fn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}
	}
}

// Stop prevents further posts and makes Run return. Queued tasks are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
		if dropped > 0 {
			l.logger.Debug("Main loop stopped with pending tasks.", zap.Int("dropped", dropped))
		}
	})
}

// Done is closed when the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 || l.stopped {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic in main loop task.",
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

func (l *Loop) safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("main loop task panicked: %v", r)
			l.logger.Error("Panic in main loop task.",
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	return fn(ctx)
}
