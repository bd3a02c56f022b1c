package engine

import "context"

// CombineContext returns a context that carries the values of primary and
// is cancelled when either primary or secondary is done. Backends use it
// to run an operation under a page-bound context while honouring the
// caller's deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
