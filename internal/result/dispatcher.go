package result

// Dispatcher decides where a continuation runs. The result package never
// picks a goroutine on its own; callers choose one of these or supply a
// sequencer such as the main loop.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

type inline struct{}

func (inline) Dispatch(fn func()) { fn() }

var (
	// Inline runs continuations on the goroutine that settles the result.
	Inline Dispatcher = inline{}
	// Goroutine runs each continuation on a fresh goroutine.
	Goroutine Dispatcher = DispatcherFunc(func(fn func()) { go fn() })
)

// deferred never returns a dispatcher that runs fn on the caller's stack.
func deferred(d Dispatcher) Dispatcher {
	if _, ok := d.(inline); ok {
		return Goroutine
	}
	return d
}
