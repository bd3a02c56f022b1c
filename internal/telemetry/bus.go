// internal/telemetry/bus.go
package telemetry

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Bus fans events out to subscribers. Publish never blocks: an event that
// does not fit a subscriber's buffer is dropped for that subscriber and
// counted.
type Bus struct {
	logger *zap.Logger

	// Map of event kind to a list of channels (subscribers).
	subscribers map[Kind][]chan Event
	mu          sync.RWMutex
	bufferSize  int

	// Tracks events delivered but not yet acknowledged.
	processingWg sync.WaitGroup
	dropped      atomic.Int64

	shutdownOnce sync.Once
	isShutdown   bool
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{
		logger:      logger.Named("telemetry_bus"),
		subscribers: make(map[Kind][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(ev Event) {
	ev = stamp(ev)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isShutdown {
		return
	}
	for _, ch := range b.subscribers[ev.Kind] {
		b.processingWg.Add(1)
		select {
		case ch <- ev:
		default:
			b.processingWg.Done()
			if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
				b.logger.Warn("Telemetry subscriber is full, dropping events.", zap.String("kind", string(ev.Kind)), zap.Int64("dropped_total", n))
			}
		}
	}
}

// Dropped returns how many deliveries were dropped.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribe returns a channel receiving events of the given kinds, and an
// unsubscribe func. Consumers must call Acknowledge for every event.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		closedCh := make(chan Event)
		close(closedCh)
		return closedCh, func() {}
	}
	if len(kinds) == 0 {
		kinds = AllKinds
	}

	ch := make(chan Event, b.bufferSize)
	subscribed := append([]Kind(nil), kinds...)
	for _, k := range subscribed {
		b.subscribers[k] = append(b.subscribers[k], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, k := range subscribed {
			subs := b.subscribers[k]
			for i, sub := range subs {
				if sub == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[k] = subs[:len(subs)-1]
					if len(b.subscribers[k]) == 0 {
						delete(b.subscribers, k)
					}
					break
				}
			}
		}
		// The bus closes channels during Shutdown.
	}
	return ch, unsubscribe
}

// Acknowledge signals that an event has been processed.
func (b *Bus) Acknowledge(Event) {
	b.processingWg.Done()
}

// Shutdown closes every subscriber channel, drains what is buffered and waits
// for in-flight events to be acknowledged.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.isShutdown = true
		unique := make(map[chan Event]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[Kind][]chan Event)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered events during shutdown.", zap.Int("count", drained))
		}
		b.processingWg.Wait()
		b.logger.Debug("Telemetry bus shut down.")
	})
}
