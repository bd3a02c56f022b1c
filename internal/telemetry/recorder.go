// internal/telemetry/recorder.go
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink persists or exports a batch of events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// RecorderConfig tunes batching.
type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Recorder drains a Bus subscription into sinks in batches. Sink errors are
// logged and never reach the publisher.
type Recorder struct {
	logger *zap.Logger
	bus    *Bus
	sinks  []Sink
	cfg    RecorderConfig
	done   chan struct{}
}

func NewRecorder(logger *zap.Logger, bus *Bus, cfg RecorderConfig, sinks ...Sink) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Recorder{
		logger: logger.Named("telemetry_recorder"),
		bus:    bus,
		sinks:  sinks,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// Start subscribes to every kind and begins recording. The recorder stops
// once the bus shuts down.
func (r *Recorder) Start() {
	ch, _ := r.bus.Subscribe(AllKinds...)
	go r.run(ch)
}

// Done is closed after the final flush.
func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) run(ch <-chan Event) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.cfg.BatchSize)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	defer func() {
		for _, ev := range batch {
			r.bus.Acknowledge(ev)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	events := append([]Event(nil), batch...)
	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(gctx, events); err != nil {
				return fmt.Errorf("sink %s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("Failed to write telemetry batch.", zap.Int("events", len(events)), zap.Error(err))
	}
}

// LogSink writes every event to the logger at debug level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("telemetry")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, events []Event) error {
	for _, ev := range events {
		s.logger.Debug("Shell event.",
			zap.String("kind", string(ev.Kind)),
			zap.String("window_id", ev.WindowID),
			zap.String("session_id", ev.SessionID),
			zap.String("extension_id", ev.ExtensionID),
			zap.String("placement", ev.Placement),
			zap.String("source", ev.Source),
			zap.Int("count", ev.Count))
	}
	return nil
}
