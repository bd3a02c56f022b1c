package shell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/config"
	"github.com/xkilldash9x/browsershell/internal/telemetry"
)

// recording is the telemetry pipeline: a bus, a recorder draining it and
// whatever the sinks hold open.
type recording struct {
	logger   *zap.Logger
	bus      *telemetry.Bus
	recorder *telemetry.Recorder
	metrics  *telemetry.MetricsSink
	server   *http.Server
	listener net.Listener
	pool     *pgxpool.Pool
}

// startRecording builds the pipeline for cfg. It returns nil when telemetry
// is disabled. A configured database that cannot be reached is an error;
// the shell does not silently drop events the operator asked to keep.
func startRecording(ctx context.Context, logger *zap.Logger, cfg config.TelemetryConfig) (rec *recording, err error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rec = &recording{
		logger:  logger.Named("telemetry"),
		bus:     telemetry.NewBus(logger, cfg.BufferSize),
		metrics: telemetry.NewMetricsSink(),
	}
	defer func() {
		if err != nil {
			rec.close(context.Background())
			rec = nil
		}
	}()

	sinks := []telemetry.Sink{telemetry.NewLogSink(logger), rec.metrics}

	if cfg.DatabaseURL != "" {
		pool, err := telemetry.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return rec, fmt.Errorf("failed to connect telemetry database: %w", err)
		}
		rec.pool = pool
		sink, err := telemetry.NewPostgresSink(ctx, pool, logger)
		if err != nil {
			return rec, fmt.Errorf("failed to prepare telemetry database: %w", err)
		}
		if err := sink.EnsureSchema(ctx); err != nil {
			return rec, err
		}
		sinks = append(sinks, sink)
		rec.logger.Debug("Postgres telemetry sink ready.")
	}

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return rec, fmt.Errorf("failed to listen for metrics on %s: %w", cfg.MetricsAddr, err)
		}
		rec.listener = ln
		mux := http.NewServeMux()
		mux.Handle("/metrics", rec.metrics.Handler())
		rec.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := rec.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rec.logger.Error("Metrics server stopped.", zap.Error(err))
			}
		}()
		rec.logger.Info("Serving metrics.", zap.String("addr", ln.Addr().String()))
	}

	rec.recorder = telemetry.NewRecorder(logger, rec.bus, telemetry.RecorderConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, sinks...)
	rec.recorder.Start()
	return rec, nil
}

// MetricsAddr is the address the metrics server listens on, if any.
func (r *recording) MetricsAddr() string {
	if r == nil || r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// close shuts the bus, waits for the final flush and releases the sinks.
func (r *recording) close(ctx context.Context) {
	r.bus.Shutdown()
	if r.recorder != nil {
		select {
		case <-r.recorder.Done():
		case <-ctx.Done():
			r.logger.Warn("Telemetry recorder did not finish its final flush.", zap.Error(ctx.Err()))
		}
	}
	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			r.logger.Warn("Metrics server shutdown failed.", zap.Error(err))
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if dropped := r.bus.Dropped(); dropped > 0 {
		r.logger.Warn("Telemetry events were dropped.", zap.Int64("dropped", dropped))
	}
}
