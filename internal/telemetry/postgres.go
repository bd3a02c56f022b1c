// internal/telemetry/postgres.go
package telemetry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts the pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS shell_events (
    id           UUID PRIMARY KEY,
    kind         TEXT NOT NULL,
    window_id    TEXT,
    session_id   TEXT,
    extension_id TEXT,
    payload      JSONB NOT NULL,
    observed_at  TIMESTAMPTZ NOT NULL
);`

var eventColumns = []string{"id", "kind", "window_id", "session_id", "extension_id", "payload", "observed_at"}

// PostgresSink copies event batches into the shell_events table.
type PostgresSink struct {
	pool DBPool
	log  *zap.Logger
}

// Connect opens a pool for databaseURL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry pool: %w", err)
	}
	return pool, nil
}

// NewPostgresSink verifies the connection and returns a sink.
func NewPostgresSink(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresSink, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresSink{pool: pool, log: logger.Named("telemetry_pg")}, nil
}

// EnsureSchema creates the events table if needed.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createEventsTable); err != nil {
		return fmt.Errorf("failed to create shell_events: %w", err)
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, len(events))
	for i, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		rows[i] = []any{
			ev.ID, string(ev.Kind),
			nullable(ev.WindowID), nullable(ev.SessionID), nullable(ev.ExtensionID),
			payload,
			ev.Timestamp.UTC(),
		}
	}

	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"shell_events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}
	if int(n) != len(events) {
		return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(events), n)
	}
	s.log.Debug("Persisted telemetry batch.", zap.Int64("rows", n))
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
