package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// SlogSink writes every event as one structured log line.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink returns a sink logging through l (slog.Default when nil).
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{log: l}
}

func (s *SlogSink) Write(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "dispatch_event",
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("model", e.Model),
			slog.String("provider", e.Provider),
			slog.String("priority", e.Priority),
			slog.String("strategy", e.Strategy),
			slog.String("outcome", e.Outcome),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("retry", uint64(e.Retry)),
			slog.Bool("cached", e.Cached),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

// DiscardSink drops every batch.
type DiscardSink struct{}

func (DiscardSink) Write(context.Context, []Event) error { return nil }

const createEventsTable = `
CREATE TABLE IF NOT EXISTS dispatch_events (
	id            UUID,
	request_id    String,
	model         LowCardinality(String),
	provider      LowCardinality(String),
	priority      LowCardinality(String),
	strategy      LowCardinality(String),
	outcome       LowCardinality(String),
	input_tokens  UInt32,
	output_tokens UInt32,
	latency_ms    UInt32,
	retry         UInt16,
	cached        UInt8,
	created_at    DateTime64(3)
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(created_at)
ORDER BY (model, created_at)
TTL toDateTime(created_at) + INTERVAL 90 DAY`

const insertEvents = `
INSERT INTO dispatch_events (
	id, request_id, model, provider, priority, strategy, outcome,
	input_tokens, output_tokens, latency_ms, retry, cached, created_at
)`

// ClickHouseSink batch-inserts events into the dispatch_events table.
type ClickHouseSink struct {
	conn driver.Conn
}

// OpenClickHouse connects to dsn, verifies the connection and creates the
// dispatch_events table when missing.
func OpenClickHouse(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("events: parse clickhouse dsn: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Compression == nil {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("events: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: ping clickhouse: %w", err)
	}

	if err := conn.Exec(ctx, createEventsTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: create dispatch_events: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []Event) error {
	b, err := s.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		return fmt.Errorf("events: prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(eventRow(e)...); err != nil {
			_ = b.Abort()
			return fmt.Errorf("events: append: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("events: send batch: %w", err)
	}
	return nil
}

// Close releases the ClickHouse connection.
func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// eventRow orders e's fields like the insertEvents column list.
func eventRow(e Event) []any {
	return []any{
		e.ID, e.RequestID, e.Model, e.Provider, e.Priority, e.Strategy, e.Outcome,
		e.InputTokens, e.OutputTokens, e.LatencyMs, e.Retry, btoi(e.Cached), e.CreatedAt,
	}
}

func btoi(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
