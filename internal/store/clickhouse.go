package store

import (
	"context"
	"fmt"

	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// SnapshotSink writes raw telemetry snapshots to a time-series backend for
// offline analysis. It is additive to the Store: the aggregation engine
// treats sink failures as non-fatal.
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, stats models.RealtimeStats) error
}

// ClickHouseSink batches telemetry snapshots into the stream_stats_events
// table.
type ClickHouseSink struct {
	conn   driver.Conn
	logger logging.Logger
}

// ConnectClickHouse opens a native ClickHouse connection.
func ConnectClickHouse(addr, database, username, password string, logger logging.Logger) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn, logger: logger}, nil
}

// NewClickHouseSink wraps an existing connection, used by tests.
func NewClickHouseSink(conn driver.Conn, logger logging.Logger) *ClickHouseSink {
	return &ClickHouseSink{conn: conn, logger: logger}
}

// WriteSnapshot appends one snapshot row.
func (s *ClickHouseSink) WriteSnapshot(ctx context.Context, stats models.RealtimeStats) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO stream_stats_events (
			timestamp, stream_id, viewer_count, fps, bitrate_kbps, latency_ms,
			packet_loss_pct, jitter_ms, connection_quality, bytes_sent, bytes_received
		)`)
	if err != nil {
		return fmt.Errorf("prepare clickhouse batch: %w", err)
	}

	if err := batch.Append(
		stats.Timestamp,
		stats.StreamID,
		uint32(stats.ViewerCount),
		stats.FPS,
		stats.BitrateKbps,
		stats.LatencyMS,
		stats.PacketLossPct,
		stats.JitterMS,
		stats.ConnectionQuality,
		stats.BytesSent,
		stats.BytesReceived,
	); err != nil {
		return fmt.Errorf("append to clickhouse batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send clickhouse batch: %w", err)
	}
	return nil
}

// Conn exposes the underlying connection for health checks.
func (s *ClickHouseSink) Conn() driver.Conn {
	return s.conn
}
