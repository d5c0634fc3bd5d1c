package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// ConnectPostgres establishes a database connection with the given configuration.
func ConnectPostgres(cfg PostgresConfig, logger logging.Logger) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.WithFields(logging.Fields{
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime,
	}).Info("Database connected")

	return db, nil
}

// PostgresStore implements Store on PostgreSQL via lib/pq. Bucket upserts use
// ON CONFLICT on the (stream_id, interval_type, interval_start) key so
// retries are idempotent.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying connection for health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateRealtimeStats(ctx context.Context, stats models.RealtimeStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO realtime_stats (
			stream_id, ts, viewer_count, fps, bitrate_kbps, latency_ms,
			packet_loss_pct, jitter_ms, connection_quality, bytes_sent, bytes_received
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		stats.StreamID, stats.Timestamp, stats.ViewerCount, stats.FPS,
		stats.BitrateKbps, stats.LatencyMS, stats.PacketLossPct, stats.JitterMS,
		stats.ConnectionQuality, int64(stats.BytesSent), int64(stats.BytesReceived))
	if err != nil {
		return fmt.Errorf("insert realtime stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLatestRealtimeStats(ctx context.Context, streamID string) (*models.RealtimeStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stream_id, ts, viewer_count, fps, bitrate_kbps, latency_ms,
			packet_loss_pct, jitter_ms, connection_quality, bytes_sent, bytes_received
		FROM realtime_stats WHERE stream_id = $1 ORDER BY ts DESC LIMIT 1`, streamID)

	var out models.RealtimeStats
	var sent, received int64
	err := row.Scan(&out.StreamID, &out.Timestamp, &out.ViewerCount, &out.FPS,
		&out.BitrateKbps, &out.LatencyMS, &out.PacketLossPct, &out.JitterMS,
		&out.ConnectionQuality, &sent, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest realtime stats: %w", err)
	}
	out.BytesSent = uint64(sent)
	out.BytesReceived = uint64(received)
	return &out, nil
}

func (s *PostgresStore) GetIntervalBucket(ctx context.Context, streamID string, interval models.IntervalType, start time.Time) (*models.StreamAnalytics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stream_id, interval_type, interval_start, peak_viewers, avg_viewers,
			min_fps, max_fps, avg_fps, avg_bitrate_kbps, avg_latency_ms,
			avg_packet_loss_pct, avg_jitter_ms, connection_quality,
			total_bytes_sent, total_bytes_received, sample_count, updated_at
		FROM stream_analytics
		WHERE stream_id = $1 AND interval_type = $2 AND interval_start = $3`,
		streamID, string(interval), start)
	out, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query interval bucket: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertStreamAnalytics(ctx context.Context, b models.StreamAnalytics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_analytics (
			stream_id, interval_type, interval_start, peak_viewers, avg_viewers,
			min_fps, max_fps, avg_fps, avg_bitrate_kbps, avg_latency_ms,
			avg_packet_loss_pct, avg_jitter_ms, connection_quality,
			total_bytes_sent, total_bytes_received, sample_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (stream_id, interval_type, interval_start) DO UPDATE SET
			peak_viewers = EXCLUDED.peak_viewers,
			avg_viewers = EXCLUDED.avg_viewers,
			min_fps = EXCLUDED.min_fps,
			max_fps = EXCLUDED.max_fps,
			avg_fps = EXCLUDED.avg_fps,
			avg_bitrate_kbps = EXCLUDED.avg_bitrate_kbps,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			avg_packet_loss_pct = EXCLUDED.avg_packet_loss_pct,
			avg_jitter_ms = EXCLUDED.avg_jitter_ms,
			connection_quality = EXCLUDED.connection_quality,
			total_bytes_sent = EXCLUDED.total_bytes_sent,
			total_bytes_received = EXCLUDED.total_bytes_received,
			sample_count = EXCLUDED.sample_count,
			updated_at = EXCLUDED.updated_at`,
		b.StreamID, string(b.IntervalType), b.IntervalStart, b.PeakViewers, b.AvgViewers,
		b.MinFPS, b.MaxFPS, b.AvgFPS, b.AvgBitrateKbps, b.AvgLatencyMS,
		b.AvgPacketLossPct, b.AvgJitterMS, b.ConnectionQuality,
		int64(b.TotalBytesSent), int64(b.TotalBytesReceived), b.SampleCount, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert stream analytics: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStreamAnalytics(ctx context.Context, streamID string, interval models.IntervalType, from, to time.Time) ([]models.StreamAnalytics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, interval_type, interval_start, peak_viewers, avg_viewers,
			min_fps, max_fps, avg_fps, avg_bitrate_kbps, avg_latency_ms,
			avg_packet_loss_pct, avg_jitter_ms, connection_quality,
			total_bytes_sent, total_bytes_received, sample_count, updated_at
		FROM stream_analytics
		WHERE stream_id = $1 AND interval_type = $2 AND interval_start BETWEEN $3 AND $4
		ORDER BY interval_start ASC`,
		streamID, string(interval), from, to)
	if err != nil {
		return nil, fmt.Errorf("query stream analytics: %w", err)
	}
	defer rows.Close()

	var out []models.StreamAnalytics
	for rows.Next() {
		bucket, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream analytics: %w", err)
		}
		out = append(out, *bucket)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateQualityEvent(ctx context.Context, ev models.QualityEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quality_events (id, stream_id, metric, severity, value, threshold, created_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.StreamID, ev.Metric, ev.Severity, ev.Value, ev.Threshold, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert quality event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQualityEvents(ctx context.Context, streamID string, limit int) ([]models.QualityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, metric, severity, value, threshold, created_at, resolved, resolved_at
		FROM quality_events WHERE stream_id = $1 ORDER BY created_at DESC LIMIT $2`,
		streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("query quality events: %w", err)
	}
	defer rows.Close()
	return scanQualityEvents(rows)
}

func (s *PostgresStore) GetUnresolvedQualityEvents(ctx context.Context, streamID string, since time.Time) ([]models.QualityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, metric, severity, value, threshold, created_at, resolved, resolved_at
		FROM quality_events
		WHERE stream_id = $1 AND resolved = false AND created_at >= $2
		ORDER BY created_at ASC`,
		streamID, since)
	if err != nil {
		return nil, fmt.Errorf("query unresolved quality events: %w", err)
	}
	defer rows.Close()
	return scanQualityEvents(rows)
}

func (s *PostgresStore) ResolveQualityEvent(ctx context.Context, id string, resolvedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE quality_events SET resolved = true, resolved_at = $2
		WHERE id = $1 AND resolved = false`,
		id, resolvedAt)
	if err != nil {
		return fmt.Errorf("resolve quality event: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateViewerAnalytics(ctx context.Context, row models.ViewerAnalytics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO viewer_analytics (stream_id, session_id, user_id, joined_at, watch_seconds, chat_messages)
		VALUES ($1, $2, $3, $4, 0, 0)
		ON CONFLICT (stream_id, session_id) DO NOTHING`,
		row.StreamID, row.SessionID, row.UserID, row.JoinedAt)
	if err != nil {
		return fmt.Errorf("insert viewer analytics: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateViewerAnalytics(ctx context.Context, streamID, sessionID string, leftAt time.Time, watchSeconds int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE viewer_analytics SET left_at = $3, watch_seconds = $4
		WHERE stream_id = $1 AND session_id = $2`,
		streamID, sessionID, leftAt, watchSeconds)
	if err != nil {
		return fmt.Errorf("update viewer analytics: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddViewerChatMessage(ctx context.Context, streamID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE viewer_analytics SET chat_messages = chat_messages + 1
		WHERE stream_id = $1 AND session_id = $2`,
		streamID, sessionID)
	if err != nil {
		return fmt.Errorf("add viewer chat message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetViewerEngagement(ctx context.Context, streamID string) (*models.ViewerEngagement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE left_at IS NULL),
			COALESCE(AVG(watch_seconds), 0),
			COALESCE(SUM(chat_messages), 0)
		FROM viewer_analytics WHERE stream_id = $1`, streamID)

	out := &models.ViewerEngagement{}
	if err := row.Scan(&out.TotalSessions, &out.ActiveSessions, &out.AvgWatchSeconds, &out.TotalChatMessage); err != nil {
		return nil, fmt.Errorf("query viewer engagement: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CleanupRealtimeStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM realtime_stats WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup realtime stats: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CleanupStreamAnalyticsBefore(ctx context.Context, interval models.IntervalType, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM stream_analytics WHERE interval_type = $1 AND interval_start < $2`,
		string(interval), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup stream analytics: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CleanupResolvedQualityEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM quality_events WHERE resolved = true AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup quality events: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBucket(row rowScanner) (*models.StreamAnalytics, error) {
	var b models.StreamAnalytics
	var interval string
	var sent, received int64
	err := row.Scan(&b.StreamID, &interval, &b.IntervalStart, &b.PeakViewers, &b.AvgViewers,
		&b.MinFPS, &b.MaxFPS, &b.AvgFPS, &b.AvgBitrateKbps, &b.AvgLatencyMS,
		&b.AvgPacketLossPct, &b.AvgJitterMS, &b.ConnectionQuality,
		&sent, &received, &b.SampleCount, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.IntervalType = models.IntervalType(interval)
	b.TotalBytesSent = uint64(sent)
	b.TotalBytesReceived = uint64(received)
	return &b, nil
}

func scanQualityEvents(rows *sql.Rows) ([]models.QualityEvent, error) {
	var out []models.QualityEvent
	for rows.Next() {
		var ev models.QualityEvent
		var resolvedAt sql.NullTime
		if err := rows.Scan(&ev.ID, &ev.StreamID, &ev.Metric, &ev.Severity, &ev.Value,
			&ev.Threshold, &ev.CreatedAt, &ev.Resolved, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan quality event: %w", err)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			ev.ResolvedAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
