package models

import "time"

// IntervalType names one aggregation granularity.
type IntervalType string

const (
	IntervalMinute         IntervalType = "minute"
	IntervalFiveMinutes    IntervalType = "5minutes"
	IntervalFifteenMinutes IntervalType = "15minutes"
	IntervalHour           IntervalType = "hour"
	IntervalDay            IntervalType = "day"
)

// IntervalConfig pairs a bucket width with its retention horizon.
type IntervalConfig struct {
	Type      IntervalType
	Width     time.Duration
	Retention time.Duration
}

// DefaultIntervalConfigs returns the fixed interval ladder the aggregation
// engine maintains for every stream.
func DefaultIntervalConfigs() []IntervalConfig {
	return []IntervalConfig{
		{Type: IntervalMinute, Width: time.Minute, Retention: 7 * 24 * time.Hour},
		{Type: IntervalFiveMinutes, Width: 5 * time.Minute, Retention: 30 * 24 * time.Hour},
		{Type: IntervalFifteenMinutes, Width: 15 * time.Minute, Retention: 90 * 24 * time.Hour},
		{Type: IntervalHour, Width: time.Hour, Retention: 365 * 24 * time.Hour},
		{Type: IntervalDay, Width: 24 * time.Hour, Retention: 730 * 24 * time.Hour},
	}
}

// RealtimeStats is one immutable telemetry snapshot as persisted.
type RealtimeStats struct {
	StreamID          string    `json:"stream_id"`
	Timestamp         time.Time `json:"timestamp"`
	ViewerCount       int       `json:"viewer_count"`
	FPS               float64   `json:"fps"`
	BitrateKbps       float64   `json:"bitrate_kbps"`
	LatencyMS         float64   `json:"latency_ms"`
	PacketLossPct     float64   `json:"packet_loss_pct"`
	JitterMS          float64   `json:"jitter_ms"`
	ConnectionQuality string    `json:"connection_quality"`
	BytesSent         uint64    `json:"bytes_sent"`
	BytesReceived     uint64    `json:"bytes_received"`
}

// StreamAnalytics is one interval bucket row, keyed by
// (StreamID, IntervalType, IntervalStart). Upserted, never duplicated.
// Averages are exponentially weighted running averages, not true means.
type StreamAnalytics struct {
	StreamID           string       `json:"stream_id"`
	IntervalType       IntervalType `json:"interval_type"`
	IntervalStart      time.Time    `json:"interval_start"`
	PeakViewers        int          `json:"peak_viewers"`
	AvgViewers         float64      `json:"avg_viewers"`
	MinFPS             float64      `json:"min_fps"`
	MaxFPS             float64      `json:"max_fps"`
	AvgFPS             float64      `json:"avg_fps"`
	AvgBitrateKbps     float64      `json:"avg_bitrate_kbps"`
	AvgLatencyMS       float64      `json:"avg_latency_ms"`
	AvgPacketLossPct   float64      `json:"avg_packet_loss_pct"`
	AvgJitterMS        float64      `json:"avg_jitter_ms"`
	ConnectionQuality  string       `json:"connection_quality"`
	TotalBytesSent     uint64       `json:"total_bytes_sent"`
	TotalBytesReceived uint64       `json:"total_bytes_received"`
	SampleCount        int64        `json:"sample_count"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// QualityEvent records a telemetry metric crossing its degrade threshold.
// It stays unresolved until a later snapshot crosses the metric's distinct,
// stricter recovery threshold within the resolution look-back window.
type QualityEvent struct {
	ID         string     `json:"id"`
	StreamID   string     `json:"stream_id"`
	Metric     string     `json:"metric"`
	Severity   string     `json:"severity"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Quality metrics tracked by the hysteresis detector.
const (
	MetricFPS               = "fps"
	MetricPacketLoss        = "packet_loss"
	MetricLatency           = "latency"
	MetricConnectionQuality = "connection_quality"
)

// Severity levels for quality events and forwarded alerts.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ViewerAnalytics tracks one viewer session's engagement with a stream.
type ViewerAnalytics struct {
	StreamID     string     `json:"stream_id"`
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id,omitempty"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	WatchSeconds int64      `json:"watch_seconds"`
	ChatMessages int64      `json:"chat_messages"`
}

// ViewerEngagement summarizes viewer analytics for a stream.
type ViewerEngagement struct {
	TotalSessions    int     `json:"total_sessions"`
	ActiveSessions   int     `json:"active_sessions"`
	AvgWatchSeconds  float64 `json:"avg_watch_seconds"`
	TotalChatMessage int64   `json:"total_chat_messages"`
}
