package models

import "time"

// EventType identifies one variant of the closed StreamEvent union.
type EventType string

const (
	// Lifecycle events emitted when a stream changes state
	EventStreamCreated EventType = "stream:created"
	EventStreamStarted EventType = "stream:started"
	EventStreamEnded   EventType = "stream:ended"
	EventStreamUpdated EventType = "stream:updated"
	EventStreamDeleted EventType = "stream:deleted"
	// Audience events emitted when viewers enter or leave a room
	EventViewerJoined EventType = "viewer:joined"
	EventViewerLeft   EventType = "viewer:left"
	// Content events
	EventProductFeatured EventType = "product:featured"
	EventChatMessage     EventType = "chat:message"
	// Telemetry events from the streamer's encoder
	EventStatsUpdated   EventType = "stats:updated"
	EventQualityChanged EventType = "quality:changed"
	// Dashboard-derived events
	EventPerformanceAlert EventType = "performance:alert"
	EventMilestoneReached EventType = "milestone:reached"
	EventDashboardSummary EventType = "dashboard:summary"
	// Error events, including the synthetic EVENT_EMISSION_FAILED variant
	EventError EventType = "error"
)

// Wildcard is the reserved subscription key matching every event type.
const Wildcard = "*"

// ErrCodeEmissionFailed is the stable code carried by the synthetic error
// event the bus publishes when a malformed event is rejected.
const ErrCodeEmissionFailed = "EVENT_EMISSION_FAILED"

// Connection quality labels reported by telemetry snapshots.
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityDegraded  = "degraded"
	QualityCritical  = "critical"
)

// StreamEvent is the envelope for every event flowing through the room bus.
// Exactly one typed payload pointer is populated, selected by Type. Events
// are immutable once published; timestamps are not guaranteed monotonic per
// stream and consumers must tolerate out-of-order arrival.
type StreamEvent struct {
	ID        string            `json:"event_id" validate:"required"`
	Type      EventType         `json:"event_type" validate:"required"`
	StreamID  string            `json:"stream_id" validate:"required"`
	Timestamp time.Time         `json:"timestamp" validate:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	Lifecycle        *LifecyclePayload        `json:"lifecycle,omitempty"`
	ViewerJoined     *ViewerJoinedPayload     `json:"viewer_joined,omitempty"`
	ViewerLeft       *ViewerLeftPayload       `json:"viewer_left,omitempty"`
	ProductFeatured  *ProductFeaturedPayload  `json:"product_featured,omitempty"`
	Chat             *ChatPayload             `json:"chat,omitempty"`
	Stats            *StatsPayload            `json:"stats,omitempty"`
	QualityChanged   *QualityChangedPayload   `json:"quality_changed,omitempty"`
	PerformanceAlert *PerformanceAlertPayload `json:"performance_alert,omitempty"`
	Milestone        *MilestonePayload        `json:"milestone,omitempty"`
	Summary          *DashboardSummaryPayload `json:"summary,omitempty"`
	Error            *ErrorPayload            `json:"error,omitempty"`
}

// ViewerIdentity names a non-anonymous viewer. A nil identity on a join or
// leave payload means the viewer is anonymous and is redacted to null in
// general-audience broadcasts.
type ViewerIdentity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// ConnectionDiagnostics carries per-viewer transport details. Broadcast only
// to the stream's creator and moderators, never to the general audience.
type ConnectionDiagnostics struct {
	RemoteAddr         string  `json:"remote_addr,omitempty"`
	UserAgent          string  `json:"user_agent,omitempty"`
	TransportLatencyMS float64 `json:"transport_latency_ms,omitempty"`
}

// LifecyclePayload accompanies stream:created/started/ended/updated/deleted.
type LifecyclePayload struct {
	Status    string `json:"status,omitempty"`
	Title     string `json:"title,omitempty"`
	CreatorID string `json:"creator_id,omitempty"`
}

// ViewerJoinedPayload accompanies viewer:joined events.
type ViewerJoinedPayload struct {
	SessionID   string                 `json:"session_id"`
	ViewerCount int                    `json:"viewer_count"`
	Viewer      *ViewerIdentity        `json:"viewer,omitempty"`
	Connection  *ConnectionDiagnostics `json:"connection,omitempty"`
}

// ViewerLeftPayload accompanies viewer:left events.
type ViewerLeftPayload struct {
	SessionID   string          `json:"session_id"`
	ViewerCount int             `json:"viewer_count"`
	Viewer      *ViewerIdentity `json:"viewer,omitempty"`
}

// ChatPayload accompanies chat:message events fanned out to the room.
type ChatPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text"`
}

// ProductFeaturedPayload accompanies product:featured events.
type ProductFeaturedPayload struct {
	ProductID  string `json:"product_id"`
	Title      string `json:"title,omitempty"`
	PriceCents int64  `json:"price_cents,omitempty"`
}

// StatsPayload is one telemetry snapshot from the streamer's encoder.
// Byte counters are cumulative for the life of the stream.
type StatsPayload struct {
	ViewerCount       int     `json:"viewer_count"`
	FPS               float64 `json:"fps"`
	BitrateKbps       float64 `json:"bitrate_kbps"`
	LatencyMS         float64 `json:"latency_ms"`
	PacketLossPct     float64 `json:"packet_loss_pct"`
	JitterMS          float64 `json:"jitter_ms"`
	ConnectionQuality string  `json:"connection_quality,omitempty"`
	Resolution        string  `json:"resolution,omitempty"`
	BytesSent         uint64  `json:"bytes_sent"`
	BytesReceived     uint64  `json:"bytes_received"`
}

// QualityChangedPayload accompanies quality:changed events derived by the
// aggregation engine when a metric crosses a degrade or recovery threshold.
type QualityChangedPayload struct {
	Metric    string  `json:"metric"`
	Severity  string  `json:"severity"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Resolved  bool    `json:"resolved"`
}

// PerformanceAlertPayload accompanies performance:alert events raised by the
// dashboard when viewership drops sharply against the stream's peak.
type PerformanceAlertPayload struct {
	Level           string   `json:"level"`
	Metric          string   `json:"metric"`
	DropPct         float64  `json:"drop_pct"`
	CurrentViewers  int      `json:"current_viewers"`
	PeakViewers     int      `json:"peak_viewers"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// MilestonePayload accompanies milestone:reached events. Each configured
// target fires at most once per stream.
type MilestonePayload struct {
	Metric string  `json:"metric"`
	Target float64 `json:"target"`
	Value  float64 `json:"value"`
}

// DashboardSummaryPayload accompanies the periodic dashboard:summary events.
type DashboardSummaryPayload struct {
	CurrentViewers  int   `json:"current_viewers"`
	PeakViewers     int   `json:"peak_viewers"`
	DurationSeconds int64 `json:"duration_seconds"`
}

// ErrorPayload accompanies error events. Message is safe for clients; it
// never contains internal stack traces or storage error text.
type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}
