package kafka

import (
	"time"

	"frameworks/api_rooms/pkg/models"
)

// TelemetryTopic is the topic raw snapshots are mirrored to for downstream
// analytics pipelines.
const TelemetryTopic = "stream_telemetry"

// TelemetryRecord is the wire form of one snapshot on the telemetry topic.
type TelemetryRecord struct {
	EventID       string               `json:"event_id"`
	EventType     string               `json:"event_type"`
	Timestamp     time.Time            `json:"timestamp"`
	Source        string               `json:"source"`
	StreamID      string               `json:"stream_id"`
	Stats         models.RealtimeStats `json:"stats"`
	SchemaVersion string               `json:"schema_version"`
}

// NewTelemetryRecord wraps a persisted snapshot for the telemetry topic.
func NewTelemetryRecord(eventID, source string, stats models.RealtimeStats) TelemetryRecord {
	return TelemetryRecord{
		EventID:       eventID,
		EventType:     "stats:updated",
		Timestamp:     stats.Timestamp,
		Source:        source,
		StreamID:      stats.StreamID,
		Stats:         stats,
		SchemaVersion: "1.0",
	}
}
