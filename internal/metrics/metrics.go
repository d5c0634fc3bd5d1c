package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"frameworks/api_rooms/pkg/monitoring"
)

// Metrics holds the service's Prometheus metrics, handed to the subsystems
// that record them.
type Metrics struct {
	// EventsPublished counts bus publishes by event type and outcome.
	EventsPublished *prometheus.CounterVec
	// SecurityDenials counts governor refusals by check and reason.
	SecurityDenials *prometheus.CounterVec
	// SnapshotsIngested counts telemetry snapshots accepted by the engine.
	SnapshotsIngested prometheus.Counter
	// QualityDetected counts degradations by metric and severity.
	QualityDetected *prometheus.CounterVec
}

// New registers the service metric set on the shared collector.
func New(collector *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		EventsPublished: collector.NewCounter(
			"room_events_published_total",
			"Events published to the room bus by type and outcome",
			[]string{"event_type", "status"},
		),
		SecurityDenials: collector.NewCounter(
			"security_denials_total",
			"Connection and rate-limit refusals by check and reason",
			[]string{"check", "reason"},
		),
		SnapshotsIngested: collector.NewCounter(
			"stats_snapshots_ingested_total",
			"Telemetry snapshots accepted by the aggregation engine",
			nil,
		).WithLabelValues(),
		QualityDetected: collector.NewCounter(
			"quality_events_detected_total",
			"Quality degradations detected by metric and severity",
			[]string{"metric", "severity"},
		),
	}
}

// RegisterSessionGauge exports the live WebSocket session count.
func RegisterSessionGauge(collector *monitoring.MetricsCollector, sessions func() int) {
	collector.RegisterCustomMetric("websocket_active_sessions", prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "websocket_active_sessions",
			Help: "Currently connected WebSocket sessions",
		},
		func() float64 { return float64(sessions()) },
	))
}
