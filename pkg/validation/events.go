package validation

import (
	"fmt"

	"frameworks/api_rooms/pkg/models"

	"github.com/go-playground/validator/v10"
)

// EventValidator performs structural and variant-specific validation of
// StreamEvents at the bus boundary, before any listener runs.
type EventValidator struct {
	validator *validator.Validate
}

// NewEventValidator constructs an EventValidator with standard struct validation.
func NewEventValidator() *EventValidator {
	return &EventValidator{
		validator: validator.New(),
	}
}

// ValidateEvent checks the envelope and then the required-field contract of
// the event's variant.
func (v *EventValidator) ValidateEvent(event *models.StreamEvent) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if err := v.validator.Struct(event); err != nil {
		return fmt.Errorf("event envelope validation failed: %w", err)
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return v.validateEventData(event)
}

// validateEventData dispatches to the specific validator per event type.
func (v *EventValidator) validateEventData(event *models.StreamEvent) error {
	switch event.Type {
	case models.EventStreamCreated, models.EventStreamStarted, models.EventStreamEnded,
		models.EventStreamUpdated, models.EventStreamDeleted:
		return v.validateLifecycleEvent(event)
	case models.EventViewerJoined:
		return v.validateViewerJoinedEvent(event)
	case models.EventViewerLeft:
		return v.validateViewerLeftEvent(event)
	case models.EventProductFeatured:
		return v.validateProductFeaturedEvent(event)
	case models.EventChatMessage:
		return v.validateChatEvent(event)
	case models.EventStatsUpdated:
		return v.validateStatsUpdatedEvent(event)
	case models.EventQualityChanged:
		return v.validateQualityChangedEvent(event)
	case models.EventPerformanceAlert:
		return v.validatePerformanceAlertEvent(event)
	case models.EventMilestoneReached:
		if event.Milestone == nil {
			return fmt.Errorf("milestone payload is required for milestone:reached events")
		}
		return nil
	case models.EventDashboardSummary:
		if event.Summary == nil {
			return fmt.Errorf("summary payload is required for dashboard:summary events")
		}
		return nil
	case models.EventError:
		return v.validateErrorEvent(event)
	default:
		return fmt.Errorf("unknown event type: %s", event.Type)
	}
}

func (v *EventValidator) validateLifecycleEvent(event *models.StreamEvent) error {
	if event.Lifecycle == nil {
		return fmt.Errorf("lifecycle payload is required for %s events", event.Type)
	}
	return nil
}

// validateViewerJoinedEvent requires a session identifier and a non-negative
// viewer count. A nil Viewer identity is legal and means anonymous.
func (v *EventValidator) validateViewerJoinedEvent(event *models.StreamEvent) error {
	p := event.ViewerJoined
	if p == nil {
		return fmt.Errorf("viewer_joined payload is required for viewer:joined events")
	}
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required for viewer:joined events")
	}
	if p.ViewerCount < 0 {
		return fmt.Errorf("viewer_count must be non-negative, got %d", p.ViewerCount)
	}
	return nil
}

func (v *EventValidator) validateViewerLeftEvent(event *models.StreamEvent) error {
	p := event.ViewerLeft
	if p == nil {
		return fmt.Errorf("viewer_left payload is required for viewer:left events")
	}
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required for viewer:left events")
	}
	if p.ViewerCount < 0 {
		return fmt.Errorf("viewer_count must be non-negative, got %d", p.ViewerCount)
	}
	return nil
}

func (v *EventValidator) validateChatEvent(event *models.StreamEvent) error {
	p := event.Chat
	if p == nil {
		return fmt.Errorf("chat payload is required for chat:message events")
	}
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required for chat:message events")
	}
	if p.Text == "" {
		return fmt.Errorf("text is required for chat:message events")
	}
	return nil
}

func (v *EventValidator) validateProductFeaturedEvent(event *models.StreamEvent) error {
	p := event.ProductFeatured
	if p == nil {
		return fmt.Errorf("product_featured payload is required for product:featured events")
	}
	if p.ProductID == "" {
		return fmt.Errorf("product_id is required for product:featured events")
	}
	return nil
}

func (v *EventValidator) validateStatsUpdatedEvent(event *models.StreamEvent) error {
	p := event.Stats
	if p == nil {
		return fmt.Errorf("stats payload is required for stats:updated events")
	}
	if p.ViewerCount < 0 {
		return fmt.Errorf("viewer_count must be non-negative, got %d", p.ViewerCount)
	}
	if p.FPS < 0 || p.PacketLossPct < 0 || p.LatencyMS < 0 || p.JitterMS < 0 {
		return fmt.Errorf("telemetry metrics must be non-negative")
	}
	if p.PacketLossPct > 100 {
		return fmt.Errorf("packet_loss_pct must be at most 100, got %v", p.PacketLossPct)
	}
	return nil
}

func (v *EventValidator) validateQualityChangedEvent(event *models.StreamEvent) error {
	p := event.QualityChanged
	if p == nil {
		return fmt.Errorf("quality_changed payload is required for quality:changed events")
	}
	if p.Metric == "" || p.Severity == "" {
		return fmt.Errorf("metric and severity are required for quality:changed events")
	}
	return nil
}

func (v *EventValidator) validatePerformanceAlertEvent(event *models.StreamEvent) error {
	p := event.PerformanceAlert
	if p == nil {
		return fmt.Errorf("performance_alert payload is required for performance:alert events")
	}
	if p.Level == "" || p.Metric == "" {
		return fmt.Errorf("level and metric are required for performance:alert events")
	}
	return nil
}

func (v *EventValidator) validateErrorEvent(event *models.StreamEvent) error {
	p := event.Error
	if p == nil {
		return fmt.Errorf("error payload is required for error events")
	}
	if p.Code == "" {
		return fmt.Errorf("code is required for error events")
	}
	return nil
}
