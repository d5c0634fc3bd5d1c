package validation

import (
	"testing"
	"time"

	"frameworks/api_rooms/pkg/models"
)

func baseEvent(t models.EventType) models.StreamEvent {
	return models.StreamEvent{
		ID:        "evt-1",
		Type:      t,
		StreamID:  "stream-1",
		Timestamp: time.Now(),
	}
}

func TestValidateEventPerVariant(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.StreamEvent)
		wantErr bool
	}{
		{
			name: "valid viewer joined",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventViewerJoined
				e.ViewerJoined = &models.ViewerJoinedPayload{SessionID: "sess-1", ViewerCount: 3}
			},
		},
		{
			name: "anonymous viewer joined is valid",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventViewerJoined
				e.ViewerJoined = &models.ViewerJoinedPayload{SessionID: "sess-1", ViewerCount: 0}
			},
		},
		{
			name: "viewer joined missing session",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventViewerJoined
				e.ViewerJoined = &models.ViewerJoinedPayload{ViewerCount: 3}
			},
			wantErr: true,
		},
		{
			name: "viewer joined negative count",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventViewerJoined
				e.ViewerJoined = &models.ViewerJoinedPayload{SessionID: "sess-1", ViewerCount: -1}
			},
			wantErr: true,
		},
		{
			name: "viewer joined missing payload",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventViewerJoined
			},
			wantErr: true,
		},
		{
			name: "lifecycle requires payload",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventStreamStarted
			},
			wantErr: true,
		},
		{
			name: "valid lifecycle",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventStreamStarted
				e.Lifecycle = &models.LifecyclePayload{Status: "live"}
			},
		},
		{
			name: "stats negative fps",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventStatsUpdated
				e.Stats = &models.StatsPayload{FPS: -1}
			},
			wantErr: true,
		},
		{
			name: "stats loss over 100",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventStatsUpdated
				e.Stats = &models.StatsPayload{PacketLossPct: 101}
			},
			wantErr: true,
		},
		{
			name: "valid stats",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventStatsUpdated
				e.Stats = &models.StatsPayload{FPS: 30, ViewerCount: 12, ConnectionQuality: models.QualityGood}
			},
		},
		{
			name: "product featured missing product id",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventProductFeatured
				e.ProductFeatured = &models.ProductFeaturedPayload{Title: "hat"}
			},
			wantErr: true,
		},
		{
			name: "error missing code",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventError
				e.Error = &models.ErrorPayload{Message: "boom"}
			},
			wantErr: true,
		},
		{
			name: "valid error",
			mutate: func(e *models.StreamEvent) {
				e.Type = models.EventError
				e.Error = &models.ErrorPayload{Code: "E_TEST", Message: "boom"}
			},
		},
		{
			name: "unknown type",
			mutate: func(e *models.StreamEvent) {
				e.Type = "made:up"
			},
			wantErr: true,
		},
	}

	v := NewEventValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := baseEvent(models.EventStreamCreated)
			tt.mutate(&ev)
			err := v.ValidateEvent(&ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateEventEnvelope(t *testing.T) {
	v := NewEventValidator()

	ev := baseEvent(models.EventStreamCreated)
	ev.Lifecycle = &models.LifecyclePayload{Status: "created"}
	ev.StreamID = ""
	if err := v.ValidateEvent(&ev); err == nil {
		t.Fatal("expected error for empty stream_id")
	}

	ev = baseEvent(models.EventStreamCreated)
	ev.Lifecycle = &models.LifecyclePayload{Status: "created"}
	ev.Timestamp = time.Time{}
	if err := v.ValidateEvent(&ev); err == nil {
		t.Fatal("expected error for zero timestamp")
	}

	if err := v.ValidateEvent(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}
