package dashboard

import (
	"sync"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"

	"frameworks/api_rooms/internal/bus"
	"frameworks/api_rooms/pkg/models"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent map[string][]models.StreamEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][]models.StreamEvent)}
}

func (t *fakeTransport) Send(sessionID string, event models.StreamEvent) bool {
	t.mu.Lock()
	t.sent[sessionID] = append(t.sent[sessionID], event)
	t.mu.Unlock()
	return true
}

func (t *fakeTransport) deliveries(sessionID string) []models.StreamEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.StreamEvent(nil), t.sent[sessionID]...)
}

func (t *fakeTransport) byType(sessionID string, eventType models.EventType) []models.StreamEvent {
	var out []models.StreamEvent
	for _, ev := range t.deliveries(sessionID) {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *bus.Bus, *fakeTransport) {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	b := bus.New(bus.DefaultConfig(), logger)
	transport := newFakeTransport()
	m := NewManager(b, transport, DefaultConfig(), logger)
	return m, b, transport
}

func publishViewers(t *testing.T, b *bus.Bus, streamID string, count int) {
	t.Helper()
	ok := b.Publish(models.StreamEvent{
		Type:      models.EventStatsUpdated,
		StreamID:  streamID,
		Timestamp: time.Now().UTC(),
		Stats:     &models.StatsPayload{ViewerCount: count, FPS: 30},
	})
	if !ok {
		t.Fatal("publish rejected")
	}
}

func TestSubscribeInitializesState(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, ok := m.CurrentMetrics("stream-1"); ok {
		t.Fatal("no state expected before the first subscriber")
	}
	if !m.Subscribe("stream-1", "sess-1", "creator", nil) {
		t.Fatal("subscribe failed")
	}
	metrics, ok := m.CurrentMetrics("stream-1")
	if !ok {
		t.Fatal("state should exist after the first subscriber")
	}
	if metrics.Subscribers != 1 {
		t.Errorf("expected 1 subscriber, got %d", metrics.Subscribers)
	}

	m.Unsubscribe("sess-1")
	if _, ok := m.CurrentMetrics("stream-1"); ok {
		t.Error("state should be torn down with the last subscriber")
	}
}

func TestMinPriorityFilter(t *testing.T) {
	m, b, transport := newTestManager(t)
	m.Subscribe("stream-1", "sess-filtered", "viewer", &Filters{MinPriority: models.SeverityHigh})
	m.Subscribe("stream-1", "sess-open", "viewer", nil)
	m.ConfigureAlertThresholds("stream-1", AlertThresholds{WarningPct: 20, CriticalPct: 50})

	// viewer:joined computes to low priority and must be filtered.
	b.Publish(models.StreamEvent{
		Type:         models.EventViewerJoined,
		StreamID:     "stream-1",
		Timestamp:    time.Now().UTC(),
		ViewerJoined: &models.ViewerJoinedPayload{SessionID: "sess-x", ViewerCount: 100},
	})
	if got := transport.byType("sess-filtered", models.EventViewerJoined); len(got) != 0 {
		t.Errorf("low priority event should be filtered, got %d", len(got))
	}
	if got := transport.byType("sess-open", models.EventViewerJoined); len(got) != 1 {
		t.Errorf("unfiltered subscription should receive the event, got %d", len(got))
	}

	// A 60% drop against the peak of 100 raises a critical alert, which
	// clears the high bar.
	publishViewers(t, b, "stream-1", 40)
	alerts := transport.byType("sess-filtered", models.EventPerformanceAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected the critical alert forwarded, got %d", len(alerts))
	}
	if alerts[0].PerformanceAlert.Level != models.SeverityCritical {
		t.Errorf("expected critical level, got %q", alerts[0].PerformanceAlert.Level)
	}
	if len(alerts[0].PerformanceAlert.Recommendations) == 0 {
		t.Error("alert should carry recommendations")
	}
}

func TestEventTypeAllowList(t *testing.T) {
	m, b, transport := newTestManager(t)
	m.Subscribe("stream-1", "sess-1", "viewer", &Filters{
		EventTypes: []models.EventType{models.EventProductFeatured},
	})

	b.Publish(models.StreamEvent{
		Type:            models.EventProductFeatured,
		StreamID:        "stream-1",
		Timestamp:       time.Now().UTC(),
		ProductFeatured: &models.ProductFeaturedPayload{ProductID: "p1"},
	})
	publishViewers(t, b, "stream-1", 5)

	got := transport.deliveries("sess-1")
	if len(got) != 1 || got[0].Type != models.EventProductFeatured {
		t.Errorf("allow-list should pass only product events, got %+v", got)
	}
}

func TestViewerDropAlertLevels(t *testing.T) {
	m, b, transport := newTestManager(t)
	m.Subscribe("stream-1", "sess-1", "creator", nil)
	m.ConfigureAlertThresholds("stream-1", AlertThresholds{WarningPct: 20, CriticalPct: 50})

	publishViewers(t, b, "stream-1", 100) // establish peak
	publishViewers(t, b, "stream-1", 70)  // 30% drop -> warning
	publishViewers(t, b, "stream-1", 65)  // still warning, no repeat
	publishViewers(t, b, "stream-1", 40)  // 60% drop -> critical
	publishViewers(t, b, "stream-1", 35)  // still critical, no repeat

	alerts := transport.byType("sess-1", models.EventPerformanceAlert)
	if len(alerts) != 2 {
		t.Fatalf("expected warning then critical, got %d alerts", len(alerts))
	}
	if alerts[0].PerformanceAlert.Level != "warning" || alerts[1].PerformanceAlert.Level != models.SeverityCritical {
		t.Errorf("unexpected alert levels: %q %q", alerts[0].PerformanceAlert.Level, alerts[1].PerformanceAlert.Level)
	}

	// Recovery above the warning line re-arms alerting.
	publishViewers(t, b, "stream-1", 95)
	publishViewers(t, b, "stream-1", 40)
	alerts = transport.byType("sess-1", models.EventPerformanceAlert)
	if len(alerts) != 3 {
		t.Errorf("expected a fresh alert after recovery, got %d", len(alerts))
	}
}

func TestViewerMilestoneFiresOnce(t *testing.T) {
	m, b, transport := newTestManager(t)
	m.Subscribe("stream-1", "sess-1", "creator", nil)
	if !m.ConfigureMilestones("stream-1", MilestoneConfig{Viewers: []int{10, 100}}) {
		t.Fatal("milestone config rejected")
	}

	publishViewers(t, b, "stream-1", 5)
	publishViewers(t, b, "stream-1", 10) // lands exactly on the target
	publishViewers(t, b, "stream-1", 12) // above, must not re-fire
	publishViewers(t, b, "stream-1", 10) // back on the target, already fired

	milestones := transport.byType("sess-1", models.EventMilestoneReached)
	if len(milestones) != 1 {
		t.Fatalf("expected one milestone, got %d", len(milestones))
	}
	if milestones[0].Milestone.Target != 10 || milestones[0].Milestone.Metric != "viewers" {
		t.Errorf("unexpected milestone: %+v", milestones[0].Milestone)
	}

	publishViewers(t, b, "stream-1", 100)
	milestones = transport.byType("sess-1", models.EventMilestoneReached)
	if len(milestones) != 2 {
		t.Errorf("second target should fire independently, got %d", len(milestones))
	}
}

func TestSummaryLoopEmits(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	b := bus.New(bus.DefaultConfig(), logger)
	transport := newFakeTransport()
	m := NewManager(b, transport, Config{SummaryInterval: 10 * time.Millisecond}, logger)

	m.Subscribe("stream-1", "sess-1", "creator", nil)
	publishViewers(t, b, "stream-1", 7)

	deadline := time.After(time.Second)
	for {
		if got := transport.byType("sess-1", models.EventDashboardSummary); len(got) > 0 {
			if got[0].Summary.CurrentViewers != 7 {
				t.Errorf("summary should carry current viewers, got %+v", got[0].Summary)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("no summary emitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// After the last unsubscribe the loop stops.
	m.Unsubscribe("sess-1")
	time.Sleep(30 * time.Millisecond)
	before := len(transport.byType("sess-1", models.EventDashboardSummary))
	time.Sleep(30 * time.Millisecond)
	after := len(transport.byType("sess-1", models.EventDashboardSummary))
	if after != before {
		t.Errorf("summary loop kept running after teardown: %d -> %d", before, after)
	}
}

func TestSubscriptionActivityAdvancesOnForward(t *testing.T) {
	m, b, _ := newTestManager(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	m.Subscribe("stream-1", "sess-1", "viewer", nil)
	at, ok := m.SubscriptionActivity("sess-1")
	if !ok || !at.Equal(base) {
		t.Fatalf("expected subscribe to stamp activity at %v, got %v (known=%v)", base, at, ok)
	}

	current = base.Add(30 * time.Second)
	publishViewers(t, b, "stream-1", 5)
	at, _ = m.SubscriptionActivity("sess-1")
	if !at.Equal(current) {
		t.Fatalf("expected forward to advance activity to %v, got %v", current, at)
	}

	// Events dropped by the subscription's filters are not activity.
	m.Subscribe("stream-1", "sess-2", "viewer", &Filters{MinPriority: models.SeverityHigh})
	subscribedAt := current
	current = current.Add(30 * time.Second)
	publishViewers(t, b, "stream-1", 6)
	at, _ = m.SubscriptionActivity("sess-2")
	if !at.Equal(subscribedAt) {
		t.Fatalf("filtered event advanced activity: want %v, got %v", subscribedAt, at)
	}

	if _, ok := m.SubscriptionActivity("sess-unknown"); ok {
		t.Fatal("unknown session reported activity")
	}
}

func TestSessionMovesBetweenStreams(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Subscribe("stream-1", "sess-1", "viewer", nil)
	m.Subscribe("stream-2", "sess-1", "viewer", nil)

	if _, ok := m.CurrentMetrics("stream-1"); ok {
		t.Error("old stream state should be torn down when its only session moves")
	}
	if m.SubscriberCount("stream-2") != 1 {
		t.Errorf("expected the session on stream-2, got %d", m.SubscriberCount("stream-2"))
	}
}
