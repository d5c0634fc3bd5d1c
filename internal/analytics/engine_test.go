package analytics

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"frameworks/api_rooms/internal/store"
	"frameworks/api_rooms/pkg/models"
)

type capturingBus struct {
	mu     sync.Mutex
	events []models.StreamEvent
}

func (b *capturingBus) Publish(event models.StreamEvent) bool {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
	return true
}

func (b *capturingBus) all() []models.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.StreamEvent, len(b.events))
	copy(out, b.events)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *capturingBus, *time.Time) {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	st := store.NewMemoryStore()
	bus := &capturingBus{}
	e := New(st, bus, DefaultConfig(), logger)

	current := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	e.now = func() time.Time { return current }
	return e, st, bus, &current
}

func TestIngestUpsertsOneBucketPerWindow(t *testing.T) {
	e, st, _, current := newTestEngine(t)
	ctx := context.Background()

	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{ViewerCount: 10, FPS: 30}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	*current = current.Add(20 * time.Second) // still inside the same minute
	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{ViewerCount: 25, FPS: 28}); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bucket, err := st.GetIntervalBucket(ctx, "stream-1", models.IntervalMinute, start)
	if err != nil {
		t.Fatalf("GetIntervalBucket: %v", err)
	}
	if bucket.SampleCount != 2 {
		t.Errorf("expected 2 samples in one bucket, got %d", bucket.SampleCount)
	}
	if bucket.PeakViewers != 25 {
		t.Errorf("expected peak 25, got %d", bucket.PeakViewers)
	}

	rows, err := st.GetStreamAnalytics(ctx, "stream-1", models.IntervalMinute, start.Add(-time.Hour), start.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one minute bucket, got %d", len(rows))
	}
}

func TestIngestMaintainsEveryInterval(t *testing.T) {
	e, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{ViewerCount: 5, FPS: 30}); err != nil {
		t.Fatal(err)
	}
	for _, interval := range models.DefaultIntervalConfigs() {
		start := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC).Truncate(interval.Width)
		if _, err := st.GetIntervalBucket(ctx, "stream-1", interval.Type, start); err != nil {
			t.Errorf("missing %s bucket: %v", interval.Type, err)
		}
	}
}

func TestRunningAverageUsesFixedWeight(t *testing.T) {
	e, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{FPS: 30}); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bucket, err := st.GetIntervalBucket(ctx, "stream-1", models.IntervalMinute, start)
	if err != nil {
		t.Fatal(err)
	}
	// The fixed 0.1 weight applies even to the first sample, so the early
	// average is far below the observed value.
	if got, want := bucket.AvgFPS, 3.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("expected avg fps %v after one sample, got %v", want, got)
	}
	if bucket.MinFPS != 30 || bucket.MaxFPS != 30 {
		t.Errorf("extrema should equal the only sample: min %v max %v", bucket.MinFPS, bucket.MaxFPS)
	}
}

func TestByteCountersNeverDecrease(t *testing.T) {
	e, st, _, current := newTestEngine(t)
	ctx := context.Background()

	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{FPS: 30, BytesSent: 5000}); err != nil {
		t.Fatal(err)
	}
	*current = current.Add(10 * time.Second)
	// Encoder restart reports a lower cumulative counter.
	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{FPS: 30, BytesSent: 100}); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bucket, err := st.GetIntervalBucket(ctx, "stream-1", models.IntervalMinute, start)
	if err != nil {
		t.Fatal(err)
	}
	if bucket.TotalBytesSent != 5000 {
		t.Errorf("expected total bytes to hold at 5000, got %d", bucket.TotalBytesSent)
	}
}

func TestQualityHysteresis(t *testing.T) {
	e, st, bus, current := newTestEngine(t)
	ctx := context.Background()

	// Degrade: fps 8 is below the critical line.
	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{FPS: 8}); err != nil {
		t.Fatal(err)
	}
	events, err := st.GetQualityEvents(ctx, "stream-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one quality event, got %d", len(events))
	}
	ev := events[0]
	if ev.Metric != models.MetricFPS || ev.Severity != models.SeverityCritical || ev.Threshold != 20 || ev.Resolved {
		t.Fatalf("unexpected quality event: %+v", ev)
	}

	// Recover: fps 26 crosses the stricter recovery line.
	*current = current.Add(30 * time.Second)
	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{FPS: 26}); err != nil {
		t.Fatal(err)
	}
	events, err = st.GetQualityEvents(ctx, "stream-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !events[0].Resolved {
		t.Fatalf("expected the event resolved, got %+v", events)
	}

	// In the dead band: fps 22 must neither degrade nor resolve anything.
	*current = current.Add(30 * time.Second)
	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{FPS: 22}); err != nil {
		t.Fatal(err)
	}
	events, err = st.GetQualityEvents(ctx, "stream-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("dead-band sample created a new event: %+v", events)
	}

	// The bus saw exactly the degrade and the recovery transitions.
	var transitions []bool
	for _, be := range bus.all() {
		if be.Type == models.EventQualityChanged {
			transitions = append(transitions, be.QualityChanged.Resolved)
		}
	}
	if len(transitions) != 2 || transitions[0] != false || transitions[1] != true {
		t.Errorf("unexpected quality transitions on bus: %v", transitions)
	}
}

func TestResolutionLookbackWindow(t *testing.T) {
	e, st, _, current := newTestEngine(t)
	ctx := context.Background()

	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{FPS: 8}); err != nil {
		t.Fatal(err)
	}

	// A healthy sample ten minutes later is outside the five minute
	// look-back, so the stale event stays unresolved.
	*current = current.Add(10 * time.Minute)
	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{FPS: 30}); err != nil {
		t.Fatal(err)
	}
	events, err := st.GetQualityEvents(ctx, "stream-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Resolved {
		t.Fatalf("stale event should remain unresolved: %+v", events)
	}
}

func TestViewerEngagementLifecycle(t *testing.T) {
	e, st, _, current := newTestEngine(t)
	ctx := context.Background()

	viewer := &models.ViewerIdentity{UserID: "user-1"}
	if err := e.IngestViewerEvent(ctx, "stream-1", "sess-1", models.EventViewerJoined, viewer); err != nil {
		t.Fatal(err)
	}
	if err := e.RecordChatMessage(ctx, "stream-1", "sess-1"); err != nil {
		t.Fatal(err)
	}

	*current = current.Add(90 * time.Second)
	if err := e.IngestViewerEvent(ctx, "stream-1", "sess-1", models.EventViewerLeft, nil); err != nil {
		t.Fatal(err)
	}

	engagement, err := st.GetViewerEngagement(ctx, "stream-1")
	if err != nil {
		t.Fatal(err)
	}
	if engagement.TotalSessions != 1 || engagement.ActiveSessions != 0 {
		t.Errorf("unexpected engagement: %+v", engagement)
	}
	if engagement.AvgWatchSeconds != 90 {
		t.Errorf("expected 90s watched, got %v", engagement.AvgWatchSeconds)
	}
	if engagement.TotalChatMessage != 1 {
		t.Errorf("expected one chat message, got %d", engagement.TotalChatMessage)
	}

	// A leave for a session never seen is not an error.
	if err := e.IngestViewerEvent(ctx, "stream-1", "sess-unknown", models.EventViewerLeft, nil); err != nil {
		t.Errorf("unknown session leave should be ignored: %v", err)
	}
}

func TestQueryComposesExtras(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.IngestStats(ctx, "stream-1", models.StatsPayload{ViewerCount: 3, FPS: 8}); err != nil {
		t.Fatal(err)
	}

	result, err := e.Query(ctx, "stream-1", QueryOptions{
		Interval:        models.IntervalMinute,
		IncludeRealtime: true,
		IncludeQuality:  true,
		IncludeViewers:  true,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Buckets) != 1 {
		t.Errorf("expected one bucket, got %d", len(result.Buckets))
	}
	if result.Realtime == nil || result.Realtime.ViewerCount != 3 {
		t.Errorf("missing realtime extra: %+v", result.Realtime)
	}
	if len(result.Quality) != 1 {
		t.Errorf("missing quality extra: %+v", result.Quality)
	}
	if result.Engagement == nil {
		t.Error("missing engagement extra")
	}

	// Extras are opt-in.
	bare, err := e.Query(ctx, "stream-1", QueryOptions{Interval: models.IntervalMinute})
	if err != nil {
		t.Fatal(err)
	}
	if bare.Realtime != nil || bare.Quality != nil || bare.Engagement != nil {
		t.Errorf("extras leaked into bare query: %+v", bare)
	}
}

func TestRunCleanupRespectsHorizons(t *testing.T) {
	e, st, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	// One stale and one fresh row per retention class.
	_ = st.CreateRealtimeStats(ctx, models.RealtimeStats{StreamID: "s1", Timestamp: now.Add(-25 * time.Hour)})
	_ = st.CreateRealtimeStats(ctx, models.RealtimeStats{StreamID: "s1", Timestamp: now.Add(-time.Hour)})

	_ = st.UpsertStreamAnalytics(ctx, models.StreamAnalytics{StreamID: "s1", IntervalType: models.IntervalMinute, IntervalStart: now.Add(-8 * 24 * time.Hour)})
	_ = st.UpsertStreamAnalytics(ctx, models.StreamAnalytics{StreamID: "s1", IntervalType: models.IntervalMinute, IntervalStart: now.Add(-time.Hour)})
	_ = st.UpsertStreamAnalytics(ctx, models.StreamAnalytics{StreamID: "s1", IntervalType: models.IntervalDay, IntervalStart: now.Add(-8 * 24 * time.Hour)})

	resolvedOld := now.Add(-8 * 24 * time.Hour)
	_ = st.CreateQualityEvent(ctx, models.QualityEvent{ID: "old", StreamID: "s1", Metric: models.MetricFPS, CreatedAt: resolvedOld.Add(-time.Minute)})
	_ = st.ResolveQualityEvent(ctx, "old", resolvedOld)
	_ = st.CreateQualityEvent(ctx, models.QualityEvent{ID: "open", StreamID: "s1", Metric: models.MetricFPS, CreatedAt: resolvedOld})

	result, err := e.RunCleanup(ctx)
	if err != nil {
		t.Fatalf("RunCleanup: %v", err)
	}
	if result.RealtimeRemoved != 1 {
		t.Errorf("expected 1 realtime snapshot removed, got %d", result.RealtimeRemoved)
	}
	if result.BucketsRemoved["minute"] != 1 {
		t.Errorf("expected 1 minute bucket removed, got %d", result.BucketsRemoved["minute"])
	}
	// Day buckets keep a two year horizon; the 8 day old row survives.
	if result.BucketsRemoved["day"] != 0 {
		t.Errorf("expected day bucket kept, removed %d", result.BucketsRemoved["day"])
	}
	if result.QualityRemoved != 1 {
		t.Errorf("expected 1 resolved quality event removed, got %d", result.QualityRemoved)
	}

	// Unresolved events are never cleaned.
	events, err := st.GetQualityEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != "open" {
		t.Errorf("unresolved event should survive cleanup: %+v", events)
	}

	// Cleanup is re-runnable.
	if _, err := e.RunCleanup(ctx); err != nil {
		t.Errorf("second cleanup: %v", err)
	}
}
