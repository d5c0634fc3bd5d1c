package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"frameworks/api_rooms/internal/store"
	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"
)

// Degrade thresholds. A breach creates an unresolved quality event.
const (
	fpsDegradeThreshold      = 20.0
	fpsCriticalThreshold     = 10.0
	lossDegradeThreshold     = 5.0
	lossCriticalThreshold    = 10.0
	latencyDegradeThreshold  = 500.0
	latencyCriticalThreshold = 1000.0
)

// Recovery thresholds, deliberately stricter than the degrade side so a
// metric hovering at the degrade line does not flap.
const (
	fpsRecoveryThreshold     = 25.0
	lossRecoveryThreshold    = 2.0
	latencyRecoveryThreshold = 200.0
)

// Connection quality labels map onto an ordered score so the label metric
// shares the numeric event shape. Recovery requires good or better.
const qualityRecoveryScore = 3

func qualityScore(label string) float64 {
	switch label {
	case models.QualityExcellent:
		return 4
	case models.QualityGood:
		return 3
	case models.QualityDegraded:
		return 2
	case models.QualityCritical:
		return 1
	default:
		return 0
	}
}

// EventPublisher re-publishes derived quality transitions onto the room bus.
type EventPublisher interface {
	Publish(event models.StreamEvent) bool
}

// Firehose forwards raw snapshots to the event pipeline for downstream
// consumers. Failures are logged, never surfaced to the caller.
type Firehose interface {
	SendStatsSnapshot(ctx context.Context, stats models.RealtimeStats) error
}

// Config controls aggregation behavior.
type Config struct {
	// AvgWeight is the exponential moving average weight applied to every
	// sample regardless of bucket age.
	AvgWeight float64
	// RealtimeRetention bounds how long raw snapshots are kept.
	RealtimeRetention time.Duration
	// QualityEventRetention bounds how long resolved quality events are kept.
	QualityEventRetention time.Duration
	// ResolutionLookback is how far back unresolved events are considered
	// for resolution on a healthy sample.
	ResolutionLookback time.Duration
	// Intervals is the bucket ladder maintained per stream.
	Intervals []models.IntervalConfig

	// Optional observability.
	SnapshotsIngested prometheus.Counter
	QualityDetected   *prometheus.CounterVec
}

// DefaultConfig returns the standard aggregation settings.
func DefaultConfig() Config {
	return Config{
		AvgWeight:             0.1,
		RealtimeRetention:     24 * time.Hour,
		QualityEventRetention: 7 * 24 * time.Hour,
		ResolutionLookback:    5 * time.Minute,
		Intervals:             models.DefaultIntervalConfigs(),
	}
}

type viewerKey struct {
	streamID  string
	sessionID string
}

// Engine ingests telemetry snapshots, maintains the interval bucket ladder,
// detects and resolves quality events with hysteresis, and enforces
// retention. Storage writes go through a retry policy; the snapshot sink and
// firehose are optional and never block ingestion on failure.
type Engine struct {
	store    store.Store
	sink     store.SnapshotSink
	firehose Firehose
	bus      EventPublisher
	logger   logging.Logger
	cfg      Config

	executor failsafe.Executor[any]
	now      func() time.Time

	mu       sync.Mutex
	streamMu map[string]*sync.Mutex
	joins    map[viewerKey]time.Time
}

// New constructs an Engine. The bus may be nil; so may the sink and firehose
// attached later.
func New(st store.Store, bus EventPublisher, cfg Config, logger logging.Logger) *Engine {
	if cfg.AvgWeight <= 0 || cfg.AvgWeight > 1 {
		cfg.AvgWeight = DefaultConfig().AvgWeight
	}
	if cfg.RealtimeRetention <= 0 {
		cfg.RealtimeRetention = DefaultConfig().RealtimeRetention
	}
	if cfg.QualityEventRetention <= 0 {
		cfg.QualityEventRetention = DefaultConfig().QualityEventRetention
	}
	if cfg.ResolutionLookback <= 0 {
		cfg.ResolutionLookback = DefaultConfig().ResolutionLookback
	}
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = models.DefaultIntervalConfigs()
	}

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(50*time.Millisecond, time.Second).
		WithMaxRetries(2).
		Build()

	return &Engine{
		store:    st,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		executor: failsafe.With(retry),
		now:      time.Now,
		streamMu: make(map[string]*sync.Mutex),
		joins:    make(map[viewerKey]time.Time),
	}
}

// WithSink attaches an optional raw snapshot sink.
func (e *Engine) WithSink(sink store.SnapshotSink) *Engine {
	e.sink = sink
	return e
}

// WithFirehose attaches an optional event pipeline forwarder.
func (e *Engine) WithFirehose(f Firehose) *Engine {
	e.firehose = f
	return e
}

// IngestStats records one telemetry snapshot: it persists the immutable
// snapshot, folds the sample into every interval bucket, and runs quality
// detection and resolution.
func (e *Engine) IngestStats(ctx context.Context, streamID string, stats models.StatsPayload) error {
	now := e.now().UTC()
	snapshot := models.RealtimeStats{
		StreamID:          streamID,
		Timestamp:         now,
		ViewerCount:       stats.ViewerCount,
		FPS:               stats.FPS,
		BitrateKbps:       stats.BitrateKbps,
		LatencyMS:         stats.LatencyMS,
		PacketLossPct:     stats.PacketLossPct,
		JitterMS:          stats.JitterMS,
		ConnectionQuality: stats.ConnectionQuality,
		BytesSent:         stats.BytesSent,
		BytesReceived:     stats.BytesReceived,
	}

	if err := e.retryWrite(ctx, func() error {
		return e.store.CreateRealtimeStats(ctx, snapshot)
	}); err != nil {
		return fmt.Errorf("store realtime snapshot: %w", err)
	}
	if e.cfg.SnapshotsIngested != nil {
		e.cfg.SnapshotsIngested.Inc()
	}

	if e.sink != nil {
		if err := e.sink.WriteSnapshot(ctx, snapshot); err != nil {
			e.logger.WithError(err).WithField("stream_id", streamID).Warn("Snapshot sink write failed")
		}
	}
	if e.firehose != nil {
		if err := e.firehose.SendStatsSnapshot(ctx, snapshot); err != nil {
			e.logger.WithError(err).WithField("stream_id", streamID).Warn("Firehose forward failed")
		}
	}

	// Bucket read-modify-write sequences for one stream must not interleave.
	lock := e.lockStream(streamID)
	lock.Lock()
	for _, interval := range e.cfg.Intervals {
		if err := e.updateBucket(ctx, streamID, interval, snapshot, now); err != nil {
			lock.Unlock()
			return fmt.Errorf("update %s bucket: %w", interval.Type, err)
		}
	}
	lock.Unlock()

	if err := e.detectQuality(ctx, streamID, snapshot, now); err != nil {
		return fmt.Errorf("quality detection: %w", err)
	}
	return nil
}

// updateBucket folds one sample into the bucket containing now for the given
// interval. Peaks take the max, averages move by the fixed EWMA weight from a
// zero-valued origin, extrema track the bucket lifetime, and cumulative byte
// counters never decrease.
func (e *Engine) updateBucket(ctx context.Context, streamID string, interval models.IntervalConfig, s models.RealtimeStats, now time.Time) error {
	start := now.Truncate(interval.Width)

	bucket, err := e.store.GetIntervalBucket(ctx, streamID, interval.Type, start)
	if errors.Is(err, store.ErrNotFound) {
		bucket = &models.StreamAnalytics{
			StreamID:      streamID,
			IntervalType:  interval.Type,
			IntervalStart: start,
			MinFPS:        s.FPS,
			MaxFPS:        s.FPS,
		}
	} else if err != nil {
		return err
	}

	w := e.cfg.AvgWeight
	if s.ViewerCount > bucket.PeakViewers {
		bucket.PeakViewers = s.ViewerCount
	}
	bucket.AvgViewers = bucket.AvgViewers*(1-w) + float64(s.ViewerCount)*w
	bucket.AvgFPS = bucket.AvgFPS*(1-w) + s.FPS*w
	bucket.AvgBitrateKbps = bucket.AvgBitrateKbps*(1-w) + s.BitrateKbps*w
	bucket.AvgLatencyMS = bucket.AvgLatencyMS*(1-w) + s.LatencyMS*w
	bucket.AvgPacketLossPct = bucket.AvgPacketLossPct*(1-w) + s.PacketLossPct*w
	bucket.AvgJitterMS = bucket.AvgJitterMS*(1-w) + s.JitterMS*w
	if s.FPS < bucket.MinFPS {
		bucket.MinFPS = s.FPS
	}
	if s.FPS > bucket.MaxFPS {
		bucket.MaxFPS = s.FPS
	}
	if s.ConnectionQuality != "" {
		bucket.ConnectionQuality = s.ConnectionQuality
	}
	if s.BytesSent > bucket.TotalBytesSent {
		bucket.TotalBytesSent = s.BytesSent
	}
	if s.BytesReceived > bucket.TotalBytesReceived {
		bucket.TotalBytesReceived = s.BytesReceived
	}
	bucket.SampleCount++
	bucket.UpdatedAt = now

	return e.retryWrite(ctx, func() error {
		return e.store.UpsertStreamAnalytics(ctx, *bucket)
	})
}

type breach struct {
	metric    string
	severity  string
	value     float64
	threshold float64
}

func detectBreaches(s models.RealtimeStats) []breach {
	var out []breach
	if s.FPS < fpsCriticalThreshold {
		out = append(out, breach{models.MetricFPS, models.SeverityCritical, s.FPS, fpsDegradeThreshold})
	} else if s.FPS < fpsDegradeThreshold {
		out = append(out, breach{models.MetricFPS, models.SeverityHigh, s.FPS, fpsDegradeThreshold})
	}
	if s.PacketLossPct > lossCriticalThreshold {
		out = append(out, breach{models.MetricPacketLoss, models.SeverityCritical, s.PacketLossPct, lossDegradeThreshold})
	} else if s.PacketLossPct > lossDegradeThreshold {
		out = append(out, breach{models.MetricPacketLoss, models.SeverityHigh, s.PacketLossPct, lossDegradeThreshold})
	}
	if s.LatencyMS > latencyCriticalThreshold {
		out = append(out, breach{models.MetricLatency, models.SeverityCritical, s.LatencyMS, latencyDegradeThreshold})
	} else if s.LatencyMS > latencyDegradeThreshold {
		out = append(out, breach{models.MetricLatency, models.SeverityHigh, s.LatencyMS, latencyDegradeThreshold})
	}
	switch s.ConnectionQuality {
	case models.QualityCritical:
		out = append(out, breach{models.MetricConnectionQuality, models.SeverityCritical, qualityScore(s.ConnectionQuality), qualityRecoveryScore})
	case models.QualityDegraded:
		out = append(out, breach{models.MetricConnectionQuality, models.SeverityHigh, qualityScore(s.ConnectionQuality), qualityRecoveryScore})
	}
	return out
}

// healthySample gates resolution: only a sample that is good across the board
// may resolve outstanding events.
func healthySample(s models.RealtimeStats) bool {
	if s.FPS < fpsRecoveryThreshold {
		return false
	}
	if s.PacketLossPct >= lossRecoveryThreshold {
		return false
	}
	if s.LatencyMS >= latencyRecoveryThreshold {
		return false
	}
	if s.ConnectionQuality != "" && qualityScore(s.ConnectionQuality) < qualityRecoveryScore {
		return false
	}
	return true
}

func recoveryMet(metric string, s models.RealtimeStats) bool {
	switch metric {
	case models.MetricFPS:
		return s.FPS >= fpsRecoveryThreshold
	case models.MetricPacketLoss:
		return s.PacketLossPct < lossRecoveryThreshold
	case models.MetricLatency:
		return s.LatencyMS < latencyRecoveryThreshold
	case models.MetricConnectionQuality:
		return qualityScore(s.ConnectionQuality) >= qualityRecoveryScore
	default:
		return false
	}
}

func (e *Engine) detectQuality(ctx context.Context, streamID string, s models.RealtimeStats, now time.Time) error {
	for _, b := range detectBreaches(s) {
		event := models.QualityEvent{
			ID:        uuid.New().String(),
			StreamID:  streamID,
			Metric:    b.metric,
			Severity:  b.severity,
			Value:     b.value,
			Threshold: b.threshold,
			CreatedAt: now,
		}
		if err := e.retryWrite(ctx, func() error {
			return e.store.CreateQualityEvent(ctx, event)
		}); err != nil {
			return fmt.Errorf("create quality event: %w", err)
		}
		if e.cfg.QualityDetected != nil {
			e.cfg.QualityDetected.WithLabelValues(b.metric, b.severity).Inc()
		}
		e.publishQualityChange(streamID, b.metric, b.severity, b.value, b.threshold, false, now)
	}

	if !healthySample(s) {
		return nil
	}

	unresolved, err := e.store.GetUnresolvedQualityEvents(ctx, streamID, now.Add(-e.cfg.ResolutionLookback))
	if err != nil {
		return fmt.Errorf("scan unresolved quality events: %w", err)
	}
	for _, ev := range unresolved {
		if !recoveryMet(ev.Metric, s) {
			continue
		}
		if err := e.retryWrite(ctx, func() error {
			return e.store.ResolveQualityEvent(ctx, ev.ID, now)
		}); err != nil {
			return fmt.Errorf("resolve quality event: %w", err)
		}
		e.publishQualityChange(streamID, ev.Metric, ev.Severity, ev.Value, ev.Threshold, true, now)
	}
	return nil
}

func (e *Engine) publishQualityChange(streamID, metric, severity string, value, threshold float64, resolved bool, now time.Time) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(models.StreamEvent{
		Type:      models.EventQualityChanged,
		StreamID:  streamID,
		Timestamp: now,
		QualityChanged: &models.QualityChangedPayload{
			Metric:    metric,
			Severity:  severity,
			Value:     value,
			Threshold: threshold,
			Resolved:  resolved,
		},
	})
}

// IngestViewerEvent records viewer engagement transitions. A leave for a
// session with no recorded join is ignored rather than failed, since a
// restart loses the in-memory join table.
func (e *Engine) IngestViewerEvent(ctx context.Context, streamID, sessionID string, eventType models.EventType, viewer *models.ViewerIdentity) error {
	now := e.now().UTC()
	key := viewerKey{streamID, sessionID}

	switch eventType {
	case models.EventViewerJoined:
		row := models.ViewerAnalytics{
			StreamID:  streamID,
			SessionID: sessionID,
			JoinedAt:  now,
		}
		if viewer != nil {
			row.UserID = viewer.UserID
		}
		if err := e.retryWrite(ctx, func() error {
			return e.store.CreateViewerAnalytics(ctx, row)
		}); err != nil {
			return fmt.Errorf("create viewer analytics: %w", err)
		}
		e.mu.Lock()
		e.joins[key] = now
		e.mu.Unlock()
		return nil

	case models.EventViewerLeft:
		e.mu.Lock()
		joinedAt, ok := e.joins[key]
		delete(e.joins, key)
		e.mu.Unlock()
		if !ok {
			return nil
		}
		watched := int64(now.Sub(joinedAt).Seconds())
		err := e.retryWrite(ctx, func() error {
			return e.store.UpdateViewerAnalytics(ctx, streamID, sessionID, now, watched)
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update viewer analytics: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported viewer event type %q", eventType)
	}
}

// RecordChatMessage bumps a viewer session's chat counter.
func (e *Engine) RecordChatMessage(ctx context.Context, streamID, sessionID string) error {
	err := e.store.AddViewerChatMessage(ctx, streamID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// QueryOptions selects the window and the optional extras.
type QueryOptions struct {
	Interval        models.IntervalType
	From, To        time.Time
	IncludeRealtime bool
	IncludeQuality  bool
	QualityLimit    int
	IncludeViewers  bool
}

// QueryResult is the composed analytics response.
type QueryResult struct {
	StreamID   string                   `json:"stream_id"`
	Interval   models.IntervalType      `json:"interval"`
	Buckets    []models.StreamAnalytics `json:"buckets"`
	Realtime   *models.RealtimeStats    `json:"realtime,omitempty"`
	Quality    []models.QualityEvent    `json:"quality_events,omitempty"`
	Engagement *models.ViewerEngagement `json:"engagement,omitempty"`
}

// Query returns bucket rows for the window plus any requested extras. Extras
// are fetched concurrently and independently; a missing realtime snapshot is
// not an error.
func (e *Engine) Query(ctx context.Context, streamID string, opts QueryOptions) (*QueryResult, error) {
	if opts.Interval == "" {
		opts.Interval = models.IntervalMinute
	}
	now := e.now().UTC()
	if opts.To.IsZero() {
		opts.To = now
	}
	if opts.From.IsZero() {
		opts.From = opts.To.Add(-time.Hour)
	}

	result := &QueryResult{StreamID: streamID, Interval: opts.Interval}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buckets, err := e.store.GetStreamAnalytics(gctx, streamID, opts.Interval, opts.From, opts.To)
		if err != nil {
			return fmt.Errorf("query buckets: %w", err)
		}
		result.Buckets = buckets
		return nil
	})
	if opts.IncludeRealtime {
		g.Go(func() error {
			latest, err := e.store.GetLatestRealtimeStats(gctx, streamID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("query realtime snapshot: %w", err)
			}
			result.Realtime = latest
			return nil
		})
	}
	if opts.IncludeQuality {
		g.Go(func() error {
			events, err := e.store.GetQualityEvents(gctx, streamID, opts.QualityLimit)
			if err != nil {
				return fmt.Errorf("query quality events: %w", err)
			}
			result.Quality = events
			return nil
		})
	}
	if opts.IncludeViewers {
		g.Go(func() error {
			engagement, err := e.store.GetViewerEngagement(gctx, streamID)
			if err != nil {
				return fmt.Errorf("query viewer engagement: %w", err)
			}
			result.Engagement = engagement
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// CleanupResult reports rows removed per retention class.
type CleanupResult struct {
	RealtimeRemoved int64            `json:"realtime_removed"`
	BucketsRemoved  map[string]int64 `json:"buckets_removed"`
	QualityRemoved  int64            `json:"quality_removed"`
}

// RunCleanup enforces every retention horizon. Each class is attempted even
// when an earlier one fails, so a partial failure is retried in full on the
// next invocation.
func (e *Engine) RunCleanup(ctx context.Context) (CleanupResult, error) {
	now := e.now().UTC()
	result := CleanupResult{BucketsRemoved: make(map[string]int64)}
	var errs []error

	removed, err := e.store.CleanupRealtimeStatsBefore(ctx, now.Add(-e.cfg.RealtimeRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup realtime snapshots: %w", err))
	} else {
		result.RealtimeRemoved = removed
	}

	for _, interval := range e.cfg.Intervals {
		removed, err := e.store.CleanupStreamAnalyticsBefore(ctx, interval.Type, now.Add(-interval.Retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s buckets: %w", interval.Type, err))
			continue
		}
		result.BucketsRemoved[string(interval.Type)] = removed
	}

	removed, err = e.store.CleanupResolvedQualityEventsBefore(ctx, now.Add(-e.cfg.QualityEventRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup quality events: %w", err))
	} else {
		result.QualityRemoved = removed
	}

	if len(errs) == 0 {
		e.logger.WithFields(logging.Fields{
			"realtime_removed": result.RealtimeRemoved,
			"quality_removed":  result.QualityRemoved,
		}).Info("Retention cleanup complete")
	}
	return result, errors.Join(errs...)
}

func (e *Engine) lockStream(streamID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.streamMu[streamID]
	if !ok {
		lock = &sync.Mutex{}
		e.streamMu[streamID] = lock
	}
	return lock
}

// ForgetStream drops per-stream in-memory state after teardown.
func (e *Engine) ForgetStream(streamID string) {
	e.mu.Lock()
	delete(e.streamMu, streamID)
	for key := range e.joins {
		if key.streamID == streamID {
			delete(e.joins, key)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) retryWrite(ctx context.Context, fn func() error) error {
	return e.executor.WithContext(ctx).Run(fn)
}
