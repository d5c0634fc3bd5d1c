package dashboard

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"frameworks/api_rooms/internal/bus"
	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"
)

// Priority scale for forwarding decisions, ordered low < medium < high <
// critical.
var priorityRank = map[string]int{
	models.SeverityLow:      0,
	models.SeverityMedium:   1,
	models.SeverityHigh:     2,
	models.SeverityCritical: 3,
}

// Filters narrow which events a dashboard subscription receives. A nil or
// empty filter forwards everything.
type Filters struct {
	// EventTypes is an allow-list; empty means all types.
	EventTypes []models.EventType `json:"event_types,omitempty"`
	// MinPriority drops events whose computed priority is below it.
	MinPriority string `json:"min_priority,omitempty"`
}

// MilestoneConfig lists ordered targets per tracked metric.
type MilestoneConfig struct {
	Viewers         []int `json:"viewers,omitempty"`
	DurationMinutes []int `json:"duration_minutes,omitempty"`
}

// AlertThresholds is the viewer-drop warning/critical pair, as percentages of
// the stream's peak.
type AlertThresholds struct {
	WarningPct  float64 `json:"warning_pct"`
	CriticalPct float64 `json:"critical_pct"`
}

// DefaultAlertThresholds returns the standard drop thresholds.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{WarningPct: 20, CriticalPct: 50}
}

// Metrics is the current dashboard state for one stream.
type Metrics struct {
	StreamID        string    `json:"stream_id"`
	CurrentViewers  int       `json:"current_viewers"`
	PeakViewers     int       `json:"peak_viewers"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	Subscribers     int       `json:"subscribers"`
}

// Transport delivers an event to one connected session.
type Transport interface {
	Send(sessionID string, event models.StreamEvent) bool
}

type subscription struct {
	sessionID    string
	streamID     string
	role         string
	filters      Filters
	lastActivity time.Time // subscribe time, advanced by each forwarded event
}

type streamState struct {
	streamID       string
	startedAt      time.Time
	currentViewers int
	peakViewers    int
	milestones     MilestoneConfig
	thresholds     AlertThresholds
	firedViewers   map[int]bool
	firedDuration  map[int]bool
	alertLevel     string // highest drop level already raised, re-armed on recovery
	stop           chan struct{}
}

// Config controls dashboard behavior.
type Config struct {
	// SummaryInterval is the period of the per-stream summary task.
	SummaryInterval time.Duration
}

// DefaultConfig returns the standard dashboard settings.
func DefaultConfig() Config {
	return Config{SummaryInterval: 60 * time.Second}
}

// Manager tracks dashboard subscriptions per stream, forwards bus events
// through per-subscription filters, and derives milestone and viewer-drop
// alert events. Stream state lives only while at least one subscriber is
// attached.
type Manager struct {
	transport Transport
	logger    logging.Logger
	cfg       Config

	mu       sync.Mutex
	subs     map[string]*subscription            // by session ID
	byStream map[string]map[string]*subscription // stream ID -> session ID
	streams  map[string]*streamState

	now func() time.Time
}

// NewManager constructs a Manager and attaches it to the bus.
func NewManager(b *bus.Bus, transport Transport, cfg Config, logger logging.Logger) *Manager {
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = DefaultConfig().SummaryInterval
	}
	m := &Manager{
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		subs:      make(map[string]*subscription),
		byStream:  make(map[string]map[string]*subscription),
		streams:   make(map[string]*streamState),
		now:       time.Now,
	}
	if b != nil {
		b.Subscribe(models.Wildcard, m.handleEvent)
	}
	return m
}

// Subscribe attaches a session to a stream's dashboard feed. The first
// subscriber initializes the stream's metric state and starts its periodic
// summary task. Re-subscribing replaces the session's filters.
func (m *Manager) Subscribe(streamID, sessionID, role string, filters *Filters) bool {
	if streamID == "" || sessionID == "" {
		return false
	}
	sub := &subscription{sessionID: sessionID, streamID: streamID, role: role, lastActivity: m.now().UTC()}
	if filters != nil {
		sub.filters = *filters
	}

	m.mu.Lock()
	if prev, ok := m.subs[sessionID]; ok && prev.streamID != streamID {
		m.removeLocked(sessionID)
	}
	m.subs[sessionID] = sub
	if m.byStream[streamID] == nil {
		m.byStream[streamID] = make(map[string]*subscription)
	}
	m.byStream[streamID][sessionID] = sub

	state, ok := m.streams[streamID]
	if !ok {
		state = &streamState{
			streamID:      streamID,
			startedAt:     m.now().UTC(),
			thresholds:    DefaultAlertThresholds(),
			firedViewers:  make(map[int]bool),
			firedDuration: make(map[int]bool),
			stop:          make(chan struct{}),
		}
		m.streams[streamID] = state
		go m.runSummaryLoop(streamID, state.stop)
	}
	m.mu.Unlock()

	m.logger.WithFields(logging.Fields{
		"stream_id":  streamID,
		"session_id": sessionID,
		"role":       role,
	}).Debug("Dashboard subscription added")
	return true
}

// Unsubscribe detaches a session. When the stream's last subscriber leaves,
// its metric state and summary task are torn down.
func (m *Manager) Unsubscribe(sessionID string) {
	m.mu.Lock()
	m.removeLocked(sessionID)
	m.mu.Unlock()
}

func (m *Manager) removeLocked(sessionID string) {
	sub, ok := m.subs[sessionID]
	if !ok {
		return
	}
	delete(m.subs, sessionID)
	if set, ok := m.byStream[sub.streamID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byStream, sub.streamID)
			if state, ok := m.streams[sub.streamID]; ok {
				close(state.stop)
				delete(m.streams, sub.streamID)
			}
		}
	}
}

// CurrentMetrics returns the dashboard state for a stream, or false when no
// subscriber has initialized it.
func (m *Manager) CurrentMetrics(streamID string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.streams[streamID]
	if !ok {
		return Metrics{}, false
	}
	return Metrics{
		StreamID:        streamID,
		CurrentViewers:  state.currentViewers,
		PeakViewers:     state.peakViewers,
		StartedAt:       state.startedAt,
		DurationSeconds: int64(m.now().UTC().Sub(state.startedAt).Seconds()),
		Subscribers:     len(m.byStream[streamID]),
	}, true
}

// ConfigureMilestones sets the milestone targets for a stream. Targets are
// sorted ascending; already-fired targets stay fired.
func (m *Manager) ConfigureMilestones(streamID string, cfg MilestoneConfig) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.streams[streamID]
	if !ok {
		return false
	}
	sort.Ints(cfg.Viewers)
	sort.Ints(cfg.DurationMinutes)
	state.milestones = cfg
	return true
}

// ConfigureAlertThresholds sets the viewer-drop warning/critical pair.
func (m *Manager) ConfigureAlertThresholds(streamID string, thresholds AlertThresholds) bool {
	if thresholds.WarningPct <= 0 || thresholds.CriticalPct <= thresholds.WarningPct {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.streams[streamID]
	if !ok {
		return false
	}
	state.thresholds = thresholds
	return true
}

// eventPriority derives the forwarding priority for one event.
func eventPriority(event models.StreamEvent) string {
	switch event.Type {
	case models.EventPerformanceAlert:
		if event.PerformanceAlert != nil && event.PerformanceAlert.Level == models.SeverityCritical {
			return models.SeverityCritical
		}
		return models.SeverityHigh
	case models.EventQualityChanged:
		if event.QualityChanged != nil && event.QualityChanged.Severity == models.SeverityCritical {
			return models.SeverityCritical
		}
		return models.SeverityHigh
	case models.EventError:
		return models.SeverityHigh
	case models.EventStreamCreated, models.EventStreamStarted, models.EventStreamEnded,
		models.EventStreamUpdated, models.EventStreamDeleted,
		models.EventProductFeatured, models.EventMilestoneReached:
		return models.SeverityMedium
	default:
		// viewer joins/leaves, telemetry, summaries
		return models.SeverityLow
	}
}

// shouldForward applies the subscription's allow-list and minimum priority.
func shouldForward(event models.StreamEvent, sub *subscription) bool {
	if len(sub.filters.EventTypes) > 0 {
		allowed := false
		for _, t := range sub.filters.EventTypes {
			if t == event.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if sub.filters.MinPriority != "" {
		minRank, ok := priorityRank[sub.filters.MinPriority]
		if ok && priorityRank[eventPriority(event)] < minRank {
			return false
		}
	}
	return true
}

// handleEvent is the bus entry point: it updates stream metric state, derives
// milestone and alert events, and forwards to matching subscriptions.
func (m *Manager) handleEvent(event models.StreamEvent) {
	derived := m.updateState(event)
	m.forward(event)
	for _, d := range derived {
		m.forward(d)
	}
}

// updateState folds viewer counts into the stream's dashboard state and
// returns any derived milestone or alert events.
func (m *Manager) updateState(event models.StreamEvent) []models.StreamEvent {
	viewers, ok := viewerCount(event)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state, exists := m.streams[event.StreamID]
	if !exists {
		return nil
	}

	state.currentViewers = viewers
	if viewers > state.peakViewers {
		state.peakViewers = viewers
	}

	var derived []models.StreamEvent
	if milestone := m.checkViewerMilestoneLocked(state, viewers); milestone != nil {
		derived = append(derived, *milestone)
	}
	if alert := m.checkViewerDropLocked(state); alert != nil {
		derived = append(derived, *alert)
	}
	return derived
}

func viewerCount(event models.StreamEvent) (int, bool) {
	switch {
	case event.ViewerJoined != nil:
		return event.ViewerJoined.ViewerCount, true
	case event.ViewerLeft != nil:
		return event.ViewerLeft.ViewerCount, true
	case event.Stats != nil:
		return event.Stats.ViewerCount, true
	default:
		return 0, false
	}
}

// checkViewerMilestoneLocked fires the smallest unfired target whose window
// (target-1, target] contains the observed value. Crossing a target fires it
// once; later samples above it do not re-trigger.
func (m *Manager) checkViewerMilestoneLocked(state *streamState, viewers int) *models.StreamEvent {
	for _, target := range state.milestones.Viewers {
		if state.firedViewers[target] {
			continue
		}
		v := float64(viewers)
		t := float64(target)
		if v > t-1 && v <= t {
			state.firedViewers[target] = true
			return m.milestoneEvent(state.streamID, "viewers", t, v)
		}
		if v <= t-1 {
			break
		}
	}
	return nil
}

func (m *Manager) milestoneEvent(streamID, metric string, target, value float64) *models.StreamEvent {
	return &models.StreamEvent{
		ID:        uuid.New().String(),
		Type:      models.EventMilestoneReached,
		StreamID:  streamID,
		Timestamp: m.now().UTC(),
		Milestone: &models.MilestonePayload{Metric: metric, Target: target, Value: value},
	}
}

// checkViewerDropLocked raises a performance alert when viewership falls
// against the peak by more than the warning or critical percentage. Each
// level fires once per decline; recovery above the warning line re-arms.
func (m *Manager) checkViewerDropLocked(state *streamState) *models.StreamEvent {
	if state.peakViewers <= 0 {
		return nil
	}
	dropPct := float64(state.peakViewers-state.currentViewers) / float64(state.peakViewers) * 100

	level := ""
	switch {
	case dropPct > state.thresholds.CriticalPct:
		level = models.SeverityCritical
	case dropPct > state.thresholds.WarningPct:
		level = "warning"
	}

	if level == "" {
		state.alertLevel = ""
		return nil
	}
	if level == state.alertLevel {
		return nil
	}
	if state.alertLevel == models.SeverityCritical {
		// Already at the highest level; do not downgrade mid-decline.
		return nil
	}
	state.alertLevel = level

	recommendations := []string{"check encoder bitrate and dropped frames"}
	if level == models.SeverityCritical {
		recommendations = append(recommendations,
			"verify the stream is still reachable from the player",
			"consider notifying viewers on other channels")
	}
	return &models.StreamEvent{
		ID:        uuid.New().String(),
		Type:      models.EventPerformanceAlert,
		StreamID:  state.streamID,
		Timestamp: m.now().UTC(),
		PerformanceAlert: &models.PerformanceAlertPayload{
			Level:           level,
			Metric:          "viewers",
			DropPct:         dropPct,
			CurrentViewers:  state.currentViewers,
			PeakViewers:     state.peakViewers,
			Recommendations: recommendations,
		},
	}
}

// forward sends an event to every matching subscription of its stream.
func (m *Manager) forward(event models.StreamEvent) {
	m.mu.Lock()
	now := m.now().UTC()
	var targets []string
	for sessionID, sub := range m.byStream[event.StreamID] {
		if shouldForward(event, sub) {
			sub.lastActivity = now
			targets = append(targets, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range targets {
		m.transport.Send(sessionID, event)
	}
}

// runSummaryLoop emits the periodic dashboard summary and checks duration
// milestones until the stream's state is torn down.
func (m *Manager) runSummaryLoop(streamID string, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.SummaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.emitSummary(streamID)
		}
	}
}

func (m *Manager) emitSummary(streamID string) {
	now := m.now().UTC()

	m.mu.Lock()
	state, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return
	}
	summary := models.StreamEvent{
		ID:        uuid.New().String(),
		Type:      models.EventDashboardSummary,
		StreamID:  streamID,
		Timestamp: now,
		Summary: &models.DashboardSummaryPayload{
			CurrentViewers:  state.currentViewers,
			PeakViewers:     state.peakViewers,
			DurationSeconds: int64(now.Sub(state.startedAt).Seconds()),
		},
	}
	var derived []models.StreamEvent
	minutes := now.Sub(state.startedAt).Minutes()
	for _, target := range state.milestones.DurationMinutes {
		if state.firedDuration[target] {
			continue
		}
		t := float64(target)
		if minutes > t-1 && minutes <= t {
			state.firedDuration[target] = true
			derived = append(derived, *m.milestoneEvent(streamID, "duration_minutes", t, minutes))
		}
		if minutes <= t-1 {
			break
		}
	}
	m.mu.Unlock()

	m.forward(summary)
	for _, d := range derived {
		m.forward(d)
	}
}

// SubscriptionActivity returns the last time a session's subscription saw
// traffic: its subscribe time, or the latest event forwarded through its
// filters. The second return is false for unknown sessions.
func (m *Manager) SubscriptionActivity(sessionID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return sub.lastActivity, true
}

// SubscriberCount returns how many sessions watch a stream's dashboard.
func (m *Manager) SubscriberCount(streamID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byStream[streamID])
}
