package rooms

import (
	"sync"
	"time"

	"frameworks/api_rooms/internal/bus"
	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"
)

// Audience selects which room members receive a broadcast.
type Audience string

const (
	// AudienceAll is every member of the room.
	AudienceAll Audience = "all"
	// AudiencePrivileged is the stream's creator and moderators only.
	AudiencePrivileged Audience = "privileged"
	// AudienceGeneral is every member except the privileged set.
	AudienceGeneral Audience = "general"
)

// Member roles within a room.
const (
	RoleViewer    = "viewer"
	RoleCreator   = "creator"
	RoleModerator = "moderator"
)

// Transport delivers a message to one connected session. Send reports whether
// the session was still connected.
type Transport interface {
	Send(sessionID string, event models.StreamEvent) bool
}

// Bridge mirrors room broadcasts to other nodes. Optional.
type Bridge interface {
	PublishRoomEvent(streamID string, event models.StreamEvent)
}

type member struct {
	sessionID string
	userID    string
	role      string
}

type room struct {
	streamID  string
	creatorID string
	createdAt time.Time
	members   map[string]member // keyed by session ID
	teardown  *time.Timer
}

// RoomInfo is the public view of one room.
type RoomInfo struct {
	StreamID    string    `json:"stream_id"`
	CreatorID   string    `json:"creator_id"`
	MemberCount int       `json:"member_count"`
	Moderators  int       `json:"moderators"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config controls room behavior.
type Config struct {
	// TeardownDelay is the grace period between a stream ending and its
	// room's membership being cleared, so trailing messages still deliver.
	TeardownDelay time.Duration
}

// DefaultConfig returns the standard room settings.
func DefaultConfig() Config {
	return Config{TeardownDelay: 5 * time.Second}
}

// Manager owns room membership and fans bus events out to room members with
// per-audience redaction. It registers a single wildcard listener so each
// event takes exactly one dispatch path regardless of how many other
// listeners exist.
type Manager struct {
	transport Transport
	bridge    Bridge
	logger    logging.Logger
	cfg       Config

	mu       sync.Mutex
	rooms    map[string]*room
	sessions map[string]string // session ID -> stream ID

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewManager constructs a Manager and attaches it to the bus. The bridge may
// be nil.
func NewManager(b *bus.Bus, transport Transport, cfg Config, logger logging.Logger) *Manager {
	if cfg.TeardownDelay <= 0 {
		cfg.TeardownDelay = DefaultConfig().TeardownDelay
	}
	m := &Manager{
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		rooms:     make(map[string]*room),
		sessions:  make(map[string]string),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
	if b != nil {
		b.Subscribe(models.Wildcard, m.handleEvent)
	}
	return m
}

// WithBridge attaches an optional cross-node mirror.
func (m *Manager) WithBridge(bridge Bridge) *Manager {
	m.bridge = bridge
	return m
}

// CreateRoom registers a room for a stream. Creating an existing room only
// updates the creator.
func (m *Manager) CreateRoom(streamID, creatorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[streamID]
	if !ok {
		r = &room{
			streamID:  streamID,
			createdAt: m.now().UTC(),
			members:   make(map[string]member),
		}
		m.rooms[streamID] = r
		m.logger.WithField("stream_id", streamID).Info("Room created")
	}
	r.creatorID = creatorID
	m.cancelTeardownLocked(r)
}

// Join adds a session to a room, creating the room if needed. An empty userID
// marks the session anonymous.
func (m *Manager) Join(streamID, sessionID, userID, role string) {
	if role == "" {
		role = RoleViewer
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[streamID]
	if !ok {
		r = &room{
			streamID:  streamID,
			createdAt: m.now().UTC(),
			members:   make(map[string]member),
		}
		m.rooms[streamID] = r
	}
	if prev, ok := m.sessions[sessionID]; ok && prev != streamID {
		m.leaveLocked(sessionID)
	}
	r.members[sessionID] = member{sessionID: sessionID, userID: userID, role: role}
	m.sessions[sessionID] = streamID
}

// Leave removes a session from its room. Unknown sessions are ignored.
func (m *Manager) Leave(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(sessionID)
}

func (m *Manager) leaveLocked(sessionID string) {
	streamID, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if r, ok := m.rooms[streamID]; ok {
		delete(r.members, sessionID)
	}
}

// CleanupRoom schedules the room's teardown after the given delay. A zero
// delay uses the configured grace period. Re-scheduling resets the pending
// timer.
func (m *Manager) CleanupRoom(streamID string, after time.Duration) {
	if after <= 0 {
		after = m.cfg.TeardownDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[streamID]
	if !ok {
		return
	}
	m.cancelTeardownLocked(r)
	r.teardown = m.afterFunc(after, func() { m.teardownRoom(streamID) })
}

// CancelCleanup aborts a pending teardown, for a stream that restarted inside
// the grace period.
func (m *Manager) CancelCleanup(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[streamID]; ok {
		m.cancelTeardownLocked(r)
	}
}

func (m *Manager) cancelTeardownLocked(r *room) {
	if r.teardown != nil {
		r.teardown.Stop()
		r.teardown = nil
	}
}

func (m *Manager) teardownRoom(streamID string) {
	m.mu.Lock()
	r, ok := m.rooms[streamID]
	if !ok {
		m.mu.Unlock()
		return
	}
	for sessionID := range r.members {
		delete(m.sessions, sessionID)
	}
	delete(m.rooms, streamID)
	memberCount := len(r.members)
	m.mu.Unlock()

	m.logger.WithFields(logging.Fields{
		"stream_id": streamID,
		"members":   memberCount,
	}).Info("Room torn down")
}

// RoomInfo returns the public view of a room, or false when no room exists.
func (m *Manager) RoomInfo(streamID string) (RoomInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[streamID]
	if !ok {
		return RoomInfo{}, false
	}
	info := RoomInfo{
		StreamID:    streamID,
		CreatorID:   r.creatorID,
		MemberCount: len(r.members),
		CreatedAt:   r.createdAt,
	}
	for _, mb := range r.members {
		if mb.role == RoleModerator {
			info.Moderators++
		}
	}
	return info, true
}

// StreamOf returns the stream a session has joined, if any.
func (m *Manager) StreamOf(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	streamID, ok := m.sessions[sessionID]
	return streamID, ok
}

// MemberCount returns the current viewer count for a room.
func (m *Manager) MemberCount(streamID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[streamID]; ok {
		return len(r.members)
	}
	return 0
}

// EmitToRoom delivers an event to the selected audience of one room.
func (m *Manager) EmitToRoom(streamID string, audience Audience, event models.StreamEvent) {
	m.mu.Lock()
	targets := m.audienceLocked(streamID, audience)
	m.mu.Unlock()

	for _, sessionID := range targets {
		m.transport.Send(sessionID, event)
	}
	if m.bridge != nil && audience == AudienceAll {
		m.bridge.PublishRoomEvent(streamID, event)
	}
}

// DeliverMirrored fans a remote node's broadcast out to local members only.
// It never re-enters the bridge, so mirrored events cannot loop.
func (m *Manager) DeliverMirrored(streamID string, event models.StreamEvent) {
	m.mu.Lock()
	targets := m.audienceLocked(streamID, AudienceAll)
	m.mu.Unlock()

	for _, sessionID := range targets {
		m.transport.Send(sessionID, event)
	}
}

// EmitToUser delivers an event to every session of one user, in any room.
func (m *Manager) EmitToUser(userID string, event models.StreamEvent) {
	m.mu.Lock()
	var targets []string
	for _, r := range m.rooms {
		for _, mb := range r.members {
			if mb.userID == userID && mb.userID != "" {
				targets = append(targets, mb.sessionID)
			}
		}
	}
	m.mu.Unlock()

	for _, sessionID := range targets {
		m.transport.Send(sessionID, event)
	}
}

// EmitToAll delivers an event to every connected room member.
func (m *Manager) EmitToAll(event models.StreamEvent) {
	m.mu.Lock()
	var targets []string
	for _, r := range m.rooms {
		for sessionID := range r.members {
			targets = append(targets, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range targets {
		m.transport.Send(sessionID, event)
	}
}

// audienceLocked resolves an audience to session IDs. Callers hold m.mu.
func (m *Manager) audienceLocked(streamID string, audience Audience) []string {
	r, ok := m.rooms[streamID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.members))
	for sessionID, mb := range r.members {
		privileged := mb.role == RoleCreator || mb.role == RoleModerator
		if audience == AudiencePrivileged && !privileged {
			continue
		}
		if audience == AudienceGeneral && privileged {
			continue
		}
		out = append(out, sessionID)
	}
	return out
}

// handleEvent is the single dispatch path for bus events. Per event type it
// applies the audience split and redaction before forwarding.
func (m *Manager) handleEvent(event models.StreamEvent) {
	switch event.Type {
	case models.EventViewerJoined, models.EventViewerLeft:
		// The general audience sees anonymous viewers as null identity and
		// never sees connection diagnostics.
		m.EmitToRoom(event.StreamID, AudiencePrivileged, event)
		m.EmitToRoom(event.StreamID, AudienceGeneral, redactForAudience(event))

	case models.EventStreamCreated:
		creatorID := ""
		if event.Lifecycle != nil {
			creatorID = event.Lifecycle.CreatorID
		}
		m.CreateRoom(event.StreamID, creatorID)
		m.EmitToRoom(event.StreamID, AudienceAll, event)

	case models.EventStreamStarted:
		m.CancelCleanup(event.StreamID)
		m.EmitToRoom(event.StreamID, AudienceAll, event)

	case models.EventStreamEnded, models.EventStreamDeleted:
		m.EmitToRoom(event.StreamID, AudienceAll, event)
		m.CleanupRoom(event.StreamID, 0)

	default:
		m.EmitToRoom(event.StreamID, AudienceAll, event)
	}
}

// redactForAudience strips privileged detail from an event before it goes to
// the general audience.
func redactForAudience(event models.StreamEvent) models.StreamEvent {
	if event.ViewerJoined != nil {
		p := *event.ViewerJoined
		p.Connection = nil
		if p.Viewer != nil && p.Viewer.UserID == "" {
			p.Viewer = nil
		}
		event.ViewerJoined = &p
	}
	if event.ViewerLeft != nil {
		p := *event.ViewerLeft
		if p.Viewer != nil && p.Viewer.UserID == "" {
			p.Viewer = nil
		}
		event.ViewerLeft = &p
	}
	return event
}
