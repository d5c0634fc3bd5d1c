package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"frameworks/api_rooms/internal/analytics"
	"frameworks/api_rooms/internal/bus"
	"frameworks/api_rooms/internal/dashboard"
	"frameworks/api_rooms/internal/rooms"
	"frameworks/api_rooms/internal/security"
	"frameworks/api_rooms/internal/store"
	"frameworks/api_rooms/internal/websocket"
	"frameworks/api_rooms/pkg/models"
)

type testCore struct {
	bus      *bus.Bus
	governor *security.Governor
	rooms    *rooms.Manager
	handlers *RoomHandlers
}

type nullTransport struct{}

func (nullTransport) Send(sessionID string, event models.StreamEvent) bool { return true }

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()

	b := bus.New(bus.DefaultConfig(), logger)
	governor := security.New(security.DefaultConfig(), logger, nil)
	hub := websocket.NewHub(governor, nil, logger)
	roomMgr := rooms.NewManager(b, nullTransport{}, rooms.DefaultConfig(), logger)
	dashMgr := dashboard.NewManager(b, nullTransport{}, dashboard.DefaultConfig(), logger)
	engine := analytics.New(store.NewMemoryStore(), b, analytics.DefaultConfig(), logger)

	h := NewRoomHandlers(b, governor, roomMgr, dashMgr, engine, hub, logger)
	return &testCore{bus: b, governor: governor, rooms: roomMgr, handlers: h}
}

func inbound(t *testing.T, core *testCore, client *websocket.Client, msg clientMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal inbound message: %v", err)
	}
	core.handlers.HandleInbound(client, raw)
}

func TestInboundJoinPublishesViewerJoined(t *testing.T) {
	core := newTestCore(t)
	client := &websocket.Client{SessionID: "sess-1", UserID: "user-1", Role: rooms.RoleViewer, RemoteIP: "203.0.113.9"}

	inbound(t, core, client, clientMessage{Type: msgStreamJoin, StreamID: "stream-1"})

	if got := core.rooms.MemberCount("stream-1"); got != 1 {
		t.Fatalf("expected 1 room member, got %d", got)
	}
	history := core.bus.History("stream-1")
	if len(history) != 1 {
		t.Fatalf("expected 1 event in history, got %d", len(history))
	}
	event := history[0]
	if event.ViewerJoined == nil {
		t.Fatal("expected viewer:joined payload")
	}
	if event.ViewerJoined.Connection == nil || event.ViewerJoined.Connection.RemoteAddr != "203.0.113.9" {
		t.Error("expected connection diagnostics on the published join event")
	}
	if event.ViewerJoined.Viewer == nil || event.ViewerJoined.Viewer.UserID != "user-1" {
		t.Error("expected viewer identity on the published join event")
	}
}

func TestInboundJoinAnonymousHasNoIdentity(t *testing.T) {
	core := newTestCore(t)
	client := &websocket.Client{SessionID: "sess-anon", RemoteIP: "203.0.113.9"}

	inbound(t, core, client, clientMessage{Type: msgStreamJoin, StreamID: "stream-1"})

	history := core.bus.History("stream-1")
	if len(history) != 1 || history[0].ViewerJoined == nil {
		t.Fatal("expected a viewer:joined event")
	}
	if history[0].ViewerJoined.Viewer != nil {
		t.Error("anonymous join must not carry a viewer identity")
	}
}

func TestChatRequiresRoomMembership(t *testing.T) {
	core := newTestCore(t)
	client := &websocket.Client{SessionID: "sess-1", UserID: "user-1"}

	inbound(t, core, client, clientMessage{Type: msgChatSend, Text: "hello"})
	if got := len(core.bus.History("stream-1")); got != 0 {
		t.Fatalf("chat before join should publish nothing, got %d events", got)
	}

	inbound(t, core, client, clientMessage{Type: msgStreamJoin, StreamID: "stream-1"})
	inbound(t, core, client, clientMessage{Type: msgChatSend, Text: "hello"})

	history := core.bus.History("stream-1")
	last := history[len(history)-1]
	if last.Chat == nil || last.Chat.Text != "hello" {
		t.Fatalf("expected chat:message as last event, got %s", last.Type)
	}
}

func TestStatsRejectedFromNonCreator(t *testing.T) {
	core := newTestCore(t)
	core.rooms.CreateRoom("stream-1", "owner")
	intruder := &websocket.Client{SessionID: "sess-2", UserID: "intruder"}

	inbound(t, core, intruder, clientMessage{
		Type:     msgStatsUpdate,
		StreamID: "stream-1",
		Stats:    &models.StatsPayload{ViewerCount: 5, FPS: 30},
	})

	for _, event := range core.bus.History("stream-1") {
		if event.Stats != nil {
			t.Fatal("telemetry from a non-creator must not reach the bus")
		}
	}
}

func TestStatsAcceptedFromCreator(t *testing.T) {
	core := newTestCore(t)
	core.rooms.CreateRoom("stream-1", "owner")
	creator := &websocket.Client{SessionID: "sess-1", UserID: "owner", Role: rooms.RoleCreator}

	inbound(t, core, creator, clientMessage{
		Type:     msgStatsUpdate,
		StreamID: "stream-1",
		Stats:    &models.StatsPayload{ViewerCount: 5, FPS: 30, BitrateKbps: 4500},
	})

	found := false
	for _, event := range core.bus.History("stream-1") {
		if event.Stats != nil && event.Stats.FPS == 30 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the creator's telemetry on the bus")
	}
}

func TestUnknownMessageTypeScoresSuspicion(t *testing.T) {
	core := newTestCore(t)
	client := &websocket.Client{SessionID: "sess-1"}

	inbound(t, core, client, clientMessage{Type: "totally:bogus"})

	entries := core.governor.AuditLog(security.AuditFilter{Event: security.AuditSuspiciousScoring})
	if len(entries) != 1 {
		t.Fatalf("expected one suspicion audit entry, got %d", len(entries))
	}
}

func TestLeaveOnSessionClose(t *testing.T) {
	core := newTestCore(t)
	client := &websocket.Client{SessionID: "sess-1", UserID: "user-1"}
	inbound(t, core, client, clientMessage{Type: msgStreamJoin, StreamID: "stream-1"})

	core.handlers.handleSessionClosed("sess-1")

	if got := core.rooms.MemberCount("stream-1"); got != 0 {
		t.Fatalf("expected empty room after close, got %d members", got)
	}
	history := core.bus.History("stream-1")
	last := history[len(history)-1]
	if last.ViewerLeft == nil {
		t.Fatalf("expected viewer:left as last event, got %s", last.Type)
	}
}

func newTestRouter(core *testCore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	core.handlers.RegisterRoutes(router, func(c *gin.Context) { c.Next() })
	return router
}

func TestHistoryEndpoint(t *testing.T) {
	core := newTestCore(t)
	client := &websocket.Client{SessionID: "sess-1", UserID: "user-1"}
	inbound(t, core, client, clientMessage{Type: msgStreamJoin, StreamID: "stream-1"})

	router := newTestRouter(core)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/stream-1/history", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		StreamID string            `json:"stream_id"`
		Events   []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Events) != 1 {
		t.Fatalf("expected 1 event in history response, got %d", len(body.Events))
	}
}

func TestRoomInfoEndpointNotFound(t *testing.T) {
	core := newTestCore(t)
	router := newTestRouter(core)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/ghost/room", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPublishEventEndpoint(t *testing.T) {
	core := newTestCore(t)
	router := newTestRouter(core)

	payload := map[string]interface{}{
		"event_type": "stream:created",
		"stream_id":  "stream-1",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"lifecycle":  map[string]string{"creator_id": "owner"},
	}
	raw, _ := json.Marshal(payload)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := core.rooms.RoomInfo("stream-1"); !ok {
		t.Fatal("stream:created should have created the room")
	}
}

func TestPublishInvalidEventRejected(t *testing.T) {
	core := newTestCore(t)
	router := newTestRouter(core)

	raw := []byte(`{"event_type":"stats:updated","stream_id":"stream-1","timestamp":"2026-03-01T12:00:00Z"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for payloadless stats event, got %d", w.Code)
	}
}

func TestBlockAndUnblockEndpoints(t *testing.T) {
	core := newTestCore(t)
	router := newTestRouter(core)

	raw := []byte(`{"ip":"198.51.100.7","reason":"abuse","ttl_seconds":60}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/security/block", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("block: expected 200, got %d", w.Code)
	}
	if decision := core.governor.CheckAdmission("", "198.51.100.7"); decision.Allowed {
		t.Fatal("blocked IP should be refused admission")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/admin/security/block/198.51.100.7", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("unblock: expected 200, got %d", w.Code)
	}
	if decision := core.governor.CheckAdmission("", "198.51.100.7"); !decision.Allowed {
		t.Fatal("unblocked IP should be admitted again")
	}
}
