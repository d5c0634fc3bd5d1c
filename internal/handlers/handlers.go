package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"frameworks/api_rooms/internal/analytics"
	"frameworks/api_rooms/internal/bus"
	"frameworks/api_rooms/internal/dashboard"
	"frameworks/api_rooms/internal/rooms"
	"frameworks/api_rooms/internal/security"
	"frameworks/api_rooms/internal/websocket"
	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"
)

// Client-facing error codes. Messages stay generic; internal error text never
// reaches a client.
const (
	errCodeInvalidMessage = "INVALID_MESSAGE"
	errCodeRateLimited    = "RATE_LIMITED"
	errCodeNotPermitted   = "NOT_PERMITTED"
	errCodeUnknownType    = "UNKNOWN_MESSAGE_TYPE"
)

// Inbound WebSocket message types.
const (
	msgStreamJoin           = "stream:join"
	msgStreamLeave          = "stream:leave"
	msgChatSend             = "chat:send-message"
	msgStatsUpdate          = "stats:updated"
	msgDashboardSubscribe   = "dashboard:subscribe"
	msgDashboardUnsubscribe = "dashboard:unsubscribe"
)

// clientMessage is the envelope for frames sent by connected sessions.
type clientMessage struct {
	Type     string               `json:"type"`
	StreamID string               `json:"stream_id"`
	Text     string               `json:"text,omitempty"`
	Stats    *models.StatsPayload `json:"stats,omitempty"`
	Filters  *dashboard.Filters   `json:"filters,omitempty"`
}

// RoomHandlers routes the WebSocket and HTTP surface onto the room core.
type RoomHandlers struct {
	bus       *bus.Bus
	governor  *security.Governor
	rooms     *rooms.Manager
	dashboard *dashboard.Manager
	engine    *analytics.Engine
	hub       *websocket.Hub
	logger    logging.Logger
	startTime time.Time
}

// NewRoomHandlers wires the handler surface. It registers itself as the hub's
// inbound and close handler.
func NewRoomHandlers(
	b *bus.Bus,
	governor *security.Governor,
	roomMgr *rooms.Manager,
	dashMgr *dashboard.Manager,
	engine *analytics.Engine,
	hub *websocket.Hub,
	logger logging.Logger,
) *RoomHandlers {
	h := &RoomHandlers{
		bus:       b,
		governor:  governor,
		rooms:     roomMgr,
		dashboard: dashMgr,
		engine:    engine,
		hub:       hub,
		logger:    logger,
		startTime: time.Now(),
	}
	hub.OnMessage(h.HandleInbound)
	hub.OnClose(h.handleSessionClosed)
	return h
}

// HandleWebSocket upgrades a client connection.
func (h *RoomHandlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleInbound routes one client frame: rate check, then per-type dispatch.
func (h *RoomHandlers) HandleInbound(client *websocket.Client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.governor.RecordSuspicious(client.SessionID, 1)
		h.sendError(client.SessionID, msg.StreamID, errCodeInvalidMessage, "message could not be parsed")
		return
	}

	if !h.governor.CheckEventRate(client.SessionID, models.EventType(msg.Type)) {
		h.sendError(client.SessionID, msg.StreamID, errCodeRateLimited, "slow down")
		return
	}

	switch msg.Type {
	case msgStreamJoin:
		h.handleJoin(client, msg)
	case msgStreamLeave:
		h.handleLeave(client)
	case msgChatSend:
		h.handleChat(client, msg)
	case msgStatsUpdate:
		h.handleStats(client, msg)
	case msgDashboardSubscribe:
		if msg.StreamID == "" {
			h.sendError(client.SessionID, "", errCodeInvalidMessage, "stream_id is required")
			return
		}
		h.dashboard.Subscribe(msg.StreamID, client.SessionID, client.Role, msg.Filters)
	case msgDashboardUnsubscribe:
		h.dashboard.Unsubscribe(client.SessionID)
	default:
		h.governor.RecordSuspicious(client.SessionID, 1)
		h.sendError(client.SessionID, msg.StreamID, errCodeUnknownType, "unsupported message type")
	}
}

func (h *RoomHandlers) handleJoin(client *websocket.Client, msg clientMessage) {
	if msg.StreamID == "" {
		h.sendError(client.SessionID, "", errCodeInvalidMessage, "stream_id is required")
		return
	}
	role := client.Role
	if role == "" {
		role = rooms.RoleViewer
	}
	h.rooms.Join(msg.StreamID, client.SessionID, client.UserID, role)

	payload := &models.ViewerJoinedPayload{
		SessionID:   client.SessionID,
		ViewerCount: h.rooms.MemberCount(msg.StreamID),
		Connection: &models.ConnectionDiagnostics{
			RemoteAddr: client.RemoteIP,
		},
	}
	if client.UserID != "" {
		payload.Viewer = &models.ViewerIdentity{UserID: client.UserID}
	}
	h.bus.Publish(models.StreamEvent{
		Type:         models.EventViewerJoined,
		StreamID:     msg.StreamID,
		Timestamp:    time.Now().UTC(),
		ViewerJoined: payload,
	})
}

func (h *RoomHandlers) handleLeave(client *websocket.Client) {
	h.publishLeave(client.SessionID, client.UserID)
}

func (h *RoomHandlers) publishLeave(sessionID, userID string) {
	streamID, ok := h.rooms.StreamOf(sessionID)
	if !ok {
		return
	}
	h.rooms.Leave(sessionID)

	payload := &models.ViewerLeftPayload{
		SessionID:   sessionID,
		ViewerCount: h.rooms.MemberCount(streamID),
	}
	if userID != "" {
		payload.Viewer = &models.ViewerIdentity{UserID: userID}
	}
	h.bus.Publish(models.StreamEvent{
		Type:       models.EventViewerLeft,
		StreamID:   streamID,
		Timestamp:  time.Now().UTC(),
		ViewerLeft: payload,
	})
}

func (h *RoomHandlers) handleChat(client *websocket.Client, msg clientMessage) {
	streamID, ok := h.rooms.StreamOf(client.SessionID)
	if !ok {
		h.sendError(client.SessionID, msg.StreamID, errCodeNotPermitted, "join the stream before chatting")
		return
	}
	if msg.Text == "" {
		h.sendError(client.SessionID, streamID, errCodeInvalidMessage, "text is required")
		return
	}
	h.bus.Publish(models.StreamEvent{
		Type:      models.EventChatMessage,
		StreamID:  streamID,
		Timestamp: time.Now().UTC(),
		Chat: &models.ChatPayload{
			SessionID: client.SessionID,
			UserID:    client.UserID,
			Text:      msg.Text,
		},
	})
}

// handleStats accepts telemetry from the stream's creator only.
func (h *RoomHandlers) handleStats(client *websocket.Client, msg clientMessage) {
	if msg.StreamID == "" || msg.Stats == nil {
		h.sendError(client.SessionID, msg.StreamID, errCodeInvalidMessage, "stream_id and stats are required")
		return
	}
	if info, ok := h.rooms.RoomInfo(msg.StreamID); ok && info.CreatorID != "" && info.CreatorID != client.UserID {
		h.governor.RecordSuspicious(client.SessionID, 2)
		h.sendError(client.SessionID, msg.StreamID, errCodeNotPermitted, "only the stream creator may report telemetry")
		return
	}
	h.bus.Publish(models.StreamEvent{
		Type:      models.EventStatsUpdated,
		StreamID:  msg.StreamID,
		Timestamp: time.Now().UTC(),
		Stats:     msg.Stats,
	})
}

// handleSessionClosed runs after a socket disconnects for any reason.
func (h *RoomHandlers) handleSessionClosed(sessionID string) {
	h.publishLeave(sessionID, "")
	h.dashboard.Unsubscribe(sessionID)
}

func (h *RoomHandlers) sendError(sessionID, streamID, code, message string) {
	h.hub.Send(sessionID, models.StreamEvent{
		Type:      models.EventError,
		StreamID:  streamID,
		Timestamp: time.Now().UTC(),
		Error: &models.ErrorPayload{
			Code:     code,
			Message:  message,
			Severity: models.SeverityLow,
		},
	})
}

// HandlePublishEvent accepts a full event from a trusted upstream service and
// publishes it to the bus.
func (h *RoomHandlers) HandlePublishEvent(c *gin.Context) {
	var event models.StreamEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": "body could not be parsed"})
		return
	}
	if ok := h.bus.Publish(event); !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "rejected", "message": "event failed validation"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "published"})
}

// HandleHistory returns a stream's bounded event history.
func (h *RoomHandlers) HandleHistory(c *gin.Context) {
	streamID := c.Param("stream_id")
	c.JSON(http.StatusOK, gin.H{
		"stream_id": streamID,
		"events":    h.bus.History(streamID),
	})
}

// HandleRoomInfo returns the room's public state.
func (h *RoomHandlers) HandleRoomInfo(c *gin.Context) {
	info, ok := h.rooms.RoomInfo(c.Param("stream_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no room for stream"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandleAnalyticsQuery returns bucket rows plus requested extras.
func (h *RoomHandlers) HandleAnalyticsQuery(c *gin.Context) {
	opts := analytics.QueryOptions{
		Interval:        models.IntervalType(c.DefaultQuery("interval", string(models.IntervalMinute))),
		IncludeRealtime: c.Query("realtime") == "true",
		IncludeQuality:  c.Query("quality") == "true",
		IncludeViewers:  c.Query("viewers") == "true",
	}
	if v := c.Query("quality_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.QualityLimit = n
		}
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.From = t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.To = t
		}
	}

	result, err := h.engine.Query(c.Request.Context(), c.Param("stream_id"), opts)
	if err != nil {
		h.logger.WithError(err).Error("Analytics query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleDashboardMetrics returns the live dashboard state for a stream.
func (h *RoomHandlers) HandleDashboardMetrics(c *gin.Context) {
	metrics, ok := h.dashboard.CurrentMetrics(c.Param("stream_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no dashboard state for stream"})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// HandleConfigureMilestones sets milestone targets for a stream.
func (h *RoomHandlers) HandleConfigureMilestones(c *gin.Context) {
	var cfg dashboard.MilestoneConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config"})
		return
	}
	if !h.dashboard.ConfigureMilestones(c.Param("stream_id"), cfg) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no dashboard state for stream"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

// HandleConfigureAlerts sets the viewer-drop thresholds for a stream.
func (h *RoomHandlers) HandleConfigureAlerts(c *gin.Context) {
	var cfg dashboard.AlertThresholds
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config"})
		return
	}
	if !h.dashboard.ConfigureAlertThresholds(c.Param("stream_id"), cfg) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "message": "thresholds must satisfy 0 < warning < critical"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

// Admin surface

// HandleAuditLog returns recent security audit entries, newest first.
func (h *RoomHandlers) HandleAuditLog(c *gin.Context) {
	filter := security.AuditFilter{Event: c.Query("event")}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": h.governor.AuditLog(filter)})
}

// HandleSecurityMetrics returns the governor's counters.
func (h *RoomHandlers) HandleSecurityMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.governor.Metrics())
}

type blockRequest struct {
	IP         string `json:"ip" binding:"required"`
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// HandleBlockIP blocks an address, optionally with a TTL.
func (h *RoomHandlers) HandleBlockIP(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.governor.BlockIP(req.IP, req.Reason, time.Duration(req.TTLSeconds)*time.Second)
	c.JSON(http.StatusOK, gin.H{"status": "blocked", "ip": req.IP})
}

// HandleUnblockIP lifts a block.
func (h *RoomHandlers) HandleUnblockIP(c *gin.Context) {
	h.governor.UnblockIP(c.Param("ip"))
	c.JSON(http.StatusOK, gin.H{"status": "unblocked", "ip": c.Param("ip")})
}

// HandleUpdateSecurityConfig applies a partial governor config update.
func (h *RoomHandlers) HandleUpdateSecurityConfig(c *gin.Context) {
	var update security.ConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config"})
		return
	}
	h.governor.UpdateConfig(update)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// HandleBusStats returns publish counts and listener totals.
func (h *RoomHandlers) HandleBusStats(c *gin.Context) {
	stats := h.bus.Stats()
	stats["recent"] = h.bus.RecentAcrossStreams(20)
	stats["websocket"] = h.hub.Stats()
	stats["uptime"] = time.Since(h.startTime).String()
	c.JSON(http.StatusOK, stats)
}

// HandleRunCleanup triggers a retention pass.
func (h *RoomHandlers) HandleRunCleanup(c *gin.Context) {
	result, err := h.engine.RunCleanup(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Cleanup run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup_failed", "partial": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RegisterRoutes attaches all endpoints. adminAuth guards the admin and
// service surfaces.
func (h *RoomHandlers) RegisterRoutes(router *gin.Engine, adminAuth gin.HandlerFunc) {
	router.GET("/ws", h.HandleWebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/streams/:stream_id/history", h.HandleHistory)
		api.GET("/streams/:stream_id/room", h.HandleRoomInfo)
		api.GET("/streams/:stream_id/analytics", h.HandleAnalyticsQuery)
		api.GET("/streams/:stream_id/dashboard", h.HandleDashboardMetrics)
		api.POST("/streams/:stream_id/milestones", h.HandleConfigureMilestones)
		api.POST("/streams/:stream_id/alerts", h.HandleConfigureAlerts)
	}

	service := router.Group("/api/v1", adminAuth)
	{
		service.POST("/events", h.HandlePublishEvent)
	}

	admin := router.Group("/admin", adminAuth)
	{
		admin.GET("/security/audit", h.HandleAuditLog)
		admin.GET("/security/metrics", h.HandleSecurityMetrics)
		admin.POST("/security/block", h.HandleBlockIP)
		admin.DELETE("/security/block/:ip", h.HandleUnblockIP)
		admin.PUT("/security/config", h.HandleUpdateSecurityConfig)
		admin.GET("/bus/stats", h.HandleBusStats)
		admin.POST("/analytics/cleanup", h.HandleRunCleanup)
	}
}
