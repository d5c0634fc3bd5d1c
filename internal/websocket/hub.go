package websocket

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"frameworks/api_rooms/internal/security"
	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// InboundHandler receives one raw client frame after the governor's payload
// check. It runs on the client's read goroutine.
type InboundHandler func(client *Client, raw []byte)

// Identity is the authenticated caller attached to a connection. A zero
// Identity means anonymous viewer.
type Identity struct {
	UserID string
	Role   string
}

// IdentityResolver extracts the caller's identity from the upgrade request.
type IdentityResolver func(r *http.Request) Identity

// Hub maintains the set of active sessions and delivers events to them. Each
// connection is keyed by its server-assigned session ID.
type Hub struct {
	logger    logging.Logger
	governor  *security.Governor
	onMessage InboundHandler
	onClose   func(sessionID string)
	resolve   IdentityResolver

	mutex      sync.RWMutex
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
}

// Client represents one WebSocket session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	SessionID string
	UserID    string
	Role      string
	RemoteIP  string

	logger logging.Logger

	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the governor before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates a hub bound to a governor. The resolver may be nil, in which
// case every session is anonymous.
func NewHub(governor *security.Governor, resolve IdentityResolver, logger logging.Logger) *Hub {
	h := &Hub{
		logger:     logger,
		governor:   governor,
		resolve:    resolve,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
	governor.OnForceDisconnect = func(sessionID, reason string) {
		h.Disconnect(sessionID, reason)
	}
	return h
}

// OnMessage sets the inbound frame handler. Must be called before Run.
func (h *Hub) OnMessage(handler InboundHandler) {
	h.onMessage = handler
}

// OnClose sets a callback fired after a session fully disconnects. Must be
// called before Run.
func (h *Hub) OnClose(fn func(sessionID string)) {
	h.onClose = fn
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.SessionID] = client
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithFields(logging.Fields{
				"session_id":   client.SessionID,
				"user_id":      client.UserID,
				"client_count": count,
			}).Info("Session connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if current, ok := h.clients[client.SessionID]; ok && current == client {
				delete(h.clients, client.SessionID)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()

			h.governor.ConnectionClosed(client.RemoteIP)
			h.governor.ForgetSession(client.SessionID)
			if h.onClose != nil {
				h.onClose(client.SessionID)
			}
			h.logger.WithFields(logging.Fields{
				"session_id":   client.SessionID,
				"client_count": count,
			}).Info("Session disconnected")
		}
	}
}

// Send delivers one event to a session. It reports false when the session is
// unknown or its outbound queue is full (the session is then dropped).
func (h *Hub) Send(sessionID string, event models.StreamEvent) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal outbound event")
		return false
	}

	h.mutex.RLock()
	client, ok := h.clients[sessionID]
	h.mutex.RUnlock()
	if !ok {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		// Slow consumer; the read pump will observe the closed connection.
		client.close()
		return false
	}
}

// Disconnect force-closes a session, sending a best-effort close frame with
// the reason first.
func (h *Hub) Disconnect(sessionID, reason string) {
	h.mutex.RLock()
	client, ok := h.clients[sessionID]
	h.mutex.RUnlock()
	if !ok {
		return
	}
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = client.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	client.close()
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Stats returns hub statistics for the admin surface.
func (h *Hub) Stats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	authenticated := 0
	for _, client := range h.clients {
		if client.UserID != "" {
			authenticated++
		}
	}
	return map[string]interface{}{
		"total_sessions":         len(h.clients),
		"authenticated_sessions": authenticated,
	}
}

// ServeWS admits and upgrades one WebSocket request.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	origin := r.Header.Get("Origin")

	if decision := h.governor.CheckAdmission(origin, ip); !decision.Allowed {
		h.logger.WithFields(logging.Fields{
			"remote_ip": ip,
			"origin":    origin,
			"reason":    decision.Reason,
		}).Warn("Connection refused")
		http.Error(w, decision.Reason, http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	identity := Identity{}
	if h.resolve != nil {
		identity = h.resolve(r)
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		SessionID: uuid.New().String(),
		UserID:    identity.UserID,
		Role:      identity.Role,
		RemoteIP:  ip,
		logger:    h.logger,
	}

	h.governor.ConnectionOpened(ip)
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// clientIP strips the port from the peer address, preferring the first
// forwarded hop when a proxy sets it.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

func (c *Client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// readPump pumps frames from the connection to the inbound handler.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.close()
	}()

	c.conn.SetReadLimit(int64(c.hub.governor.MaxPayloadBytes()))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.WithError(err).WithField("session_id", c.SessionID).Warn("WebSocket connection error")
			}
			break
		}
		if !c.hub.governor.CheckPayloadSize(len(message)) {
			c.hub.governor.RecordSuspicious(c.SessionID, 2)
			continue
		}
		if c.hub.onMessage != nil {
			c.hub.onMessage(c, message)
		}
	}
}

// writePump pumps queued messages to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Flush any backlog as separate lines in the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
