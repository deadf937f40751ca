package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HsiangNianian/pacs-bridge/internal/protocol"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// clientConn owns one panel socket. Only writePump writes to conn; everything
// else queues on send.
type clientConn struct {
	conn   *websocket.Conn
	remote string
	send   chan protocol.Envelope
}

func newClientConn(conn *websocket.Conn, remote string) *clientConn {
	return &clientConn{conn: conn, remote: remote, send: make(chan protocol.Envelope, sendBuffer)}
}

// enqueue never blocks; it reports false when the panel is too far behind.
func (c *clientConn) enqueue(env protocol.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// writePump drains send until it is closed or a write fails. A failed write
// closes the socket so the reader notices too.
func (c *clientConn) writePump(logger *zap.Logger) {
	for env := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(env); err != nil {
			logger.Warn("send to panel failed", zap.String("remote", c.remote), zap.String("type", env.Type), zap.Error(err))
			_ = c.conn.Close()
			return
		}
	}
}

// Hub streams bridge activity to diagnostics panels over websockets.
type Hub struct {
	authToken string
	snapshot  func() any
	logger    *zap.Logger
	now       func() time.Time

	upgrader websocket.Upgrader

	panelMu sync.RWMutex
	panels  map[*clientConn]struct{}
}

// NewHub returns a hub. snapshot, if set, answers panel "snapshot" requests.
func NewHub(authToken string, snapshot func() any, logger *zap.Logger) *Hub {
	return &Hub{
		authToken: authToken,
		snapshot:  snapshot,
		logger:    logger,
		now:       time.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		panels: make(map[*clientConn]struct{}),
	}
}

func (h *Hub) HandlePanel(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		h.logger.Warn("panel unauthorized", zap.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade panel ws failed", zap.Error(err))
		return
	}
	client := newClientConn(conn, r.RemoteAddr)

	h.panelMu.Lock()
	h.panels[client] = struct{}{}
	panelCount := len(h.panels)
	h.panelMu.Unlock()

	h.logger.Info("panel connected", zap.String("remote", r.RemoteAddr), zap.Int("active_panels", panelCount))
	go client.writePump(h.logger)
	h.readPanel(client)
}

func (h *Hub) readPanel(client *clientConn) {
	defer func() {
		h.panelMu.Lock()
		delete(h.panels, client)
		panelCount := len(h.panels)
		h.panelMu.Unlock()
		// broadcast only enqueues under the read lock, so nothing sends after this
		close(client.send)
		_ = client.conn.Close()
		h.logger.Info("panel disconnected", zap.Int("active_panels", panelCount))
	}()

	for {
		var env protocol.Envelope
		if err := client.conn.ReadJSON(&env); err != nil {
			h.logger.Debug("recv panel failed", zap.Error(err))
			return
		}
		switch env.Type {
		case "snapshot":
			var payload any = []any{}
			if h.snapshot != nil {
				payload = h.snapshot()
			}
			reply := h.envelope("snapshot", payload)
			reply.MsgID = env.MsgID
			h.deliver(client, reply)
		case "ping":
			h.deliver(client, h.envelope("pong", nil))
		default:
			h.logger.Debug("ignore panel message", zap.String("type", env.Type), zap.String("msg_id", env.MsgID))
		}
	}
}

// Broadcast queues payload for every connected panel as an envelope of
// msgType. It never waits on a slow panel; a panel whose queue is full misses
// the message.
func (h *Hub) Broadcast(msgType string, payload any) {
	h.broadcast(h.envelope(msgType, payload))
}

func (h *Hub) broadcast(env protocol.Envelope) {
	h.panelMu.RLock()
	defer h.panelMu.RUnlock()
	for panel := range h.panels {
		h.deliver(panel, env)
	}
}

func (h *Hub) deliver(panel *clientConn, env protocol.Envelope) {
	if !panel.enqueue(env) {
		h.logger.Warn("panel send queue full, dropping message",
			zap.String("remote", panel.remote), zap.String("type", env.Type), zap.String("msg_id", env.MsgID))
	}
}

func (h *Hub) envelope(msgType string, payload any) protocol.Envelope {
	env := protocol.Envelope{
		MsgID:     uuid.NewString(),
		Type:      msgType,
		Timestamp: h.now().UnixMilli(),
	}
	if payload != nil {
		env.Payload = mustJSON(payload)
	}
	return env
}

func (h *Hub) PanelCount() int {
	h.panelMu.RLock()
	defer h.panelMu.RUnlock()
	return len(h.panels)
}

// Close disconnects every panel.
func (h *Hub) Close() {
	h.panelMu.RLock()
	defer h.panelMu.RUnlock()
	for panel := range h.panels {
		_ = panel.conn.Close()
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
