package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/services/progress"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Tenant is bound at upgrade
	},
}

// WSMessage is a frame sent to progress subscribers
type WSMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// wsRequest is a frame sent by the client
type wsRequest struct {
	Type     string `json:"type" validate:"required,oneof=connectUser disconnectUser"`
	TenantID string `json:"tenant_id" validate:"required,max=128"`
}

// wsClient is one connection and the tenants it follows
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subsMu  sync.Mutex
	subs    map[string]*progress.Subscription
}

func (c *wsClient) write(msg WSMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WebSocketHandler streams per-tenant progress lines to connected clients
type WebSocketHandler struct {
	hub     *progress.Hub
	logger  arbor.ILogger
	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient
}

func NewWebSocketHandler(hub *progress.Hub, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:     hub,
		logger:  logger,
		clients: make(map[*websocket.Conn]*wsClient),
	}
}

// HandleWebSocket upgrades the connection and serves connectUser and
// disconnectUser requests until the client goes away. The upgrade request
// must carry a tenant and the socket only follows that tenant.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	boundTenant, ok := RequireTenant(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{conn: conn, subs: make(map[string]*progress.Subscription)}
	h.mu.Lock()
	h.clients[conn] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("total_clients", total).Msg("WebSocket client connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		h.removeClient(client)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	common.SafeGo(h.logger, "websocket-ping", func() { h.keepAlive(client, done) })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.write(WSMessage{Type: "error", Payload: "invalid message"})
			continue
		}
		if err := validate.Struct(&req); err != nil {
			client.write(WSMessage{Type: "error", Payload: validationMessage(err)})
			continue
		}
		if req.TenantID != boundTenant {
			h.logger.Warn().
				Str("tenant_id", boundTenant).
				Str("requested", req.TenantID).
				Msg("WebSocket tenant mismatch")
			client.write(WSMessage{Type: "error", Payload: "tenant mismatch"})
			continue
		}

		switch req.Type {
		case "connectUser":
			h.subscribe(client, req.TenantID)
		case "disconnectUser":
			h.unsubscribe(client, req.TenantID)
		}
	}
}

func (h *WebSocketHandler) subscribe(client *wsClient, tenantID string) {
	client.subsMu.Lock()
	sub, exists := client.subs[tenantID]
	if !exists {
		sub = h.hub.Register(tenantID)
		client.subs[tenantID] = sub
	}
	client.subsMu.Unlock()

	if !exists {
		common.SafeGo(h.logger, "websocket-forward", func() { h.forward(client, sub) })
	}
	client.write(WSMessage{Type: "connected", Payload: tenantID})
}

func (h *WebSocketHandler) unsubscribe(client *wsClient, tenantID string) {
	client.subsMu.Lock()
	sub, ok := client.subs[tenantID]
	delete(client.subs, tenantID)
	client.subsMu.Unlock()

	if ok {
		h.hub.Unregister(sub)
	}
	client.write(WSMessage{Type: "disconnected", Payload: tenantID})
}

// forward writes the subscription's events until it is unregistered
func (h *WebSocketHandler) forward(client *wsClient, sub *progress.Subscription) {
	for event := range sub.C {
		msg := WSMessage{
			Type:      "log",
			Payload:   event.Message,
			Timestamp: event.Timestamp.Format(time.RFC3339),
		}
		if err := client.write(msg); err != nil {
			h.logger.Debug().Err(err).Str("tenant_id", sub.TenantID).Msg("Failed to write progress event")
			client.conn.Close()
			return
		}
	}
}

func (h *WebSocketHandler) keepAlive(client *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.ping(); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) removeClient(client *wsClient) {
	client.subsMu.Lock()
	subs := client.subs
	client.subs = make(map[string]*progress.Subscription)
	client.subsMu.Unlock()

	for _, sub := range subs {
		h.hub.Unregister(sub)
	}

	h.mu.Lock()
	delete(h.clients, client.conn)
	total := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()
	h.logger.Debug().Int("total_clients", total).Msg("WebSocket client disconnected")
}

// ClientCount returns the number of open connections
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every open connection, used at shutdown
func (h *WebSocketHandler) CloseAll() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.writeMu.Lock()
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		client.writeMu.Unlock()
		client.conn.Close()
	}
}
