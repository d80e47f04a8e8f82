package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/services/progress"
)

const testTenantHeader = "X-Tenant-ID"

// progressServer binds the tenant header to the request context the way the
// server middleware does
func progressServer(t *testing.T, hub *progress.Hub) (string, *WebSocketHandler) {
	t.Helper()
	handler := NewWebSocketHandler(hub, arbor.NewLogger())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantID := r.Header.Get(testTenantHeader); tenantID != "" {
			r = r.WithContext(common.WithTenant(r.Context(), tenantID))
		}
		handler.HandleWebSocket(w, r)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), handler
}

func dialProgressAs(t *testing.T, hub *progress.Hub, tenantID string) (*websocket.Conn, *WebSocketHandler) {
	t.Helper()
	wsURL, handler := progressServer(t, hub)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{testTenantHeader: []string{tenantID}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, handler
}

func dialProgress(t *testing.T, hub *progress.Hub) (*websocket.Conn, *WebSocketHandler) {
	t.Helper()
	return dialProgressAs(t, hub, "tenant-a")
}

func readFrame(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketDeliversTenantProgress(t *testing.T) {
	hub := progress.NewHub(8, arbor.NewLogger())
	conn, _ := dialProgress(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "connectUser", "tenant_id": "tenant-a"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "connected", ack.Type)
	assert.Equal(t, "tenant-a", ack.Payload)

	hub.SendLogMessage("tenant-b", "not for you")
	hub.SendLogMessage("tenant-a", "Document retrieved for Ana Ruiz (ref 1001)")

	msg := readFrame(t, conn)
	assert.Equal(t, "log", msg.Type)
	assert.Equal(t, "Document retrieved for Ana Ruiz (ref 1001)", msg.Payload)
	assert.NotEmpty(t, msg.Timestamp)
}

func TestWebSocketDisconnectUser(t *testing.T) {
	hub := progress.NewHub(8, arbor.NewLogger())
	conn, _ := dialProgress(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "connectUser", "tenant_id": "tenant-a"}))
	readFrame(t, conn)
	assert.Equal(t, 1, hub.Subscribers("tenant-a"))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "disconnectUser", "tenant_id": "tenant-a"}))
	msg := readFrame(t, conn)
	assert.Equal(t, "disconnected", msg.Type)
	assert.Equal(t, 0, hub.Subscribers("tenant-a"))
}

func TestWebSocketRejectsInvalidFrames(t *testing.T) {
	hub := progress.NewHub(8, arbor.NewLogger())
	conn, _ := dialProgress(t, hub)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, "error", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "tenant_id": "tenant-a"}))
	assert.Equal(t, "error", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "connectUser"}))
	assert.Equal(t, "error", readFrame(t, conn).Type)

	assert.Equal(t, 0, hub.Subscribers("tenant-a"))
}

func TestWebSocketCloseUnregisters(t *testing.T) {
	hub := progress.NewHub(8, arbor.NewLogger())
	conn, handler := dialProgress(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "connectUser", "tenant_id": "tenant-a"}))
	readFrame(t, conn)
	assert.Equal(t, 1, handler.ClientCount())

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.Subscribers("tenant-a") == 0 && handler.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Publishing to a tenant with no subscribers is a no-op
	hub.SendLogMessage("tenant-a", "nobody listening")
}

func TestWebSocketRejectsUpgradeWithoutTenant(t *testing.T) {
	hub := progress.NewHub(8, arbor.NewLogger())
	wsURL, handler := progressServer(t, hub)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if conn != nil {
		conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, handler.ClientCount())
}

func TestWebSocketRejectsOtherTenant(t *testing.T) {
	hub := progress.NewHub(8, arbor.NewLogger())
	conn, _ := dialProgressAs(t, hub, "tenant-b")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "connectUser", "tenant_id": "tenant-a"}))
	msg := readFrame(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "tenant mismatch", msg.Payload)
	assert.Equal(t, 0, hub.Subscribers("tenant-a"))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "connectUser", "tenant_id": "tenant-b"}))
	assert.Equal(t, "connected", readFrame(t, conn).Type)
	assert.Equal(t, 1, hub.Subscribers("tenant-b"))
}
