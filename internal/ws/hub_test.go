package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/HsiangNianian/pacs-bridge/internal/protocol"
)

func dialPanel(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func TestPanelRequiresToken(t *testing.T) {
	hub := NewHub("secret", nil, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandlePanel))
	defer srv.Close()

	_, resp, err := dialPanel(t, srv, "wrong")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := dialPanel(t, srv, "secret")
	require.NoError(t, err)
	_ = conn.Close()
}

func TestBroadcastReachesPanels(t *testing.T) {
	hub := NewHub("", nil, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandlePanel))
	defer srv.Close()

	conn, _, err := dialPanel(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.PanelCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast("event", protocol.EventNotification{NewPacsEventID: "101"})

	var env protocol.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "event", env.Type)
	assert.NotEmpty(t, env.MsgID)
	assert.NotZero(t, env.Timestamp)
	assert.JSONEq(t, `{"new_pacs_event_id":"101"}`, string(env.Payload))
}

func TestSnapshotRequest(t *testing.T) {
	hub := NewHub("", func() any { return []map[string]any{{"event_id": 7, "stage": "addcard"}} }, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandlePanel))
	defer srv.Close()

	conn, _, err := dialPanel(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Envelope{MsgID: "req-1", Type: "snapshot"}))
	var env protocol.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&env))

	assert.Equal(t, "snapshot", env.Type)
	assert.Equal(t, "req-1", env.MsgID)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "addcard", rows[0]["stage"])
}

func TestPanelDisconnectIsTracked(t *testing.T) {
	hub := NewHub("", nil, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandlePanel))
	defer srv.Close()

	conn, _, err := dialPanel(t, srv, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.PanelCount() == 1 }, time.Second, 5*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.PanelCount() == 0 }, time.Second, 5*time.Millisecond)
	hub.Broadcast("workflow", map[string]int{"event_id": 7})
}

func TestBroadcastDropsForStalledPanel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hub := NewHub("", nil, zap.New(core))
	// no writer drains this panel
	stalled := &clientConn{remote: "stalled", send: make(chan protocol.Envelope, 1)}
	hub.panels[stalled] = struct{}{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Broadcast("event", protocol.EventNotification{NewPacsEventID: "1"})
		hub.Broadcast("event", protocol.EventNotification{NewPacsEventID: "2"})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stalled panel")
	}

	require.Len(t, stalled.send, 1)
	first := <-stalled.send
	assert.JSONEq(t, `{"new_pacs_event_id":"1"}`, string(first.Payload))
	assert.Equal(t, 1, logs.FilterMessage("panel send queue full, dropping message").Len())
}

func TestStalledPanelDoesNotDelayOthers(t *testing.T) {
	hub := NewHub("", nil, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandlePanel))
	defer srv.Close()

	conn, _, err := dialPanel(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.PanelCount() == 1 }, time.Second, 5*time.Millisecond)

	stalled := &clientConn{remote: "stalled", send: make(chan protocol.Envelope)}
	hub.panelMu.Lock()
	hub.panels[stalled] = struct{}{}
	hub.panelMu.Unlock()

	for i := 0; i < 3; i++ {
		hub.Broadcast("event", map[string]int{"seq": i})
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for i := 0; i < 3; i++ {
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(env.Payload))
	}
}
