package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milomadeit/gridworld/internal/pipeline"
)

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketReceivesActionEvents(t *testing.T) {
	s, ts := newTestServer(t)
	out := enter(t, ts, "agent-1", "0xAAA")

	conn := dialWS(t, ts.URL)
	require.Eventually(t, func() bool { return s.Hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	resp := postJSON(t, ts.URL+"/api/v1/action/chat", out.Token, map[string]string{"message": "ping"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev pipeline.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "chat", ev.Type)

	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ping", payload["text"])
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	// A registered client that never drains fills its queue and is
	// evicted instead of blocking the broadcaster.
	c := &wsClient{send: make(chan pipeline.Event, 2)}
	require.True(t, hub.register(c))

	for i := 0; i < 5; i++ {
		hub.Broadcast(pipeline.Event{Type: "tick"})
	}
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubCloseRefusesNewClients(t *testing.T) {
	hub := NewHub()
	hub.Close()
	assert.False(t, hub.register(&wsClient{send: make(chan pipeline.Event, 1)}))
}
