package wsfanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/eventbus"
	"github.com/haivemind/core/internal/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient("test-client", conn, hub, testLogger(t))
		hub.Register(client)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	return conn
}

func TestHub_SubscribeAndReceiveProjectScopedEnvelope(t *testing.T) {
	log := testLogger(t)
	bus := eventbus.NewMemoryBus(log)
	defer bus.Close()
	hub := NewHub(bus, log)
	srv := newTestServer(t, hub)

	conn := dial(t, srv)
	defer conn.Close()

	sub := protocol.NewEnvelope(protocol.KindWSSubscribe, "", protocol.WSSubscribePayload{ProjectSlug: "acme"})
	require.NoError(t, conn.WriteJSON(sub))

	time.Sleep(50 * time.Millisecond)

	env := protocol.NewEnvelope(protocol.KindTaskStatus, "acme", protocol.TaskStatusPayload{TaskID: "t1", Status: "running"})
	require.NoError(t, bus.Broadcast(context.Background(), env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var received protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &received))
	require.Equal(t, protocol.KindTaskStatus, received.Kind)
	require.Equal(t, "acme", received.ProjectSlug)
}

func TestHub_UnsubscribedProjectDoesNotDeliver(t *testing.T) {
	log := testLogger(t)
	bus := eventbus.NewMemoryBus(log)
	defer bus.Close()
	hub := NewHub(bus, log)
	srv := newTestServer(t, hub)

	conn := dial(t, srv)
	defer conn.Close()

	env := protocol.NewEnvelope(protocol.KindTaskStatus, "acme", protocol.TaskStatusPayload{TaskID: "t1"})
	require.NoError(t, bus.Broadcast(context.Background(), env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestHub_ClientCountTracksConnections(t *testing.T) {
	log := testLogger(t)
	bus := eventbus.NewMemoryBus(log)
	defer bus.Close()
	hub := NewHub(bus, log)
	srv := newTestServer(t, hub)

	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, hub.ClientCount())

	conn.Close()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, hub.ClientCount())
}
