package uiobserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftsec/auditcore/internal/bus"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func startServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h.Serve(conn, "test-client")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestObserveBroadcastsStatusAndControlMessages(t *testing.T) {
	h := NewHub("audit-1")
	go h.Run()

	srv := startServer(t, h)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	h.Observe(bus.New(bus.TypeStatus, bus.CodeProgress, "42%", bus.Low))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "STATUS")
	assert.Contains(t, string(raw), "PROGRESS")
}

func TestObserveIgnoresDataAndRPCMessages(t *testing.T) {
	h := NewHub("audit-1")
	go h.Run()

	srv := startServer(t, h)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	h.Observe(bus.New(bus.TypeData, bus.CodeItems, "irrelevant", bus.Low))
	h.Observe(bus.New(bus.TypeRPC, bus.CodeRPCRequest, "irrelevant", bus.Low))
	h.Observe(bus.New(bus.TypeStatus, bus.CodeInfo, "hello", bus.Low))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hello")
}

func TestUnregisterOnDisconnect(t *testing.T) {
	h := NewHub("audit-1")
	go h.Run()

	srv := startServer(t, h)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
