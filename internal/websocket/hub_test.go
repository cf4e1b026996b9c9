package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/backend/internal/audit"
)

func dial(t *testing.T, srv *httptest.Server) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsAuditEvents(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()
	conn := dial(t, srv)

	// Registration races the first broadcast; wait for the hub to see us.
	require.Eventually(t, func() bool {
		return hub.Stats()["connected_clients"].(int) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Publish(&audit.Event{
		EventType:     audit.EventOrderProposed,
		CorrelationID: "corr-ws",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got audit.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, audit.EventOrderProposed, got.EventType)
	assert.Equal(t, "corr-ws", got.CorrelationID)
}

func TestPublishNeverBlocksWithoutClients(t *testing.T) {
	hub := NewHub()
	// No Run loop and no clients: fill the queue past capacity.
	for i := 0; i < 300; i++ {
		hub.Publish(&audit.Event{EventType: audit.EventToolCalled, CorrelationID: "corr-drop"})
	}
	assert.Equal(t, 256, hub.Stats()["broadcast_queue"].(int))
}
