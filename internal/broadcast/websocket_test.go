// ABOUTME: Tests for the WebSocket broadcast transport
// ABOUTME: Dials a real server and checks event frames and the ping/pong path

package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(NewWSHandler(hub, discardLogger()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEventFrame(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWSReceivesPublishedEvents(t *testing.T) {
	hub := NewHub(discardLogger())
	defer hub.Close()

	conn := dialTestHub(t, hub)

	// Subscription happens inside the HTTP handler; give it a moment
	// before publishing.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.subscribers) == 1
	}, 5*time.Second, 10*time.Millisecond)

	hub.Publish(Event{Type: TypeResult, ConversationKey: "matrix:!room", Text: "hello"})

	ev := readEventFrame(t, conn)
	assert.Equal(t, TypeResult, ev.Type)
	assert.Equal(t, "matrix:!room", ev.ConversationKey)
	assert.Equal(t, "hello", ev.Text)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestWSPingAnsweredWithPongEvent(t *testing.T) {
	hub := NewHub(discardLogger())
	defer hub.Close()

	conn := dialTestHub(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.subscribers) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	ev := readEventFrame(t, conn)
	assert.Equal(t, TypePong, ev.Type)
}

func TestWSDisconnectUnsubscribes(t *testing.T) {
	hub := NewHub(discardLogger())
	defer hub.Close()

	conn := dialTestHub(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.subscribers) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.subscribers) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
