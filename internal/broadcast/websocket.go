// ABOUTME: WebSocket transport for the broadcast hub
// ABOUTME: One writer goroutine per connection; ping frames are answered with pong events

package broadcast

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout bounds a single frame write so one dead observer
	// cannot wedge its writer goroutine.
	writeTimeout = 10 * time.Second

	// pongWait is how long we tolerate silence before dropping a
	// connection that stopped answering pings.
	pongWait = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers are local tooling (TUI over loopback or a tailnet);
	// origin enforcement belongs to the deployment proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler upgrades HTTP requests to WebSocket observers of the hub.
type WSHandler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewWSHandler creates the /ws endpoint handler.
func NewWSHandler(hub *Hub, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		hub:    hub,
		logger: logger.With("component", "broadcast-ws"),
	}
}

// ServeHTTP upgrades the connection and streams hub events until the
// observer disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx := r.Context()
	events, subID := h.hub.Subscribe(ctx)
	h.logger.Info("observer connected", "sub_id", subID, "remote", r.RemoteAddr)

	// Reader: consume control frames and client pings. A client text
	// frame "ping" is answered with a pong event through the hub path so
	// observers can verify end-to-end liveness.
	go func() {
		defer h.hub.Unsubscribe(subID)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			if msgType == websocket.TextMessage && string(data) == "ping" {
				h.hub.Publish(Event{Type: TypePong})
			}
		}
	}()

	// Writer: single goroutine serializes frames for this connection.
	for event := range events {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Debug("observer write failed, dropping", "sub_id", subID, "error", err)
			break
		}
	}

	h.hub.Unsubscribe(subID)
	_ = conn.Close()
	h.logger.Info("observer disconnected", "sub_id", subID)
}
