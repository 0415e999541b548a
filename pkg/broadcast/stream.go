package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// StreamHandler upgrades HTTP requests to WebSocket sessions and relays hub
// envelopes to each one as JSON text frames. Dashboards are the expected
// clients; they only listen, so inbound frames are read solely to service
// close and pong control messages.
type StreamHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewStreamHandler creates a handler that serves the given hub.
func NewStreamHandler(hub *Hub, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from other origins in development.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "StreamHandler").Logger(),
	}
}

// ServeHTTP implements http.Handler.
func (s *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed.")
		return
	}

	id, envelopes := s.hub.Subscribe()
	s.logger.Info().Str("subscriber_id", id).Str("remote", r.RemoteAddr).Msg("WebSocket session opened.")

	go s.writeLoop(conn, id, envelopes)
	s.readLoop(conn, id)
}

// writeLoop pumps hub envelopes and periodic pings to the connection. It owns
// all writes; gorilla/websocket forbids concurrent writers.
func (s *StreamHandler) writeLoop(conn *websocket.Conn, id string, envelopes <-chan Envelope) {
	pinger := time.NewTicker(pingInterval)
	defer func() {
		pinger.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case env, ok := <-envelopes:
			if !ok {
				// Hub shut down; tell the client before hanging up.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Debug().Err(err).Str("subscriber_id", id).Msg("Write failed, closing session.")
				return
			}
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames until the peer disconnects, then tears the
// subscription down, which in turn stops the write loop.
func (s *StreamHandler) readLoop(conn *websocket.Conn, id string) {
	defer func() {
		s.hub.Unsubscribe(id)
		_ = conn.Close()
		s.logger.Info().Str("subscriber_id", id).Msg("WebSocket session closed.")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.SetReadLimit(1 << 16)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
