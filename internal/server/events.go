package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakstream/internal/observe"
)

// eventWriteTimeout bounds a single WebSocket write.
const eventWriteTimeout = 5 * time.Second

// handleEvents handles GET /api/voice/events. Every session event is sent as
// one JSON text frame until the client disconnects. Messages from the client
// are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.cfg.Hub.Subscribe()
	defer unsubscribe()

	// CloseRead keeps control frames flowing and cancels ctx once the peer
	// closes the connection.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "hub closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				observe.Logger(r.Context()).Debug("server: event stream closed", "err", err)
				return
			}
		}
	}
}
