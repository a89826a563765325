package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the envelope written to WebSocket subscribers.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS streams lifecycle events to the client. The optional ?prefix=
// query param narrows the subscription ("test." for execution events,
// "window." for overflow events); empty subscribes to everything.
// Delivery is best-effort; a slow client misses events rather than
// stalling publishers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.CORS.AllowedOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("prefix"))
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("ws client connected")
	defer s.logger.Info("ws client disconnected")

	// The stream is write-only; CloseRead cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wsEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}
