package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// tailEvent is one bus event forwarded to a WebSocket client.
type tailEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS streams bus events to the client as JSON frames. The
// optional "topics" query param narrows the stream to a topic prefix
// ("run.", "taskcard.", "policy."). Delivery is best effort: a slow
// client misses events rather than stalling publishers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusNotImplemented, "event stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests always pass; cross-origin needs the allowlist.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// The tail is write-only; CloseRead surfaces client disconnect as
	// context cancellation.
	ctx := conn.CloseRead(r.Context())

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topics"))
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("ws: tail connected", "client", KeyNameFromContext(r.Context()))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, tailEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}
