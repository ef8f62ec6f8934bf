package chat

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/info-rubbish/meichu2025/internal/auth"
	"github.com/info-rubbish/meichu2025/internal/bus"
)

// StreamEvents handles GET /api/chat/events. It emits the user's
// conversation events as newline-delimited JSON, with a heartbeat
// line while idle. The response ends when the client disconnects or
// the subscription is evicted.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.bus.Subscribe(userID)
	defer sub.Close()
	h.streamMetrics.SubscriberConnected()
	defer h.streamMetrics.SubscriberDisconnected()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := enc.Encode(heartbeat()); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				// Evicted for falling behind; the client reconnects.
				h.streamMetrics.SubscriberEvicted()
				h.logger.Warn("event stream evicted", "user_id", userID)
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// WSEvents returns the websocket variant of the event stream, carrying
// the same JSON documents one per frame.
func (h *Handler) WSEvents() http.Handler {
	return websocket.Handler(func(conn *websocket.Conn) {
		defer conn.Close()
		userID, _ := auth.UserID(conn.Request().Context())

		sub := h.bus.Subscribe(userID)
		defer sub.Close()
		h.streamMetrics.SubscriberConnected()
		defer h.streamMetrics.SubscriberDisconnected()

		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-conn.Request().Context().Done():
				return
			case <-ticker.C:
				if err := websocket.JSON.Send(conn, heartbeat()); err != nil {
					return
				}
			case ev, open := <-sub.Events():
				if !open {
					h.streamMetrics.SubscriberEvicted()
					return
				}
				if err := websocket.JSON.Send(conn, ev); err != nil {
					return
				}
			}
		}
	})
}

func heartbeat() bus.Event {
	return bus.Event{Type: "heartbeat"}
}
