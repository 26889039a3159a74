package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from another origin in development.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// wsMessage is the envelope for every frame pushed to a client.
type wsMessage struct {
	Type string       `json:"type"`
	Data domain.Event `json:"data"`
}

// handleWebSocket streams event batches to one dashboard client. A client
// that cannot keep up with the write deadline is disconnected; its queue in
// the broadcaster already dropped the oldest batches.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	s.log.Info("websocket client connected", "remote", r.RemoteAddr)

	// Reader: drain control frames and detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case batch, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			for _, ev := range batch {
				if err := conn.WriteJSON(wsMessage{Type: ev.EventType(), Data: ev}); err != nil {
					s.log.Info("websocket client disconnected", "remote", r.RemoteAddr, "error", err)
					return
				}
			}
		}
	}
}
