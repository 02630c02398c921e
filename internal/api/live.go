package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleEventStream upgrades to a websocket and tails the project's event
// feed. A slow client misses events rather than backing up the gateway.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	identity := requireProject(w, r, mux.Vars(r)["projectID"])
	if identity == nil {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️ websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	feed, cancel := s.events.Subscribe(identity.Project.ID)
	defer cancel()

	// Reader goroutine: the client never sends data, but reading surfaces
	// close frames and keeps pong handling alive.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-feed:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteJSON(ev); werr != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteMessage(websocket.PingMessage, nil); werr != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
