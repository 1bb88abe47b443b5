package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	monitorWriteWait = 10 * time.Second
	monitorPingEvery = 30 * time.Second
	// monitorBuffer bounds how far a slow monitor may lag before
	// events are dropped for it.
	monitorBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The engine binds to loopback; the desktop shell connects with no
	// meaningful origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams the operational event bus over a WebSocket.
// One-directional: client frames are read only to detect close.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(monitorBuffer)
	defer s.bus.Unsubscribe(ch)
	s.logger.Debug("event monitor connected", "remote", r.RemoteAddr)

	// Reader goroutine: surfaces client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(monitorPingEvery)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event monitor write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
