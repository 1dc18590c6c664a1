package server

import (
	"net/http"

	"github.com/citycare/controlcenter/pkg/transport"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are terminal and mobile apps, not browsers on a known origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves it as a chat session.
// Frames travel inside binary messages.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.IsRunning() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	s.serveConn(transport.NewWebSocketConn(ws), "websocket")
}
