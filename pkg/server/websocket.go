package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served from anywhere; the protocol authenticates.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades /ws requests and serves the line protocol over
// the connection, one text message per line.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	lc := newWSConn(conn, wsRemoteAddr(r), s.config.MaxLineLength, s.config.WriteTimeout)
	s.serveSession(lc, "websocket")
}

// wsRemoteAddr prefers the first X-Forwarded-For hop when present.
func wsRemoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	return r.RemoteAddr
}
