package rpc

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsEventBuffer  = 256
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// checkOrigin allows same-host clients and configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := s.originAllowed(origin); ok {
		return true
	}
	return websocket.IsWebSocketUpgrade(r) && sameHost(origin, r.Host)
}

func sameHost(origin, host string) bool {
	for _, scheme := range []string{"http://", "https://"} {
		if origin == scheme+host {
			return true
		}
	}
	return false
}

// handleWS streams chain events to a websocket client. A client that falls
// behind by more than wsEventBuffer events misses them; it can catch up with
// ledger_getHistory.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.allowRemote(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Subscribe before the handshake completes so the client sees every
	// event committed after Dial returns.
	events, unsubscribe := s.chain.Subscribe(wsEventBuffer)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	s.wsMu.Lock()
	if s.wsClosed {
		s.wsMu.Unlock()
		unsubscribe()
		conn.Close()
		return
	}
	s.wsConns[conn] = struct{}{}
	s.wsWG.Add(1)
	s.wsMu.Unlock()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Event stream opened")

	defer func() {
		unsubscribe()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		conn.Close()
		s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Event stream closed")
		s.wsWG.Done()
	}()

	// Clients only send control frames; reading drives pong handling and
	// detects the close.
	closed := make(chan struct{})
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(NewEventResult(ev)); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
