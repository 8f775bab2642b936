package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/sessionbridge/internal/bridge"
)

// agentSocket serves the exclusive agent connection of a session.
func (s *Server) agentSocket(w http.ResponseWriter, r *http.Request) {
	sess, sock, ok := s.upgrade(w, r, "agent")
	if !ok {
		return
	}
	defer sock.Close()

	if err := sess.AttachAgent(sock); err != nil {
		sock.log.Warn().Err(err).Msg("agent attach failed")
		return
	}
	sock.readPump(func(data []byte) error {
		return sess.HandleAgentData(sock, data)
	})
	if err := sess.DetachAgent(sock); err != nil && !errors.Is(err, bridge.ErrSessionClosed) {
		sock.log.Warn().Err(err).Msg("agent detach failed")
	}
}

// browserSocket serves one observer connection of a session.
func (s *Server) browserSocket(w http.ResponseWriter, r *http.Request) {
	sess, sock, ok := s.upgrade(w, r, "observer")
	if !ok {
		return
	}
	defer sock.Close()

	if err := sess.AttachObserver(sock); err != nil {
		sock.log.Warn().Err(err).Msg("observer attach failed")
		return
	}
	sock.readPump(func(data []byte) error {
		return sess.HandleObserverData(sock, data)
	})
	if err := sess.DetachObserver(sock); err != nil && !errors.Is(err, bridge.ErrSessionClosed) {
		sock.log.Warn().Err(err).Msg("observer detach failed")
	}
}

// upgrade resolves the session of the request and upgrades it to a
// WebSocket whose writer is already running.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, role string) (*bridge.Session, *wsSocket, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sessionID required")
		return nil, nil, false
	}

	sess := s.registry.GetOrCreate(sessionID)
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "bridge is shutting down")
		return nil, nil, false
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug().Err(err).Str("sessionID", sessionID).Str("role", role).Msg("websocket upgrade failed")
		return nil, nil, false
	}

	log := s.log.With().Str("sessionID", sessionID).Str("role", role).Logger()
	sock := newWSSocket(conn, s.config.SocketQueue, log)
	go sock.writePump()
	sock.log.Info().Msg("websocket connected")
	return sess, sock, true
}
