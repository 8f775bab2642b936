package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/sessionbridge/internal/bridge"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

// health reports liveness and the number of live sessions.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}

// listSessions handles GET /session.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	infos := make([]bridge.Info, 0, s.registry.Len())
	for _, id := range s.registry.IDs() {
		sess, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		info, err := sess.Info()
		if err != nil {
			// Removed between IDs and Info.
			continue
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

// SessionDetail is the body of GET /session/{sessionID}.
type SessionDetail struct {
	Info  bridge.Info           `json:"info"`
	State protocol.SessionState `json:"state"`
}

// getSession handles GET /session/{sessionID}.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	info, err := sess.Info()
	if err != nil {
		writeSessionError(w, err)
		return
	}
	state, err := sess.Snapshot()
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionDetail{Info: info, State: state})
}

// getHistory handles GET /session/{sessionID}/history.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	history, err := sess.GetMessageHistory()
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if history == nil {
		history = protocol.History{}
	}
	writeJSON(w, http.StatusOK, history)
}

// putHistory handles PUT /session/{sessionID}/history. The session is
// created when it does not exist yet.
func (s *Server) putHistory(w http.ResponseWriter, r *http.Request) {
	var history protocol.History
	if err := json.NewDecoder(r.Body).Decode(&history); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	sess := s.registry.GetOrCreate(chi.URLParam(r, "sessionID"))
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "bridge is shutting down")
		return
	}
	if err := sess.LoadMessageHistory(history); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// ContentRequest is the body of POST /session/{sessionID}/content.
type ContentRequest struct {
	Paths []string `json:"paths"`
}

// notifyContent handles POST /session/{sessionID}/content.
func (s *Server) notifyContent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req ContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "paths required")
		return
	}

	if err := sess.NotifyContentChanged(req.Paths); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// interrupt handles POST /session/{sessionID}/interrupt. It waits for the
// agent to acknowledge the request, up to the configured control timeout.
func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ControlTimeout)
	defer cancel()

	resp, err := sess.RequestControl(ctx, protocol.ControlInterrupt, nil)
	if err != nil {
		var ctrlErr *bridge.ControlError
		switch {
		case errors.As(err, &ctrlErr):
			writeError(w, http.StatusBadGateway, ErrCodeAgentError, ctrlErr.Message)
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "agent did not answer the interrupt")
		default:
			writeSessionError(w, err)
		}
		return
	}

	body := json.RawMessage(resp)
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "response": body})
}

// deleteSession handles DELETE /session/{sessionID}. The session is saved
// first so it can be restored on next reference.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.registry.Get(sessionID); !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}

	if s.saver != nil {
		if err := s.saver.Save(r.Context(), sessionID); err != nil {
			s.log.Warn().Err(err).Str("sessionID", sessionID).Msg("save before remove failed")
		}
	}
	if !s.registry.Remove(sessionID) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	writeSuccess(w)
}

// lookup resolves the sessionID URL parameter without creating a session.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*bridge.Session, bool) {
	sess, ok := s.registry.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrSessionClosed), errors.Is(err, bridge.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, bridge.ErrAgentDisconnected):
		writeError(w, http.StatusConflict, ErrCodeAgentError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
