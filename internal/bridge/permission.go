package bridge

import (
	"github.com/opencode-ai/sessionbridge/internal/event"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

// handleCanUseTool answers an authorization request immediately in bypass
// mode, otherwise parks it until an observer responds.
func (s *Session) handleCanUseTool(m protocol.ControlRequest) {
	body, err := m.CanUseTool()
	if err != nil {
		s.log.Warn().Err(err).Str("requestID", m.RequestID).Msg("malformed permission request")
		s.sendToAgent(protocol.ErrorResponse(m.RequestID, "malformed can_use_tool request"))
		return
	}

	if s.state.PermissionMode == protocol.PermissionModeBypass {
		s.log.Debug().Str("tool", body.ToolName).Str("requestID", m.RequestID).Msg("auto-approving in bypass mode")
		s.sendToAgent(protocol.AllowResponse(m.RequestID, body.Input, nil))
		return
	}

	req := protocol.PermissionRequest{
		RequestID:             m.RequestID,
		ToolName:              body.ToolName,
		Input:                 body.Input,
		PermissionSuggestions: body.PermissionSuggestions,
		Description:           body.Description,
		ToolUseID:             body.ToolUseID,
		AgentID:               body.AgentID,
		BlockedPath:           body.BlockedPath,
		DecisionReason:        body.DecisionReason,
		Timestamp:             s.now().UnixMilli(),
	}
	if _, exists := s.pending[req.RequestID]; !exists {
		s.pendingOrder = append(s.pendingOrder, req.RequestID)
	}
	s.pending[req.RequestID] = req

	s.emit(event.PermissionRequested, event.PermissionData{SessionID: s.id, RequestID: req.RequestID, ToolName: req.ToolName})
	s.publish(protocol.PermissionRequestMessage{Request: req})
}

// handlePermissionResponse forwards an observer's decision to the agent.
// An unknown request id is tolerated and answered with an empty input.
func (s *Session) handlePermissionResponse(c protocol.PermissionResponseCommand) {
	req, known := s.pending[c.RequestID]

	behavior := protocol.BehaviorDeny
	if c.Allowed() {
		behavior = protocol.BehaviorAllow
		input := c.UpdatedInput
		if protocol.IsEmptyRaw(input) && known {
			input = req.Input
		}
		s.sendToAgent(protocol.AllowResponse(c.RequestID, input, c.UpdatedPermissions))
	} else {
		message := c.Message
		if message == "" {
			message = DefaultDenyMessage
		}
		s.sendToAgent(protocol.DenyResponse(c.RequestID, message))
	}

	s.removePending(c.RequestID)
	if !known {
		s.log.Debug().Str("requestID", c.RequestID).Msg("permission response for unknown request")
		return
	}
	s.emit(event.PermissionResolved, event.PermissionData{SessionID: s.id, RequestID: c.RequestID, ToolName: req.ToolName, Behavior: behavior})
	s.publish(protocol.PermissionResolved{RequestID: c.RequestID, Behavior: behavior})
}

// cancelPendingPermissions withdraws every pending request. Called when
// the agent that asked can no longer receive an answer.
func (s *Session) cancelPendingPermissions() {
	order := s.pendingOrder
	s.pending = make(map[string]protocol.PermissionRequest)
	s.pendingOrder = nil
	for _, id := range order {
		s.publish(protocol.PermissionCancelled{RequestID: id})
	}
}

func (s *Session) removePending(id string) {
	if _, ok := s.pending[id]; !ok {
		return
	}
	delete(s.pending, id)
	for i, pid := range s.pendingOrder {
		if pid == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
}

func (s *Session) pendingRequests() []protocol.PermissionRequest {
	out := make([]protocol.PermissionRequest, 0, len(s.pendingOrder))
	for _, id := range s.pendingOrder {
		out = append(out, s.pending[id])
	}
	return out
}
