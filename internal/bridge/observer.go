package bridge

import (
	"errors"

	"github.com/google/uuid"

	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

func (s *Session) attachObserver(sock Socket) {
	if s.findObserver(sock) != nil {
		return
	}
	o := &observer{sock: sock}
	s.observers = append(s.observers, o)
	s.log.Debug().Str("socketID", sock.ID()).Int("observers", len(s.observers)).Msg("observer attached")

	if !s.unicast(o, protocol.SessionInit{Session: s.state.Clone()}) {
		return
	}
	if len(s.history) > 0 {
		if !s.unicast(o, protocol.MessageHistory{Messages: s.history}) {
			return
		}
	}
	for _, req := range s.pendingRequests() {
		if !s.unicast(o, protocol.PermissionRequestMessage{Request: req}) {
			return
		}
	}
	if s.agent == nil {
		s.unicast(o, protocol.CLIDisconnected{})
	}
}

func (s *Session) handleObserverLine(o *observer, line []byte) {
	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessage) {
			s.log.Debug().Err(err).Msg("skipping unhandled observer command")
		} else {
			s.log.Warn().Err(err).Str("socketID", o.sock.ID()).Msg("skipping malformed observer command")
		}
		return
	}

	if idem, ok := cmd.(protocol.Idempotent); ok {
		if key := idem.IdempotencyKey(); key != "" && s.processed.observe(key) {
			s.log.Debug().Str("clientMsgID", key).Str("type", cmd.CommandType()).Msg("dropping duplicate command")
			return
		}
	}

	switch c := cmd.(type) {
	case protocol.SubscribeCommand:
		s.handleSubscribe(o, c.LastSeq.Int())
	case protocol.AckCommand:
		s.handleAck(o, c.LastSeq.Int())
	case protocol.UserMessageCommand:
		s.handleUserMessage(c)
	case protocol.PermissionResponseCommand:
		s.handlePermissionResponse(c)
	case protocol.InterruptCommand:
		s.issueControl(protocol.ControlInterrupt, nil)
	case protocol.SetModelCommand:
		s.issueControl(protocol.ControlSetModel, map[string]any{"model": c.Model})
		s.state.Model = c.Model
		s.publish(protocol.SessionUpdate{Session: protocol.SessionPatch{Model: protocol.Ptr(c.Model)}})
	case protocol.SetPermissionModeCommand:
		s.issueControl(protocol.ControlSetPermissionMode, map[string]any{"mode": c.Mode})
		s.state.PermissionMode = c.Mode
		s.publish(protocol.SessionUpdate{Session: protocol.SessionPatch{PermissionMode: protocol.Ptr(c.Mode)}})
	}
}

// handleUserMessage records the turn, echoes it to every observer and
// forwards it to the agent.
func (s *Session) handleUserMessage(c protocol.UserMessageCommand) {
	s.publish(protocol.UserMessage{
		ID:          uuid.NewString(),
		Content:     c.Content,
		Images:      c.Images,
		Timestamp:   s.now().UnixMilli(),
		ClientMsgID: c.ClientMsgID,
	})

	target := c.SessionID
	if target == "" {
		target = s.state.AgentSessionID
	}
	s.sendToAgent(protocol.NewUserFrame(target, c.Content, c.Images))
}
