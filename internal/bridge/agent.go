package bridge

import (
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/opencode-ai/sessionbridge/internal/event"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

func (s *Session) attachAgent(sock Socket) {
	if s.agent != nil && s.agent.ID() != sock.ID() {
		old := s.agent
		s.log.Info().Str("old", old.ID()).Str("new", sock.ID()).Msg("replacing agent connection")
		s.agent = nil
		s.cancelPendingPermissions()
		s.failControls(ErrAgentDisconnected)
		old.Close()
	}

	s.agent = sock
	s.log.Info().Str("socketID", sock.ID()).Msg("agent connected")
	s.emit(event.AgentConnected, event.AgentData{SessionID: s.id, SocketID: sock.ID()})
	s.publish(protocol.CLIConnected{})
	s.flushOutbound()
}

func (s *Session) detachAgent(sock Socket) {
	if s.agent == nil || s.agent.ID() != sock.ID() {
		s.log.Debug().Str("socketID", sock.ID()).Msg("ignoring detach of stale agent socket")
		return
	}

	s.agent = nil
	s.log.Info().Str("socketID", sock.ID()).Msg("agent disconnected")
	s.emit(event.AgentDisconnected, event.AgentData{SessionID: s.id, SocketID: sock.ID()})
	s.publish(protocol.CLIDisconnected{})
	s.cancelPendingPermissions()
	s.failControls(ErrAgentDisconnected)
}

func (s *Session) handleAgentLine(line []byte) {
	msg, err := protocol.DecodeAgent(line)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessage) {
			s.log.Debug().Err(err).Msg("skipping unhandled agent frame")
		} else {
			s.log.Warn().Err(err).Int("bytes", len(line)).Msg("skipping malformed agent frame")
		}
		return
	}

	switch m := msg.(type) {
	case protocol.SystemInit:
		s.handleInit(m)
	case protocol.SystemStatus:
		s.handleStatus(m)
	case protocol.SystemEvent:
		s.publish(protocol.SystemEventMessage{Subtype: m.Subtype, Event: m.Raw})
	case protocol.Assistant:
		s.publish(protocol.AssistantMessage{
			Message:         m.Message,
			ParentToolUseID: m.ParentToolUseID,
			Timestamp:       s.now().UnixMilli(),
		})
	case protocol.Result:
		s.handleResult(m)
	case protocol.StreamEvent:
		s.publish(protocol.StreamEventMessage{Event: m.Event, ParentToolUseID: m.ParentToolUseID})
	case protocol.ToolProgress:
		s.publish(protocol.ToolProgressMessage{
			ToolUseID:          m.ToolUseID,
			ToolName:           m.ToolName,
			ElapsedTimeSeconds: m.ElapsedTimeSeconds,
		})
	case protocol.ToolUseSummary:
		s.publish(protocol.ToolUseSummaryMessage{Summary: m.Summary, ToolUseIDs: m.PrecedingToolUseIDs})
	case protocol.ControlRequest:
		s.handleControlRequest(m)
	case protocol.ControlResponse:
		s.resolveControl(m.Response)
	case protocol.KeepAlive:
	}
}

func (s *Session) handleInit(m protocol.SystemInit) {
	st := &s.state
	st.Model = m.Model
	st.Cwd = m.Cwd
	st.AgentVersion = m.ClaudeCodeVersion
	if m.PermissionMode != "" {
		st.PermissionMode = m.PermissionMode
	}
	st.Tools = nonNil(m.Tools)
	st.Agents = nonNil(m.Agents)
	st.SlashCommands = nonNil(m.SlashCommands)
	st.Skills = nonNil(m.Skills)
	st.MCPServers = append([]protocol.MCPServer{}, m.MCPServers...)

	if m.SessionID != "" {
		st.AgentSessionID = m.SessionID
		if s.opts.OnAgentSession != nil {
			s.opts.OnAgentSession(s.id, m.SessionID)
		}
		s.emit(event.AgentSessionReported, event.AgentSessionData{SessionID: s.id, AgentSessionID: m.SessionID})
	}

	s.log.Info().Str("model", m.Model).Str("agentSessionID", m.SessionID).Msg("agent initialized")
	s.publish(protocol.SessionInit{Session: st.Clone()})
	s.flushOutbound()
}

func (s *Session) handleStatus(m protocol.SystemStatus) {
	s.state.IsCompacting = m.Compacting()
	if m.PermissionMode != "" {
		s.state.PermissionMode = m.PermissionMode
	}
	s.publish(protocol.StatusChange{Status: m.Status})
}

func (s *Session) handleResult(m protocol.Result) {
	st := &s.state
	st.TotalCostUSD = m.TotalCostUSD
	st.NumTurns = m.NumTurns
	if m.TotalLinesAdded != nil {
		st.TotalLinesAdded = *m.TotalLinesAdded
	}
	if m.TotalLinesRemoved != nil {
		st.TotalLinesRemoved = *m.TotalLinesRemoved
	}
	if pct, ok := contextUsedPercent(m.ModelUsage); ok {
		st.ContextUsedPercent = pct
	}

	if m.IsError {
		text := strings.Join(m.Errors, "; ")
		if text == "" {
			text = m.Subtype
		}
		s.publish(protocol.ErrorMessage{Message: text})
	}
	s.publish(protocol.ResultMessage{Data: m.Raw})
	s.publish(protocol.SessionUpdate{Session: protocol.SessionPatch{
		TotalCostUSD:       protocol.Ptr(st.TotalCostUSD),
		NumTurns:           protocol.Ptr(st.NumTurns),
		ContextUsedPercent: protocol.Ptr(st.ContextUsedPercent),
		TotalLinesAdded:    protocol.Ptr(st.TotalLinesAdded),
		TotalLinesRemoved:  protocol.Ptr(st.TotalLinesRemoved),
	}})
}

// contextUsedPercent computes (input+output)/contextWindow as a percentage
// clamped to [0, 100]. With several models the last one by name wins.
func contextUsedPercent(usage map[string]protocol.ModelUsage) (int, bool) {
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)

	pct, found := 0, false
	for _, name := range names {
		u := usage[name]
		if u.ContextWindow <= 0 {
			continue
		}
		v := math.Round(float64(u.InputTokens+u.OutputTokens) / float64(u.ContextWindow) * 100)
		pct = int(math.Max(0, math.Min(100, v)))
		found = true
	}
	return pct, found
}

func (s *Session) handleControlRequest(m protocol.ControlRequest) {
	switch sub := m.Subtype(); sub {
	case protocol.ControlCanUseTool:
		s.handleCanUseTool(m)
	default:
		s.log.Warn().Str("subtype", sub).Str("requestID", m.RequestID).Msg("unsupported control request from agent")
		s.sendToAgent(protocol.ErrorResponse(m.RequestID, "unsupported control request: "+sub))
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string{}, in...)
}
