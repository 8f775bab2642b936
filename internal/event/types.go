package event

import (
	"encoding/json"
	"fmt"
)

// EventType names a lifecycle event.
type EventType string

const (
	SessionCreated       EventType = "session.created"
	SessionRemoved       EventType = "session.removed"
	AgentConnected       EventType = "agent.connected"
	AgentDisconnected    EventType = "agent.disconnected"
	AgentSessionReported EventType = "agent.session_reported"
	HistoryAppended      EventType = "history.appended"
	HistoryLoaded        EventType = "history.loaded"
	PermissionRequested  EventType = "permission.requested"
	PermissionResolved   EventType = "permission.resolved"
)

// Payload is implemented by every event data type.
type Payload interface {
	Session() string
}

func (d SessionData) Session() string      { return d.SessionID }
func (d AgentData) Session() string        { return d.SessionID }
func (d AgentSessionData) Session() string { return d.SessionID }
func (d HistoryData) Session() string      { return d.SessionID }
func (d PermissionData) Session() string   { return d.SessionID }

// SessionData is the data for session.created and session.removed events.
type SessionData struct {
	SessionID string `json:"sessionID"`
}

// AgentData is the data for agent.connected and agent.disconnected events.
type AgentData struct {
	SessionID string `json:"sessionID"`
	SocketID  string `json:"socketID"`
}

// AgentSessionData is the data for agent.session_reported events.
// AgentSessionID is the agent's own resumable session identifier.
type AgentSessionData struct {
	SessionID      string `json:"sessionID"`
	AgentSessionID string `json:"agentSessionID"`
}

// HistoryData is the data for history.appended and history.loaded events.
type HistoryData struct {
	SessionID   string `json:"sessionID"`
	Length      int    `json:"length"`
	MessageType string `json:"messageType,omitempty"`
}

// PermissionData is the data for permission.requested and
// permission.resolved events.
type PermissionData struct {
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	ToolName  string `json:"toolName,omitempty"`
	Behavior  string `json:"behavior,omitempty"`
}

// Envelope is an Event as read back from the watermill stream, with Data
// left undecoded.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SessionID extracts the session id carried by every event payload.
func (e Envelope) SessionID() (string, error) {
	var data struct {
		SessionID string `json:"sessionID"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return "", fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return data.SessionID, nil
}

// DecodeEnvelope parses a stream payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("decode event: %w", err)
	}
	return env, nil
}
