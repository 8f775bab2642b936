package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Observer message types.
const (
	TypeSessionInit         = "session_init"
	TypeSessionUpdate       = "session_update"
	TypeAssistant           = "assistant"
	TypeStreamEvent         = "stream_event"
	TypeSystemEvent         = "system_event"
	TypeResult              = "result"
	TypePermissionRequest   = "permission_request"
	TypePermissionCancelled = "permission_cancelled"
	TypePermissionResolved  = "permission_resolved"
	TypeToolProgress        = "tool_progress"
	TypeToolUseSummary      = "tool_use_summary"
	TypeStatusChange        = "status_change"
	TypeError               = "error"
	TypeCLIDisconnected     = "cli_disconnected"
	TypeCLIConnected        = "cli_connected"
	TypeUserMessage         = "user_message"
	TypeMessageHistory      = "message_history"
	TypeEventReplay         = "event_replay"
	TypeContentChanged      = "content_changed"
)

// ObserverMessage is an event sent to browser observers.
type ObserverMessage interface {
	MessageType() string
	observerMessage()
}

// SessionInit is the full state snapshot.
type SessionInit struct {
	Session SessionState `json:"session"`
}

// SessionUpdate is a partial state update.
type SessionUpdate struct {
	Session SessionPatch `json:"session"`
}

// AssistantMessage relays an assistant turn.
type AssistantMessage struct {
	Message         json.RawMessage `json:"message"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Timestamp       int64           `json:"timestamp,omitempty"`
}

// StreamEventMessage relays a streaming delta.
type StreamEventMessage struct {
	Event           json.RawMessage `json:"event"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
}

// SystemEventMessage relays an informational system frame.
type SystemEventMessage struct {
	Subtype string          `json:"subtype"`
	Event   json.RawMessage `json:"event"`
}

// ResultMessage relays the end of a turn.
type ResultMessage struct {
	Data json.RawMessage `json:"data"`
}

// PermissionRequest is a pending authorization request.
type PermissionRequest struct {
	RequestID             string          `json:"request_id"`
	ToolName              string          `json:"tool_name"`
	Input                 json.RawMessage `json:"input"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
	Description           string          `json:"description,omitempty"`
	ToolUseID             string          `json:"tool_use_id,omitempty"`
	AgentID               string          `json:"agent_id,omitempty"`
	BlockedPath           *string         `json:"blocked_path,omitempty"`
	DecisionReason        string          `json:"decision_reason,omitempty"`
	Timestamp             int64           `json:"timestamp"`
}

// PermissionRequestMessage announces a pending authorization request.
type PermissionRequestMessage struct {
	Request PermissionRequest `json:"request"`
}

// PermissionCancelled withdraws a request that can no longer be answered.
type PermissionCancelled struct {
	RequestID string `json:"request_id"`
}

// PermissionResolved tells observers a request has been answered.
type PermissionResolved struct {
	RequestID string `json:"request_id"`
	Behavior  string `json:"behavior"`
}

// ToolProgressMessage relays tool progress.
type ToolProgressMessage struct {
	ToolUseID          string  `json:"tool_use_id"`
	ToolName           string  `json:"tool_name"`
	ElapsedTimeSeconds float64 `json:"elapsed_time_seconds"`
}

// ToolUseSummaryMessage relays a tool summary.
type ToolUseSummaryMessage struct {
	Summary    string   `json:"summary"`
	ToolUseIDs []string `json:"tool_use_ids,omitempty"`
}

// StatusChange reports the agent status ("idle", "running",
// "compacting") or nil when unknown.
type StatusChange struct {
	Status *string `json:"status"`
}

// ErrorMessage reports an error to observers.
type ErrorMessage struct {
	Message string `json:"message"`
}

// CLIDisconnected reports that no agent is attached.
type CLIDisconnected struct{}

// CLIConnected reports that an agent attached.
type CLIConnected struct{}

// UserMessage echoes a user turn to all observers.
type UserMessage struct {
	ID          string  `json:"id"`
	Content     string  `json:"content"`
	Images      []Image `json:"images,omitempty"`
	Timestamp   int64   `json:"timestamp"`
	ClientMsgID string  `json:"client_msg_id,omitempty"`
}

// MessageHistory is the full durable conversation, sent in bulk.
type MessageHistory struct {
	Messages History `json:"messages"`
}

// EventReplay is a batch of buffered events after a given seq.
type EventReplay struct {
	Events []Sequenced `json:"events"`
}

// ContentChanged notifies observers that workspace content changed.
type ContentChanged struct {
	Paths []string `json:"paths,omitempty"`
}

func (SessionInit) MessageType() string              { return TypeSessionInit }
func (SessionUpdate) MessageType() string            { return TypeSessionUpdate }
func (AssistantMessage) MessageType() string         { return TypeAssistant }
func (StreamEventMessage) MessageType() string       { return TypeStreamEvent }
func (SystemEventMessage) MessageType() string       { return TypeSystemEvent }
func (ResultMessage) MessageType() string            { return TypeResult }
func (PermissionRequestMessage) MessageType() string { return TypePermissionRequest }
func (PermissionCancelled) MessageType() string      { return TypePermissionCancelled }
func (PermissionResolved) MessageType() string       { return TypePermissionResolved }
func (ToolProgressMessage) MessageType() string      { return TypeToolProgress }
func (ToolUseSummaryMessage) MessageType() string    { return TypeToolUseSummary }
func (StatusChange) MessageType() string             { return TypeStatusChange }
func (ErrorMessage) MessageType() string             { return TypeError }
func (CLIDisconnected) MessageType() string          { return TypeCLIDisconnected }
func (CLIConnected) MessageType() string             { return TypeCLIConnected }
func (UserMessage) MessageType() string              { return TypeUserMessage }
func (MessageHistory) MessageType() string           { return TypeMessageHistory }
func (EventReplay) MessageType() string              { return TypeEventReplay }
func (ContentChanged) MessageType() string           { return TypeContentChanged }

func (SessionInit) observerMessage()              {}
func (SessionUpdate) observerMessage()            {}
func (AssistantMessage) observerMessage()         {}
func (StreamEventMessage) observerMessage()       {}
func (SystemEventMessage) observerMessage()       {}
func (ResultMessage) observerMessage()            {}
func (PermissionRequestMessage) observerMessage() {}
func (PermissionCancelled) observerMessage()      {}
func (PermissionResolved) observerMessage()       {}
func (ToolProgressMessage) observerMessage()      {}
func (ToolUseSummaryMessage) observerMessage()    {}
func (StatusChange) observerMessage()             {}
func (ErrorMessage) observerMessage()             {}
func (CLIDisconnected) observerMessage()          {}
func (CLIConnected) observerMessage()             {}
func (UserMessage) observerMessage()              {}
func (MessageHistory) observerMessage()           {}
func (EventReplay) observerMessage()              {}
func (ContentChanged) observerMessage()           {}

// ShouldBufferForReplay reports whether a message receives a sequence
// number and a slot in the replay buffer. Snapshots, bulk history and
// replay batches are never replayed. Agent connection notices describe
// the present, not the past, and are resent on attach instead.
func ShouldBufferForReplay(m ObserverMessage) bool {
	switch m.MessageType() {
	case TypeSessionInit, TypeMessageHistory, TypeEventReplay,
		TypeCLIConnected, TypeCLIDisconnected:
		return false
	}
	return true
}

// IsHistoryBacked reports whether a message is part of the durable
// conversation record.
func IsHistoryBacked(m ObserverMessage) bool {
	switch msg := m.(type) {
	case AssistantMessage, ResultMessage, UserMessage, ErrorMessage:
		return true
	case SystemEventMessage:
		return msg.Subtype != SubtypeHookProgress
	}
	return false
}

// Sequenced is an observer message annotated with its sequence number.
// The wrapped message is never modified.
type Sequenced struct {
	Seq     int64
	Message ObserverMessage
}

// MarshalJSON implements json.Marshaler.
func (s Sequenced) MarshalJSON() ([]byte, error) {
	return encodeTagged(s.Message.MessageType(), s.Seq, s.Message)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sequenced) UnmarshalJSON(data []byte) error {
	msg, seq, err := DecodeObserverMessage(data)
	if err != nil {
		return err
	}
	s.Seq = seq
	s.Message = msg
	return nil
}

// History is an ordered list of durable observer messages.
type History []ObserverMessage

// MarshalJSON implements json.Marshaler.
func (h History) MarshalJSON() ([]byte, error) {
	buf := []byte{'['}
	for i, m := range h {
		if i > 0 {
			buf = append(buf, ',')
		}
		data, err := Encode(m)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *History) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("%w: history: %v", ErrMalformed, err)
	}
	out := make(History, 0, len(raws))
	for _, raw := range raws {
		msg, _, err := DecodeObserverMessage(raw)
		if err != nil {
			return err
		}
		out = append(out, msg)
	}
	*h = out
	return nil
}

// Encode serializes an observer message with its type discriminator.
func Encode(m ObserverMessage) ([]byte, error) {
	return encodeTagged(m.MessageType(), 0, m)
}

// encodeTagged marshals v and splices "type" (and "seq" when positive)
// in front of its fields.
func encodeTagged(typ string, seq int64, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not a JSON object", typ)
	}

	typeJSON, _ := json.Marshal(typ)
	buf := make([]byte, 0, len(body)+len(typeJSON)+32)
	buf = append(buf, `{"type":`...)
	buf = append(buf, typeJSON...)
	if seq > 0 {
		buf = append(buf, `,"seq":`...)
		buf = strconv.AppendInt(buf, seq, 10)
	}
	if len(body) > 2 {
		buf = append(buf, ',')
	}
	return append(buf, body[1:]...), nil
}

// DecodeObserverMessage parses an observer message and its seq (0 when
// absent).
func DecodeObserverMessage(data []byte) (ObserverMessage, int64, error) {
	var head struct {
		Type string `json:"type"`
		Seq  int64  `json:"seq"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg ObserverMessage
		err error
	)
	switch head.Type {
	case TypeSessionInit:
		msg, err = decodeObserver[SessionInit](data)
	case TypeSessionUpdate:
		msg, err = decodeObserver[SessionUpdate](data)
	case TypeAssistant:
		msg, err = decodeObserver[AssistantMessage](data)
	case TypeStreamEvent:
		msg, err = decodeObserver[StreamEventMessage](data)
	case TypeSystemEvent:
		msg, err = decodeObserver[SystemEventMessage](data)
	case TypeResult:
		msg, err = decodeObserver[ResultMessage](data)
	case TypePermissionRequest:
		msg, err = decodeObserver[PermissionRequestMessage](data)
	case TypePermissionCancelled:
		msg, err = decodeObserver[PermissionCancelled](data)
	case TypePermissionResolved:
		msg, err = decodeObserver[PermissionResolved](data)
	case TypeToolProgress:
		msg, err = decodeObserver[ToolProgressMessage](data)
	case TypeToolUseSummary:
		msg, err = decodeObserver[ToolUseSummaryMessage](data)
	case TypeStatusChange:
		msg, err = decodeObserver[StatusChange](data)
	case TypeError:
		msg, err = decodeObserver[ErrorMessage](data)
	case TypeCLIDisconnected:
		msg = CLIDisconnected{}
	case TypeCLIConnected:
		msg = CLIConnected{}
	case TypeUserMessage:
		msg, err = decodeObserver[UserMessage](data)
	case TypeMessageHistory:
		msg, err = decodeObserver[MessageHistory](data)
	case TypeEventReplay:
		msg, err = decodeObserver[EventReplay](data)
	case TypeContentChanged:
		msg, err = decodeObserver[ContentChanged](data)
	default:
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
	if err != nil {
		return nil, 0, err
	}
	return msg, head.Seq, nil
}

func decodeObserver[T ObserverMessage](data []byte) (ObserverMessage, error) {
	msg, err := decodeAs[T](data)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
