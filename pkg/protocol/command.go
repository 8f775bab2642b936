package protocol

import (
	"encoding/json"
	"fmt"
)

// Observer command types.
const (
	CmdUserMessage        = "user_message"
	CmdPermissionResponse = "permission_response"
	CmdInterrupt          = "interrupt"
	CmdSetModel           = "set_model"
	CmdSetPermissionMode  = "set_permission_mode"
	CmdSessionSubscribe   = "session_subscribe"
	CmdSessionAck         = "session_ack"
)

// Command is a frame sent by an observer.
type Command interface {
	CommandType() string
}

// Idempotent is implemented by commands that may carry a client message
// id. Resubmissions with an id that was already processed are dropped.
type Idempotent interface {
	Command
	IdempotencyKey() string
}

// UserMessageCommand sends a new user turn. SessionID optionally
// overrides the agent session the turn is addressed to.
type UserMessageCommand struct {
	Content     string  `json:"content"`
	Images      []Image `json:"images,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	ClientMsgID string  `json:"client_msg_id,omitempty"`
}

// PermissionResponseCommand answers a pending permission request.
// Any behavior other than "allow" is a denial.
type PermissionResponseCommand struct {
	RequestID          string          `json:"request_id"`
	Behavior           string          `json:"behavior"`
	UpdatedInput       json.RawMessage `json:"updated_input,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updated_permissions,omitempty"`
	Message            string          `json:"message,omitempty"`
	ClientMsgID        string          `json:"client_msg_id,omitempty"`
}

// InterruptCommand asks the agent to stop the current turn.
type InterruptCommand struct {
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// SetModelCommand switches the agent model.
type SetModelCommand struct {
	Model string `json:"model"`
}

// SetPermissionModeCommand switches the agent permission mode.
type SetPermissionModeCommand struct {
	Mode string `json:"mode"`
}

// SubscribeCommand requests catch-up from LastSeq.
type SubscribeCommand struct {
	LastSeq SeqValue `json:"last_seq"`
}

// AckCommand acknowledges events up to LastSeq.
type AckCommand struct {
	LastSeq SeqValue `json:"last_seq"`
}

func (UserMessageCommand) CommandType() string        { return CmdUserMessage }
func (PermissionResponseCommand) CommandType() string { return CmdPermissionResponse }
func (InterruptCommand) CommandType() string          { return CmdInterrupt }
func (SetModelCommand) CommandType() string           { return CmdSetModel }
func (SetPermissionModeCommand) CommandType() string  { return CmdSetPermissionMode }
func (SubscribeCommand) CommandType() string          { return CmdSessionSubscribe }
func (AckCommand) CommandType() string                { return CmdSessionAck }

func (c UserMessageCommand) IdempotencyKey() string        { return c.ClientMsgID }
func (c PermissionResponseCommand) IdempotencyKey() string { return c.ClientMsgID }
func (c InterruptCommand) IdempotencyKey() string          { return c.ClientMsgID }

// Allowed reports whether the response approves the request.
func (c PermissionResponseCommand) Allowed() bool {
	return c.Behavior == BehaviorAllow
}

// DecodeCommand parses one observer command.
func DecodeCommand(data []byte) (Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Type {
	case CmdUserMessage:
		return decodeCommand[UserMessageCommand](data)
	case CmdPermissionResponse:
		return decodeCommand[PermissionResponseCommand](data)
	case CmdInterrupt:
		return decodeCommand[InterruptCommand](data)
	case CmdSetModel:
		return decodeCommand[SetModelCommand](data)
	case CmdSetPermissionMode:
		return decodeCommand[SetPermissionModeCommand](data)
	case CmdSessionSubscribe:
		return decodeCommand[SubscribeCommand](data)
	case CmdSessionAck:
		return decodeCommand[AckCommand](data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
}

// EncodeCommand serializes an observer command with its type
// discriminator.
func EncodeCommand(c Command) ([]byte, error) {
	return encodeTagged(c.CommandType(), 0, c)
}

func decodeCommand[T Command](data []byte) (Command, error) {
	cmd, err := decodeAs[T](data)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}
