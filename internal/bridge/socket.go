package bridge

import "errors"

var (
	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned by operations on a removed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrAgentDisconnected fails control requests whose agent went away.
	ErrAgentDisconnected = errors.New("agent disconnected")
)

// Socket is one live connection owned by the transport layer.
type Socket interface {
	// ID uniquely identifies the connection.
	ID() string
	// Send delivers one frame. It must not block.
	Send(data []byte) error
	// Close terminates the connection.
	Close() error
}
