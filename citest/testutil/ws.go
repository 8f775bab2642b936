package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

// Frame is one observer message received over a WebSocket.
type Frame struct {
	Type    string
	Seq     int64
	Message protocol.ObserverMessage
	Raw     []byte
}

// WSClient is an observer connection that decodes frames in the
// background.
type WSClient struct {
	conn   *websocket.Conn
	frames chan Frame
	errCh  chan error

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	seen      []Frame
}

// DialWS connects an observer to url.
func DialWS(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	c := &WSClient{
		conn:   conn,
		frames: make(chan Frame, 256),
		errCh:  make(chan error, 1),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case c.errCh <- err:
			default:
			}
			return
		}
		msg, seq, err := protocol.DecodeObserverMessage(data)
		if err != nil {
			continue
		}
		f := Frame{Type: msg.MessageType(), Seq: seq, Message: msg, Raw: data}
		c.mu.Lock()
		c.seen = append(c.seen, f)
		c.mu.Unlock()
		c.frames <- f
	}
}

// Send writes one observer command.
func (c *WSClient) Send(cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a single text message.
func (c *WSClient) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Frames returns the channel of decoded frames. It is closed when the
// connection ends.
func (c *WSClient) Frames() <-chan Frame {
	return c.frames
}

// ReadFrame returns the next frame.
func (c *WSClient) ReadFrame(timeout time.Duration) (Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, c.closeErr()
		}
		return f, nil
	case <-time.After(timeout):
		return Frame{}, fmt.Errorf("no frame within %v", timeout)
	}
}

// WaitFor skips frames until one of the given type arrives.
func (c *WSClient) WaitFor(frameType string, timeout time.Duration) (Frame, error) {
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return Frame{}, c.closeErr()
			}
			if f.Type == frameType {
				return f, nil
			}
		case <-deadline:
			return Frame{}, fmt.Errorf("timeout waiting for %s frame", frameType)
		}
	}
}

// WaitClosed blocks until the server ends the connection and returns the
// close error.
func (c *WSClient) WaitClosed(timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return c.closeErr()
			}
		case <-deadline:
			return fmt.Errorf("connection still open after %v", timeout)
		}
	}
}

// Seen returns every frame received so far.
func (c *WSClient) Seen() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.seen...)
}

// Subscribe asks the bridge for catch-up from lastSeq.
func (c *WSClient) Subscribe(lastSeq int64) error {
	return c.Send(protocol.SubscribeCommand{LastSeq: protocol.SeqValue(lastSeq)})
}

// Ack acknowledges events up to lastSeq.
func (c *WSClient) Ack(lastSeq int64) error {
	return c.Send(protocol.AckCommand{LastSeq: protocol.SeqValue(lastSeq)})
}

// SendUserMessage sends a user turn.
func (c *WSClient) SendUserMessage(content, clientMsgID string) error {
	return c.Send(protocol.UserMessageCommand{Content: content, ClientMsgID: clientMsgID})
}

// RespondPermission answers a pending permission request.
func (c *WSClient) RespondPermission(requestID, behavior string) error {
	return c.Send(protocol.PermissionResponseCommand{RequestID: requestID, Behavior: behavior})
}

func (c *WSClient) closeErr() error {
	select {
	case err := <-c.errCh:
		return err
	default:
		return fmt.Errorf("connection closed")
	}
}

// Close closes the connection. Later calls are no-ops.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
