package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
)

var (
	// ErrSocketClosed is returned by Send after the socket was closed.
	ErrSocketClosed = errors.New("socket closed")
	// ErrSocketQueueFull is returned by Send when the peer is not
	// draining its outbound queue.
	ErrSocketQueueFull = errors.New("socket queue full")
)

// wsSocket adapts a gorilla connection to bridge.Socket. Frames are
// queued by Send and written by writePump, the only writer of conn.
type wsSocket struct {
	id   string
	conn *websocket.Conn
	log  zerolog.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSSocket(conn *websocket.Conn, queue int, log zerolog.Logger) *wsSocket {
	id := uuid.NewString()
	return &wsSocket{
		id:     id,
		conn:   conn,
		log:    log.With().Str("socketID", id).Logger(),
		send:   make(chan []byte, queue),
		closed: make(chan struct{}),
	}
}

func (s *wsSocket) ID() string { return s.id }

// Send queues data without blocking.
func (s *wsSocket) Send(data []byte) error {
	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSocketQueueFull
	}
}

// Close stops the writer, which flushes queued frames, sends a close
// frame and closes the connection.
func (s *wsSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *wsSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				s.log.Debug().Err(err).Msg("websocket write failed")
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			s.drain()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *wsSocket) drain() {
	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSocket) write(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump delivers every text or binary message to handle until the
// peer goes away or handle fails.
func (s *wsSocket) readPump(handle func([]byte) error) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := handle(data); err != nil {
			s.log.Debug().Err(err).Msg("stopping reader")
			return
		}
	}
}
