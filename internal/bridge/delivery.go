package bridge

import (
	"github.com/opencode-ai/sessionbridge/internal/event"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

// publish records msg in history when it is durable, sequences it when it
// is replayable, and broadcasts it to every observer.
func (s *Session) publish(msg protocol.ObserverMessage) {
	if protocol.IsHistoryBacked(msg) {
		s.history = append(s.history, msg)
		s.emit(event.HistoryAppended, event.HistoryData{
			SessionID:   s.id,
			Length:      len(s.history),
			MessageType: msg.MessageType(),
		})
	}

	var (
		data []byte
		err  error
	)
	if protocol.ShouldBufferForReplay(msg) {
		data, err = s.sequenceEvent(msg).MarshalJSON()
	} else {
		data, err = protocol.Encode(msg)
	}
	if err != nil {
		s.log.Error().Err(err).Str("type", msg.MessageType()).Msg("failed to encode observer message")
		return
	}
	s.broadcast(data)
}

// broadcast sends data to every observer. Observers whose Send fails are
// pruned after the loop; delivery to the rest continues.
func (s *Session) broadcast(data []byte) {
	var dead []*observer
	for _, o := range s.observers {
		if err := o.sock.Send(data); err != nil {
			s.log.Warn().Err(err).Str("socketID", o.sock.ID()).Msg("dropping observer after failed send")
			dead = append(dead, o)
		}
	}
	for _, o := range dead {
		s.removeObserver(o.sock)
		o.sock.Close()
	}
}

// unicast sends msg to a single observer without sequencing it.
func (s *Session) unicast(o *observer, msg protocol.ObserverMessage) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error().Err(err).Str("type", msg.MessageType()).Msg("failed to encode observer message")
		return true
	}
	if err := o.sock.Send(data); err != nil {
		s.log.Warn().Err(err).Str("socketID", o.sock.ID()).Msg("dropping observer after failed send")
		s.removeObserver(o.sock)
		o.sock.Close()
		return false
	}
	return true
}

// sendToAgent writes frame to the agent, or queues it while no agent is
// attached or the write fails.
func (s *Session) sendToAgent(frame any) {
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode agent frame")
		return
	}
	if s.agent == nil {
		s.outbound = append(s.outbound, data)
		s.log.Debug().Int("queued", len(s.outbound)).Msg("agent absent, frame queued")
		return
	}
	if err := s.agent.Send(data); err != nil {
		s.log.Warn().Err(err).Msg("agent send failed, frame queued")
		s.outbound = append(s.outbound, data)
	}
}

// flushOutbound delivers queued frames in FIFO order. It stops at the
// first failure and keeps the remainder queued.
func (s *Session) flushOutbound() {
	if s.agent == nil || len(s.outbound) == 0 {
		return
	}
	sent := 0
	for _, data := range s.outbound {
		if err := s.agent.Send(data); err != nil {
			s.log.Warn().Err(err).Int("remaining", len(s.outbound)-sent).Msg("flush to agent interrupted")
			break
		}
		sent++
	}
	s.outbound = append([][]byte(nil), s.outbound[sent:]...)
	if sent > 0 {
		s.log.Debug().Int("frames", sent).Msg("flushed queued frames to agent")
	}
}

func (s *Session) findObserver(sock Socket) *observer {
	for _, o := range s.observers {
		if o.sock.ID() == sock.ID() {
			return o
		}
	}
	return nil
}

func (s *Session) removeObserver(sock Socket) {
	for i, o := range s.observers {
		if o.sock.ID() == sock.ID() {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}
