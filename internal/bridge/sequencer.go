package bridge

import "github.com/opencode-ai/sessionbridge/pkg/protocol"

// sequenceEvent stamps msg with the next seq and buffers it for replay.
// The message itself is not modified.
func (s *Session) sequenceEvent(msg protocol.ObserverMessage) protocol.Sequenced {
	ev := protocol.Sequenced{Seq: s.nextEventSeq, Message: msg}
	s.nextEventSeq++
	if protocol.ShouldBufferForReplay(msg) {
		s.replay.push(ev)
	}
	return ev
}

// highestSeq is the last sequence number handed out, 0 if none.
func (s *Session) highestSeq() int64 {
	return s.nextEventSeq - 1
}
