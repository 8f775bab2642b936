package bridge

import "github.com/opencode-ai/sessionbridge/pkg/protocol"

// handleSubscribe brings an observer up to date from lastSeq: nothing
// when it is current, a replay batch when the gap is buffered, the full
// history otherwise.
func (s *Session) handleSubscribe(o *observer, lastSeq int64) {
	o.lastAckSeq = min(lastSeq, s.highestSeq())
	o.subscribed = true

	if s.replay.len() == 0 {
		return
	}

	oldest, newest := s.replay.oldest(), s.replay.newest()
	if lastSeq < oldest-1 {
		if !s.unicast(o, protocol.MessageHistory{Messages: s.history}) {
			return
		}
		s.sendInferredStatus(o)
		return
	}
	if lastSeq >= newest {
		return
	}

	if !s.unicast(o, protocol.EventReplay{Events: s.replay.since(lastSeq)}) {
		return
	}
	s.sendInferredStatus(o)
}

// handleAck advances the observer and session acknowledgements. Neither
// ever decreases or passes the highest emitted seq.
func (s *Session) handleAck(o *observer, lastSeq int64) {
	seq := min(lastSeq, s.highestSeq())
	if seq > o.lastAckSeq {
		o.lastAckSeq = seq
	}
	if seq > s.lastAckSeq {
		s.lastAckSeq = seq
	}
}

func (s *Session) sendInferredStatus(o *observer) {
	if status, ok := s.inferStatus(); ok {
		s.unicast(o, protocol.StatusChange{Status: protocol.Ptr(status)})
	}
}

// inferStatus derives the agent status from the compaction flag and the
// tail of the history.
func (s *Session) inferStatus() (string, bool) {
	if s.state.IsCompacting {
		return "compacting", true
	}
	if len(s.history) == 0 {
		return "", false
	}
	switch s.history[len(s.history)-1].(type) {
	case protocol.ResultMessage:
		return "idle", true
	case protocol.AssistantMessage, protocol.UserMessage:
		return "running", true
	}
	return "", false
}
