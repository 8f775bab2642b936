package bridge

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

func TestSequenceEvent_Contiguous(t *testing.T) {
	for _, n := range []int{1, 5, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			s := newTestSession(t, Options{ReplayBufferSize: 100})

			var got []int64
			inspect(t, s, func() {
				for i := 0; i < n; i++ {
					got = append(got, s.sequenceEvent(protocol.AssistantMessage{}).Seq)
				}
			})

			want := make([]int64, n)
			for i := range want {
				want[i] = int64(i + 1)
			}
			assert.Equal(t, want, got)

			inspect(t, s, func() {
				assert.Equal(t, int64(n+1), s.nextEventSeq)
			})
		})
	}
}

func TestSequenceEvent_DoesNotMutate(t *testing.T) {
	s := newTestSession(t, Options{})
	msg := protocol.UserMessage{ID: "u1", Content: "hello"}

	var ev protocol.Sequenced
	inspect(t, s, func() { ev = s.sequenceEvent(msg) })

	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, msg, ev.Message)
	assert.Equal(t, protocol.UserMessage{ID: "u1", Content: "hello"}, msg)
}

func TestReplayBuffer_EvictsOldest(t *testing.T) {
	s := newTestSession(t, Options{ReplayBufferSize: 3})

	inspect(t, s, func() {
		for i := 0; i < 3; i++ {
			s.sequenceEvent(protocol.AssistantMessage{})
		}
		assert.Equal(t, []int64{1, 2, 3}, s.replay.seqs())

		s.sequenceEvent(protocol.AssistantMessage{})
		assert.Equal(t, []int64{2, 3, 4}, s.replay.seqs())

		for i := 0; i < 10; i++ {
			s.sequenceEvent(protocol.AssistantMessage{})
			seqs := s.replay.seqs()
			require.Len(t, seqs, 3)
			for j := 1; j < len(seqs); j++ {
				assert.Equal(t, seqs[j-1]+1, seqs[j], "buffer must be contiguous")
			}
		}
		assert.Equal(t, int64(14), s.replay.newest())
		assert.Equal(t, int64(12), s.replay.oldest())
	})
}

func TestReplayBuffer_Since(t *testing.T) {
	r := newReplayBuffer(4)
	for seq := int64(1); seq <= 6; seq++ {
		r.push(protocol.Sequenced{Seq: seq, Message: protocol.AssistantMessage{}})
	}

	seqsOf := func(evs []protocol.Sequenced) []int64 {
		var out []int64
		for _, ev := range evs {
			out = append(out, ev.Seq)
		}
		return out
	}

	assert.Equal(t, []int64{3, 4, 5, 6}, seqsOf(r.since(0)))
	assert.Equal(t, []int64{3, 4, 5, 6}, seqsOf(r.since(2)))
	assert.Equal(t, []int64{5, 6}, seqsOf(r.since(4)))
	assert.Empty(t, r.since(6))
	assert.Empty(t, r.since(100))
}

func TestPublish_BuffersOnlyReplayable(t *testing.T) {
	s, _, tab := connectedSession(t, Options{})

	require.NoError(t, s.Broadcast(protocol.SessionInit{Session: protocol.NewSessionState("x")}))
	require.NoError(t, s.Broadcast(protocol.StatusChange{}))
	require.NoError(t, s.Broadcast(protocol.ContentChanged{Paths: []string{"a.md"}}))

	assert.Equal(t, []string{"session_init", "status_change", "content_changed"}, tab.types(t))
	assert.Equal(t, []int64{1, 2}, tab.seqs(t))

	inspect(t, s, func() {
		assert.Equal(t, []int64{1, 2}, s.replay.seqs())
		assert.Empty(t, s.history, "status and content notices are not history")
	})
}

func TestAck_Monotonic(t *testing.T) {
	s, agent, tab := connectedSession(t, Options{})
	for i := 0; i < 5; i++ {
		agentSend(t, s, agent, assistantFrame)
	}

	other := newFakeSocket("tab-2")
	require.NoError(t, s.AttachObserver(other))

	ack := func(sock *fakeSocket, v string) {
		observerSend(t, s, sock, `{"type":"session_ack","last_seq":`+v+`}`)
	}
	acks := func() (int64, int64, int64) {
		var a, b, sess int64
		inspect(t, s, func() {
			a = s.findObserver(tab).lastAckSeq
			b = s.findObserver(other).lastAckSeq
			sess = s.lastAckSeq
		})
		return a, b, sess
	}

	ack(tab, "3")
	a, b, sess := acks()
	assert.Equal(t, int64(3), a)
	assert.Equal(t, int64(0), b)
	assert.Equal(t, int64(3), sess)

	ack(tab, "2")
	ack(tab, `"NaN"`)
	ack(tab, `"Infinity"`)
	ack(tab, "-7")
	a, _, sess = acks()
	assert.Equal(t, int64(3), a, "ack never decreases")
	assert.Equal(t, int64(3), sess)

	ack(other, "1")
	_, b, sess = acks()
	assert.Equal(t, int64(1), b)
	assert.Equal(t, int64(3), sess, "session ack is independent of a lower socket ack")

	ack(other, "999")
	_, b, sess = acks()
	assert.Equal(t, int64(5), b, "ack is clamped to the highest emitted seq")
	assert.Equal(t, int64(5), sess)
}

func TestSubscribe(t *testing.T) {
	setup := func(t *testing.T, capacity, events int) (*Session, *fakeSocket) {
		s, agent, tab := connectedSession(t, Options{ReplayBufferSize: capacity})
		for i := 0; i < events; i++ {
			agentSend(t, s, agent, assistantFrame)
		}
		tab.reset()
		return s, tab
	}

	t.Run("empty buffer sends nothing", func(t *testing.T) {
		s, _, tab := connectedSession(t, Options{})
		observerSend(t, s, tab, `{"type":"session_subscribe","last_seq":0}`)
		assert.Empty(t, tab.messages(t))

		inspect(t, s, func() {
			assert.True(t, s.findObserver(tab).subscribed)
		})
	})

	t.Run("caught up sends nothing", func(t *testing.T) {
		s, tab := setup(t, 10, 4)
		observerSend(t, s, tab, `{"type":"session_subscribe","last_seq":4}`)
		assert.Empty(t, tab.messages(t))

		observerSend(t, s, tab, `{"type":"session_subscribe","last_seq":40}`)
		assert.Empty(t, tab.messages(t))
	})

	t.Run("gap inside buffer replays exactly the missing events", func(t *testing.T) {
		s, tab := setup(t, 10, 5)
		observerSend(t, s, tab, `{"type":"session_subscribe","last_seq":2}`)

		msgs := tab.messages(t)
		require.Len(t, msgs, 2)
		assert.Equal(t, "event_replay", msgs[0]["type"])
		assert.NotContains(t, msgs[0], "seq")

		events := msgs[0]["events"].([]any)
		require.Len(t, events, 3)
		for i, raw := range events {
			ev := raw.(map[string]any)
			assert.Equal(t, float64(3+i), ev["seq"])
			assert.Equal(t, "assistant", ev["type"])
		}

		assert.Equal(t, "status_change", msgs[1]["type"])
		assert.Equal(t, "running", msgs[1]["status"])

		inspect(t, s, func() {
			assert.Equal(t, int64(2), s.findObserver(tab).lastAckSeq)
		})
	})

	t.Run("adjacent to oldest still replays", func(t *testing.T) {
		s, tab := setup(t, 3, 5)
		observerSend(t, s, tab, `{"type":"session_subscribe","last_seq":2}`)

		msgs := tab.ofType(t, "event_replay")
		require.Len(t, msgs, 1)
		assert.Len(t, msgs[0]["events"], 3)
		assert.Empty(t, tab.ofType(t, "message_history"))
	})

	t.Run("gap older than buffer sends full history", func(t *testing.T) {
		s, tab := setup(t, 3, 5)
		observerSend(t, s, tab, `{"type":"session_subscribe","last_seq":1}`)

		assert.Empty(t, tab.ofType(t, "event_replay"))
		history := tab.ofType(t, "message_history")
		require.Len(t, history, 1)
		assert.Len(t, history[0]["messages"], 5)
	})

	t.Run("invalid last_seq is treated as zero", func(t *testing.T) {
		s, tab := setup(t, 3, 5)
		observerSend(t, s, tab, `{"type":"session_subscribe","last_seq":"NaN"}`)

		assert.Len(t, tab.ofType(t, "message_history"), 1)
		inspect(t, s, func() {
			assert.Equal(t, int64(0), s.findObserver(tab).lastAckSeq)
		})
	})
}

func TestInferStatus(t *testing.T) {
	tests := []struct {
		name    string
		history protocol.History
		compact bool
		want    string
		ok      bool
	}{
		{"empty", nil, false, "", false},
		{"result tail", protocol.History{protocol.AssistantMessage{}, protocol.ResultMessage{}}, false, "idle", true},
		{"assistant tail", protocol.History{protocol.AssistantMessage{}}, false, "running", true},
		{"user tail", protocol.History{protocol.UserMessage{}}, false, "running", true},
		{"error tail", protocol.History{protocol.ErrorMessage{}}, false, "", false},
		{"compacting wins", protocol.History{protocol.ResultMessage{}}, true, "compacting", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, Options{})
			inspect(t, s, func() {
				s.history = tt.history
				s.state.IsCompacting = tt.compact
				got, ok := s.inferStatus()
				assert.Equal(t, tt.want, got)
				assert.Equal(t, tt.ok, ok)
			})
		})
	}
}
