package bridge

import "github.com/opencode-ai/sessionbridge/pkg/protocol"

// replayBuffer is a fixed-capacity ring of sequenced events. Events are
// pushed in seq order, so the ring always holds a contiguous suffix.
type replayBuffer struct {
	buf   []protocol.Sequenced
	start int
	size  int
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &replayBuffer{buf: make([]protocol.Sequenced, capacity)}
}

func (r *replayBuffer) push(ev protocol.Sequenced) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *replayBuffer) len() int { return r.size }

func (r *replayBuffer) at(i int) protocol.Sequenced {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *replayBuffer) oldest() int64 {
	if r.size == 0 {
		return 0
	}
	return r.at(0).Seq
}

func (r *replayBuffer) newest() int64 {
	if r.size == 0 {
		return 0
	}
	return r.at(r.size - 1).Seq
}

// since returns the buffered events with seq > after, oldest first.
func (r *replayBuffer) since(after int64) []protocol.Sequenced {
	skip := 0
	if after >= r.oldest() {
		skip = int(after - r.oldest() + 1)
	}
	if skip >= r.size {
		return nil
	}
	out := make([]protocol.Sequenced, 0, r.size-skip)
	for i := skip; i < r.size; i++ {
		out = append(out, r.at(i))
	}
	return out
}

func (r *replayBuffer) seqs() []int64 {
	out := make([]int64, r.size)
	for i := range out {
		out[i] = r.at(i).Seq
	}
	return out
}
