package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeSocket records every frame sent to it.
type fakeSocket struct {
	id string

	mu       sync.Mutex
	frames   [][]byte
	failSend bool
	closed   bool
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id}
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend || f.closed {
		return errBrokenPipe
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) setFailSend(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = fail
}

func (f *fakeSocket) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

// messages decodes every recorded frame as a JSON object.
func (f *fakeSocket) messages(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]any, 0, len(f.frames))
	for _, frame := range f.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(frame, &m), "frame: %s", frame)
		out = append(out, m)
	}
	return out
}

func (f *fakeSocket) types(t *testing.T) []string {
	t.Helper()
	msgs := f.messages(t)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i], _ = m["type"].(string)
	}
	return out
}

// ofType returns the recorded messages with the given type.
func (f *fakeSocket) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.messages(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// seqs returns the seq of every sequenced message, in delivery order.
func (f *fakeSocket) seqs(t *testing.T) []int64 {
	t.Helper()
	var out []int64
	for _, m := range f.messages(t) {
		if v, ok := m["seq"].(float64); ok {
			out = append(out, int64(v))
		}
	}
	return out
}

func fixedClock() time.Time {
	return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = fixedClock
	}
	s := newSession("test-session", opts, Seed{})
	t.Cleanup(s.close)
	return s
}

// inspect runs fn on the session goroutine.
func inspect(t *testing.T, s *Session, fn func()) {
	t.Helper()
	require.NoError(t, s.do(fn))
}

func agentSend(t *testing.T, s *Session, agent *fakeSocket, lines ...string) {
	t.Helper()
	for _, line := range lines {
		require.NoError(t, s.HandleAgentData(agent, []byte(line+"\n")))
	}
}

func observerSend(t *testing.T, s *Session, sock *fakeSocket, cmd string) {
	t.Helper()
	require.NoError(t, s.HandleObserverData(sock, []byte(cmd)))
}

const (
	initFrame       = `{"type":"system","subtype":"init","session_id":"cli-42","model":"claude-sonnet","cwd":"/work","tools":["Bash","Read"],"permissionMode":"default","claude_code_version":"2.1.0"}`
	bypassInitFrame = `{"type":"system","subtype":"init","session_id":"cli-42","model":"claude-sonnet","cwd":"/work","tools":[],"permissionMode":"bypassPermissions"}`
	assistantFrame  = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]},"parent_tool_use_id":null}`
	resultFrame     = `{"type":"result","subtype":"success","is_error":false,"num_turns":1,"total_cost_usd":0.25,"usage":{"input_tokens":1,"output_tokens":1},"modelUsage":{"claude":{"inputTokens":300,"outputTokens":200,"contextWindow":1000}}}`
	canUseToolFrame = `{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"}}}`
)

// connectedSession returns a session with an initialized agent and one
// observer, with all recorded frames cleared.
func connectedSession(t *testing.T, opts Options) (*Session, *fakeSocket, *fakeSocket) {
	t.Helper()
	s := newTestSession(t, opts)
	agent := newFakeSocket("agent-1")
	tab := newFakeSocket("tab-1")

	require.NoError(t, s.AttachAgent(agent))
	agentSend(t, s, agent, initFrame)
	require.NoError(t, s.AttachObserver(tab))

	agent.reset()
	tab.reset()
	return s, agent, tab
}
