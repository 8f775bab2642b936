package bridge

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessionbridge/internal/event"
	"github.com/opencode-ai/sessionbridge/internal/logging"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

// Defaults for Options.
const (
	DefaultReplayBufferSize = 600
	DefaultDedupeLimit      = 1000
	DefaultDenyMessage      = "Denied by user"
)

// Seed is persisted state a new session starts from.
type Seed struct {
	History        protocol.History
	AgentSessionID string
	CreatedAt      time.Time
}

// Loader returns the persisted seed of a session. A loader that has
// nothing for the id returns a zero Seed and no error.
type Loader func(sessionID string) (Seed, error)

// Options configures sessions created by a Registry.
type Options struct {
	// ReplayBufferSize bounds the replay ring per session.
	ReplayBufferSize int
	// DedupeLimit bounds the remembered client message ids per session.
	DedupeLimit int
	// Bus receives lifecycle events. Optional.
	Bus *event.Bus
	// Loader seeds new sessions from storage. Optional.
	Loader Loader
	// OnAgentSession is called from the session goroutine when the agent
	// reports its resumable session id. It must not call back into the
	// session synchronously.
	OnAgentSession func(sessionID, agentSessionID string)
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ReplayBufferSize <= 0 {
		o.ReplayBufferSize = DefaultReplayBufferSize
	}
	if o.DedupeLimit <= 0 {
		o.DedupeLimit = DefaultDedupeLimit
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type observer struct {
	sock       Socket
	lastAckSeq int64
	subscribed bool
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID                 string    `json:"id"`
	AgentConnected     bool      `json:"agentConnected"`
	AgentSessionID     string    `json:"agentSessionID,omitempty"`
	Observers          int       `json:"observers"`
	HistoryLength      int       `json:"historyLength"`
	NextEventSeq       int64     `json:"nextEventSeq"`
	LastAckSeq         int64     `json:"lastAckSeq"`
	PendingPermissions int       `json:"pendingPermissions"`
	QueuedFrames       int       `json:"queuedFrames"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Session bridges one agent connection to a set of observers.
// All fields below inbox are owned by the session goroutine.
type Session struct {
	id   string
	opts Options
	log  zerolog.Logger

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	createdAt    time.Time
	agent        Socket
	observers    []*observer
	state        protocol.SessionState
	pending      map[string]protocol.PermissionRequest
	pendingOrder []string
	control      map[string]*ControlHandle
	history      protocol.History
	replay       *replayBuffer
	nextEventSeq int64
	lastAckSeq   int64
	processed    *dedupeSet
	outbound     [][]byte
}

func newSession(id string, opts Options, seed Seed) *Session {
	opts = opts.withDefaults()
	s := &Session{
		id:           id,
		opts:         opts,
		log:          logging.Session(id),
		inbox:        make(chan func(), 64),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		createdAt:    seed.CreatedAt,
		state:        protocol.NewSessionState(id),
		pending:      make(map[string]protocol.PermissionRequest),
		control:      make(map[string]*ControlHandle),
		history:      append(protocol.History{}, seed.History...),
		replay:       newReplayBuffer(opts.ReplayBufferSize),
		nextEventSeq: 1,
		processed:    newDedupeSet(opts.DedupeLimit),
	}
	if s.createdAt.IsZero() {
		s.createdAt = opts.Clock()
	}
	s.state.AgentSessionID = seed.AgentSessionID
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

// do runs fn on the session goroutine and waits for it to finish.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.inbox <- task:
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

// close stops the session goroutine after closing every socket.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}

func (s *Session) shutdown() {
	if s.agent != nil {
		s.agent.Close()
		s.agent = nil
	}
	for _, o := range s.observers {
		o.sock.Close()
	}
	s.observers = nil
	s.failControls(ErrSessionClosed)
}

func (s *Session) now() time.Time {
	return s.opts.Clock()
}

func (s *Session) emit(t event.EventType, data any) {
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(event.Event{Type: t, Data: data})
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has been removed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AttachAgent makes sock the agent connection of the session.
func (s *Session) AttachAgent(sock Socket) error {
	return s.do(func() { s.attachAgent(sock) })
}

// DetachAgent releases sock. Detaching a socket that is no longer the
// current agent is a no-op.
func (s *Session) DetachAgent(sock Socket) error {
	return s.do(func() { s.detachAgent(sock) })
}

// HandleAgentData processes one or more newline-delimited agent frames.
func (s *Session) HandleAgentData(sock Socket, data []byte) error {
	return s.do(func() {
		if s.agent == nil || s.agent.ID() != sock.ID() {
			s.log.Debug().Str("socketID", sock.ID()).Msg("ignoring frame from stale agent socket")
			return
		}
		forEachLine(data, s.handleAgentLine)
	})
}

// AttachObserver adds sock to the observer set and sends it the
// current snapshot.
func (s *Session) AttachObserver(sock Socket) error {
	return s.do(func() { s.attachObserver(sock) })
}

// DetachObserver removes sock from the observer set.
func (s *Session) DetachObserver(sock Socket) error {
	return s.do(func() { s.removeObserver(sock) })
}

// HandleObserverData processes one or more newline-delimited observer
// commands.
func (s *Session) HandleObserverData(sock Socket, data []byte) error {
	return s.do(func() {
		o := s.findObserver(sock)
		if o == nil {
			s.log.Debug().Str("socketID", sock.ID()).Msg("ignoring command from detached observer")
			return
		}
		forEachLine(data, func(line []byte) { s.handleObserverLine(o, line) })
	})
}

// Broadcast sends msg to every observer, sequencing and recording it
// like any agent-originated event.
func (s *Session) Broadcast(msg protocol.ObserverMessage) error {
	return s.do(func() { s.publish(msg) })
}

// NotifyContentChanged tells observers that workspace content changed.
func (s *Session) NotifyContentChanged(paths []string) error {
	return s.Broadcast(protocol.ContentChanged{Paths: paths})
}

// GetMessageHistory returns a copy of the durable history.
func (s *Session) GetMessageHistory() (protocol.History, error) {
	var out protocol.History
	err := s.do(func() {
		out = append(protocol.History{}, s.history...)
	})
	return out, err
}

// LoadMessageHistory replaces the durable history.
func (s *Session) LoadMessageHistory(history protocol.History) error {
	return s.do(func() {
		s.history = append(protocol.History{}, history...)
		s.emit(event.HistoryLoaded, event.HistoryData{SessionID: s.id, Length: len(s.history)})
	})
}

// Snapshot returns a copy of the derived session state.
func (s *Session) Snapshot() (protocol.SessionState, error) {
	var out protocol.SessionState
	err := s.do(func() {
		out = s.state.Clone()
	})
	return out, err
}

// Info returns a summary of the session.
func (s *Session) Info() (Info, error) {
	var info Info
	err := s.do(func() {
		info = Info{
			ID:                 s.id,
			AgentConnected:     s.agent != nil,
			AgentSessionID:     s.state.AgentSessionID,
			Observers:          len(s.observers),
			HistoryLength:      len(s.history),
			NextEventSeq:       s.nextEventSeq,
			LastAckSeq:         s.lastAckSeq,
			PendingPermissions: len(s.pending),
			QueuedFrames:       len(s.outbound),
			CreatedAt:          s.createdAt,
		}
	})
	return info, err
}

// RequestControl sends a control request to the agent and waits for its
// response. The request is queued while no agent is attached.
func (s *Session) RequestControl(ctx context.Context, subtype string, fields map[string]any) ([]byte, error) {
	var h *ControlHandle
	if err := s.do(func() { h = s.issueControl(subtype, fields) }); err != nil {
		return nil, err
	}

	resp, err := h.Wait(ctx)
	if ctx.Err() != nil {
		_ = s.do(func() { delete(s.control, h.ID()) })
	}
	return resp, err
}

func forEachLine(data []byte, fn func([]byte)) {
	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
}
