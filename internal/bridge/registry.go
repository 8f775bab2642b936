package bridge

import (
	"sort"
	"sync"

	"github.com/opencode-ai/sessionbridge/internal/event"
	"github.com/opencode-ai/sessionbridge/internal/logging"
)

// Registry owns the sessions of one bridge process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	closed   bool
}

// NewRegistry creates an empty registry. Every session it creates uses opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts.withDefaults(),
	}
}

// GetOrCreate returns the session for id, creating it on first reference.
// It returns nil after Close.
func (r *Registry) GetOrCreate(id string) *Session {
	if s, ok := r.Get(id); ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if s, ok := r.sessions[id]; ok {
		return s
	}

	var seed Seed
	if r.opts.Loader != nil {
		loaded, err := r.opts.Loader(id)
		if err != nil {
			logging.Warn().Err(err).Str("sessionID", id).Msg("failed to load persisted session")
		} else {
			seed = loaded
		}
	}

	s := newSession(id, r.opts, seed)
	r.sessions[id] = s
	logging.Info().Str("sessionID", id).Int("history", len(seed.History)).Msg("session created")
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionData{SessionID: id}})
	}
	return s
}

// Get looks up a session without creating it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes the session's sockets and discards it. Removing an
// unknown id returns false.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.close()
	logging.Info().Str("sessionID", id).Msg("session removed")
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(event.Event{Type: event.SessionRemoved, Data: event.SessionData{SessionID: id}})
	}
	return true
}

// IDs returns the registered session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close removes every session. Later GetOrCreate calls return nil.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
