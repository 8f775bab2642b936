package watch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ContentNotifier is told which paths changed in a session's workspace.
type ContentNotifier func(sessionID string, paths []string)

// Manager runs one Watcher per session.
type Manager struct {
	opts   Options
	notify ContentNotifier

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates a manager that reports every change to notify.
func NewManager(opts Options, notify ContentNotifier) *Manager {
	return &Manager{
		opts:     opts,
		notify:   notify,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts watching dir for sessionID, replacing any previous watch
// of that session.
func (m *Manager) Watch(sessionID, dir string) error {
	w, err := NewWatcher(dir, m.opts, func(paths []string) {
		m.notify(sessionID, paths)
	})
	if err != nil {
		return fmt.Errorf("watch %s for session %s: %w", dir, sessionID, err)
	}

	m.mu.Lock()
	old := m.watchers[sessionID]
	m.watchers[sessionID] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	w.Start()
	return nil
}

// Unwatch stops the watcher of sessionID, if any.
func (m *Manager) Unwatch(sessionID string) error {
	m.mu.Lock()
	w, ok := m.watchers[sessionID]
	delete(m.watchers, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return w.Stop()
}

// Sessions returns the ids of watched sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	var errs []error
	for _, w := range watchers {
		errs = append(errs, w.Stop())
	}
	return errors.Join(errs...)
}
