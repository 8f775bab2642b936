package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
)

// RandomString returns n random hex characters.
func RandomString(n int) string {
	buf := make([]byte, n/2+1)
	rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}

// Workspace is a throwaway project directory for watch tests.
type Workspace struct {
	Path string
}

// NewWorkspace creates an empty workspace under the system temp dir.
func NewWorkspace() (*Workspace, error) {
	path, err := os.MkdirTemp("", "bridge-test-*")
	if err != nil {
		return nil, err
	}
	return &Workspace{Path: path}, nil
}

// Mkdir creates rel, a slash-separated path, and any missing parents.
func (w *Workspace) Mkdir(rel string) error {
	return os.MkdirAll(w.abs(rel), 0755)
}

// WriteFile writes content to rel, creating parent directories.
func (w *Workspace) WriteFile(rel, content string) error {
	path := w.abs(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// Remove deletes rel.
func (w *Workspace) Remove(rel string) error {
	return os.Remove(w.abs(rel))
}

// Cleanup removes the workspace.
func (w *Workspace) Cleanup() {
	os.RemoveAll(w.Path)
}

func (w *Workspace) abs(rel string) string {
	return filepath.Join(w.Path, filepath.FromSlash(rel))
}

// EventLog is a snapshot of lifecycle events with query helpers.
type EventLog []SSEEvent

// OfType returns the events of the given type.
func (l EventLog) OfType(eventType string) EventLog {
	return l.filter(func(evt SSEEvent) bool { return evt.Type == eventType })
}

// ForSession returns the events that belong to sessionID.
func (l EventLog) ForSession(sessionID string) EventLog {
	return l.filter(func(evt SSEEvent) bool { return evt.SessionID() == sessionID })
}

// Types returns the event types in arrival order.
func (l EventLog) Types() []string {
	types := make([]string, len(l))
	for i, evt := range l {
		types[i] = evt.Type
	}
	return types
}

func (l EventLog) filter(keep func(SSEEvent) bool) EventLog {
	var out EventLog
	for _, evt := range l {
		if keep(evt) {
			out = append(out, evt)
		}
	}
	return out
}

// FrameTypes returns the types of frames in arrival order.
func FrameTypes(frames []Frame) []string {
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	return types
}

// FrameSeqs returns the seqs of sequenced frames in arrival order.
func FrameSeqs(frames []Frame) []int64 {
	var seqs []int64
	for _, f := range frames {
		if f.Seq > 0 {
			seqs = append(seqs, f.Seq)
		}
	}
	return seqs
}
