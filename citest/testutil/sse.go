package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SSEEvent is one lifecycle event read from /event.
type SSEEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SessionID returns the sessionID property of the event, if any.
func (evt SSEEvent) SessionID() string {
	var props struct {
		SessionID string `json:"sessionID"`
	}
	if err := evt.ParseProperties(&props); err != nil {
		return ""
	}
	return props.SessionID
}

// ParseProperties unmarshals the event properties into v.
func (evt SSEEvent) ParseProperties(v any) error {
	return json.Unmarshal(evt.Properties, v)
}

// EventStream follows the bridge's /event endpoint and keeps every
// event it has read. Heartbeat comments are skipped.
type EventStream struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	log     EventLog
	changed chan struct{}
	err     error
	closed  bool
}

// OpenEventStream connects to baseURL/event. A non-empty sessionID
// restricts the stream to that session.
func OpenEventStream(ctx context.Context, baseURL, sessionID string) (*EventStream, error) {
	url := baseURL + "/event"
	if sessionID != "" {
		url += "?sessionID=" + sessionID
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream: unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream: unexpected content type %q", ct)
	}

	s := &EventStream{cancel: cancel, changed: make(chan struct{})}
	go func() {
		defer resp.Body.Close()
		s.finish(s.read(bufio.NewScanner(resp.Body)))
	}()
	return s, nil
}

// read parses "data:" lines until the body ends. Only the data payload
// matters; the event name is always "message".
func (s *EventStream) read(sc *bufio.Scanner) error {
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt SSEEvent
			if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
				return fmt.Errorf("decode event %q: %w", data.String(), err)
			}
			data.Reset()
			s.append(evt)
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return sc.Err()
}

func (s *EventStream) append(evt SSEEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, evt)
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *EventStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.err = err
	close(s.changed)
}

// Wait blocks until an event of the given type has been read, looking
// at events already received first.
func (s *EventStream) Wait(eventType string, timeout time.Duration) (SSEEvent, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		for _, evt := range s.log {
			if evt.Type == eventType {
				s.mu.Unlock()
				return evt, nil
			}
		}
		closed, err, changed := s.closed, s.err, s.changed
		s.mu.Unlock()

		if closed {
			if err == nil {
				err = fmt.Errorf("stream closed")
			}
			return SSEEvent{}, fmt.Errorf("waiting for %s: %w", eventType, err)
		}
		select {
		case <-changed:
		case <-deadline.C:
			return SSEEvent{}, fmt.Errorf("timeout waiting for event: %s", eventType)
		}
	}
}

// Log returns a copy of every event read so far.
func (s *EventStream) Log() EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(EventLog, len(s.log))
	copy(out, s.log)
	return out
}

// Has reports whether an event of the given type has been read.
func (s *EventStream) Has(eventType string) bool {
	return s.Count(eventType) > 0
}

// Count returns how many events of the given type have been read.
func (s *EventStream) Count(eventType string) int {
	return len(s.Log().OfType(eventType))
}

// Close ends the stream.
func (s *EventStream) Close() {
	s.cancel()
}
