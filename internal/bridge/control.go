package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

// ControlError is returned when the agent answers a control request with
// an error response.
type ControlError struct {
	Subtype string
	Message string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("control request %s failed: %s", e.Subtype, e.Message)
}

// ControlHandle tracks one outstanding control request.
type ControlHandle struct {
	id      string
	subtype string

	once     sync.Once
	done     chan struct{}
	response []byte
	err      error
}

func newControlHandle(id, subtype string) *ControlHandle {
	return &ControlHandle{id: id, subtype: subtype, done: make(chan struct{})}
}

// ID returns the request id sent to the agent.
func (h *ControlHandle) ID() string { return h.id }

// Subtype returns the control request subtype.
func (h *ControlHandle) Subtype() string { return h.subtype }

// Done is closed once the request is resolved or failed.
func (h *ControlHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the agent responds, the request fails, or ctx ends.
func (h *ControlHandle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.response, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *ControlHandle) resolve(response []byte, err error) {
	h.once.Do(func() {
		h.response = response
		h.err = err
		close(h.done)
	})
}

// issueControl registers a handle under a fresh id and sends the request
// to the agent, queueing it while no agent is attached.
func (s *Session) issueControl(subtype string, fields map[string]any) *ControlHandle {
	h := newControlHandle(ulid.Make().String(), subtype)
	s.control[h.id] = h
	s.sendToAgent(protocol.NewControlRequest(h.id, subtype, fields))
	return h
}

func (s *Session) resolveControl(body protocol.ControlResponseBody) {
	h, ok := s.control[body.RequestID]
	if !ok {
		s.log.Warn().Str("requestID", body.RequestID).Msg("control response for unknown request")
		return
	}
	delete(s.control, body.RequestID)

	if body.OK() {
		h.resolve(body.Response, nil)
		return
	}
	h.resolve(nil, &ControlError{Subtype: h.subtype, Message: body.Error})
}

// failControls fails every outstanding handle with err.
func (s *Session) failControls(err error) {
	for id, h := range s.control {
		h.resolve(nil, err)
		delete(s.control, id)
	}
}
