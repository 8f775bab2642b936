package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

// MockAgent is a scripted agent process connected to the bridge. It
// answers user turns according to its MockAgentConfig, asks for tool
// permissions and acknowledges control requests.
type MockAgent struct {
	conn   *websocket.Conn
	config *MockAgentConfig

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu       sync.Mutex
	received []AgentFrame
	waiters  map[string]chan protocol.ControlResponseBody
	permSeq  int

	prompts chan string
	frames  chan AgentFrame
	done    chan struct{}
	wg      sync.WaitGroup
}

// AgentFrame records one frame the bridge sent to the agent.
type AgentFrame struct {
	Timestamp time.Time
	Type      string
	Subtype   string
	Raw       json.RawMessage
}

// StartMockAgent connects a scripted agent to url and announces
// system/init unless the config disables it. A nil config uses
// DefaultMockAgentConfig.
func StartMockAgent(ctx context.Context, url string, config *MockAgentConfig) (*MockAgent, error) {
	if config == nil {
		config = DefaultMockAgentConfig()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	a := &MockAgent{
		conn:    conn,
		config:  config,
		waiters: make(map[string]chan protocol.ControlResponseBody),
		prompts: make(chan string, 16),
		frames:  make(chan AgentFrame, 64),
		done:    make(chan struct{}),
	}

	if !config.Settings.SkipInit {
		if err := a.SendInit(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	a.wg.Add(2)
	go a.readLoop()
	go a.turnLoop()
	return a, nil
}

// SendInit announces the agent session.
func (a *MockAgent) SendInit() error {
	s := a.config.Settings
	return a.Send(map[string]any{
		"type":                "system",
		"subtype":             protocol.SubtypeInit,
		"session_id":          s.SessionID,
		"uuid":                uuid.NewString(),
		"cwd":                 s.Cwd,
		"model":               s.Model,
		"permissionMode":      s.PermissionMode,
		"claude_code_version": "2.0.0",
		"tools":               s.Tools,
		"mcp_servers":         []any{},
		"agents":              []string{},
		"slash_commands":      []string{"compact"},
		"skills":              []string{},
	})
}

// SendStatus reports a transient status. An empty status clears it.
func (a *MockAgent) SendStatus(status string) error {
	frame := map[string]any{"type": "system", "subtype": protocol.SubtypeStatus, "status": nil}
	if status != "" {
		frame["status"] = status
	}
	return a.Send(frame)
}

// Send writes v as one NDJSON line.
func (a *MockAgent) Send(v any) error {
	data, err := protocol.EncodeFrame(v)
	if err != nil {
		return err
	}
	return a.SendRaw(data)
}

// SendRaw writes data as a single text message.
func (a *MockAgent) SendRaw(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *MockAgent) readLoop() {
	defer a.wg.Done()
	defer close(a.done)

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				a.handleFrame(line)
			}
		}
	}
}

func (a *MockAgent) handleFrame(line []byte) {
	var head struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
		Request   struct {
			Subtype string `json:"subtype"`
		} `json:"request"`
		Response protocol.ControlResponseBody `json:"response"`
		Message  struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return
	}

	frame := AgentFrame{
		Timestamp: time.Now(),
		Type:      head.Type,
		Subtype:   head.Request.Subtype,
		Raw:       append(json.RawMessage(nil), line...),
	}
	a.mu.Lock()
	a.received = append(a.received, frame)
	a.mu.Unlock()

	select {
	case a.frames <- frame:
	default:
	}

	switch head.Type {
	case "user":
		select {
		case a.prompts <- promptText(head.Message.Content):
		case <-a.done:
		}
	case "control_request":
		if a.config.Settings.IgnoreControls {
			return
		}
		a.Send(protocol.ControlResponseFrame{
			Type: "control_response",
			Response: protocol.ControlResponseBody{
				Subtype:   "success",
				RequestID: head.RequestID,
				Response:  json.RawMessage(`{}`),
			},
		})
	case "control_response":
		a.mu.Lock()
		ch, ok := a.waiters[head.Response.RequestID]
		delete(a.waiters, head.Response.RequestID)
		a.mu.Unlock()
		if ok {
			ch <- head.Response
		}
	}
}

// promptText extracts the text of a user message whose content is
// either a string or a list of content blocks.
func promptText(content json.RawMessage) string {
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}
	var blocks []protocol.ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, b := range blocks {
		if b.Type == "text" {
			buf.WriteString(b.Text)
		}
	}
	return buf.String()
}

func (a *MockAgent) turnLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case prompt := <-a.prompts:
			a.runTurn(prompt)
		}
	}
}

func (a *MockAgent) runTurn(prompt string) {
	if lag := a.config.Settings.LagMS; lag > 0 {
		select {
		case <-time.After(time.Duration(lag) * time.Millisecond):
		case <-a.done:
			return
		}
	}

	reply, isError := "", false
	if rule := a.config.FindMatchingToolRule(prompt); rule != nil {
		allowed, ok := a.askPermission(rule)
		if !ok {
			return
		}
		reply = rule.Denied
		if allowed {
			reply = rule.Allowed
		}
	} else {
		turn, _ := a.config.FindMatchingResponse(prompt)
		reply, isError = turn.Response, turn.IsError
	}

	if a.config.Settings.StreamDeltas {
		a.Send(map[string]any{
			"type": "stream_event",
			"event": map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": reply},
			},
			"parent_tool_use_id": nil,
		})
	}
	a.Send(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"id":      "msg_" + uuid.NewString(),
			"role":    "assistant",
			"model":   a.config.Settings.Model,
			"content": []map[string]any{{"type": "text", "text": reply}},
		},
		"parent_tool_use_id": nil,
		"session_id":         a.config.Settings.SessionID,
		"uuid":               uuid.NewString(),
	})
	a.Send(a.result(reply, isError))
}

// askPermission sends a can_use_tool request and waits for the bridge to
// answer it. ok is false when the agent went away first.
func (a *MockAgent) askPermission(rule *ToolRule) (allowed, ok bool) {
	a.mu.Lock()
	a.permSeq++
	requestID := fmt.Sprintf("perm-%d", a.permSeq)
	ch := make(chan protocol.ControlResponseBody, 1)
	a.waiters[requestID] = ch
	a.mu.Unlock()

	err := a.Send(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request": map[string]any{
			"subtype":     protocol.ControlCanUseTool,
			"tool_name":   rule.Tool,
			"input":       rule.Input,
			"tool_use_id": "toolu_" + requestID,
		},
	})
	if err != nil {
		return false, false
	}

	select {
	case body := <-ch:
		var decision protocol.PermissionDecision
		if body.OK() {
			json.Unmarshal(body.Response, &decision)
		}
		return decision.Behavior == protocol.BehaviorAllow, true
	case <-a.done:
		return false, false
	}
}

func (a *MockAgent) result(text string, isError bool) map[string]any {
	s := a.config.Settings
	subtype := "success"
	var errs []string
	if isError {
		subtype = "error_during_execution"
		errs = []string{text}
	}
	return map[string]any{
		"type":            "result",
		"subtype":         subtype,
		"is_error":        isError,
		"result":          text,
		"errors":          errs,
		"duration_ms":     12,
		"duration_api_ms": 10,
		"num_turns":       1,
		"total_cost_usd":  0.001,
		"usage": map[string]any{
			"input_tokens":  50000,
			"output_tokens": 10000,
		},
		"modelUsage": map[string]any{
			s.Model: map[string]any{
				"inputTokens":   50000,
				"outputTokens":  10000,
				"contextWindow": 200000,
				"costUSD":       0.001,
			},
		},
		"session_id": s.SessionID,
	}
}

// WaitForFrame waits for a frame of the given type sent by the bridge.
// Frames already received are not considered.
func (a *MockAgent) WaitForFrame(frameType string, timeout time.Duration) (AgentFrame, error) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-a.frames:
			if f.Type == frameType {
				return f, nil
			}
		case <-a.done:
			return AgentFrame{}, fmt.Errorf("agent disconnected")
		case <-deadline:
			return AgentFrame{}, fmt.Errorf("timeout waiting for %s frame", frameType)
		}
	}
}

// Received returns every frame the bridge sent so far.
func (a *MockAgent) Received() []AgentFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AgentFrame(nil), a.received...)
}

// Done is closed once the bridge connection ends.
func (a *MockAgent) Done() <-chan struct{} {
	return a.done
}

// Close disconnects the agent and waits for its goroutines. Later calls
// are no-ops.
func (a *MockAgent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.writeMu.Lock()
		_ = a.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		a.writeMu.Unlock()
		err = a.conn.Close()
		a.wg.Wait()
	})
	return err
}
