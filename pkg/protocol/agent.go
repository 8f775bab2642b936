package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when a frame is not a valid JSON object.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrUnknownMessage is returned for a well-formed frame whose
	// discriminator is not part of the message family.
	ErrUnknownMessage = errors.New("protocol: unknown message type")
)

// Agent system subtypes.
const (
	SubtypeInit             = "init"
	SubtypeStatus           = "status"
	SubtypeCompactBoundary  = "compact_boundary"
	SubtypeTaskNotification = "task_notification"
	SubtypeHookStarted      = "hook_started"
	SubtypeHookProgress     = "hook_progress"
	SubtypeHookResponse     = "hook_response"
)

// Control request subtypes.
const (
	ControlCanUseTool        = "can_use_tool"
	ControlInterrupt         = "interrupt"
	ControlSetModel          = "set_model"
	ControlSetPermissionMode = "set_permission_mode"
)

// AgentMessage is a frame received from the agent.
type AgentMessage interface {
	agentMessage()
}

// SystemInit is the first frame the agent sends after connecting.
type SystemInit struct {
	SessionID         string      `json:"session_id"`
	UUID              string      `json:"uuid,omitempty"`
	Cwd               string      `json:"cwd"`
	Model             string      `json:"model"`
	PermissionMode    string      `json:"permissionMode"`
	ClaudeCodeVersion string      `json:"claude_code_version"`
	Tools             []string    `json:"tools"`
	MCPServers        []MCPServer `json:"mcp_servers"`
	Agents            []string    `json:"agents"`
	SlashCommands     []string    `json:"slash_commands"`
	Skills            []string    `json:"skills"`
}

// SystemStatus reports a transient agent status. A nil Status clears it.
type SystemStatus struct {
	Status         *string `json:"status"`
	PermissionMode string  `json:"permissionMode,omitempty"`
}

// Compacting reports whether the agent is compacting its context.
func (s SystemStatus) Compacting() bool {
	return s.Status != nil && *s.Status == "compacting"
}

// SystemEvent is an informational system frame (compact boundary, task
// notification, hook lifecycle). Raw holds the complete frame.
type SystemEvent struct {
	Subtype string
	Raw     json.RawMessage
}

// Assistant is a complete assistant turn.
type Assistant struct {
	Message         json.RawMessage `json:"message"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	SessionID       string          `json:"session_id,omitempty"`
	UUID            string          `json:"uuid,omitempty"`
}

// Usage is the aggregate token usage of a turn.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ModelUsage is the per-model token usage reported in a result.
type ModelUsage struct {
	InputTokens              int     `json:"inputTokens"`
	OutputTokens             int     `json:"outputTokens"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens"`
	ContextWindow            int     `json:"contextWindow"`
	CostUSD                  float64 `json:"costUSD"`
}

// Result ends a turn. Raw holds the complete frame for relaying.
type Result struct {
	Subtype           string                `json:"subtype"`
	IsError           bool                  `json:"is_error"`
	Result            string                `json:"result,omitempty"`
	Errors            []string              `json:"errors,omitempty"`
	DurationMS        float64               `json:"duration_ms"`
	DurationAPIMS     float64               `json:"duration_api_ms"`
	NumTurns          int                   `json:"num_turns"`
	TotalCostUSD      float64               `json:"total_cost_usd"`
	StopReason        *string               `json:"stop_reason,omitempty"`
	Usage             Usage                 `json:"usage"`
	ModelUsage        map[string]ModelUsage `json:"modelUsage,omitempty"`
	TotalLinesAdded   *int                  `json:"total_lines_added,omitempty"`
	TotalLinesRemoved *int                  `json:"total_lines_removed,omitempty"`
	SessionID         string                `json:"session_id,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// StreamEvent carries one partial streaming delta.
type StreamEvent struct {
	Event           json.RawMessage `json:"event"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
}

// ToolProgress reports elapsed time of a running tool.
type ToolProgress struct {
	ToolUseID          string  `json:"tool_use_id"`
	ToolName           string  `json:"tool_name"`
	ParentToolUseID    *string `json:"parent_tool_use_id"`
	ElapsedTimeSeconds float64 `json:"elapsed_time_seconds"`
}

// ToolUseSummary is a one-line summary of preceding tool calls.
type ToolUseSummary struct {
	Summary             string   `json:"summary"`
	PrecedingToolUseIDs []string `json:"preceding_tool_use_ids,omitempty"`
}

// ControlRequest is an agent-initiated control request. Request holds the
// subtype-specific body.
type ControlRequest struct {
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// Subtype returns the subtype of the request body, or "" if it cannot be read.
func (c ControlRequest) Subtype() string {
	var head struct {
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(c.Request, &head); err != nil {
		return ""
	}
	return head.Subtype
}

// CanUseTool is the body of a can_use_tool control request.
type CanUseTool struct {
	ToolName              string          `json:"tool_name"`
	Input                 json.RawMessage `json:"input"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
	Description           string          `json:"description,omitempty"`
	ToolUseID             string          `json:"tool_use_id,omitempty"`
	AgentID               string          `json:"agent_id,omitempty"`
	BlockedPath           *string         `json:"blocked_path,omitempty"`
	DecisionReason        string          `json:"decision_reason,omitempty"`
}

// CanUseTool decodes the request body as a can_use_tool request.
func (c ControlRequest) CanUseTool() (CanUseTool, error) {
	var body CanUseTool
	if err := json.Unmarshal(c.Request, &body); err != nil {
		return body, fmt.Errorf("%w: can_use_tool: %v", ErrMalformed, err)
	}
	return body, nil
}

// ControlResponse answers a control request. It is used in both
// directions.
type ControlResponse struct {
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the payload of a control response.
type ControlResponseBody struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// OK reports whether the response is a success.
func (b ControlResponseBody) OK() bool {
	return b.Subtype == "success"
}

// KeepAlive is an agent heartbeat.
type KeepAlive struct{}

func (SystemInit) agentMessage()      {}
func (SystemStatus) agentMessage()    {}
func (SystemEvent) agentMessage()     {}
func (Assistant) agentMessage()       {}
func (Result) agentMessage()          {}
func (StreamEvent) agentMessage()     {}
func (ToolProgress) agentMessage()    {}
func (ToolUseSummary) agentMessage()  {}
func (ControlRequest) agentMessage()  {}
func (ControlResponse) agentMessage() {}
func (KeepAlive) agentMessage()       {}

// DecodeAgent parses one NDJSON line from the agent.
func DecodeAgent(line []byte) (AgentMessage, error) {
	var head struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Type {
	case "system":
		switch head.Subtype {
		case SubtypeInit:
			return decodeAgent[SystemInit](line)
		case SubtypeStatus:
			return decodeAgent[SystemStatus](line)
		case SubtypeCompactBoundary, SubtypeTaskNotification,
			SubtypeHookStarted, SubtypeHookProgress, SubtypeHookResponse:
			return SystemEvent{Subtype: head.Subtype, Raw: cloneRaw(line)}, nil
		}
		return nil, fmt.Errorf("%w: system/%s", ErrUnknownMessage, head.Subtype)
	case "assistant":
		return decodeAgent[Assistant](line)
	case "result":
		msg, err := decodeAs[Result](line)
		if err != nil {
			return nil, err
		}
		msg.Raw = cloneRaw(line)
		return msg, nil
	case "stream_event":
		return decodeAgent[StreamEvent](line)
	case "tool_progress":
		return decodeAgent[ToolProgress](line)
	case "tool_use_summary":
		return decodeAgent[ToolUseSummary](line)
	case "control_request":
		return decodeAgent[ControlRequest](line)
	case "control_response":
		return decodeAgent[ControlResponse](line)
	case "keep_alive":
		return KeepAlive{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
}

func decodeAgent[T AgentMessage](line []byte) (AgentMessage, error) {
	msg, err := decodeAs[T](line)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeAs[T any](line []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(line, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func cloneRaw(b []byte) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}
