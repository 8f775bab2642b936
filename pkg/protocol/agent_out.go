package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Image is a base64 encoded image attached to a user message.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentBlock is one block of a mixed user message.
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the source of an image content block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// UserFrame starts a new turn on the agent.
type UserFrame struct {
	Type            string      `json:"type"`
	Message         UserContent `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id"`
}

// UserContent is the message body of a UserFrame. Content is either a
// string or a []ContentBlock.
type UserContent struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// NewUserFrame builds a user turn. With images attached the content is
// the image blocks followed by a trailing text block; otherwise it is the
// plain text.
func NewUserFrame(sessionID, text string, images []Image) UserFrame {
	var content any = text
	if len(images) > 0 {
		blocks := make([]ContentBlock, 0, len(images)+1)
		for _, img := range images {
			blocks = append(blocks, ContentBlock{
				Type: "image",
				Source: &ImageSource{
					Type:      "base64",
					MediaType: img.MediaType,
					Data:      img.Data,
				},
			})
		}
		blocks = append(blocks, ContentBlock{Type: "text", Text: text})
		content = blocks
	}
	return UserFrame{
		Type:      "user",
		Message:   UserContent{Role: "user", Content: content},
		SessionID: sessionID,
	}
}

// ControlRequestFrame is a bridge-initiated control request.
type ControlRequestFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}

// NewControlRequest builds a control request with the given subtype.
// Extra fields are merged into the request body.
func NewControlRequest(requestID, subtype string, fields map[string]any) ControlRequestFrame {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["subtype"] = subtype
	return ControlRequestFrame{
		Type:      "control_request",
		RequestID: requestID,
		Request:   body,
	}
}

// ControlResponseFrame answers an agent-initiated control request.
type ControlResponseFrame struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// PermissionDecision is the response body of a can_use_tool request.
type PermissionDecision struct {
	Behavior           string          `json:"behavior"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
	Message            string          `json:"message,omitempty"`
}

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// AllowResponse approves a can_use_tool request. updatedPermissions may
// be nil.
func AllowResponse(requestID string, updatedInput, updatedPermissions json.RawMessage) ControlResponseFrame {
	if IsEmptyRaw(updatedInput) {
		updatedInput = json.RawMessage(`{}`)
	}
	if IsEmptyRaw(updatedPermissions) {
		updatedPermissions = nil
	}
	return successResponse(requestID, PermissionDecision{
		Behavior:           BehaviorAllow,
		UpdatedInput:       updatedInput,
		UpdatedPermissions: updatedPermissions,
	})
}

// DenyResponse rejects a can_use_tool request.
func DenyResponse(requestID, message string) ControlResponseFrame {
	return successResponse(requestID, PermissionDecision{
		Behavior: BehaviorDeny,
		Message:  message,
	})
}

// ErrorResponse reports that a control request could not be handled.
func ErrorResponse(requestID, message string) ControlResponseFrame {
	return ControlResponseFrame{
		Type: "control_response",
		Response: ControlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
}

func successResponse(requestID string, body any) ControlResponseFrame {
	raw, _ := json.Marshal(body)
	return ControlResponseFrame{
		Type: "control_response",
		Response: ControlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  raw,
		},
	}
}

// IsEmptyRaw reports whether raw is absent or JSON null.
func IsEmptyRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// EncodeFrame serializes an agent-bound frame as one NDJSON line.
func EncodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}
