package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/opencode-ai/sessionbridge/internal/bridge"
	"github.com/opencode-ai/sessionbridge/pkg/protocol"
)

// TestClient talks to the bridge's HTTP API.
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a client for the bridge at baseURL.
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// SessionDetail is the body of GET /session/{id}.
type SessionDetail struct {
	Info  bridge.Info           `json:"info"`
	State protocol.SessionState `json:"state"`
}

// InterruptResult is the body of a successful POST /session/{id}/interrupt.
type InterruptResult struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response"`
}

// APIError is the decoded error envelope of a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Get sends a GET and returns the response whatever its status.
func (c *TestClient) Get(ctx context.Context, path string) (*Response, error) {
	return c.Raw(ctx, http.MethodGet, path, nil)
}

// Raw sends body unmodified and returns the response whatever its
// status.
func (c *TestClient) Raw(ctx context.Context, method, path string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

// call sends in as JSON (when non-nil), turns a non-2xx status into an
// *APIError and decodes the body into out (when non-nil).
func (c *TestClient) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	resp, err := c.Raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := resp.JSON(out); err != nil {
		return fmt.Errorf("%s %s: decode body: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := resp.JSON(&envelope); err == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = string(resp.Body)
	}
	return apiErr
}

func sessionPath(sessionID string, rest ...string) string {
	p := "/session/" + url.PathEscape(sessionID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// ListSessions lists the live sessions.
func (c *TestClient) ListSessions(ctx context.Context) ([]bridge.Info, error) {
	var infos []bridge.Info
	if err := c.call(ctx, http.MethodGet, "/session", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// GetSession returns the counters and state of a session.
func (c *TestClient) GetSession(ctx context.Context, sessionID string) (*SessionDetail, error) {
	var detail SessionDetail
	if err := c.call(ctx, http.MethodGet, sessionPath(sessionID), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetHistory returns the durable message history of a session.
func (c *TestClient) GetHistory(ctx context.Context, sessionID string) (protocol.History, error) {
	var history protocol.History
	if err := c.call(ctx, http.MethodGet, sessionPath(sessionID, "history"), nil, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// LoadHistory replaces the history of a session.
func (c *TestClient) LoadHistory(ctx context.Context, sessionID string, history protocol.History) error {
	return c.call(ctx, http.MethodPut, sessionPath(sessionID, "history"), history, nil)
}

// NotifyContent tells the observers of a session that paths changed.
func (c *TestClient) NotifyContent(ctx context.Context, sessionID string, paths ...string) error {
	body := map[string][]string{"paths": paths}
	return c.call(ctx, http.MethodPost, sessionPath(sessionID, "content"), body, nil)
}

// Interrupt asks the agent of a session to stop its turn and waits for
// its answer.
func (c *TestClient) Interrupt(ctx context.Context, sessionID string) (*InterruptResult, error) {
	var result InterruptResult
	if err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "interrupt"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteSession saves and removes a session.
func (c *TestClient) DeleteSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodDelete, sessionPath(sessionID), nil, nil)
}
