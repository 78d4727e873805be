package voiceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrNoVoiceID is returned when an action is requested before the provider
// has assigned a voice id to the call.
var ErrNoVoiceID = errors.New("voiceapi: voice id is required")

// APIError is returned when the provider answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("voiceapi: provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("voiceapi: provider returned status %d", e.StatusCode)
}

// Temporary reports whether retrying the request may succeed: server
// errors and rate limiting are, other client errors are not.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// errorBody is the subset of the provider's error payload we surface.
type errorBody struct {
	Result  any    `json:"result"`
	Message string `json:"msg"`
	Error   string `json:"error"`
	Desc    string `json:"desc"`
}

// joinRoomRequest is the body of the join-room request.
type joinRoomRequest struct {
	RoomID string `json:"room_id"`
}

// Client is an HTTP client for the voice provider's call-control API.
// Requests authenticate with HTTP Basic using the application id and key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	appID      string
	appKey     string
}

// NewClient creates a call-control client.
// baseURL is the voice API root (e.g., "https://api.enablex.io/voice/v1").
func NewClient(baseURL, appID, appKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		appID:      appID,
		appKey:     appKey,
	}
}

// AcceptCall answers the inbound call identified by voiceID.
func (c *Client) AcceptCall(ctx context.Context, voiceID string) error {
	if voiceID == "" {
		return ErrNoVoiceID
	}
	return c.do(ctx, http.MethodPut, "/call/"+url.PathEscape(voiceID)+"/accept", nil)
}

// HangupCall disconnects the call identified by voiceID.
func (c *Client) HangupCall(ctx context.Context, voiceID string) error {
	if voiceID == "" {
		return ErrNoVoiceID
	}
	return c.do(ctx, http.MethodDelete, "/call/"+url.PathEscape(voiceID), nil)
}

// JoinRoom bridges the call identified by voiceID into the video room.
func (c *Client) JoinRoom(ctx context.Context, voiceID, roomID string) error {
	if voiceID == "" {
		return ErrNoVoiceID
	}
	if roomID == "" {
		return fmt.Errorf("voiceapi: room id is required")
	}
	return c.do(ctx, http.MethodPut, "/call/"+url.PathEscape(voiceID)+"/room", joinRoomRequest{RoomID: roomID})
}

func (c *Client) do(ctx context.Context, method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("voiceapi: marshalling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("voiceapi: creating request: %w", err)
	}
	req.SetBasicAuth(c.appID, c.appKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("voiceapi: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("voiceapi: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil {
			switch {
			case eb.Message != "":
				apiErr.Message = eb.Message
			case eb.Error != "":
				apiErr.Message = eb.Error
			case eb.Desc != "":
				apiErr.Message = eb.Desc
			}
		}
		return apiErr
	}

	slog.Debug("voice api request completed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
	)
	return nil
}
