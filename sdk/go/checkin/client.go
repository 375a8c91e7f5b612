// Package checkin provides a Go SDK client for the check-in HTTP API.
//
// Usage:
//
//	client := checkin.NewClient("http://localhost:8080", checkin.WithAPIKey("my-key"))
//	resp, err := client.Start(ctx, checkin.Seed{SubjectAccount: "A100"})
//	resp, err = client.Send(ctx, resp.SessionID, "yes, that's correct")
//	fmt.Println(resp.Payload.Speech)
package checkin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Payload is the user-facing content of an assistant turn.
type Payload struct {
	Speech  string `json:"speech"`
	Display string `json:"display"`
}

// Seed starts a new session.
type Seed struct {
	SubjectAccount string         `json:"subjectAccount"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// TurnResponse is the response to one turn.
type TurnResponse struct {
	Status    bool    `json:"status"`
	SessionID string  `json:"sessionId"`
	Stage     string  `json:"stage"`
	Payload   Payload `json:"payload"`
	Completed bool    `json:"completed"`
	Degraded  bool    `json:"degraded,omitempty"`
}

// Frame is a single event of a streamed turn.
type Frame struct {
	Status      bool     `json:"status"`
	IsStreaming bool     `json:"isStreaming"`
	SessionID   string   `json:"sessionId"`
	Payload     *Payload `json:"payload,omitempty"`
	Completed   bool     `json:"completed"`
	Message     string   `json:"message,omitempty"`
}

// Turn is a public entry of a session's turn log.
type Turn struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Stage     string    `json:"stage"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the current position and recent turns of a session.
type Session struct {
	SessionID string `json:"sessionId"`
	Stage     string `json:"stage"`
	Completed bool   `json:"completed"`
	Turns     []Turn `json:"turns"`
}

// StageInfo describes one stage of the pipeline.
type StageInfo struct {
	Name      string `json:"name"`
	Successor string `json:"successor,omitempty"`
	Terminal  bool   `json:"terminal,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Pipeline is the configured stage sequence.
type Pipeline struct {
	Entry    string      `json:"entry"`
	Terminal string      `json:"terminal"`
	Stages   []StageInfo `json:"stages"`
}

// HealthResponse is the response from the health check endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Stages  int    `json:"stages"`
	Version string `json:"version"`
}

// APIError represents an error response from the check-in API.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client is the check-in API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new check-in client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type turnRequest struct {
	SessionID      string `json:"sessionId,omitempty"`
	NewSessionSeed *Seed  `json:"newSessionSeed,omitempty"`
	Utterance      string `json:"utterance,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.ErrorCode == "" {
			apiErr.ErrorCode = "unknown"
			apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &apiErr
	}

	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(result)
}

// Health checks the server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stages returns the configured stage pipeline.
func (c *Client) Stages(ctx context.Context) (*Pipeline, error) {
	var result Pipeline
	if err := c.doJSON(ctx, http.MethodGet, "/v1/stages", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Start creates a session and returns its welcome turn.
func (c *Client) Start(ctx context.Context, seed Seed) (*TurnResponse, error) {
	return c.turn(ctx, turnRequest{NewSessionSeed: &seed})
}

// Send continues a session with a user utterance.
func (c *Client) Send(ctx context.Context, sessionID, utterance string) (*TurnResponse, error) {
	return c.turn(ctx, turnRequest{SessionID: sessionID, Utterance: utterance})
}

func (c *Client) turn(ctx context.Context, body turnRequest) (*TurnResponse, error) {
	var result TurnResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/checkin", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Session returns a session's current stage and recent public turns.
func (c *Client) Session(ctx context.Context, sessionID string) (*Session, error) {
	var result Session
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StreamCallback is called with each streamed frame.
type StreamCallback func(frame Frame) error

// StreamStart creates a session and streams its frames.
func (c *Client) StreamStart(ctx context.Context, seed Seed, callback StreamCallback) error {
	return c.stream(ctx, turnRequest{NewSessionSeed: &seed}, callback)
}

// StreamSend continues a session and streams its frames.
func (c *Client) StreamSend(ctx context.Context, sessionID, utterance string, callback StreamCallback) error {
	return c.stream(ctx, turnRequest{SessionID: sessionID, Utterance: utterance}, callback)
}

func (c *Client) stream(ctx context.Context, body turnRequest, callback StreamCallback) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/checkin/stream", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(line[6:]), &f); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if err := callback(f); err != nil {
			return err
		}
		if !f.IsStreaming {
			if !f.Status {
				return &APIError{StatusCode: resp.StatusCode, ErrorCode: "stream_failed", Message: f.Message}
			}
			return nil
		}
	}
	return scanner.Err()
}
