package goose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/goose-companion/internal/reliability"
	"github.com/ent0n29/goose-companion/internal/session"
)

const secretKeyHeader = "X-Secret-Key"

// Config controls client construction.
type Config struct {
	BaseURL   string
	SecretKey string
	// Timeout bounds non-streaming requests. Streams are bounded by their context.
	Timeout time.Duration
	// RetryDelay is the pause before the single retry of a failed list call.
	RetryDelay time.Duration
}

// Client talks to a Goose server (goosed) over HTTP.
type Client struct {
	baseURL   string
	secretKey string
	client    *http.Client
	streamer  *http.Client

	retryDelay time.Duration
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	Retryable  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("goose http status %d: %s", e.StatusCode, e.Body)
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 250 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		client:     &http.Client{Timeout: timeout},
		streamer:   &http.Client{},
		retryDelay: retryDelay,
	}
}

type sessionListResponse struct {
	Sessions []sessionInfo `json:"sessions"`
}

type sessionInfo struct {
	ID        string          `json:"id"`
	Modified  string          `json:"modified"`
	UpdatedAt string          `json:"updated_at"`
	Metadata  sessionMetadata `json:"metadata"`
}

type sessionMetadata struct {
	Description  string `json:"description"`
	MessageCount int    `json:"message_count"`
	WorkingDir   string `json:"working_dir"`
}

// ListSessions fetches GET /sessions, retrying once after a transient
// failure.
func (c *Client) ListSessions(ctx context.Context) ([]session.Session, error) {
	list, err := c.listSessions(ctx)
	if err == nil || !retryable(err) {
		return list, err
	}
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, err
	case <-timer.C:
	}
	return c.listSessions(ctx)
}

func (c *Client) listSessions(ctx context.Context) ([]session.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.decorate(req)
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return nil, err
	}

	var body sessionListResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}

	out := make([]session.Session, 0, len(body.Sessions))
	for _, info := range body.Sessions {
		updated := info.UpdatedAt
		if updated == "" {
			updated = info.Modified
		}
		out = append(out, session.Session{
			ID:           info.ID,
			UpdatedAt:    updated,
			MessageCount: info.Metadata.MessageCount,
			Description:  info.Metadata.Description,
			WorkingDir:   info.Metadata.WorkingDir,
		})
	}
	return out, nil
}

type replyRequest struct {
	Messages  []json.RawMessage `json:"messages"`
	SessionID string            `json:"session_id"`
}

// Open starts POST /reply for the session and streams its events. An empty
// message list only listens to what the session is already doing.
func (c *Client) Open(ctx context.Context, sessionID string, messages []json.RawMessage) (session.EventStream, error) {
	if messages == nil {
		messages = []json.RawMessage{}
	}
	payload, err := json.Marshal(replyRequest{Messages: messages, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/reply", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.streamer.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open reply stream: %w", err)
	}
	if err := checkStatus(res); err != nil {
		res.Body.Close()
		cancel()
		return nil, err
	}

	return startEventStream(streamCtx, cancel, res.Body), nil
}

func (c *Client) decorate(req *http.Request) {
	if c.secretKey != "" {
		req.Header.Set(secretKeyHeader, c.secretKey)
	}
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return reliability.IsRetryableTransportError(err)
}

func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	return &APIError{
		StatusCode: res.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
	}
}
