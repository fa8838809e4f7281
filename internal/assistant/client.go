// ABOUTME: HTTP client for the hosted assistant backend
// ABOUTME: Creates sessions and polls submitted messages until a reply is ready

package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Errors the orchestrator maps onto its degraded path. All three submit
// failures are treated identically downstream.
var (
	// ErrUnavailable means the backend rejected or never accepted a
	// session-creation request.
	ErrUnavailable = errors.New("assistant unavailable")
	// ErrTimeout means the poll ceiling elapsed without a completed reply.
	ErrTimeout = errors.New("assistant reply timed out")
	// ErrRunFailed means the backend reported the run failed or expired.
	ErrRunFailed = errors.New("assistant run failed")
	// ErrEmptyReply means the run completed but produced no reply content.
	ErrEmptyReply = errors.New("assistant returned empty reply")
)

// Options configures the assistant client.
type Options struct {
	BaseURL        string
	APIKey         string
	PollInterval   time.Duration // default 1s
	MaxAttempts    int           // default 60
	RequestTimeout time.Duration // per-HTTP-call ceiling, default 8s
}

// Client talks to the assistant backend over HTTP. One backend session
// corresponds to one external conversation; the relay's session store owns
// that mapping.
type Client struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	maxAttempts  int
	httpClient   *http.Client
	logger       *slog.Logger
}

// New creates an assistant Client. Zero option fields get defaults.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 8 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
		httpClient:   &http.Client{Timeout: opts.RequestTimeout},
		logger:       logger.With("component", "assistant"),
	}
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type submitRequest struct {
	Text string `json:"text"`
}

type submitResponse struct {
	MessageID string `json:"message_id"`
}

type pollResponse struct {
	Status string `json:"status"`
	Reply  string `json:"reply"`
	Error  string `json:"error,omitempty"`
}

// Run states reported by the backend.
const (
	statusQueued    = "queued"
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusExpired   = "expired"
)

// CreateSession allocates a fresh backend session and returns its ID.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var resp createSessionResponse
	if err := c.post(ctx, "/v1/sessions", nil, &resp); err != nil {
		c.logger.Error("session creation failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("%w: backend returned no session id", ErrUnavailable)
	}
	c.logger.Debug("session created", "session_id", resp.SessionID)
	return resp.SessionID, nil
}

// SubmitAndAwaitReply sends text into a session and polls until the backend
// reports completion, failure, or the attempt ceiling elapses. A network-level
// error on a single poll is transient and consumes one attempt; the loop keeps
// going until the ceiling.
func (c *Client) SubmitAndAwaitReply(ctx context.Context, sessionID, text string) (string, error) {
	var submitted submitResponse
	err := c.post(ctx, "/v1/sessions/"+sessionID+"/messages", submitRequest{Text: text}, &submitted)
	if err != nil {
		return "", fmt.Errorf("%w: submit: %v", ErrRunFailed, err)
	}
	if submitted.MessageID == "" {
		return "", fmt.Errorf("%w: backend returned no message id", ErrRunFailed)
	}

	pollPath := "/v1/sessions/" + sessionID + "/messages/" + submitted.MessageID
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var poll pollResponse
		if err := c.get(ctx, pollPath, &poll); err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
			// Transient: retry on the next tick
			c.logger.Debug("poll attempt failed",
				"session_id", sessionID,
				"attempt", attempt,
				"error", err)
		} else {
			switch poll.Status {
			case statusCompleted:
				if strings.TrimSpace(poll.Reply) == "" {
					return "", ErrEmptyReply
				}
				return poll.Reply, nil
			case statusFailed, statusExpired:
				return "", fmt.Errorf("%w: status %s: %s", ErrRunFailed, poll.Status, poll.Error)
			case statusQueued, statusRunning:
				// keep waiting
			default:
				c.logger.Warn("unknown run status", "status", poll.Status)
			}
		}

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}

	return "", fmt.Errorf("%w: no reply after %d attempts", ErrTimeout, c.maxAttempts)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
