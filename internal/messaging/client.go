// ABOUTME: HTTP client for the messaging platform: outbound sends, ownership
// ABOUTME: reassignment, and a one-time payload-schema capability probe

package messaging

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

	"github.com/driftline/drift-relay/internal/store"
)

// ErrDeliveryFailed means an outbound message could not be delivered after
// bounded retries.
var ErrDeliveryFailed = errors.New("message delivery failed")

// Schema identifies which outbound payload shape the platform accepts. The
// platform's API drifted over time; rather than probing per request, the
// client probes once at startup and pins one of two known shapes.
type Schema string

const (
	// SchemaEnvelope is the current shape: conversation ID plus a body object.
	SchemaEnvelope Schema = "envelope"
	// SchemaRecipient is the legacy recipient/message shape.
	SchemaRecipient Schema = "recipient"
)

// Options configures the messaging client.
type Options struct {
	BaseURL        string
	AccessToken    string
	MaxSendRetries int           // default 3
	RetryBackoff   time.Duration // first retry delay, doubled per attempt; default 1s
	RequestTimeout time.Duration // per-HTTP-call ceiling, default 8s
}

// Client sends messages into conversations and manages conversation
// assignment on the messaging platform.
type Client struct {
	baseURL        string
	accessToken    string
	maxSendRetries int
	retryBackoff   time.Duration
	httpClient     *http.Client
	schema         Schema
	logger         *slog.Logger
}

// New creates a messaging Client pinned to the envelope schema. Call Probe
// once at startup to let the platform downgrade it to the legacy shape.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxSendRetries <= 0 {
		opts.MaxSendRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 8 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		accessToken:    opts.AccessToken,
		maxSendRetries: opts.MaxSendRetries,
		retryBackoff:   opts.RetryBackoff,
		httpClient:     &http.Client{Timeout: opts.RequestTimeout},
		schema:         SchemaEnvelope,
		logger:         logger.With("component", "messaging"),
	}
}

type capabilitiesResponse struct {
	MessageSchema string `json:"message_schema"`
}

// Probe asks the platform which payload schema it speaks and pins the client
// to it. Unknown or unreachable capability endpoints fall back to the legacy
// recipient shape, which every historical deployment accepted.
func (c *Client) Probe(ctx context.Context) Schema {
	var caps capabilitiesResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/capabilities", nil, &caps)
	switch {
	case err != nil:
		c.logger.Warn("capability probe failed, using legacy schema", "error", err)
		c.schema = SchemaRecipient
	case caps.MessageSchema == string(SchemaEnvelope):
		c.schema = SchemaEnvelope
	default:
		c.schema = SchemaRecipient
	}
	c.logger.Info("message schema pinned", "schema", string(c.schema))
	return c.schema
}

type envelopePayload struct {
	ConversationID string `json:"conversation_id"`
	Body           struct {
		Text string `json:"text"`
	} `json:"body"`
}

type recipientPayload struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// SendMessage delivers text into a conversation, retrying on network errors
// and 5xx responses with exponential backoff. 4xx responses fail immediately;
// retrying a rejected payload won't change the answer.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) error {
	payload := c.buildPayload(conversationID, text)

	var lastErr error
	for attempt := 1; attempt <= c.maxSendRetries; attempt++ {
		err := c.doJSON(ctx, http.MethodPost, "/v1/messages", payload, nil)
		if err == nil {
			c.logger.Debug("message sent",
				"conversation_id", conversationID,
				"attempt", attempt)
			return nil
		}

		var httpErr *statusError
		if errors.As(err, &httpErr) && httpErr.code >= 400 && httpErr.code < 500 {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}

		lastErr = err
		c.logger.Warn("send attempt failed",
			"conversation_id", conversationID,
			"attempt", attempt,
			"error", err)

		if attempt < c.maxSendRetries {
			backoff := c.retryBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
			}
		}
	}
	return fmt.Errorf("%w: after %d attempts: %v", ErrDeliveryFailed, c.maxSendRetries, lastErr)
}

func (c *Client) buildPayload(conversationID, text string) any {
	if c.schema == SchemaRecipient {
		var p recipientPayload
		p.Recipient.ID = conversationID
		p.Message.Text = text
		return p
	}
	var p envelopePayload
	p.ConversationID = conversationID
	p.Body.Text = text
	return p
}

type reassignRequest struct {
	Target string `json:"target"`
}

// Reassign moves the conversation to the given owner on the platform side.
// Best-effort: the caller treats failure as logged, not fatal.
func (c *Client) Reassign(ctx context.Context, conversationID string, target store.Owner) error {
	path := "/v1/conversations/" + conversationID + "/assignee"
	err := c.doJSON(ctx, http.MethodPost, path, reassignRequest{Target: string(target)}, nil)
	if err != nil {
		return fmt.Errorf("reassigning conversation: %w", err)
	}
	c.logger.Info("conversation reassigned",
		"conversation_id", conversationID,
		"target", string(target))
	return nil
}

type conversationResponse struct {
	Owner string `json:"owner"`
}

// CurrentOwner queries the platform's authoritative view of who owns the
// conversation. Unrecognized or missing values map to OwnerUnknown.
func (c *Client) CurrentOwner(ctx context.Context, conversationID string) (store.Owner, error) {
	var conv conversationResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/conversations/"+conversationID, nil, &conv)
	if err != nil {
		return store.OwnerUnknown, fmt.Errorf("querying conversation owner: %w", err)
	}
	switch conv.Owner {
	case string(store.OwnerBot):
		return store.OwnerBot, nil
	case string(store.OwnerHuman):
		return store.OwnerHuman, nil
	default:
		return store.OwnerUnknown, nil
	}
}

// statusError carries a non-2xx response code so retry logic can distinguish
// client errors from server errors.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
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
		snippet := string(respBody)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return &statusError{code: resp.StatusCode, body: snippet}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
