// Package api wraps the control-plane calls the engine consumes: ticket
// acquisition for the event feed, session lifecycle calls, and the durable
// session load used for merge-on-load. It contains no reconciliation logic.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dennismeister93/cloud-sub001/internal/logging"
	"github.com/dennismeister93/cloud-sub001/internal/protocol"
)

// ticketSlack is how long before expiry a cached ticket stops being reused.
const ticketSlack = 10 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer credential on every call, when set.
	Token string
	// OrgID scopes ticket requests to an organization, when set.
	OrgID      string
	HTTPClient *http.Client
	Logger     logging.Logger
}

// Client is the control-plane HTTP client.
type Client struct {
	baseURL string
	token   string
	orgID   string
	http    *http.Client
	log     logging.Logger

	// retryBase is the first retry delay; doubled per attempt.
	retryBase time.Duration

	sf       singleflight.Group
	ticketMu sync.Mutex
	tickets  map[string]cachedTicket
	now      func() time.Time
}

type cachedTicket struct {
	value   string
	expires time.Time
}

// NewClient creates a Client against cfg.BaseURL.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		orgID:     cfg.OrgID,
		http:      httpClient,
		log:       logging.OrNop(cfg.Logger),
		retryBase: callBaseDelay,
		tickets:   make(map[string]cachedTicket),
		now:       time.Now,
	}
}

type ticketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Ticket returns a connection ticket for sessionID, reusing an unexpired
// cached one. Concurrent requests for the same session collapse into one
// outbound call.
func (c *Client) Ticket(ctx context.Context, sessionID string) (string, error) {
	c.ticketMu.Lock()
	cached, ok := c.tickets[sessionID]
	c.ticketMu.Unlock()
	if ok && c.now().Add(ticketSlack).Before(cached.expires) {
		return cached.value, nil
	}
	return c.fetchTicket(ctx, sessionID)
}

// Refresh discards any cached ticket for sessionID and mints a fresh one.
// The connection manager calls this after an auth rejection.
func (c *Client) Refresh(ctx context.Context, sessionID string) (string, error) {
	c.ticketMu.Lock()
	delete(c.tickets, sessionID)
	c.ticketMu.Unlock()
	c.sf.Forget("ticket:" + sessionID)
	return c.fetchTicket(ctx, sessionID)
}

func (c *Client) fetchTicket(ctx context.Context, sessionID string) (string, error) {
	v, err, _ := c.sf.Do("ticket:"+sessionID, func() (any, error) {
		var resp ticketResponse
		body := map[string]string{}
		if c.orgID != "" {
			body["orgId"] = c.orgID
		}
		err := c.call(ctx, http.MethodPost, fmt.Sprintf("/session/%s/ticket", sessionID), body, &resp)
		if err != nil {
			return nil, err
		}
		c.ticketMu.Lock()
		c.tickets[sessionID] = cachedTicket{
			value:   resp.Ticket,
			expires: time.UnixMilli(resp.ExpiresAt),
		}
		c.ticketMu.Unlock()
		return resp.Ticket, nil
	})
	if err != nil {
		return "", fmt.Errorf("ticket for session %s: %w", sessionID, err)
	}
	return v.(string), nil
}

// PrepareRequest creates a new remote session.
type PrepareRequest struct {
	Title      string `json:"title,omitempty"`
	Repository string `json:"repository,omitempty"`
	OrgID      string `json:"orgId,omitempty"`
	Mode       string `json:"mode,omitempty"`
	ModelID    string `json:"modelId,omitempty"`
}

// SessionDetails is the server's session metadata, also returned by Load as
// the authoritative snapshot header.
type SessionDetails struct {
	SessionID       string `json:"sessionId"`
	RemoteSessionID string `json:"remoteSessionId,omitempty"`
	Title           string `json:"title,omitempty"`
	Repository      string `json:"repository,omitempty"`
	Mode            string `json:"mode,omitempty"`
	ModelID         string `json:"modelId,omitempty"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// Prepare creates a new remote session and returns its identity.
func (c *Client) Prepare(ctx context.Context, req PrepareRequest) (SessionDetails, error) {
	var details SessionDetails
	if err := c.call(ctx, http.MethodPost, "/session", req, &details); err != nil {
		return SessionDetails{}, fmt.Errorf("prepare session: %w", err)
	}
	return details, nil
}

// Initiate begins execution of a prepared session.
func (c *Client) Initiate(ctx context.Context, sessionID string) error {
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/session/%s/initiate", sessionID), nil, nil); err != nil {
		return fmt.Errorf("initiate session %s: %w", sessionID, err)
	}
	return nil
}

// SendMessageRequest continues an existing session.
type SendMessageRequest struct {
	Text    string `json:"text"`
	Mode    string `json:"mode,omitempty"`
	ModelID string `json:"modelId,omitempty"`
}

// SendMessage continues an existing session with a user message.
func (c *Client) SendMessage(ctx context.Context, sessionID string, req SendMessageRequest) error {
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/session/%s/message", sessionID), req, nil); err != nil {
		return fmt.Errorf("send message to session %s: %w", sessionID, err)
	}
	return nil
}

// Interrupt stops in-flight execution for a session.
func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/session/%s/interrupt", sessionID), nil, nil); err != nil {
		return fmt.Errorf("interrupt session %s: %w", sessionID, err)
	}
	return nil
}

type loadResponse struct {
	Details  SessionDetails     `json:"details"`
	Messages []protocol.Message `json:"messages"`
}

// Load fetches the durable server-side record of a session: metadata plus
// full message history. The synchronizer treats this as the authoritative
// snapshot for merge-on-load.
func (c *Client) Load(ctx context.Context, sessionID string) (SessionDetails, []protocol.Message, error) {
	var resp loadResponse
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/session/%s", sessionID), nil, &resp); err != nil {
		return SessionDetails{}, nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return resp.Details, resp.Messages, nil
}

type errorBody struct {
	Message string `json:"message"`
}

const (
	callAttempts  = 3
	callBaseDelay = 500 * time.Millisecond
)

// call runs one control-plane request, retrying transient failures with
// exponential backoff. Terminal failures return immediately.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var err error
	for attempt := 0; attempt < callAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryBase << (attempt - 1)
			c.log.Debug("retrying %s %s in %v (attempt %d/%d)", method, path, delay, attempt+1, callAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = c.do(ctx, method, path, body, out)
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Code: codeForStatus(resp.StatusCode), StatusCode: resp.StatusCode}
		var eb errorBody
		if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); readErr == nil {
			if json.Unmarshal(data, &eb) == nil {
				apiErr.Message = eb.Message
			}
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
