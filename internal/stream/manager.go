// Package stream owns the persistent event feed connection: ticket-based
// handshake, the receive loop, failure classification, and reconnect with
// backoff. The manager is a raw passthrough — it never inspects payloads and
// never reorders or buffers events across reconnects.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dennismeister93/cloud-sub001/internal/logging"
	"github.com/dennismeister93/cloud-sub001/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// TicketSource supplies short-lived connection tickets. Refresh must bypass
// any cache and mint a fresh ticket; it is called after an auth rejection.
type TicketSource interface {
	Ticket(ctx context.Context, sessionID string) (string, error)
	Refresh(ctx context.Context, sessionID string) (string, error)
}

// Config configures a Manager.
type Config struct {
	// URL is the websocket endpoint of the event feed.
	URL     string
	Tickets TicketSource
	Retry   RetryConfig
	Logger  logging.Logger
	Metrics *Metrics
	// Dialer overrides the websocket dialer (tests).
	Dialer *websocket.Dialer
}

// Manager owns at most one live physical connection to the event feed.
// Events are delivered to OnEvent from a single goroutine in the exact order
// received from the transport. Set the callbacks before calling Connect.
type Manager struct {
	cfg     Config
	log     logging.Logger
	metrics *Metrics

	OnEvent       func(protocol.Event)
	OnError       func(*StreamError)
	OnStateChange func(State)

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr *StreamError
}

// New creates a disconnected Manager.
func New(cfg Config) *Manager {
	cfg.Retry = cfg.Retry.withDefaults()
	m := &Manager{
		cfg:     cfg,
		log:     logging.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
		state:   StateDisconnected,
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the classified error that drove the last transition into
// StateError, or nil.
func (m *Manager) LastError() *StreamError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect opens the feed for sessionID, tearing down any prior connection
// first. A ticket is obtained before the dial; an auth rejection on the
// handshake is retried once with a refreshed ticket. The receive loop runs
// until a terminal failure, reconnect exhaustion, or Disconnect, and shares
// ctx's lifetime.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	m.Disconnect()
	m.setState(StateConnecting)

	conn, err := m.dial(ctx, sessionID, false)
	if err != nil {
		if se := classify(err); se.Code == CodeAuth {
			m.log.Info("ticket rejected on handshake, refreshing once")
			conn, err = m.dial(ctx, sessionID, true)
		}
	}
	if err != nil {
		se := classify(err)
		m.fail(se)
		return se
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.conn = conn
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	m.metrics.Connects.Inc()
	m.setState(StateConnected)

	go m.run(runCtx, sessionID, conn, done)
	return nil
}

// Disconnect tears down the current connection, if any. Idempotent; safe to
// call from any goroutine except the manager's own callbacks.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, conn, done := m.cancel, m.conn, m.done
	m.cancel, m.conn, m.done = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	if cancel != nil || conn != nil {
		m.setState(StateDisconnected)
	}
}

// run drives the receive loop and reconnect policy for one Connect call.
func (m *Manager) run(ctx context.Context, sessionID string, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	authRetried := false
	attempt := 0
	for {
		delivered, err := m.readLoop(conn)
		_ = conn.Close()
		if delivered {
			// A working stream clears the consecutive-failure budget.
			authRetried = false
			attempt = 0
		}
		if ctx.Err() != nil {
			// Deliberate teardown; Disconnect reports the state change.
			return
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			m.log.Debug("feed closed normally for session %s", sessionID)
			m.setState(StateDisconnected)
			return
		}

		serr := classify(err)
		m.metrics.Errors.WithLabelValues(string(serr.Code)).Inc()

		switch {
		case serr.Code == CodeAuth && !authRetried:
			authRetried = true
			m.log.Info("ticket expired mid-stream, refreshing once")
			next, derr := m.reconnect(ctx, sessionID, true)
			if errors.Is(derr, context.Canceled) {
				return
			}
			if derr != nil {
				// Second consecutive auth failure is terminal.
				m.fail(classify(derr))
				return
			}
			conn = next

		case serr.Retryable:
			next, ok := m.retryConnect(ctx, sessionID, &attempt, &authRetried, serr)
			if !ok {
				return
			}
			conn = next

		default:
			m.fail(serr)
			return
		}
	}
}

// retryConnect redials with jittered exponential backoff. Returns false when
// the loop should stop (exhaustion, terminal dial error, teardown). A ticket
// rejection during a backoff redial still gets the single refresh the stream
// is granted, spending the shared authRetried budget.
func (m *Manager) retryConnect(ctx context.Context, sessionID string, attempt *int, authRetried *bool, cause *StreamError) (*websocket.Conn, bool) {
	for *attempt < m.cfg.Retry.MaxAttempts {
		delay := calculateBackoff(*attempt, m.cfg.Retry)
		*attempt++
		m.log.Info("reconnecting to session %s in %v (attempt %d/%d)",
			sessionID, delay, *attempt, m.cfg.Retry.MaxAttempts)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, false
		}
		m.setState(StateConnecting)
		conn, err := m.reconnect(ctx, sessionID, false)
		if err != nil && !*authRetried && classify(err).Code == CodeAuth {
			*authRetried = true
			m.log.Info("ticket rejected on reconnect, refreshing once")
			conn, err = m.reconnect(ctx, sessionID, true)
		}
		if err == nil {
			return conn, true
		}
		if errors.Is(err, context.Canceled) {
			return nil, false
		}
		if se := classify(err); !se.Retryable {
			m.fail(se)
			return nil, false
		}
		m.log.Warn("reconnect attempt %d failed: %v", *attempt, err)
	}
	m.fail(cause)
	return nil, false
}

// reconnect dials again and swaps the live connection pointer so Disconnect
// always closes the current socket. A dial that lands after Disconnect has
// already captured the old socket must not install a connection nobody will
// ever close: Disconnect clears m.cancel under the mutex before cancelling,
// so a nil cancel here means teardown won the race.
func (m *Manager) reconnect(ctx context.Context, sessionID string, refresh bool) (*websocket.Conn, error) {
	conn, err := m.dial(ctx, sessionID, refresh)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	m.conn = conn
	m.mu.Unlock()
	m.metrics.Reconnects.Inc()
	m.setState(StateConnected)
	return conn, nil
}

// readLoop pumps frames until a read error. Returns whether at least one
// event was delivered, plus the error that ended the loop. An undecodable
// frame classifies as a protocol error.
func (m *Manager) readLoop(conn *websocket.Conn) (bool, error) {
	delivered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return delivered, newStreamError(CodeProtocol, false,
				fmt.Errorf("malformed frame: %w", err))
		}
		if ev.Type == "" {
			return delivered, newStreamError(CodeProtocol, false,
				fmt.Errorf("frame missing event type"))
		}
		m.metrics.EventsReceived.Inc()
		delivered = true
		if m.OnEvent != nil {
			m.OnEvent(ev)
		}
	}
}

// dial obtains a ticket and opens the websocket. The handshake response
// status, when present, refines the classification.
func (m *Manager) dial(ctx context.Context, sessionID string, refresh bool) (*websocket.Conn, error) {
	var (
		ticket string
		err    error
	)
	if refresh {
		ticket, err = m.cfg.Tickets.Refresh(ctx, sessionID)
	} else {
		ticket, err = m.cfg.Tickets.Ticket(ctx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire ticket: %w", err)
	}

	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, newStreamError(CodeProtocol, false, fmt.Errorf("feed url: %w", err))
	}
	q := u.Query()
	q.Set("session", sessionID)
	q.Set("ticket", ticket)
	u.RawQuery = q.Encode()

	dialer := m.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case 401:
				return nil, newStreamError(CodeAuth, false, err)
			case 404:
				return nil, newStreamError(CodeNotFound, false, err)
			case 409:
				return nil, newStreamError(CodeDuplicate, false, err)
			}
		}
		return nil, err
	}
	return conn, nil
}

func (m *Manager) fail(serr *StreamError) {
	m.mu.Lock()
	m.lastErr = serr
	m.mu.Unlock()
	m.setState(StateError)
	if m.OnError != nil {
		m.OnError(serr)
	}
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	cb := m.OnStateChange
	m.mu.Unlock()
	if cb != nil {
		cb(next)
	}
}
