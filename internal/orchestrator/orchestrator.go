// Package orchestrator sequences the control-plane calls around the stream
// and cache layers: prepare a session, initiate or reconnect, send messages,
// interrupt. It holds no reconciliation logic of its own.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dennismeister93/cloud-sub001/internal/api"
	"github.com/dennismeister93/cloud-sub001/internal/cache"
	"github.com/dennismeister93/cloud-sub001/internal/logging"
	"github.com/dennismeister93/cloud-sub001/internal/protocol"
	"github.com/dennismeister93/cloud-sub001/internal/stream"
)

// ControlPlane is the slice of the API client the orchestrator drives.
type ControlPlane interface {
	Prepare(ctx context.Context, req api.PrepareRequest) (api.SessionDetails, error)
	Initiate(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, sessionID string, req api.SendMessageRequest) error
	Interrupt(ctx context.Context, sessionID string) error
	Load(ctx context.Context, sessionID string) (api.SessionDetails, []protocol.Message, error)
}

// Connection is the slice of the stream manager the orchestrator drives.
type Connection interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect()
	State() stream.State
}

// StartConfig carries the user's choices for a new session.
type StartConfig struct {
	Title        string
	Repository   string
	OrgID        string
	OrgConfirmed bool
	Mode         string
	ModelID      string
}

// Orchestrator wires the control plane, the connection manager, and the
// cache synchronizer together.
type Orchestrator struct {
	api  ControlPlane
	conn Connection
	sync *cache.Synchronizer
	log  logging.Logger
}

// New creates an Orchestrator.
func New(cp ControlPlane, conn Connection, sync *cache.Synchronizer, log logging.Logger) *Orchestrator {
	return &Orchestrator{
		api:  cp,
		conn: conn,
		sync: sync,
		log:  logging.OrNop(log),
	}
}

// Prepare creates a remote session and its local cache entry, returning the
// client-side session id. The entry exists before any event can arrive, and
// messages racing the entry write are absorbed by the pending queue.
func (o *Orchestrator) Prepare(ctx context.Context, cfg StartConfig) (string, error) {
	details, err := o.api.Prepare(ctx, api.PrepareRequest{
		Title:      cfg.Title,
		Repository: cfg.Repository,
		OrgID:      cfg.OrgID,
		Mode:       cfg.Mode,
		ModelID:    cfg.ModelID,
	})
	if err != nil {
		return "", fmt.Errorf("prepare: %w", err)
	}

	localID := "ses_" + uuid.NewString()
	o.sync.CreateEntry(ctx, cache.NewSession{
		SessionID:       localID,
		RemoteSessionID: details.SessionID,
		Title:           cfg.Title,
		Repository:      cfg.Repository,
		OrgID:           cfg.OrgID,
		OrgConfirmed:    cfg.OrgConfirmed,
		Resume:          &cache.ResumeConfig{Mode: cfg.Mode, ModelID: cfg.ModelID},
	})
	o.log.Info("prepared session %s (remote %s)", localID, details.SessionID)
	return localID, nil
}

// Initiate begins execution of a prepared session and opens the event feed.
func (o *Orchestrator) Initiate(ctx context.Context, sessionID string) error {
	remote := o.remoteID(ctx, sessionID)
	if err := o.api.Initiate(ctx, remote); err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	return o.conn.Connect(ctx, remote)
}

// ConnectExisting loads the authoritative server snapshot, merges it over
// the local entry, and opens the event feed.
func (o *Orchestrator) ConnectExisting(ctx context.Context, sessionID string) (cache.LoadResult, error) {
	remote := o.remoteID(ctx, sessionID)
	details, messages, err := o.api.Load(ctx, remote)
	if err != nil {
		return cache.LoadResult{}, fmt.Errorf("load: %w", err)
	}

	resume := (*cache.ResumeConfig)(nil)
	if details.Mode != "" || details.ModelID != "" {
		resume = &cache.ResumeConfig{Mode: details.Mode, ModelID: details.ModelID}
	}
	res := o.sync.LoadEntry(ctx, cache.SessionDetails{
		SessionID:       sessionID,
		RemoteSessionID: details.SessionID,
		Title:           details.Title,
		Repository:      details.Repository,
		UpdatedAt:       details.UpdatedAt,
		Resume:          resume,
	}, messages)

	if err := o.conn.Connect(ctx, remote); err != nil {
		return res, err
	}
	return res, nil
}

// SendMessage continues the session, reconnecting the feed only when it is
// not already connected.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text, mode, modelID string) error {
	remote := o.remoteID(ctx, sessionID)
	if o.conn.State() != stream.StateConnected {
		if err := o.conn.Connect(ctx, remote); err != nil {
			return err
		}
	}
	if err := o.api.SendMessage(ctx, remote, api.SendMessageRequest{
		Text:    text,
		Mode:    mode,
		ModelID: modelID,
	}); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Interrupt stops in-flight execution and tears down the feed. No local
// message is synthesized; the interrupted state is reflected by the next
// session.status event the server records.
func (o *Orchestrator) Interrupt(ctx context.Context, sessionID string) error {
	remote := o.remoteID(ctx, sessionID)
	err := o.api.Interrupt(ctx, remote)
	o.conn.Disconnect()
	if err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// remoteID resolves the server-side identity for a local session id. A
// session with no cache entry (or no recorded correlation) is addressed by
// its own id.
func (o *Orchestrator) remoteID(ctx context.Context, sessionID string) string {
	entry, err := o.sync.GetEntry(ctx, sessionID)
	if err != nil || entry.RemoteSessionID == "" {
		return sessionID
	}
	return entry.RemoteSessionID
}

// UserMessage maps an error to the string shown to the user. Unrecognized
// errors fall back to a generic message plus the underlying text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case api.CodePaymentRequired:
			return "Insufficient balance. Add credits to continue."
		case api.CodeUnauthorized:
			return "You are not authorized to access this session."
		case api.CodeNotFound:
			return "This session no longer exists on the server."
		case api.CodeInternal:
			return "The server hit an internal error. Try again."
		}
	}
	var streamErr *stream.StreamError
	if errors.As(err, &streamErr) {
		switch streamErr.Code {
		case stream.CodeNotFound:
			return "This session's event stream is gone. Reload to continue."
		case stream.CodeAuth:
			return "Your connection ticket expired and could not be refreshed."
		case stream.CodeDuplicate:
			return "This session is already open in another window."
		case stream.CodeProtocol:
			return "The event stream sent data this client cannot understand."
		default:
			return "Connection lost. Retrying may help."
		}
	}
	return fmt.Sprintf("Something went wrong: %v", err)
}
