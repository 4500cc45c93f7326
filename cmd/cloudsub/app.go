package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/dennismeister93/cloud-sub001/internal/api"
	"github.com/dennismeister93/cloud-sub001/internal/cache"
	"github.com/dennismeister93/cloud-sub001/internal/config"
	"github.com/dennismeister93/cloud-sub001/internal/logging"
	"github.com/dennismeister93/cloud-sub001/internal/orchestrator"
	"github.com/dennismeister93/cloud-sub001/internal/processor"
	"github.com/dennismeister93/cloud-sub001/internal/protocol"
	"github.com/dennismeister93/cloud-sub001/internal/stream"
)

type runOptions struct {
	Prompt     string
	Repository string
	Mode       string
	ModelID    string
	OrgID      string
}

// app owns the full engine stack for one CLI invocation.
type app struct {
	cfg    *config.Config
	log    logging.Logger
	store  *cache.SQLiteStore
	sync   *cache.Synchronizer
	client *api.Client
	conn   *stream.Manager
	proc   *processor.Processor
	orch   *orchestrator.Orchestrator
	render *renderer

	// idle is signalled when the root session stops producing output.
	idle chan struct{}
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	if cfg.Debug || viper.GetBool("debug") {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(io.Discard, nil)
	}
	log := logging.FromSlog(slog.New(handler))

	store, err := cache.NewSQLiteStore(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("open session cache: %w", err)
	}

	a := &app{
		cfg:    cfg,
		log:    log,
		store:  store,
		render: newRenderer(os.Stdout),
		idle:   make(chan struct{}, 1),
	}
	a.sync = cache.NewSynchronizer(store, log)
	a.client = api.NewClient(api.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Token,
		OrgID:   cfg.OrgID,
		Logger:  log,
	})
	a.proc = processor.New(a.callbacks(), log)
	a.conn = stream.New(stream.Config{
		URL:     cfg.FeedURL,
		Tickets: a.client,
		Logger:  log,
	})
	a.conn.OnEvent = a.proc.ProcessEvent
	a.conn.OnError = func(serr *stream.StreamError) {
		a.render.Error(orchestrator.UserMessage(serr))
		a.signalIdle()
	}
	a.conn.OnStateChange = func(st stream.State) {
		a.render.ConnectionState(st)
		if st == stream.StateDisconnected {
			// Server closed the feed; there is nothing left to follow.
			a.signalIdle()
		}
	}
	a.orch = orchestrator.New(a.client, a.conn, a.sync, log)
	return a, nil
}

// callbacks bridges processor output into the renderer and the cache.
func (a *app) callbacks() processor.Callbacks {
	return processor.Callbacks{
		OnPartUpdated: func(sessionID, messageID string, part protocol.Part, delta string) {
			a.sync.UpdatePart(sessionID, messageID, part, delta)
			a.render.Part(part, delta)
		},
		OnMessageCompleted: func(msg protocol.Message) {
			a.sync.AppendMessage(context.Background(), msg.Info.SessionID, msg)
			a.render.MessageDone(msg)
		},
		OnFirstMessage: func(sessionID string) {
			a.render.Started(sessionID)
		},
		OnSessionError: func(sessionID, name, message string) {
			a.render.Error(fmt.Sprintf("%s: %s", name, message))
		},
		OnStreamingChanged: func(sessionID string, streaming bool) {
			if !streaming {
				a.signalIdle()
			}
		},
		// OnStreamingChanged fires on transitions only; an already-idle
		// session attached mid-life reports idle without a preceding busy.
		OnSessionIdle: func(sessionID string) {
			a.signalIdle()
		},
		OnStatusChanged: func(sessionID string, status protocol.SessionStatus) {
			a.render.Status(status)
		},
		OnError: func(err error) {
			a.log.Warn("event processing: %v", err)
		},
	}
}

func (a *app) signalIdle() {
	select {
	case a.idle <- struct{}{}:
	default:
	}
}

// Run starts a fresh session, sends the prompt, and follows the stream until
// the session goes idle or the user interrupts.
func (a *app) Run(ctx context.Context, opts runOptions) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	mode := opts.Mode
	if mode == "" {
		mode = a.cfg.DefaultMode
	}
	modelID := opts.ModelID
	if modelID == "" {
		modelID = a.cfg.DefaultModel
	}
	orgID := opts.OrgID
	if orgID == "" {
		orgID = a.cfg.OrgID
	}

	sessionID, err := a.orch.Prepare(ctx, orchestrator.StartConfig{
		Title:      opts.Prompt,
		Repository: opts.Repository,
		OrgID:      orgID,
		Mode:       mode,
		ModelID:    modelID,
	})
	if err != nil {
		return fmt.Errorf("%s", orchestrator.UserMessage(err))
	}
	a.render.SessionHeader(sessionID, opts.Repository)

	if err := a.orch.Initiate(ctx, sessionID); err != nil {
		return fmt.Errorf("%s", orchestrator.UserMessage(err))
	}
	if err := a.orch.SendMessage(ctx, sessionID, opts.Prompt, mode, modelID); err != nil {
		return fmt.Errorf("%s", orchestrator.UserMessage(err))
	}
	return a.follow(ctx, sessionID)
}

// Attach reloads an existing session, replays its cached tail, and follows
// the live stream.
func (a *app) Attach(ctx context.Context, sessionID string) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	res, err := a.orch.ConnectExisting(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%s", orchestrator.UserMessage(err))
	}
	a.render.SessionHeader(sessionID, res.Entry.Repository)
	if res.Strategy == cache.ResumeRefresh {
		a.render.Notice("local copy was stale, refreshed from server")
	}
	if res.NeedsPrompt {
		a.render.Notice("organization access for this session has not been confirmed")
	}
	a.render.Replay(res.Entry.Messages)
	return a.follow(ctx, sessionID)
}

// follow blocks until the session goes idle, the context ends, or the user
// sends SIGINT. A first SIGINT interrupts the remote session; a second one
// gives up waiting.
func (a *app) follow(ctx context.Context, sessionID string) error {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	interrupted := false
	for {
		select {
		case <-a.idle:
			a.render.Idle()
			return nil
		case <-ctx.Done():
			a.conn.Disconnect()
			return ctx.Err()
		case <-sigs:
			if interrupted {
				a.conn.Disconnect()
				return fmt.Errorf("aborted")
			}
			interrupted = true
			a.render.Interrupting()
			ictx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := a.orch.Interrupt(ictx, sessionID)
			cancel()
			if err != nil {
				a.render.Error(orchestrator.UserMessage(err))
			}
			return nil
		}
	}
}

// ListSessions prints the locally cached sessions, newest first.
func (a *app) ListSessions(ctx context.Context) error {
	entries, err := a.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list session cache: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println(gray("No cached sessions."))
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt > entries[j].UpdatedAt
	})
	for _, e := range entries {
		updated := time.UnixMilli(e.UpdatedAt).Format("2006-01-02 15:04")
		title := e.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s  %s\n",
			cyan(e.SessionID), gray(updated), bold(title), gray(fmt.Sprintf("%d messages", len(e.Messages))))
	}
	return nil
}

func (a *app) Close() {
	a.conn.Disconnect()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close session cache: %v", err)
	}
}
