package main

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dennismeister93/cloud-sub001/internal/cache"
	"github.com/dennismeister93/cloud-sub001/internal/logging"
	"github.com/dennismeister93/cloud-sub001/internal/processor"
	"github.com/dennismeister93/cloud-sub001/internal/protocol"
)

func newTestApp() *app {
	log := logging.Nop()
	return &app{
		log:    log,
		sync:   cache.NewSynchronizer(cache.NewMemoryStore(), log),
		render: newRenderer(io.Discard),
		idle:   make(chan struct{}, 1),
	}
}

func TestIdleWithoutBusySignalsFollow(t *testing.T) {
	t.Parallel()

	// Attaching to a session that finished before we connected: the feed
	// reports idle with no busy transition ever observed.
	a := newTestApp()
	p := processor.New(a.callbacks(), a.log)

	props, err := json.Marshal(protocol.SessionIdlePayload{SessionID: "ses_1"})
	require.NoError(t, err)
	p.ProcessEvent(protocol.Event{Type: protocol.EventSessionIdle, Properties: props})

	select {
	case <-a.idle:
	default:
		t.Fatal("idle session did not release the follow loop")
	}
}
