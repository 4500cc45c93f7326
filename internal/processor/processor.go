// Package processor turns the raw ordered event feed into consistent
// message/part state: it accumulates streamed text deltas, routes child
// session events, and signals message completion. One processor serves one
// logical stream and is recreated when the stream is.
package processor

import (
	"fmt"

	"github.com/dennismeister93/cloud-sub001/internal/logging"
	"github.com/dennismeister93/cloud-sub001/internal/protocol"
)

// MaxNestingDepth bounds how deep child sessions may nest. Events for
// sessions beyond this depth are dropped; unbounded nesting is a resource
// problem, not a rendering preference.
const MaxNestingDepth = 3

// Callbacks receives reconciled output. Any field may be nil. Callbacks are
// invoked synchronously from ProcessEvent; a panic inside one is contained
// and forwarded to OnError.
type Callbacks struct {
	// OnMessageUpdated fires on every message envelope change. The message
	// snapshot always carries fully accumulated part values, never deltas.
	OnMessageUpdated func(msg protocol.Message)
	// OnMessageCompleted fires when an assistant message's completion time
	// is set. This is the durable-persistence integration point; interim
	// updates are not meant to be persisted.
	OnMessageCompleted func(msg protocol.Message)
	// OnPartUpdated fires with the full accumulated part after each
	// part-updated event.
	OnPartUpdated func(sessionID, messageID string, part protocol.Part, delta string)
	// OnPartRemoved fires after the part has been deleted from in-memory
	// state.
	OnPartRemoved func(sessionID, messageID, partID string)
	// OnFirstMessage fires exactly once per session, on the first
	// message-updated event: the session has begun producing output.
	OnFirstMessage func(sessionID string)
	// OnSessionCreated fires once per session identity on the root path;
	// child creations are routed to the child's own callbacks instead.
	OnSessionCreated func(info protocol.SessionInfo)
	OnSessionUpdated func(info protocol.SessionInfo)
	OnSessionError   func(sessionID, name, message string)
	// OnStreamingChanged fires on indicator transitions only. Retry status
	// keeps the indicator on.
	OnStreamingChanged func(sessionID string, streaming bool)
	OnStatusChanged    func(sessionID string, status protocol.SessionStatus)
	// OnSessionIdle fires when a session stops producing output.
	OnSessionIdle func(sessionID string)
	// OnError receives payload decode failures and recovered callback
	// panics.
	OnError func(err error)
}

// Processor is a per-stream reducer. Not safe for concurrent use: the
// connection manager's receive loop is its sole caller.
type Processor struct {
	cb  Callbacks
	log logging.Logger

	messages     map[string]*protocol.Message
	children     map[string]*Callbacks
	depth        map[string]int
	firstFired   map[string]bool
	createdFired map[string]bool
	streaming    map[string]bool
}

// New creates a Processor delivering root-session output to cb.
func New(cb Callbacks, log logging.Logger) *Processor {
	p := &Processor{
		cb:  cb,
		log: logging.OrNop(log),
	}
	p.reset()
	return p
}

func (p *Processor) reset() {
	p.messages = make(map[string]*protocol.Message)
	p.children = make(map[string]*Callbacks)
	p.depth = make(map[string]int)
	p.firstFired = make(map[string]bool)
	p.createdFired = make(map[string]bool)
	p.streaming = make(map[string]bool)
}

// Clear drops all internal state, including child routes.
func (p *Processor) Clear() {
	p.reset()
}

// RouteChild registers callbacks for a child session's events. Events for
// unrouted children are still accumulated so a late route sees full state.
func (p *Processor) RouteChild(sessionID string, cb Callbacks) {
	p.children[sessionID] = &cb
}

// ReleaseChild removes a child route.
func (p *Processor) ReleaseChild(sessionID string) {
	delete(p.children, sessionID)
}

// Message returns a snapshot of the in-flight message with the given id.
func (p *Processor) Message(id string) (protocol.Message, bool) {
	msg, ok := p.messages[id]
	if !ok {
		return protocol.Message{}, false
	}
	return msg.Clone(), true
}

// Streaming reports the session's streaming indicator.
func (p *Processor) Streaming(sessionID string) bool {
	return p.streaming[sessionID]
}

// ProcessEvent applies one event. Events must arrive in issuance order per
// session; the processor never reorders.
func (p *Processor) ProcessEvent(ev protocol.Event) {
	payload, err := ev.Payload()
	if err != nil {
		p.emitError(err)
		return
	}
	switch pl := payload.(type) {
	case protocol.MessageUpdatedPayload:
		p.handleMessageUpdated(pl)
	case protocol.PartUpdatedPayload:
		p.handlePartUpdated(pl)
	case protocol.PartRemovedPayload:
		p.handlePartRemoved(pl)
	case protocol.SessionStatusPayload:
		p.handleStatus(pl)
	case protocol.SessionCreatedPayload:
		p.handleSessionCreated(pl)
	case protocol.SessionUpdatedPayload:
		p.handleSessionUpdated(pl)
	case protocol.SessionErrorPayload:
		p.handleSessionError(pl)
	case protocol.SessionIdlePayload:
		p.markIdle(pl.SessionID, pl.ParentSessionID)
	}
}

// route resolves the callback set for a session and enforces the nesting
// bound. A nil callback set with ok=true means "accumulate, don't deliver"
// (unrouted child). ok=false means drop the event.
func (p *Processor) route(sessionID, parentSessionID string) (*Callbacks, bool) {
	if parentSessionID == "" {
		p.depth[sessionID] = 0
		return &p.cb, true
	}
	depth := p.depth[parentSessionID] + 1
	if depth > MaxNestingDepth {
		p.log.Warn("dropping event for session %s: nesting depth %d exceeds %d",
			sessionID, depth, MaxNestingDepth)
		return nil, false
	}
	p.depth[sessionID] = depth
	return p.children[sessionID], true
}

func (p *Processor) handleMessageUpdated(pl protocol.MessageUpdatedPayload) {
	info := pl.Info
	cbs, ok := p.route(info.SessionID, pl.ParentSessionID)
	if !ok {
		return
	}

	msg, exists := p.messages[info.ID]
	if !exists {
		msg = &protocol.Message{Info: info}
		p.messages[info.ID] = msg
	} else {
		msg.Info = info
	}

	// Marking waits for a routed callback set: a child whose messages arrive
	// before RouteChild still owes its listener the first-message signal.
	if cbs != nil && !p.firstFired[info.SessionID] {
		p.firstFired[info.SessionID] = true
		if cbs.OnFirstMessage != nil {
			p.invoke(func() { cbs.OnFirstMessage(info.SessionID) })
		}
	}

	if cbs == nil {
		return
	}
	snap := msg.Clone()
	if cbs.OnMessageUpdated != nil {
		p.invoke(func() { cbs.OnMessageUpdated(snap) })
	}
	if info.Role == protocol.RoleAssistant && info.Time.Completed != 0 && cbs.OnMessageCompleted != nil {
		p.invoke(func() { cbs.OnMessageCompleted(snap) })
	}
}

func (p *Processor) handlePartUpdated(pl protocol.PartUpdatedPayload) {
	incoming := pl.Part
	cbs, ok := p.route(incoming.SessionID, pl.ParentSessionID)
	if !ok {
		return
	}

	msg, exists := p.messages[incoming.MessageID]
	if !exists {
		// Part raced ahead of its message envelope; start a skeleton so
		// nothing is lost.
		msg = &protocol.Message{Info: protocol.MessageInfo{
			ID:        incoming.MessageID,
			SessionID: incoming.SessionID,
		}}
		p.messages[incoming.MessageID] = msg
	}

	existing := msg.Part(incoming.ID)
	if existing != nil && existing.Type == protocol.PartTool && existing.State.Terminal() {
		// Terminal tool parts accept no further updates.
		return
	}
	if existing != nil && incoming.Type == protocol.PartTool &&
		existing.State != nil && incoming.State != nil &&
		existing.State.Status != incoming.State.Status &&
		!existing.State.Status.CanTransition(incoming.State.Status) {
		// Out-of-order tool state; the machine only moves forward.
		return
	}

	merged := incoming
	if pl.Delta != "" && accumulates(incoming.Type) {
		if existing != nil {
			merged.Text = existing.Text + pl.Delta
		} else {
			merged.Text = pl.Delta
		}
	}

	if existing != nil {
		*existing = merged
	} else {
		msg.Parts = append(msg.Parts, merged)
	}

	if cbs != nil && cbs.OnPartUpdated != nil {
		p.invoke(func() { cbs.OnPartUpdated(incoming.SessionID, incoming.MessageID, merged, pl.Delta) })
	}
}

func accumulates(t protocol.PartType) bool {
	return t == protocol.PartText || t == protocol.PartReasoning
}

func (p *Processor) handlePartRemoved(pl protocol.PartRemovedPayload) {
	cbs, ok := p.route(pl.SessionID, pl.ParentSessionID)
	if !ok {
		return
	}
	if msg, exists := p.messages[pl.MessageID]; exists {
		for i := range msg.Parts {
			if msg.Parts[i].ID == pl.PartID {
				msg.Parts = append(msg.Parts[:i], msg.Parts[i+1:]...)
				break
			}
		}
	}
	if cbs != nil && cbs.OnPartRemoved != nil {
		p.invoke(func() { cbs.OnPartRemoved(pl.SessionID, pl.MessageID, pl.PartID) })
	}
}

func (p *Processor) handleStatus(pl protocol.SessionStatusPayload) {
	cbs, ok := p.route(pl.SessionID, pl.ParentSessionID)
	if !ok {
		return
	}
	if cbs != nil && cbs.OnStatusChanged != nil {
		status := pl.Status
		p.invoke(func() { cbs.OnStatusChanged(pl.SessionID, status) })
	}
	if pl.Status.Streaming() {
		p.setStreaming(pl.SessionID, true, cbs)
		return
	}
	p.markIdleRouted(pl.SessionID, cbs)
}

func (p *Processor) handleSessionCreated(pl protocol.SessionCreatedPayload) {
	parent := pl.ParentSessionID
	if parent == "" {
		parent = pl.Info.ParentID
	}
	cbs, ok := p.route(pl.Info.ID, parent)
	if !ok {
		return
	}
	if p.createdFired[pl.Info.ID] {
		return
	}
	p.createdFired[pl.Info.ID] = true
	if cbs != nil && cbs.OnSessionCreated != nil {
		info := pl.Info
		p.invoke(func() { cbs.OnSessionCreated(info) })
	}
}

func (p *Processor) handleSessionUpdated(pl protocol.SessionUpdatedPayload) {
	parent := pl.ParentSessionID
	if parent == "" {
		parent = pl.Info.ParentID
	}
	cbs, ok := p.route(pl.Info.ID, parent)
	if !ok {
		return
	}
	if cbs != nil && cbs.OnSessionUpdated != nil {
		info := pl.Info
		p.invoke(func() { cbs.OnSessionUpdated(info) })
	}
}

func (p *Processor) handleSessionError(pl protocol.SessionErrorPayload) {
	cbs, ok := p.route(pl.SessionID, pl.ParentSessionID)
	if !ok {
		return
	}
	p.setStreaming(pl.SessionID, false, cbs)
	if cbs != nil && cbs.OnSessionError != nil {
		p.invoke(func() { cbs.OnSessionError(pl.SessionID, pl.Name, pl.Message) })
	}
}

func (p *Processor) markIdle(sessionID, parentSessionID string) {
	cbs, ok := p.route(sessionID, parentSessionID)
	if !ok {
		return
	}
	p.markIdleRouted(sessionID, cbs)
}

func (p *Processor) markIdleRouted(sessionID string, cbs *Callbacks) {
	p.setStreaming(sessionID, false, cbs)
	if cbs != nil && cbs.OnSessionIdle != nil {
		p.invoke(func() { cbs.OnSessionIdle(sessionID) })
	}
}

func (p *Processor) setStreaming(sessionID string, streaming bool, cbs *Callbacks) {
	if p.streaming[sessionID] == streaming {
		return
	}
	p.streaming[sessionID] = streaming
	if cbs != nil && cbs.OnStreamingChanged != nil {
		p.invoke(func() { cbs.OnStreamingChanged(sessionID, streaming) })
	}
}

// invoke runs one callback behind a recover bulkhead so a misbehaving
// consumer cannot corrupt processor state or kill the receive loop.
func (p *Processor) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.emitError(fmt.Errorf("callback panic: %v", r))
		}
	}()
	fn()
}

func (p *Processor) emitError(err error) {
	p.log.Error("processor: %v", err)
	if p.cb.OnError == nil {
		return
	}
	defer func() {
		// An OnError panic has nowhere left to go.
		_ = recover()
	}()
	p.cb.OnError(err)
}
