package protocol

// Role distinguishes who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageTime tracks message lifecycle timestamps in unix milliseconds.
// Completed is zero while the assistant is still producing output.
type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// TokenUsage reports server-side token accounting for an assistant message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// CacheUsage splits prompt-cache token accounting.
type CacheUsage struct {
	Write int `json:"write"`
	Read  int `json:"read"`
}

// MessageInfo is the message envelope; parts stream in separately.
type MessageInfo struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionID"`
	Role       Role        `json:"role"`
	Time       MessageTime `json:"time"`
	Tokens     *TokenUsage `json:"tokens,omitempty"`
	Cost       float64     `json:"cost,omitempty"`
	Mode       string      `json:"mode,omitempty"`
	ModelID    string      `json:"modelID,omitempty"`
	ProviderID string      `json:"providerID,omitempty"`
}

// Finished reports whether the server has marked the message itself done.
// Parts may still lack end times; see Message.Complete.
func (m MessageInfo) Finished() bool {
	return m.Role != RoleAssistant || m.Time.Completed != 0
}

// Message pairs the envelope with its parts in first-appearance order.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// Complete reports whether the message is fully settled: the completion time
// is set and every part carries an end time.
func (m Message) Complete() bool {
	if !m.Info.Finished() {
		return false
	}
	for _, p := range m.Parts {
		if !p.Ended() {
			return false
		}
	}
	return true
}

// Part returns the part with the given id, or nil.
func (m *Message) Part(id string) *Part {
	for i := range m.Parts {
		if m.Parts[i].ID == id {
			return &m.Parts[i]
		}
	}
	return nil
}

// Clone returns a deep-enough copy for handing to callbacks: the parts slice
// is copied so callers cannot grow or reorder the processor's state, though
// pointer fields still alias.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	copy(out.Parts, m.Parts)
	return out
}
