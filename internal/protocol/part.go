package protocol

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

// PartType discriminates the part union.
type PartType string

const (
	PartText       PartType = "text"
	PartTool       PartType = "tool"
	PartFile       PartType = "file"
	PartReasoning  PartType = "reasoning"
	PartStepStart  PartType = "step-start"
	PartStepFinish PartType = "step-finish"
	PartSubtask    PartType = "subtask"
	PartPatch      PartType = "patch"
	PartCompaction PartType = "compaction"
)

// TimeRange marks when streamed content started and, once settled, ended.
// End is nil while the content is still in flight.
type TimeRange struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

// Part is one unit of message content. A single struct with optional fields
// mirrors the wire shape; Type decides which fields are meaningful. Parts are
// identified by ID within their owning message and mutate in place as the
// stream advances (text grows, tool state progresses).
type Part struct {
	ID        string   `json:"id"`
	MessageID string   `json:"messageID"`
	SessionID string   `json:"sessionID"`
	Type      PartType `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// tool
	Tool   string     `json:"tool,omitempty"`
	CallID string     `json:"callID,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	// file
	Filename string `json:"filename,omitempty"`
	MIME     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`

	// subtask: the child session spawned on this part's behalf
	SubtaskSessionID string `json:"subtaskSessionID,omitempty"`
	Description      string `json:"description,omitempty"`

	// patch
	Hash  string   `json:"hash,omitempty"`
	Files []string `json:"files,omitempty"`

	// step-finish
	Tokens *TokenUsage `json:"tokens,omitempty"`
	Cost   float64     `json:"cost,omitempty"`

	Time *TimeRange `json:"time,omitempty"`
}

// Ended reports whether this part's content has settled. Tool parts settle
// through their state machine; everything else through the part time range.
func (p Part) Ended() bool {
	if p.Type == PartTool {
		return p.State != nil && p.State.Terminal()
	}
	return p.Time != nil && p.Time.End != nil
}

// ToolStatus is the tool part state machine:
// pending -> running -> (completed | error). Transitions are monotonic.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

var toolRank = map[ToolStatus]int{
	ToolPending:   0,
	ToolRunning:   1,
	ToolCompleted: 2,
	ToolError:     2,
}

// CanTransition reports whether moving from s to next respects the one-way
// ordering. Terminal states accept nothing, including themselves.
func (s ToolStatus) CanTransition(next ToolStatus) bool {
	from, ok := toolRank[s]
	if !ok {
		return false
	}
	to, ok := toolRank[next]
	if !ok {
		return false
	}
	return from < 2 && to > from
}

// ToolState carries the per-status fields of a tool part. Pending holds a raw
// partial input string that may not yet be valid JSON; running adds the
// structured input plus optional title/metadata; the terminal states add
// output or error and the time range end.
type ToolState struct {
	Status   ToolStatus     `json:"status"`
	RawInput string         `json:"rawInput,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Time     *TimeRange     `json:"time,omitempty"`
}

// Terminal reports whether the state machine has finished.
func (s *ToolState) Terminal() bool {
	if s == nil {
		return false
	}
	return s.Status == ToolCompleted || s.Status == ToolError
}

// ParseToolInput turns a pending tool call's raw partial input into a
// structured map. Mid-stream input is routinely truncated JSON, so a strict
// parse failure falls back to jsonrepair before giving up.
func ParseToolInput(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err == nil {
		return input, nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repaired), &input); err != nil {
		return nil, err
	}
	return input, nil
}
