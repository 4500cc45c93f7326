package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/dennismeister93/cloud-sub001/internal/protocol"
	"github.com/dennismeister93/cloud-sub001/internal/stream"
)

// renderer turns the event callbacks into terminal output. Text and
// reasoning deltas are written incrementally; everything else is printed as
// whole lines. Not safe for concurrent use; all callbacks arrive from the
// stream manager's single delivery goroutine.
type renderer struct {
	out io.Writer
	tty bool

	// openPart is the id of the part currently streaming inline, so a part
	// switch can terminate the open line.
	openPart string
	// toolLine remembers the last status printed per tool call to avoid
	// repeating identical lines as inputs trickle in.
	toolLine map[string]string
}

func newRenderer(out io.Writer) *renderer {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &renderer{out: out, tty: tty, toolLine: make(map[string]string)}
}

func (r *renderer) SessionHeader(sessionID, repository string) {
	fmt.Fprintf(r.out, "%s %s", bold("Session"), cyan(sessionID))
	if repository != "" {
		fmt.Fprintf(r.out, " %s", gray(repository))
	}
	fmt.Fprintln(r.out)
}

func (r *renderer) Started(sessionID string) {
	if r.tty {
		fmt.Fprintf(r.out, "%s\n", gray("streaming..."))
	}
}

// Part renders one part update. Streaming kinds print just the delta so the
// line grows in place; tool parts print a status line per transition.
func (r *renderer) Part(part protocol.Part, delta string) {
	switch part.Type {
	case protocol.PartText:
		r.continuePart(part.ID)
		fmt.Fprint(r.out, delta)
	case protocol.PartReasoning:
		r.continuePart(part.ID)
		fmt.Fprint(r.out, gray(delta))
	case protocol.PartTool:
		r.breakLine()
		r.tool(part)
	case protocol.PartSubtask:
		r.breakLine()
		fmt.Fprintf(r.out, "%s %s\n", blue("◆ subtask"), part.Description)
	case protocol.PartPatch:
		r.breakLine()
		fmt.Fprintf(r.out, "%s %s\n", green("✚ patch"), gray(strings.Join(part.Files, ", ")))
	case protocol.PartFile:
		r.breakLine()
		fmt.Fprintf(r.out, "%s %s\n", blue("◈ file"), part.Filename)
	case protocol.PartStepFinish:
		r.breakLine()
		if part.Tokens != nil {
			fmt.Fprintf(r.out, "%s\n", gray(fmt.Sprintf("· step done (%d in / %d out tokens)",
				part.Tokens.Input, part.Tokens.Output)))
		}
	}
}

func (r *renderer) tool(part protocol.Part) {
	if part.State == nil {
		return
	}
	title := part.State.Title
	if title == "" {
		title = part.Tool
		if arg := toolArg(part.State); arg != "" {
			title += " " + arg
		}
	}
	var line string
	switch part.State.Status {
	case protocol.ToolPending:
		line = fmt.Sprintf("%s %s", yellow("○"), title)
	case protocol.ToolRunning:
		line = fmt.Sprintf("%s %s", yellow("●"), title)
	case protocol.ToolCompleted:
		line = fmt.Sprintf("%s %s", green("✔"), title)
	case protocol.ToolError:
		line = fmt.Sprintf("%s %s %s", red("✘"), title, red(part.State.Error))
	}
	if r.toolLine[part.ID] == line {
		return
	}
	r.toolLine[part.ID] = line
	fmt.Fprintln(r.out, line)
}

// toolArg pulls a display argument out of the tool input. Pending calls only
// have a raw partial string; ParseToolInput repairs truncated JSON.
func toolArg(state *protocol.ToolState) string {
	input := state.Input
	if input == nil {
		parsed, err := protocol.ParseToolInput(state.RawInput)
		if err != nil {
			return ""
		}
		input = parsed
	}
	for _, key := range []string{"command", "path", "file", "url", "query"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (r *renderer) continuePart(partID string) {
	if r.openPart != partID {
		r.breakLine()
		r.openPart = partID
	}
}

func (r *renderer) breakLine() {
	if r.openPart != "" {
		fmt.Fprintln(r.out)
		r.openPart = ""
	}
}

func (r *renderer) MessageDone(msg protocol.Message) {
	r.breakLine()
	if msg.Info.Tokens != nil {
		fmt.Fprintf(r.out, "%s\n", gray(fmt.Sprintf("— %s done (%d in / %d out tokens, $%.4f)",
			msg.Info.Role, msg.Info.Tokens.Input, msg.Info.Tokens.Output, msg.Info.Cost)))
	}
}

// Replay prints the cached conversation before live streaming resumes.
func (r *renderer) Replay(messages []protocol.Message) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch part.Type {
			case protocol.PartText:
				if msg.Info.Role == protocol.RoleUser {
					fmt.Fprintf(r.out, "%s %s\n", bold(">"), part.Text)
				} else {
					fmt.Fprintln(r.out, part.Text)
				}
			case protocol.PartTool:
				r.tool(part)
			}
		}
	}
	if len(messages) > 0 {
		fmt.Fprintln(r.out, gray("─── live ───"))
	}
}

func (r *renderer) Status(status protocol.SessionStatus) {
	if status.Type != protocol.StatusRetry {
		return
	}
	r.breakLine()
	fmt.Fprintf(r.out, "%s\n", yellow(fmt.Sprintf("retrying (attempt %d): %s", status.Attempt, status.Message)))
}

func (r *renderer) ConnectionState(state stream.State) {
	switch state {
	case stream.StateConnecting:
		if r.tty {
			fmt.Fprintf(r.out, "%s\n", gray("connecting..."))
		}
	case stream.StateError:
		r.breakLine()
		fmt.Fprintf(r.out, "%s\n", red("connection failed"))
	}
}

func (r *renderer) Idle() {
	r.breakLine()
	fmt.Fprintf(r.out, "%s\n", gray("session idle"))
}

func (r *renderer) Interrupting() {
	r.breakLine()
	fmt.Fprintf(r.out, "%s\n", yellow("interrupting..."))
}

func (r *renderer) Notice(msg string) {
	fmt.Fprintf(r.out, "%s\n", yellow(msg))
}

func (r *renderer) Error(msg string) {
	r.breakLine()
	fmt.Fprintf(r.out, "%s %s\n", red("Error:"), msg)
}
