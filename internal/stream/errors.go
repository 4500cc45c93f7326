package stream

import (
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// ErrorCode classifies stream failures for retry decisions.
type ErrorCode string

const (
	// CodeNotFound: the session or execution no longer exists. Terminal.
	CodeNotFound ErrorCode = "not_found"
	// CodeAuth: the ticket was rejected. One refresh retry, then terminal.
	CodeAuth ErrorCode = "auth"
	// CodeProtocol: a malformed frame. Terminal.
	CodeProtocol ErrorCode = "protocol"
	// CodeDuplicate: another consumer owns the stream. Terminal.
	CodeDuplicate ErrorCode = "duplicate_connection"
	// CodeInternal: server/transport trouble worth retrying.
	CodeInternal ErrorCode = "internal"
)

// Close codes the feed uses to reject or drop a connection. They mirror the
// control plane's HTTP statuses shifted into the websocket private range.
const (
	closeProtocolError       = 4400
	closeUnauthorized        = 4401
	closeNotFound            = 4404
	closeDuplicateConnection = 4409
)

// StreamError is a classified connection failure. Retryable errors may be
// resolved by reconnecting; terminal ones require caller intervention.
type StreamError struct {
	Code      ErrorCode
	Retryable bool
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Code, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func newStreamError(code ErrorCode, retryable bool, err error) *StreamError {
	return &StreamError{Code: code, Retryable: retryable, Err: err}
}

// classify maps a transport error onto the stream taxonomy. Anything not
// recognizably terminal is treated as internal and retryable: dropped
// connections and server restarts are routine for a long-lived feed.
func classify(err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case closeUnauthorized:
			return newStreamError(CodeAuth, false, err)
		case closeNotFound:
			return newStreamError(CodeNotFound, false, err)
		case closeProtocolError:
			return newStreamError(CodeProtocol, false, err)
		case closeDuplicateConnection:
			return newStreamError(CodeDuplicate, false, err)
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return newStreamError(CodeInternal, true, err)
		default:
			return newStreamError(CodeInternal, true, err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return newStreamError(CodeInternal, true, err)
	}
	return newStreamError(CodeInternal, true, err)
}
