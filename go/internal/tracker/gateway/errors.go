package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned by a Sender once its peer is gone.
var ErrConnectionClosed = errors.New("connection closed")

// ErrorKind tells the session loop whether to keep going after a failed tick.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	// ErrorKindTransient failures skip the tick and the session continues.
	ErrorKindTransient
	// ErrorKindTerminal failures mean the connection is gone. No retry.
	ErrorKindTerminal
	// ErrorKindShutdown is a cooperative cancellation, never swallowed.
	ErrorKindShutdown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindTransient:
		return "transient"
	case ErrorKindTerminal:
		return "terminal"
	case ErrorKindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ClassifySendError maps a tick failure onto the session's continue/stop decision.
// Anything not recognized as a dead connection or a cancellation is transient.
func ClassifySendError(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindShutdown
	}

	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, ErrConnectionClosed),
		errors.Is(err, websocket.ErrCloseSent),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.As(err, &closeErr):
		return ErrorKindTerminal
	}

	return ErrorKindTransient
}
