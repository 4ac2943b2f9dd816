package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is delivered to every call still pending when the transport goes away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout is delivered when a call's deadline elapses before its response.
	ErrTimeout = errors.New("request timeout")

	// ErrUnsupportedCommand is returned by backends that cannot serve a command at all.
	ErrUnsupportedCommand = errors.New("command not supported by backend")
)

// ResponseError carries a failed response's own message.
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Command)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// IsTransportError reports whether err came from the wire rather than from the backend's logic.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrTimeout)
}
