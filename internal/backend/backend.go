// Package backend defines the small capability surface every debugger backend
// implements, regardless of the wire protocol it speaks.
//
// A Backend correlates requests with responses and exposes an ordered stream of
// out-of-band events. The orchestrator only ever talks to this interface; the
// DAP and JDWP clients implement it independently.
package backend

import (
	"context"
	"encoding/json"
)

// Response is a backend's answer to one request.
type Response struct {
	Seq        int
	RequestSeq int
	Command    string
	Success    bool
	Message    string
	Body       json.RawMessage
}

// Event is an asynchronous backend notification. Body is kept verbatim so
// payload fields survive translation to client notifications.
type Event struct {
	Seq   int
	Event string
	Body  json.RawMessage
}

// Backend is one live connection to one debugger backend.
type Backend interface {
	// Call sends command with args and blocks until the correlated response
	// arrives, the call deadline expires, or the connection closes. A response
	// with success=false is returned together with a *ResponseError.
	Call(ctx context.Context, command string, args any) (*Response, error)

	// Send writes command without waiting for its response. The request is on
	// the wire (or has failed) when Send returns, so later calls are ordered
	// after it.
	Send(ctx context.Context, command string, args any) (*Future, error)

	// Events returns the ordered event stream. It is closed after the
	// connection closes and all received events were delivered.
	Events() <-chan Event

	// Done is closed once the connection is gone.
	Done() <-chan struct{}

	// Err reports why the connection closed, or nil while it is open.
	Err() error

	// Close tears the connection down. Outstanding calls fail with ErrConnectionClosed.
	Close() error
}

// Err returns a *ResponseError for a failed response and nil otherwise.
func (r *Response) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return &ResponseError{Command: r.Command, Message: r.Message}
}

// Future is the pending result of a Send.
type Future struct {
	call *PendingCall[*Response]
	resp *Response
	err  error
}

// NewFuture wraps a registered call.
func NewFuture(call *PendingCall[*Response]) *Future {
	return &Future{call: call}
}

// CompletedFuture returns a Future that already holds its outcome.
func CompletedFuture(resp *Response, err error) *Future {
	return &Future{resp: resp, err: err}
}

// Await blocks until the response arrives and converts failed responses to errors.
func (f *Future) Await(ctx context.Context) (*Response, error) {
	if f.call == nil {
		if f.err != nil {
			return f.resp, f.err
		}
		return f.resp, f.resp.Err()
	}
	resp, waitErr := f.call.Wait(ctx)
	if waitErr != nil {
		return nil, waitErr
	}
	return resp, resp.Err()
}
