// Package daptest provides a scriptable in-process debug adapter for tests.
package daptest

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/google/go-dap"
)

// ErrNoReply makes a handler swallow the request without responding.
var ErrNoReply = errors.New("no reply")

// Request is one request received by the fake adapter.
type Request struct {
	Seq       int
	Command   string
	Arguments json.RawMessage
}

// Handler produces a response body for a request. A non-nil error is sent
// back as a failed response carrying the error text.
type Handler func(req Request) (any, error)

// Adapter speaks DAP framing over one connection. Commands without a handler
// succeed with an empty body.
type Adapter struct {
	mu       sync.Mutex
	handlers map[string]Handler
	after    map[string]func(a *Adapter)
	requests []Request

	writeMu sync.Mutex
	w       io.Writer
	seq     int
	closer  io.Closer
}

// New returns an adapter with no handlers.
func New() *Adapter {
	return &Adapter{
		handlers: make(map[string]Handler),
		after:    make(map[string]func(a *Adapter)),
	}
}

// Handle installs the handler for command.
func (a *Adapter) Handle(command string, h Handler) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[command] = h
	return a
}

// Then runs fn after the response to command has been written.
func (a *Adapter) Then(command string, fn func(a *Adapter)) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.after[command] = fn
	return a
}

// Serve answers requests on rw until it fails or is closed.
func (a *Adapter) Serve(rw io.ReadWriteCloser) {
	a.writeMu.Lock()
	a.w = rw
	a.closer = rw
	a.writeMu.Unlock()

	r := bufio.NewReader(rw)
	for {
		content, readErr := dap.ReadBaseMessage(r)
		if readErr != nil {
			return
		}

		var msg struct {
			Seq       int             `json:"seq"`
			Type      string          `json:"type"`
			Command   string          `json:"command"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if json.Unmarshal(content, &msg) != nil || msg.Type != "request" {
			continue
		}

		req := Request{Seq: msg.Seq, Command: msg.Command, Arguments: msg.Arguments}
		a.mu.Lock()
		a.requests = append(a.requests, req)
		h := a.handlers[req.Command]
		after := a.after[req.Command]
		a.mu.Unlock()

		var body any
		var handlerErr error
		if h != nil {
			body, handlerErr = h(req)
		}
		if errors.Is(handlerErr, ErrNoReply) {
			continue
		}
		if writeErr := a.respond(req, body, handlerErr); writeErr != nil {
			return
		}
		if after != nil {
			after(a)
		}
	}
}

// Accept serves the first connection accepted on a loopback listener and
// returns the listener's address.
func (a *Adapter) Accept(t testing.TB) string {
	t.Helper()

	ln, listenErr := net.Listen("tcp", "127.0.0.1:0")
	if listenErr != nil {
		t.Fatalf("listen: %v", listenErr)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		_ = ln.Close()
		a.Serve(conn)
	}()
	return ln.Addr().String()
}

// Event sends an event with the given body.
func (a *Adapter) Event(event string, body any) error {
	return a.write(func(seq int) any {
		return struct {
			dap.Event
			Body any `json:"body,omitempty"`
		}{
			Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"}, Event: event},
			Body:  body,
		}
	})
}

// Reply answers req out of band, typically after a handler returned ErrNoReply.
func (a *Adapter) Reply(req Request, body any) error {
	return a.respond(req, body, nil)
}

// Close drops the connection.
func (a *Adapter) Close() error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// Requests returns every request received so far.
func (a *Adapter) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Request(nil), a.requests...)
}

// Commands returns the command names received so far, in order.
func (a *Adapter) Commands() []string {
	reqs := a.Requests()
	commands := make([]string, 0, len(reqs))
	for _, r := range reqs {
		commands = append(commands, r.Command)
	}
	return commands
}

func (a *Adapter) respond(req Request, body any, handlerErr error) error {
	return a.write(func(seq int) any {
		resp := dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "response"},
			RequestSeq:      req.Seq,
			Success:         handlerErr == nil,
			Command:         req.Command,
		}
		if handlerErr != nil {
			resp.Message = handlerErr.Error()
		}
		return struct {
			dap.Response
			Body any `json:"body,omitempty"`
		}{Response: resp, Body: body}
	})
}

func (a *Adapter) write(build func(seq int) any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.w == nil {
		return io.ErrClosedPipe
	}
	a.seq++
	content, marshalErr := json.Marshal(build(a.seq))
	if marshalErr != nil {
		return marshalErr
	}
	return dap.WriteBaseMessage(a.w, content)
}
