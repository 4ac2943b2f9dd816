// Package dap implements a Debug Adapter Protocol client that correlates
// requests with responses by sequence number and streams adapter events in
// the order they were received.
package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"
	"github.com/tidwall/gjson"

	"github.com/vajrock/mcp-debug-bridge/internal/backend"
)

var errClientClosed = errors.New("client closed")

// Client is one connection to one debug adapter. It implements backend.Backend.
type Client struct {
	log         logr.Logger
	transport   Transport
	clock       clock.Clock
	callTimeout time.Duration

	seqMu   sync.Mutex
	seq     int
	replies sync.WaitGroup

	pending *backend.PendingCalls[*backend.Response]
	events  *chanx.UnboundedChan[backend.Event]

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	cause     error
	err       error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(log logr.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithClock sets the clock used for call deadlines.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithCallTimeout bounds calls whose context carries no deadline. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// NewClient starts reading from t. The client owns t from now on.
func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		log:       logr.Discard(),
		transport: t,
		clock:     clock.New(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pending = backend.NewPendingCalls[*backend.Response](c.clock)
	c.events = chanx.NewUnboundedChan[backend.Event](context.Background(), 16)

	go c.readLoop()
	return c
}

type outboundRequest struct {
	dap.Request
	Arguments any `json:"arguments,omitempty"`
}

type inboundMessage struct {
	dap.ProtocolMessage
	Command    string          `json:"command"`
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Event      string          `json:"event"`
	Body       json.RawMessage `json:"body"`
}

// Send writes a request and returns a future for its response.
// A write failure is reported here and leaves nothing pending.
func (c *Client) Send(ctx context.Context, command string, args any) (*backend.Future, error) {
	var deadline time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.callTimeout > 0 {
		deadline = c.clock.Now().Add(c.callTimeout)
	}

	seq := c.nextSeq()
	content, marshalErr := json.Marshal(&outboundRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         command,
		},
		Arguments: args,
	})
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", command, marshalErr)
	}

	call, addErr := c.pending.Add(seq, command, deadline)
	if addErr != nil {
		return nil, addErr
	}

	if writeErr := c.transport.WriteMessage(content); writeErr != nil {
		c.pending.Fail(seq, writeErr)
		return nil, fmt.Errorf("%w: failed to send %s: %w", backend.ErrConnectionClosed, command, writeErr)
	}

	c.log.V(1).Info("Sent request", "seq", seq, "command", command)
	return backend.NewFuture(call), nil
}

// nextSeq assigns a sequence number. Writes happen outside this lock; the
// transport serializes them.
func (c *Client) nextSeq() int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, command string, args any) (*backend.Response, error) {
	future, sendErr := c.Send(ctx, command, args)
	if sendErr != nil {
		return nil, sendErr
	}
	return future.Await(ctx)
}

// Events returns the adapter's events in arrival order.
func (c *Client) Events() <-chan backend.Event {
	return c.events.Out
}

// Done is closed once the connection is gone and every pending call has failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the transport down and waits for the read loop to finish.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.cause == nil {
			c.cause = errClientClosed
		}
		c.mu.Unlock()
		closeErr = c.transport.Close()
	})
	<-c.done
	return closeErr
}

func (c *Client) readLoop() {
	var readErr error
	for {
		content, err := c.transport.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.dispatch(content)
	}

	c.mu.Lock()
	if c.cause != nil {
		readErr = c.cause
	}
	c.err = fmt.Errorf("%w: %w", backend.ErrConnectionClosed, readErr)
	c.mu.Unlock()

	c.log.V(1).Info("Adapter connection closed", "reason", readErr.Error())
	c.pending.Close(readErr)
	close(c.events.In)
	_ = c.transport.Close()
	c.replies.Wait()
	close(c.done)
}

func (c *Client) dispatch(content []byte) {
	var msg inboundMessage
	if decodeErr := json.Unmarshal(content, &msg); decodeErr != nil {
		c.log.Error(decodeErr, "Dropping undecodable adapter message")
		return
	}

	switch msg.Type {
	case "response":
		resp := &backend.Response{
			Seq:        msg.Seq,
			RequestSeq: msg.RequestSeq,
			Command:    msg.Command,
			Success:    msg.Success,
			Message:    msg.Message,
			Body:       msg.Body,
		}
		if !resp.Success {
			resp.Message = errorMessage(msg.Message, msg.Body)
		}
		if !c.pending.Resolve(msg.RequestSeq, resp) {
			c.log.V(1).Info("Dropping response with no pending request", "request_seq", msg.RequestSeq, "command", msg.Command)
		}

	case "event":
		c.log.V(1).Info("Received event", "seq", msg.Seq, "event", msg.Event)
		c.events.In <- backend.Event{Seq: msg.Seq, Event: msg.Event, Body: msg.Body}

	case "request":
		// Answered off the read loop so a peer that is not reading cannot stall it.
		c.replies.Add(1)
		go func() {
			defer c.replies.Done()
			c.rejectReverseRequest(msg.Seq, msg.Command)
		}()

	default:
		c.log.Info("Dropping adapter message of unknown type", "type", msg.Type)
	}
}

// rejectReverseRequest answers adapter-initiated requests such as runInTerminal.
func (c *Client) rejectReverseRequest(requestSeq int, command string) {
	c.log.Info("Declining reverse request from adapter", "command", command)

	content, _ := json.Marshal(&dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: c.nextSeq(), Type: "response"},
		RequestSeq:      requestSeq,
		Success:         false,
		Command:         command,
		Message:         fmt.Sprintf("reverse request %q is not supported", command),
	})
	if writeErr := c.transport.WriteMessage(content); writeErr != nil {
		c.log.Error(writeErr, "Could not decline reverse request", "command", command)
	}
}

// errorMessage prefers the formatted error carried in the body over the short message field.
func errorMessage(message string, body json.RawMessage) string {
	if len(body) > 0 {
		if format := gjson.GetBytes(body, "error.format"); format.Exists() && format.String() != "" {
			return format.String()
		}
	}
	return message
}

var _ backend.Backend = (*Client)(nil)
