package jdwp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/vajrock/mcp-debug-bridge/internal/backend"
)

// Backend exposes a JDWP connection through the debug-adapter command names the
// orchestrator uses. Commands without a JDWP mapping fail with a response error.
type Backend struct {
	log     logr.Logger
	conn    *Conn
	version *Version

	mu     sync.Mutex
	closed bool
	events *chanx.UnboundedChan[backend.Event]
	seq    int

	pumpDone chan struct{}
}

// NewBackend wraps conn. It reads the VM version and identifier sizes (best
// effort) and subscribes to thread lifecycle events.
func NewBackend(ctx context.Context, conn *Conn, log logr.Logger) *Backend {
	b := &Backend{
		log:      log,
		conn:     conn,
		events:   chanx.NewUnboundedChan[backend.Event](context.Background(), 16),
		pumpDone: make(chan struct{}),
	}

	if v, versionErr := conn.Version(ctx); versionErr != nil {
		log.Info("Could not read JVM version", "error", versionErr.Error())
	} else {
		b.version = v
		log.V(1).Info("Attached to JVM", "vm", v.VMName, "version", v.VMVersion)
	}
	if _, sizesErr := conn.LoadIDSizes(ctx); sizesErr != nil {
		log.Info("Could not read JVM identifier sizes; assuming 8 bytes", "error", sizesErr.Error())
	}
	for _, kind := range []byte{EventThreadStart, EventThreadDeath} {
		if _, reqErr := conn.RequestEvents(ctx, kind, SuspendNone); reqErr != nil {
			log.Info("Could not subscribe to JVM thread events", "kind", kind, "error", reqErr.Error())
		}
	}

	go b.pump()
	return b
}

// Version returns the VM version read at attach time, or nil.
func (b *Backend) Version() *Version {
	return b.version
}

// Send performs command synchronously; the returned future is already complete.
func (b *Backend) Send(ctx context.Context, command string, args any) (*backend.Future, error) {
	resp, callErr := b.Call(ctx, command, args)
	if callErr != nil && resp == nil {
		return nil, callErr
	}
	return backend.CompletedFuture(resp, callErr), nil
}

// Call maps command onto JDWP commands.
func (b *Backend) Call(ctx context.Context, command string, _ any) (*backend.Response, error) {
	var body any
	var cmdErr error

	switch command {
	case "initialize":
		body = map[string]any{
			"supportsConfigurationDoneRequest": true,
			"supportsTerminateRequest":         true,
		}
		// The VM is already running; configuration may start at once.
		defer b.emit("initialized", nil)
	case "launch", "attach", "configurationDone":
	case "threads":
		body, cmdErr = b.threads(ctx)
	case "pause":
		if cmdErr = b.conn.Suspend(ctx); cmdErr == nil {
			b.emit("stopped", map[string]any{"reason": "pause", "allThreadsStopped": true})
		}
	case "continue":
		if cmdErr = b.conn.Resume(ctx); cmdErr == nil {
			body = map[string]any{"allThreadsContinued": true}
		}
	case "disconnect":
		cmdErr = b.conn.Dispose(ctx)
	case "terminate":
		cmdErr = b.conn.Exit(ctx, 0)
	default:
		resp := &backend.Response{
			Command: command,
			Message: fmt.Sprintf("%s is not supported over JDWP", command),
		}
		return resp, fmt.Errorf("%w: %w", backend.ErrUnsupportedCommand, resp.Err())
	}

	if cmdErr != nil {
		if backend.IsTransportError(cmdErr) {
			return nil, cmdErr
		}
		resp := &backend.Response{Command: command, Message: cmdErr.Error()}
		return resp, resp.Err()
	}

	resp := &backend.Response{Command: command, Success: true}
	if body != nil {
		encoded, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return nil, marshalErr
		}
		resp.Body = encoded
	}
	return resp, nil
}

func (b *Backend) threads(ctx context.Context) (any, error) {
	ids, threadsErr := b.conn.AllThreads(ctx)
	if threadsErr != nil {
		return nil, threadsErr
	}
	threads := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		name, nameErr := b.conn.ThreadName(ctx, id)
		if nameErr != nil {
			name = fmt.Sprintf("thread %d", id)
		}
		threads = append(threads, map[string]any{"id": id, "name": name})
	}
	return map[string]any{"threads": threads}, nil
}

// Events returns translated VM events in arrival order.
func (b *Backend) Events() <-chan backend.Event {
	return b.events.Out
}

// Done is closed when the JDWP connection is gone.
func (b *Backend) Done() <-chan struct{} {
	return b.conn.Done()
}

// Err reports why the connection closed.
func (b *Backend) Err() error {
	return b.conn.Err()
}

// Close closes the connection. The VM keeps running.
func (b *Backend) Close() error {
	closeErr := b.conn.Close()
	<-b.pumpDone
	return closeErr
}

func (b *Backend) pump() {
	defer close(b.pumpDone)
	for ev := range b.conn.Events() {
		thread := int64(ev.Thread)
		switch ev.Kind {
		case EventThreadStart:
			b.emit("thread", map[string]any{"reason": "started", "threadId": thread})
		case EventThreadDeath:
			b.emit("thread", map[string]any{"reason": "exited", "threadId": thread})
		case EventBreakpoint, EventSingleStep:
			reason := "breakpoint"
			if ev.Kind == EventSingleStep {
				reason = "step"
			}
			b.emit("stopped", map[string]any{
				"reason":            reason,
				"threadId":          thread,
				"allThreadsStopped": ev.SuspendPolicy == SuspendAll,
			})
		case EventVMDeath:
			b.emit("terminated", nil)
		case EventVMStart:
			b.log.V(1).Info("JVM started", "thread", ev.Thread)
		}
	}

	b.mu.Lock()
	b.closed = true
	close(b.events.In)
	b.mu.Unlock()
}

func (b *Backend) emit(event string, body any) {
	var encoded json.RawMessage
	if body != nil {
		encoded, _ = json.Marshal(body)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	b.events.In <- backend.Event{Seq: b.seq, Event: event, Body: encoded}
}

var _ backend.Backend = (*Backend)(nil)
