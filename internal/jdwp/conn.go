package jdwp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/vajrock/mcp-debug-bridge/internal/backend"
)

// CommandError is a non-zero error code in a reply packet.
type CommandError struct {
	CommandSet byte
	Command    byte
	Code       uint16
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("JDWP command %d/%d failed with error code %d", e.CommandSet, e.Command, e.Code)
}

// Conn is a handshaken JDWP connection. Replies are correlated by packet id;
// commands sent by the VM are decoded as composite events.
type Conn struct {
	log         logr.Logger
	conn        net.Conn
	callTimeout time.Duration
	clock       clock.Clock

	writeMu sync.Mutex
	nextID  uint32

	pending *backend.PendingCalls[*Packet]
	events  *chanx.UnboundedChan[VMEvent]

	sizesMu sync.RWMutex
	sizes   IDSizes

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// VMEvent is one decoded event from a composite event packet.
type VMEvent struct {
	Kind          byte
	RequestID     int32
	SuspendPolicy byte
	Thread        uint64
}

// Dial connects to a JDWP agent at address and performs the handshake.
func Dial(ctx context.Context, address string, handshakeTimeout time.Duration, log logr.Logger) (*Conn, error) {
	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to connect to JDWP agent at %s: %w", address, dialErr)
	}
	if handshakeErr := PerformHandshake(ctx, conn, handshakeTimeout); handshakeErr != nil {
		_ = conn.Close()
		return nil, handshakeErr
	}
	return NewConn(conn, log), nil
}

// NewConn starts reading packets from an already handshaken connection.
func NewConn(conn net.Conn, log logr.Logger) *Conn {
	c := &Conn{
		log:   log,
		conn:  conn,
		clock: clock.New(),
		sizes: defaultIDSizes,
		done:  make(chan struct{}),
	}
	c.pending = backend.NewPendingCalls[*Packet](c.clock)
	c.events = chanx.NewUnboundedChan[VMEvent](context.Background(), 8)
	go c.readLoop()
	return c
}

// SetCallTimeout bounds commands whose context has no deadline.
func (c *Conn) SetCallTimeout(d time.Duration) {
	c.callTimeout = d
}

// Events returns VM events in arrival order.
func (c *Conn) Events() <-chan VMEvent {
	return c.events.Out
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection closed.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the socket and waits for the read loop to exit.
func (c *Conn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.conn.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
	})
	<-c.done
	return closeErr
}

// Command sends one command packet and returns the reply data.
func (c *Conn) Command(ctx context.Context, commandSet, command byte, data []byte) ([]byte, error) {
	var deadline time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.callTimeout > 0 {
		deadline = c.clock.Now().Add(c.callTimeout)
	}

	c.writeMu.Lock()
	c.nextID++
	id := c.nextID
	call, addErr := c.pending.Add(int(id), fmt.Sprintf("command %d/%d", commandSet, command), deadline)
	if addErr != nil {
		c.writeMu.Unlock()
		return nil, addErr
	}
	writeErr := WritePacket(c.conn, &Packet{ID: id, CommandSet: commandSet, Command: command, Data: data})
	c.writeMu.Unlock()

	if writeErr != nil {
		c.pending.Fail(int(id), writeErr)
		return nil, fmt.Errorf("%w: %w", backend.ErrConnectionClosed, writeErr)
	}

	reply, waitErr := call.Wait(ctx)
	if waitErr != nil {
		return nil, waitErr
	}
	if reply.ErrorCode != 0 {
		return nil, &CommandError{CommandSet: commandSet, Command: command, Code: reply.ErrorCode}
	}
	return reply.Data, nil
}

func (c *Conn) idSizes() IDSizes {
	c.sizesMu.RLock()
	defer c.sizesMu.RUnlock()
	return c.sizes
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.conn)
	var readErr error
	for {
		p, err := ReadPacket(r)
		if err != nil {
			readErr = err
			break
		}
		if p.IsReply() {
			if !c.pending.Resolve(int(p.ID), p) {
				c.log.V(1).Info("Dropping JDWP reply with no pending command", "id", p.ID)
			}
			continue
		}
		if p.CommandSet == setEvent && p.Command == cmdComposite {
			c.decodeComposite(p.Data)
			continue
		}
		c.log.V(1).Info("Ignoring JDWP command from VM", "commandSet", p.CommandSet, "command", p.Command)
	}

	c.errMu.Lock()
	c.err = fmt.Errorf("%w: %w", backend.ErrConnectionClosed, readErr)
	c.errMu.Unlock()

	c.pending.Close(readErr)
	close(c.events.In)
	_ = c.conn.Close()
	close(c.done)
}

// decodeComposite forwards every event it can decode. Decoding stops at the
// first kind whose layout is not known, since later events cannot be located.
func (c *Conn) decodeComposite(data []byte) {
	sizes := c.idSizes()
	r := &reader{data: data}
	policy := r.u8()
	count := r.i32()

	for i := int32(0); i < count && r.err == nil; i++ {
		ev := VMEvent{Kind: r.u8(), RequestID: r.i32(), SuspendPolicy: policy}
		switch ev.Kind {
		case EventVMStart, EventThreadStart, EventThreadDeath:
			ev.Thread = r.id(sizes.ObjectID)
		case EventSingleStep, EventBreakpoint:
			ev.Thread = r.id(sizes.ObjectID)
			// location: type tag, class id, method id, code index
			r.take(1 + sizes.ReferenceTypeID + sizes.MethodID + 8)
		case EventVMDeath:
		default:
			c.log.V(1).Info("Stopping at undecodable JDWP event kind", "kind", ev.Kind)
			return
		}
		if r.err != nil {
			c.log.Info("Truncated JDWP composite event", "error", r.err.Error())
			return
		}
		c.events.In <- ev
	}
}

// Version is the VM's self description.
type Version struct {
	Description string `json:"description"`
	JDWPMajor   int32  `json:"jdwpMajor"`
	JDWPMinor   int32  `json:"jdwpMinor"`
	VMVersion   string `json:"vmVersion"`
	VMName      string `json:"vmName"`
}

// Version issues VirtualMachine.Version.
func (c *Conn) Version(ctx context.Context) (*Version, error) {
	data, cmdErr := c.Command(ctx, setVirtualMachine, cmdVersion, nil)
	if cmdErr != nil {
		return nil, cmdErr
	}
	r := &reader{data: data}
	v := &Version{
		Description: r.str(),
		JDWPMajor:   r.i32(),
		JDWPMinor:   r.i32(),
		VMVersion:   r.str(),
		VMName:      r.str(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("malformed Version reply: %w", r.err)
	}
	return v, nil
}

// LoadIDSizes issues VirtualMachine.IDSizes and uses the answer for later decoding.
func (c *Conn) LoadIDSizes(ctx context.Context) (IDSizes, error) {
	data, cmdErr := c.Command(ctx, setVirtualMachine, cmdIDSizes, nil)
	if cmdErr != nil {
		return IDSizes{}, cmdErr
	}
	r := &reader{data: data}
	sizes := IDSizes{
		FieldID:         int(r.i32()),
		MethodID:        int(r.i32()),
		ObjectID:        int(r.i32()),
		ReferenceTypeID: int(r.i32()),
		FrameID:         int(r.i32()),
	}
	if r.err != nil {
		return IDSizes{}, fmt.Errorf("malformed IDSizes reply: %w", r.err)
	}

	c.sizesMu.Lock()
	c.sizes = sizes
	c.sizesMu.Unlock()
	return sizes, nil
}

// AllThreads issues VirtualMachine.AllThreads.
func (c *Conn) AllThreads(ctx context.Context) ([]uint64, error) {
	data, cmdErr := c.Command(ctx, setVirtualMachine, cmdAllThreads, nil)
	if cmdErr != nil {
		return nil, cmdErr
	}
	size := c.idSizes().ObjectID
	r := &reader{data: data}
	count := r.i32()
	threads := make([]uint64, 0, max(count, 0))
	for i := int32(0); i < count && r.err == nil; i++ {
		threads = append(threads, r.id(size))
	}
	if r.err != nil {
		return nil, fmt.Errorf("malformed AllThreads reply: %w", r.err)
	}
	return threads, nil
}

// ThreadName issues ThreadReference.Name.
func (c *Conn) ThreadName(ctx context.Context, thread uint64) (string, error) {
	var w writer
	w.id(thread, c.idSizes().ObjectID)
	data, cmdErr := c.Command(ctx, setThreadReference, cmdThreadName, w.Bytes())
	if cmdErr != nil {
		return "", cmdErr
	}
	r := &reader{data: data}
	name := r.str()
	if r.err != nil {
		return "", fmt.Errorf("malformed Name reply: %w", r.err)
	}
	return name, nil
}

// Suspend issues VirtualMachine.Suspend.
func (c *Conn) Suspend(ctx context.Context) error {
	_, cmdErr := c.Command(ctx, setVirtualMachine, cmdSuspend, nil)
	return cmdErr
}

// Resume issues VirtualMachine.Resume.
func (c *Conn) Resume(ctx context.Context) error {
	_, cmdErr := c.Command(ctx, setVirtualMachine, cmdResume, nil)
	return cmdErr
}

// Dispose issues VirtualMachine.Dispose.
func (c *Conn) Dispose(ctx context.Context) error {
	_, cmdErr := c.Command(ctx, setVirtualMachine, cmdDispose, nil)
	return cmdErr
}

// Exit issues VirtualMachine.Exit.
func (c *Conn) Exit(ctx context.Context, code int32) error {
	var w writer
	w.i32(code)
	_, cmdErr := c.Command(ctx, setVirtualMachine, cmdExit, w.Bytes())
	return cmdErr
}

// RequestEvents issues EventRequest.Set without modifiers and returns the request id.
func (c *Conn) RequestEvents(ctx context.Context, kind, suspendPolicy byte) (int32, error) {
	var w writer
	w.u8(kind)
	w.u8(suspendPolicy)
	w.i32(0)
	data, cmdErr := c.Command(ctx, setEventRequest, cmdEventSet, w.Bytes())
	if cmdErr != nil {
		return 0, cmdErr
	}
	r := &reader{data: data}
	id := r.i32()
	if r.err != nil {
		return 0, fmt.Errorf("malformed EventRequest.Set reply: %w", r.err)
	}
	return id, nil
}
