package jdwp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/vajrock/mcp-debug-bridge/internal/backend"
)

// fakeAgent is a minimal JVM debug agent: it echoes the handshake and
// answers the commands the backend issues.
type fakeAgent struct {
	t        *testing.T
	ln       net.Listener
	silent   bool
	threads  map[uint64]string
	received chan [2]byte

	mu   sync.Mutex
	conn net.Conn
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	ln, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	t.Cleanup(func() { _ = ln.Close() })

	a := &fakeAgent{
		t:        t,
		ln:       ln,
		threads:  map[uint64]string{1: "main", 2: "Reference Handler"},
		received: make(chan [2]byte, 64),
	}
	return a
}

func (a *fakeAgent) addr() string { return a.ln.Addr().String() }

func (a *fakeAgent) port() int {
	_, portText, _ := net.SplitHostPort(a.addr())
	port, _ := strconv.Atoi(portText)
	return port
}

func (a *fakeAgent) serveOne() {
	go func() {
		conn, acceptErr := a.ln.Accept()
		if acceptErr != nil {
			return
		}
		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		defer conn.Close()

		token := make([]byte, len(Handshake))
		if _, readErr := io.ReadFull(conn, token); readErr != nil {
			return
		}
		if a.silent {
			_, _ = io.Copy(io.Discard, conn)
			return
		}
		_, _ = conn.Write(token)

		r := bufio.NewReader(conn)
		for {
			p, readErr := ReadPacket(r)
			if readErr != nil {
				return
			}
			a.received <- [2]byte{p.CommandSet, p.Command}
			_ = a.reply(conn, p)
		}
	}()
}

func (a *fakeAgent) reply(conn net.Conn, p *Packet) error {
	var w writer
	switch [2]byte{p.CommandSet, p.Command} {
	case [2]byte{setVirtualMachine, cmdVersion}:
		w.i32(int32(len("Java Debug Wire Protocol")))
		w.WriteString("Java Debug Wire Protocol")
		w.i32(17)
		w.i32(0)
		w.i32(int32(len("17.0.9")))
		w.WriteString("17.0.9")
		w.i32(int32(len("OpenJDK 64-Bit Server VM")))
		w.WriteString("OpenJDK 64-Bit Server VM")
	case [2]byte{setVirtualMachine, cmdIDSizes}:
		for range 5 {
			w.i32(8)
		}
	case [2]byte{setVirtualMachine, cmdAllThreads}:
		w.i32(int32(len(a.threads)))
		for _, id := range []uint64{1, 2} {
			w.id(id, 8)
		}
	case [2]byte{setThreadReference, cmdThreadName}:
		id := (&reader{data: p.Data}).id(8)
		name := a.threads[id]
		w.i32(int32(len(name)))
		w.WriteString(name)
	case [2]byte{setEventRequest, cmdEventSet}:
		w.i32(int32(p.Data[0]))
	}
	return WritePacket(conn, &Packet{ID: p.ID, Flags: flagReply, Data: w.Bytes()})
}

// sendComposite pushes a composite event packet carrying the given event kinds for thread 1.
func (a *fakeAgent) sendComposite(policy byte, kinds ...byte) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	require.NotNil(a.t, conn)

	var w writer
	w.u8(policy)
	w.i32(int32(len(kinds)))
	for _, kind := range kinds {
		w.u8(kind)
		w.i32(7)
		switch kind {
		case EventThreadStart, EventThreadDeath, EventVMStart:
			w.id(1, 8)
		case EventBreakpoint, EventSingleStep:
			w.id(1, 8)
			w.u8(1)
			w.id(42, 8)
			w.id(43, 8)
			w.id(12, 8)
		}
	}
	require.NoError(a.t, WritePacket(conn, &Packet{ID: 900, CommandSet: setEvent, Command: cmdComposite, Data: w.Bytes()}))
}

func (a *fakeAgent) dropConnection() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

func TestPacketRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cmd := &Packet{ID: 5, CommandSet: setThreadReference, Command: cmdThreadName, Data: []byte{0, 0, 0, 0, 0, 0, 0, 1}}
	require.NoError(t, WritePacket(&buf, cmd))
	assert.Equal(t, 19, buf.Len())

	reply := &Packet{ID: 5, Flags: flagReply, ErrorCode: 10}
	require.NoError(t, WritePacket(&buf, reply))

	got, readErr := ReadPacket(&buf)
	require.NoError(t, readErr)
	assert.False(t, got.IsReply())
	assert.Equal(t, cmd.Data, got.Data)
	assert.Equal(t, byte(setThreadReference), got.CommandSet)

	got, readErr = ReadPacket(&buf)
	require.NoError(t, readErr)
	assert.True(t, got.IsReply())
	assert.Equal(t, uint16(10), got.ErrorCode)
	assert.Empty(t, got.Data)
}

func TestReadPacketRejectsBadLength(t *testing.T) {
	t.Parallel()

	_, readErr := ReadPacket(bytes.NewReader([]byte{0, 0, 0, 3, 0, 0, 0, 1, 0, 1, 1}))
	assert.Error(t, readErr)
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	t.Run("echoed", func(t *testing.T) {
		t.Parallel()
		agent := newFakeAgent(t)
		agent.serveOne()

		conn, connErr := Dial(context.Background(), agent.addr(), time.Second, logr.Discard())
		require.NoError(t, connErr)
		require.NoError(t, conn.Close())
	})

	t.Run("never echoed", func(t *testing.T) {
		t.Parallel()
		agent := newFakeAgent(t)
		agent.silent = true
		agent.serveOne()

		_, connErr := Dial(context.Background(), agent.addr(), 100*time.Millisecond, logr.Discard())
		require.ErrorIs(t, connErr, ErrHandshakeTimeout)
	})

	t.Run("wrong reply", func(t *testing.T) {
		t.Parallel()
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, len(Handshake))
			_, _ = io.ReadFull(server, buf)
			_, _ = server.Write([]byte("HTTP/1.1 400 Ba"))
		}()
		handshakeErr := PerformHandshake(context.Background(), client, time.Second)
		require.ErrorIs(t, handshakeErr, ErrHandshakeFailed)
	})
}

func attachBackend(t *testing.T) (*fakeAgent, *Backend) {
	t.Helper()
	agent := newFakeAgent(t)
	agent.serveOne()

	conn, connErr := Dial(context.Background(), agent.addr(), time.Second, logr.Discard())
	require.NoError(t, connErr)
	b := NewBackend(context.Background(), conn, logr.Discard())
	t.Cleanup(func() { _ = b.Close() })
	return agent, b
}

func nextEvent(t *testing.T, b *Backend) backend.Event {
	t.Helper()
	select {
	case ev, ok := <-b.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return backend.Event{}
	}
}

func TestBackendAttach(t *testing.T) {
	t.Parallel()
	_, b := attachBackend(t)

	require.NotNil(t, b.Version())
	assert.Equal(t, "17.0.9", b.Version().VMVersion)
	assert.Equal(t, int32(17), b.Version().JDWPMajor)
}

func TestBackendThreads(t *testing.T) {
	t.Parallel()
	_, b := attachBackend(t)

	resp, callErr := b.Call(context.Background(), "threads", nil)
	require.NoError(t, callErr)
	assert.Equal(t, "main", gjson.GetBytes(resp.Body, "threads.#(id==1).name").String())
	assert.Equal(t, "Reference Handler", gjson.GetBytes(resp.Body, "threads.#(id==2).name").String())
}

func TestBackendPauseEmitsStopped(t *testing.T) {
	t.Parallel()
	agent, b := attachBackend(t)

	_, callErr := b.Call(context.Background(), "pause", nil)
	require.NoError(t, callErr)

	ev := nextEvent(t, b)
	assert.Equal(t, "stopped", ev.Event)
	assert.Equal(t, "pause", gjson.GetBytes(ev.Body, "reason").String())

	var sawSuspend bool
	for len(agent.received) > 0 {
		if <-agent.received == [2]byte{setVirtualMachine, cmdSuspend} {
			sawSuspend = true
		}
	}
	assert.True(t, sawSuspend)
}

func TestBackendInitializeAnnouncesInitialized(t *testing.T) {
	t.Parallel()
	_, b := attachBackend(t)

	resp, callErr := b.Call(context.Background(), "initialize", nil)
	require.NoError(t, callErr)
	assert.True(t, gjson.GetBytes(resp.Body, "supportsConfigurationDoneRequest").Bool())
	assert.Equal(t, "initialized", nextEvent(t, b).Event)
}

func TestBackendUnsupportedCommand(t *testing.T) {
	t.Parallel()
	_, b := attachBackend(t)

	resp, callErr := b.Call(context.Background(), "evaluate", map[string]any{"expression": "1+1"})
	require.ErrorIs(t, callErr, backend.ErrUnsupportedCommand)
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Contains(t, callErr.Error(), "evaluate is not supported")

	future, sendErr := b.Send(context.Background(), "launch", nil)
	require.NoError(t, sendErr)
	_, awaitErr := future.Await(context.Background())
	assert.NoError(t, awaitErr)
}

func TestBackendTranslatesCompositeEvents(t *testing.T) {
	t.Parallel()
	agent, b := attachBackend(t)

	agent.sendComposite(SuspendNone, EventThreadStart)
	agent.sendComposite(SuspendAll, EventBreakpoint)
	agent.sendComposite(SuspendNone, EventThreadDeath, EventVMDeath)

	ev := nextEvent(t, b)
	assert.Equal(t, "thread", ev.Event)
	assert.Equal(t, "started", gjson.GetBytes(ev.Body, "reason").String())

	ev = nextEvent(t, b)
	assert.Equal(t, "stopped", ev.Event)
	assert.Equal(t, "breakpoint", gjson.GetBytes(ev.Body, "reason").String())
	assert.Equal(t, int64(1), gjson.GetBytes(ev.Body, "threadId").Int())
	assert.True(t, gjson.GetBytes(ev.Body, "allThreadsStopped").Bool())

	ev = nextEvent(t, b)
	assert.Equal(t, "thread", ev.Event)
	assert.Equal(t, "exited", gjson.GetBytes(ev.Body, "reason").String())

	ev = nextEvent(t, b)
	assert.Equal(t, "terminated", ev.Event)
}

func TestBackendConnectionLoss(t *testing.T) {
	t.Parallel()
	agent, b := attachBackend(t)

	agent.dropConnection()

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not notice the dropped connection")
	}
	assert.ErrorIs(t, b.Err(), backend.ErrConnectionClosed)

	_, callErr := b.Call(context.Background(), "threads", nil)
	assert.ErrorIs(t, callErr, backend.ErrConnectionClosed)
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	available := newFakeAgent(t)
	available.serveOne()

	occupied := newFakeAgent(t)
	occupied.silent = true
	occupied.serveOne()

	closedLn, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	closedPort := closedLn.Addr().(*net.TCPAddr).Port
	require.NoError(t, closedLn.Close())

	ports := []int{available.port(), occupied.port(), closedPort}
	found := Discover(context.Background(), "127.0.0.1", ports, 200*time.Millisecond, logr.Discard())

	byPort := make(map[int]Endpoint)
	for _, ep := range found {
		byPort[ep.Port] = ep
	}
	require.Len(t, byPort, 2)

	assert.Equal(t, StatusAvailable, byPort[available.port()].Status)
	require.NotNil(t, byPort[available.port()].Version)
	assert.Equal(t, "OpenJDK 64-Bit Server VM", byPort[available.port()].Version.VMName)

	assert.Equal(t, StatusOccupied, byPort[occupied.port()].Status)
	assert.NotContains(t, byPort, closedPort)
}
