package dap

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/vajrock/mcp-debug-bridge/internal/backend"
	"github.com/vajrock/mcp-debug-bridge/internal/dap/daptest"
)

func newPipeClient(t *testing.T, adapter *daptest.Adapter, opts ...Option) *Client {
	t.Helper()

	clientConn, adapterConn := net.Pipe()
	go adapter.Serve(adapterConn)

	client := NewClient(NewTCPTransport(clientConn), opts...)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientCall(t *testing.T) {
	t.Parallel()

	adapter := daptest.New().Handle("threads", func(req daptest.Request) (any, error) {
		return map[string]any{"threads": []map[string]any{{"id": 1, "name": "main"}}}, nil
	})
	client := newPipeClient(t, adapter)

	resp, callErr := client.Call(context.Background(), "threads", nil)
	require.NoError(t, callErr)
	assert.True(t, resp.Success)
	assert.Equal(t, "threads", resp.Command)
	assert.Equal(t, "main", gjson.GetBytes(resp.Body, "threads.0.name").String())
}

func TestClientSequenceNumbersIncrease(t *testing.T) {
	t.Parallel()

	adapter := daptest.New()
	client := newPipeClient(t, adapter)

	ctx := context.Background()
	for _, command := range []string{"initialize", "launch", "configurationDone"} {
		_, callErr := client.Call(ctx, command, map[string]any{"command": command})
		require.NoError(t, callErr)
	}

	reqs := adapter.Requests()
	require.Len(t, reqs, 3)
	for i := 1; i < len(reqs); i++ {
		assert.Greater(t, reqs[i].Seq, reqs[i-1].Seq)
	}
	assert.Equal(t, "launch", gjson.GetBytes(reqs[1].Arguments, "command").String())
}

func TestClientFailedResponse(t *testing.T) {
	t.Parallel()

	t.Run("message", func(t *testing.T) {
		t.Parallel()
		adapter := daptest.New().Handle("evaluate", func(daptest.Request) (any, error) {
			return nil, errors.New("could not find symbol value for x")
		})
		client := newPipeClient(t, adapter)

		resp, callErr := client.Call(context.Background(), "evaluate", map[string]any{"expression": "x"})
		var respErr *backend.ResponseError
		require.ErrorAs(t, callErr, &respErr)
		assert.Equal(t, "evaluate", respErr.Command)
		assert.Contains(t, callErr.Error(), "could not find symbol value for x")
		require.NotNil(t, resp)
		assert.False(t, resp.Success)
	})

	t.Run("formatted body error", func(t *testing.T) {
		t.Parallel()
		adapter := daptest.New().Handle("stackTrace", func(daptest.Request) (any, error) {
			return map[string]any{"error": map[string]any{"id": 2004, "format": "Unable to produce stack trace: unknown goroutine 9"}}, errors.New("stackTrace")
		})
		client := newPipeClient(t, adapter)

		_, callErr := client.Call(context.Background(), "stackTrace", nil)
		require.Error(t, callErr)
		assert.Contains(t, callErr.Error(), "unknown goroutine 9")
	})
}

func TestClientResponsesOutOfOrder(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var slowSeq int
	var mu sync.Mutex

	adapter := daptest.New()
	adapter.Handle("evaluate", func(req daptest.Request) (any, error) {
		mu.Lock()
		slowSeq = req.Seq
		mu.Unlock()
		go func() {
			<-release
			_ = adapter.Reply(req, map[string]any{"result": "42"})
		}()
		return nil, daptest.ErrNoReply
	})
	client := newPipeClient(t, adapter)

	ctx := context.Background()
	slow, sendErr := client.Send(ctx, "evaluate", map[string]any{"expression": "slow"})
	require.NoError(t, sendErr)

	fast, callErr := client.Call(ctx, "threads", nil)
	require.NoError(t, callErr)
	assert.Equal(t, "threads", fast.Command)

	close(release)
	resp, awaitErr := slow.Await(ctx)
	require.NoError(t, awaitErr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, slowSeq, resp.RequestSeq)
}

func TestClientTimeout(t *testing.T) {
	t.Parallel()

	adapter := daptest.New().Handle("next", func(daptest.Request) (any, error) {
		return nil, daptest.ErrNoReply
	})
	client := newPipeClient(t, adapter, WithCallTimeout(50*time.Millisecond))

	_, callErr := client.Call(context.Background(), "next", map[string]any{"threadId": 1})
	require.ErrorIs(t, callErr, backend.ErrTimeout)

	// The connection survives a timed out call.
	_, callErr = client.Call(context.Background(), "threads", nil)
	require.NoError(t, callErr)
}

func TestClientConnectionClosedFailsPendingCalls(t *testing.T) {
	t.Parallel()

	received := make(chan struct{}, 3)
	adapter := daptest.New().Handle("continue", func(daptest.Request) (any, error) {
		received <- struct{}{}
		return nil, daptest.ErrNoReply
	})
	client := newPipeClient(t, adapter)

	ctx := context.Background()
	var futures []*backend.Future
	for range 3 {
		future, sendErr := client.Send(ctx, "continue", nil)
		require.NoError(t, sendErr)
		futures = append(futures, future)
	}
	for range 3 {
		<-received
	}

	require.NoError(t, adapter.Close())

	for _, future := range futures {
		_, awaitErr := future.Await(ctx)
		assert.ErrorIs(t, awaitErr, backend.ErrConnectionClosed)
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe the closed connection")
	}
	assert.ErrorIs(t, client.Err(), backend.ErrConnectionClosed)

	_, callErr := client.Call(ctx, "threads", nil)
	assert.ErrorIs(t, callErr, backend.ErrConnectionClosed)
}

func TestClientEventsInOrder(t *testing.T) {
	t.Parallel()

	adapter := daptest.New().Then("configurationDone", func(a *daptest.Adapter) {
		_ = a.Event("output", map[string]any{"category": "stdout", "output": "hello\n"})
		_ = a.Event("stopped", map[string]any{"reason": "breakpoint", "threadId": 1})
		_ = a.Event("continued", map[string]any{"threadId": 1})
		_ = a.Event("terminated", nil)
	})
	client := newPipeClient(t, adapter)

	_, callErr := client.Call(context.Background(), "configurationDone", nil)
	require.NoError(t, callErr)

	var names []string
	for range 4 {
		select {
		case ev := <-client.Events():
			names = append(names, ev.Event)
			if ev.Event == "stopped" {
				assert.Equal(t, "breakpoint", gjson.GetBytes(ev.Body, "reason").String())
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"output", "stopped", "continued", "terminated"}, names)

	require.NoError(t, client.Close())
	_, open := <-client.Events()
	assert.False(t, open, "event channel must close with the connection")
}

func TestClientDeclinesReverseRequests(t *testing.T) {
	t.Parallel()

	clientConn, adapterConn := net.Pipe()
	client := NewClient(NewTCPTransport(clientConn))
	t.Cleanup(func() { _ = client.Close() })

	adapterSide := NewTCPTransport(adapterConn)
	reverse, _ := json.Marshal(map[string]any{
		"seq": 1, "type": "request", "command": "runInTerminal",
		"arguments": map[string]any{"args": []string{"/bin/true"}},
	})
	require.NoError(t, adapterSide.WriteMessage(reverse))

	content, readErr := adapterSide.ReadMessage()
	require.NoError(t, readErr)
	assert.Equal(t, "response", gjson.GetBytes(content, "type").String())
	assert.Equal(t, int64(1), gjson.GetBytes(content, "request_seq").Int())
	assert.False(t, gjson.GetBytes(content, "success").Bool())
	assert.Equal(t, "runInTerminal", gjson.GetBytes(content, "command").String())
}

func TestClientKeepsReadingWhileAdapterIgnoresReplies(t *testing.T) {
	t.Parallel()

	clientConn, adapterConn := net.Pipe()
	client := NewClient(NewTCPTransport(clientConn))
	t.Cleanup(func() { _ = client.Close() })

	adapterSide := NewTCPTransport(adapterConn)
	reverse, _ := json.Marshal(map[string]any{"seq": 1, "type": "request", "command": "startDebugging"})
	require.NoError(t, adapterSide.WriteMessage(reverse))
	output, _ := json.Marshal(map[string]any{"seq": 2, "type": "event", "event": "output", "body": map[string]any{"output": "x"}})
	require.NoError(t, adapterSide.WriteMessage(output))

	select {
	case ev := <-client.Events():
		assert.Equal(t, "output", ev.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("read loop stalled behind the reverse request reply")
	}

	content, readErr := adapterSide.ReadMessage()
	require.NoError(t, readErr)
	assert.Equal(t, int64(1), gjson.GetBytes(content, "request_seq").Int())
}
