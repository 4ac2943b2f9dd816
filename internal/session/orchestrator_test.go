package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/vajrock/mcp-debug-bridge/internal/dap/daptest"
	"github.com/vajrock/mcp-debug-bridge/internal/establish"
)

type stubConnector struct {
	err      error
	registry *establish.Registry
}

func (c stubConnector) Establish(context.Context, establish.Request) (*establish.Result, error) {
	return nil, c.err
}

func (c stubConnector) Registry() *establish.Registry {
	return c.registry
}

func testOptions() Options {
	return Options{CallTimeout: 5 * time.Second, SetupTimeout: 2 * time.Second}
}

func newStubOrchestrator(t *testing.T, connectErr error) *Orchestrator {
	t.Helper()
	registry, registryErr := establish.NewRegistry(nil)
	require.NoError(t, registryErr)
	return New(stubConnector{err: connectErr, registry: registry}, testOptions(), logr.Discard())
}

// newFakeAdapter answers initialize with caps and announces initialized right after.
func newFakeAdapter(caps map[string]any) *daptest.Adapter {
	return daptest.New().
		Handle("initialize", func(daptest.Request) (any, error) { return caps, nil }).
		Then("initialize", func(a *daptest.Adapter) { _ = a.Event("initialized", nil) })
}

func defaultCaps() map[string]any {
	return map[string]any{"supportsConfigurationDoneRequest": true, "supportsTerminateRequest": true}
}

func newAdapterOrchestrator(t *testing.T, adapter *daptest.Adapter) *Orchestrator {
	t.Helper()
	registry, registryErr := establish.NewRegistry(map[string][]establish.Candidate{
		"go": {{Name: "fake", Mode: establish.ModeTCPAttach, Address: adapter.Accept(t)}},
	})
	require.NoError(t, registryErr)
	connector := establish.New(registry, establish.Options{AttemptTimeout: 2 * time.Second, CallTimeout: 5 * time.Second}, logr.Discard())

	o := New(connector, testOptions(), logr.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

// collect drains a session's notifications into a buffered channel.
func collect(in <-chan Notification) <-chan Notification {
	out := make(chan Notification, 256)
	go func() {
		defer close(out)
		for n := range in {
			out <- n
		}
	}()
	return out
}

func nextEvent(t *testing.T, notifications <-chan Notification, event string) Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-notifications:
			require.True(t, ok, "notifications closed before %s", event)
			if n.Event == event {
				return n
			}
		case <-timeout:
			t.Fatalf("no %s notification", event)
		}
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func call(t *testing.T, o *Orchestrator, tool string, args string) *mcp.CallToolResult {
	t.Helper()
	return o.Call(context.Background(), tool, json.RawMessage(args)).Result
}

func createSession(t *testing.T, o *Orchestrator, args string) (string, <-chan Notification) {
	t.Helper()
	outcome := o.Call(context.Background(), ToolCreateSession, json.RawMessage(args))
	require.False(t, outcome.Result.IsError, resultText(t, outcome.Result))
	require.NotEmpty(t, outcome.SessionID)
	return outcome.SessionID, collect(outcome.Notifications)
}

func TestSubmitChecksSessionIDBeforeToolName(t *testing.T) {
	t.Parallel()
	o := newStubOrchestrator(t, nil)

	result := call(t, o, "debug/bogus", `{}`)
	assert.True(t, result.IsError)
	assert.Equal(t, "sessionId is required", resultText(t, result))

	result = call(t, o, "debug/bogus", `{"sessionId":"abc"}`)
	assert.True(t, result.IsError)
	assert.Equal(t, "unsupported tool: debug/bogus", resultText(t, result))

	result = call(t, o, ToolThreads, `{"sessionId":"abc"}`)
	assert.True(t, result.IsError)
	assert.Equal(t, "session not found: abc", resultText(t, result))
}

func TestSubmitRejectsNonObjectArguments(t *testing.T) {
	t.Parallel()
	o := newStubOrchestrator(t, nil)

	result := call(t, o, ToolThreads, `[1,2]`)
	assert.True(t, result.IsError)
	assert.Equal(t, "arguments must be a JSON object", resultText(t, result))
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()
	o := newStubOrchestrator(t, errors.New("must not be called"))

	tests := []struct {
		name string
		args string
		want string
	}{
		{name: "empty", args: `{}`, want: "adapter and program are required"},
		{name: "null", args: `null`, want: "adapter and program are required"},
		{name: "no program", args: `{"adapter":"go"}`, want: "adapter and program are required"},
		{name: "bad request", args: `{"adapter":"go","program":"x","request":"run"}`, want: "invalid request: run"},
		{name: "wrong type", args: `{"adapter":"go","program":"x","port":"5005"}`, want: "invalid arguments for debug/createSession"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, o, ToolCreateSession, tt.args)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestCreateSessionUnknownKindIsValidationError(t *testing.T) {
	t.Parallel()
	o := newStubOrchestrator(t, fmt.Errorf("%w: %q", establish.ErrUnknownKind, "cobol"))

	outcome := o.Call(context.Background(), ToolCreateSession, json.RawMessage(`{"adapter":"cobol","program":"x"}`))
	assert.True(t, outcome.Result.IsError)
	assert.Contains(t, resultText(t, outcome.Result), "unknown backend kind")
	assert.Empty(t, outcome.SessionID)
	assert.Nil(t, outcome.Notifications)
	assert.Empty(t, o.Sessions())
}

func TestCreateSessionConfiguresAndRuns(t *testing.T) {
	t.Parallel()
	var nextID atomic.Int32
	adapter := newFakeAdapter(defaultCaps()).Handle("setBreakpoints", echoBreakpoints(&nextID))
	o := newAdapterOrchestrator(t, adapter)

	id, _ := createSession(t, o, `{"adapter":"go","program":"/src/app","args":["-v"],"breakpoints":[{"source":"/src/app/main.go","line":7}]}`)

	assert.Equal(t, []string{"initialize", "launch", "setBreakpoints", "configurationDone"}, adapter.Commands())
	launch := adapter.Requests()[1]
	assert.Equal(t, "/src/app", gjson.GetBytes(launch.Arguments, "program").String())
	assert.Equal(t, "-v", gjson.GetBytes(launch.Arguments, "args.0").String())

	info := sessionInfo(t, o, id)
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, "go", info.Kind)
	require.Len(t, info.Breakpoints, 1)
	assert.Equal(t, 7, info.Breakpoints[0].Line)
	assert.True(t, info.Breakpoints[0].Verified)
}

func sessionInfo(t *testing.T, o *Orchestrator, id string) Info {
	t.Helper()
	result := call(t, o, ToolSessionInfo, fmt.Sprintf(`{"sessionId":%q}`, id))
	require.False(t, result.IsError, resultText(t, result))
	info, ok := result.StructuredContent.(Info)
	require.True(t, ok)
	return info
}

func echoBreakpoints(nextID *atomic.Int32) daptest.Handler {
	return func(req daptest.Request) (any, error) {
		var args dap.SetBreakpointsArguments
		if decodeErr := json.Unmarshal(req.Arguments, &args); decodeErr != nil {
			return nil, decodeErr
		}
		bps := make([]dap.Breakpoint, 0, len(args.Breakpoints))
		for _, bp := range args.Breakpoints {
			bps = append(bps, dap.Breakpoint{Id: int(nextID.Add(1)), Verified: true, Line: bp.Line})
		}
		return dap.SetBreakpointsResponseBody{Breakpoints: bps}, nil
	}
}

func TestSetBreakpointsReplacesTheWholeFile(t *testing.T) {
	t.Parallel()
	var nextID atomic.Int32
	adapter := newFakeAdapter(defaultCaps()).Handle("setBreakpoints", echoBreakpoints(&nextID))
	o := newAdapterOrchestrator(t, adapter)
	id, _ := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	result := call(t, o, ToolSetBreakpoints, fmt.Sprintf(`{"sessionId":%q,"source":"/src/app/main.go","lines":[5,10]}`, id))
	require.False(t, result.IsError, resultText(t, result))
	result = call(t, o, ToolSetBreakpoints, fmt.Sprintf(`{"sessionId":%q,"source":"/src/app/main.go","lines":[10,20]}`, id))
	require.False(t, result.IsError, resultText(t, result))

	info := sessionInfo(t, o, id)
	lines := make([]int, 0, len(info.Breakpoints))
	for _, bp := range info.Breakpoints {
		lines = append(lines, bp.Line)
	}
	assert.Equal(t, []int{10, 20}, lines)

	result = call(t, o, ToolSetBreakpoints, fmt.Sprintf(`{"sessionId":%q,"source":"/src/app/main.go"}`, id))
	require.False(t, result.IsError)
	assert.Equal(t, "Cleared breakpoints in /src/app/main.go", resultText(t, result))
	assert.Equal(t, "No breakpoints set", resultText(t, call(t, o, ToolListBreakpoints, fmt.Sprintf(`{"sessionId":%q}`, id))))
}

func TestSetFunctionBreakpoints(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps()).Handle("setFunctionBreakpoints", func(req daptest.Request) (any, error) {
		var args dap.SetFunctionBreakpointsArguments
		if decodeErr := json.Unmarshal(req.Arguments, &args); decodeErr != nil {
			return nil, decodeErr
		}
		bps := make([]dap.Breakpoint, 0, len(args.Breakpoints))
		for i, bp := range args.Breakpoints {
			bps = append(bps, dap.Breakpoint{Id: i + 1, Verified: bp.Name != "missing"})
		}
		return dap.SetFunctionBreakpointsResponseBody{Breakpoints: bps}, nil
	})
	o := newAdapterOrchestrator(t, adapter)
	id, _ := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	result := call(t, o, ToolSetFunctionBreakpoints, fmt.Sprintf(`{"sessionId":%q,"functions":[{"name":"main.run"},{"name":"missing"}]}`, id))
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "main.run")

	info := sessionInfo(t, o, id)
	require.Len(t, info.FunctionBreakpoints, 2)
	assert.True(t, info.FunctionBreakpoints[0].Verified)
	assert.False(t, info.FunctionBreakpoints[1].Verified)

	result = call(t, o, ToolSetFunctionBreakpoints, fmt.Sprintf(`{"sessionId":%q}`, id))
	require.False(t, result.IsError)
	assert.Equal(t, "Cleared function breakpoints", resultText(t, result))
	assert.Empty(t, sessionInfo(t, o, id).FunctionBreakpoints)
}

func TestInventoryTools(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps()).
		Handle("loadedSources", func(daptest.Request) (any, error) {
			return dap.LoadedSourcesResponseBody{Sources: []dap.Source{{Path: "/src/app/main.go"}}}, nil
		}).
		Handle("modules", func(daptest.Request) (any, error) {
			return dap.ModulesResponseBody{Modules: []dap.Module{{Id: 1, Name: "app", Path: "/src/app/app"}}}, nil
		}).
		Handle("disassemble", func(req daptest.Request) (any, error) {
			if gjson.GetBytes(req.Arguments, "instructionCount").Int() != 20 {
				return nil, errors.New("unexpected instruction count")
			}
			return dap.DisassembleResponseBody{Instructions: []dap.DisassembledInstruction{
				{Address: "0x1000", Instruction: "MOVQ AX, BX", Symbol: "main.main"},
			}}, nil
		})
	o := newAdapterOrchestrator(t, adapter)
	id, _ := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	assert.Contains(t, resultText(t, call(t, o, ToolLoadedSources, fmt.Sprintf(`{"sessionId":%q}`, id))), "/src/app/main.go")
	assert.Contains(t, resultText(t, call(t, o, ToolModules, fmt.Sprintf(`{"sessionId":%q}`, id))), "app (/src/app/app)")

	result := call(t, o, ToolDisassemble, fmt.Sprintf(`{"sessionId":%q,"memoryReference":"0x1000"}`, id))
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "MOVQ AX, BX\t<main.main>")
}

func TestStoppedEventIsForwardedAndPausesSession(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps())
	o := newAdapterOrchestrator(t, adapter)
	id, notifications := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	require.NoError(t, adapter.Event("stopped", dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 3, AllThreadsStopped: true}))

	n := nextEvent(t, notifications, "stopped")
	assert.Equal(t, "notifications/debug/stopped", n.Method())
	params, paramsErr := n.Params()
	require.NoError(t, paramsErr)
	assert.Equal(t, id, gjson.GetBytes(params, "sessionId").String())
	assert.Equal(t, "breakpoint", gjson.GetBytes(params, "reason").String())

	info := sessionInfo(t, o, id)
	assert.Equal(t, StatePaused, info.State)
	assert.Equal(t, 3, info.LastStoppedThread)

	result := call(t, o, ToolContinue, fmt.Sprintf(`{"sessionId":%q}`, id))
	require.False(t, result.IsError, resultText(t, result))
	reqs := adapter.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, "continue", last.Command)
	assert.Equal(t, int64(3), gjson.GetBytes(last.Arguments, "threadId").Int())
	assert.Equal(t, StateRunning, sessionInfo(t, o, id).State)
}

func TestStopRightAfterExecutionRequestLeavesSessionPaused(t *testing.T) {
	t.Parallel()
	stopAgain := func(a *daptest.Adapter) {
		_ = a.Event("stopped", dap.StoppedEventBody{Reason: "step", ThreadId: 1, AllThreadsStopped: true})
	}
	adapter := newFakeAdapter(defaultCaps()).Then("continue", stopAgain).Then("next", stopAgain)
	o := newAdapterOrchestrator(t, adapter)
	id, notifications := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	require.NoError(t, adapter.Event("stopped", dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 1}))
	nextEvent(t, notifications, "stopped")

	tools := []string{ToolContinue, ToolNext}
	for round := range 50 {
		result := call(t, o, tools[round%2], fmt.Sprintf(`{"sessionId":%q}`, id))
		require.False(t, result.IsError, resultText(t, result))
		nextEvent(t, notifications, "stopped")

		info := sessionInfo(t, o, id)
		require.Equal(t, StatePaused, info.State, "round %d", round)
		require.Len(t, info.Threads, 1)
		require.True(t, info.Threads[0].Stopped, "round %d", round)
	}
}

func TestTerminateEndsSession(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps())
	o := newAdapterOrchestrator(t, adapter)
	id, notifications := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	result := call(t, o, ToolTerminate, fmt.Sprintf(`{"sessionId":%q}`, id))
	require.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, "Debug session "+id+" terminated", resultText(t, result))

	ended := nextEvent(t, notifications, EventSessionEnded)
	assert.Equal(t, "terminated", gjson.GetBytes(ended.Body, "state").String())
	assert.Contains(t, adapter.Commands(), "terminate")
	assert.Contains(t, adapter.Commands(), "disconnect")

	result = call(t, o, ToolThreads, fmt.Sprintf(`{"sessionId":%q}`, id))
	assert.True(t, result.IsError)
	assert.Equal(t, "session not found: "+id, resultText(t, result))
	assert.Empty(t, o.Sessions())
}

func TestDebuggeeTerminationClosesNotifications(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps())
	o := newAdapterOrchestrator(t, adapter)
	id, notifications := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	require.NoError(t, adapter.Event("exited", dap.ExitedEventBody{ExitCode: 2}))
	require.NoError(t, adapter.Event("terminated", nil))

	var events []string
	for n := range notifications {
		events = append(events, n.Event)
	}
	assert.Equal(t, []string{"initialized", "exited", "terminated", EventSessionEnded}, events)

	result := call(t, o, ToolSessionInfo, fmt.Sprintf(`{"sessionId":%q}`, id))
	assert.True(t, result.IsError)
}

func TestBackendDisconnectMarksSessionErrored(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps())
	o := newAdapterOrchestrator(t, adapter)
	_, notifications := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	require.NoError(t, adapter.Close())

	ended := nextEvent(t, notifications, EventSessionEnded)
	assert.Equal(t, "errored", gjson.GetBytes(ended.Body, "state").String())
	assert.Empty(t, o.Sessions())
}

func TestCallsForOneSessionRunInSubmissionOrder(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps()).Handle("evaluate", func(req daptest.Request) (any, error) {
		expr := gjson.GetBytes(req.Arguments, "expression").String()
		return dap.EvaluateResponseBody{Result: expr, Type: "string"}, nil
	})
	o := newAdapterOrchestrator(t, adapter)
	id, _ := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	expressions := []string{"a", "b", "c", "d", "e"}
	tickets := make([]*Ticket, 0, len(expressions))
	for _, expr := range expressions {
		args := fmt.Sprintf(`{"sessionId":%q,"expression":%q}`, id, expr)
		tickets = append(tickets, o.Submit(context.Background(), ToolEvaluate, json.RawMessage(args)))
	}
	for i, ticket := range tickets {
		assert.Equal(t, expressions[i]+" (type: string)", resultText(t, ticket.Wait().Result))
	}

	var seen []string
	for _, req := range adapter.Requests() {
		if req.Command == "evaluate" {
			seen = append(seen, gjson.GetBytes(req.Arguments, "expression").String())
		}
	}
	assert.Equal(t, expressions, seen)
}

func TestBackendFailureIsToolError(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps()).Handle("evaluate", func(daptest.Request) (any, error) {
		return nil, errors.New("could not find symbol value for y")
	})
	o := newAdapterOrchestrator(t, adapter)
	id, _ := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	result := call(t, o, ToolEvaluate, fmt.Sprintf(`{"sessionId":%q,"expression":"y"}`, id))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "could not find symbol value for y")

	result = call(t, o, ToolScopes, fmt.Sprintf(`{"sessionId":%q}`, id))
	assert.True(t, result.IsError)
	assert.Equal(t, "frameId is required", resultText(t, result))
}

func TestRestartNeedsCapability(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps())
	o := newAdapterOrchestrator(t, adapter)
	id, _ := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	result := call(t, o, ToolRestart, fmt.Sprintf(`{"sessionId":%q}`, id))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "does not support restart")
	assert.NotContains(t, adapter.Commands(), "restart")
}

func TestGetContextCollectsStackAndVariables(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps()).
		Handle("stackTrace", func(daptest.Request) (any, error) {
			return dap.StackTraceResponseBody{
				StackFrames: []dap.StackFrame{
					{Id: 1000, Name: "main.main", Line: 12, Source: &dap.Source{Path: "/src/app/main.go"}},
					{Id: 1001, Name: "runtime.main", Line: 250, Source: &dap.Source{Path: "/go/src/runtime/proc.go"}, PresentationHint: "subtle"},
				},
				TotalFrames: 2,
			}, nil
		}).
		Handle("scopes", func(daptest.Request) (any, error) {
			return dap.ScopesResponseBody{Scopes: []dap.Scope{{Name: "Locals", VariablesReference: 7}}}, nil
		}).
		Handle("variables", func(daptest.Request) (any, error) {
			return dap.VariablesResponseBody{Variables: []dap.Variable{{Name: "count", Type: "int", Value: "3"}}}, nil
		})
	o := newAdapterOrchestrator(t, adapter)
	id, notifications := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)
	require.NoError(t, adapter.Event("stopped", dap.StoppedEventBody{Reason: "step", ThreadId: 1}))
	nextEvent(t, notifications, "stopped")

	text := resultText(t, call(t, o, ToolGetContext, fmt.Sprintf(`{"sessionId":%q}`, id)))
	assert.Contains(t, text, "## Current Location\nFunction: main.main\nFile: /src/app/main.go:12")
	assert.Contains(t, text, "#1 (Frame ID: 1001) runtime.main at /go/src/runtime/proc.go:250 (runtime)")
	assert.Contains(t, text, "### Locals\n  count (int) = 3")

	for _, req := range adapter.Requests() {
		if req.Command == "scopes" {
			assert.Equal(t, int64(1000), gjson.GetBytes(req.Arguments, "frameId").Int())
		}
	}
}

func TestSessionLimit(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps())
	registry, registryErr := establish.NewRegistry(map[string][]establish.Candidate{
		"go": {{Name: "fake", Mode: establish.ModeTCPAttach, Address: adapter.Accept(t)}},
	})
	require.NoError(t, registryErr)
	opts := testOptions()
	opts.MaxSessions = 1
	o := New(establish.New(registry, establish.Options{AttemptTimeout: 2 * time.Second}, logr.Discard()), opts, logr.Discard())
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })

	createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	result := call(t, o, ToolCreateSession, `{"adapter":"go","program":"/src/other"}`)
	assert.True(t, result.IsError)
	assert.Equal(t, "session limit reached (1)", resultText(t, result))
}

func TestResources(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(defaultCaps())
	o := newAdapterOrchestrator(t, adapter)
	id, _ := createSession(t, o, `{"adapter":"go","program":"/src/app"}`)

	uris := make([]string, 0)
	for _, r := range o.Resources() {
		uris = append(uris, r.URI)
	}
	assert.Contains(t, uris, ResourceSessions)
	assert.Contains(t, uris, ResourceAdapters)
	assert.Contains(t, uris, "debug://sessions/"+id)

	read, readErr := o.ReadResource(context.Background(), ResourceSessions)
	require.NoError(t, readErr)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, id, gjson.Get(read.Contents[0].Text, "sessions.0.id").String())

	read, readErr = o.ReadResource(context.Background(), ResourceAdapters)
	require.NoError(t, readErr)
	assert.True(t, gjson.Get(read.Contents[0].Text, `adapters.#(kind=="java")`).Exists())

	_, readErr = o.ReadResource(context.Background(), "debug://sessions/missing")
	assert.ErrorIs(t, readErr, ErrResourceNotFound)
	_, readErr = o.ReadResource(context.Background(), "file:///etc/passwd")
	assert.ErrorIs(t, readErr, ErrResourceNotFound)
}
