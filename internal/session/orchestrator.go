// Package session is the hub between the client gateway and debugger
// backends. It owns the tool registry and the live sessions, runs each
// session's tool calls on that session's own queue, and turns backend events
// into client notifications.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/samber/lo"
	"github.com/smallnest/chanx"
	"github.com/tidwall/gjson"

	"github.com/vajrock/mcp-debug-bridge/internal/establish"
)

// Connector produces live, initialized backends.
type Connector interface {
	Establish(ctx context.Context, req establish.Request) (*establish.Result, error)
	Registry() *establish.Registry
}

// DiscoveryOptions configure the JDWP port scan behind the discovery resource.
type DiscoveryOptions struct {
	Host    string
	Ports   []int
	Timeout time.Duration
}

// Options tune the orchestrator.
type Options struct {
	// CallTimeout bounds every backend request made by a tool.
	CallTimeout time.Duration

	// SetupTimeout bounds each wait during session setup: the initialized
	// event and the launch or attach response.
	SetupTimeout time.Duration

	// MaxSessions limits concurrently live sessions; zero means no limit.
	MaxSessions int

	Discovery DiscoveryOptions
	Clock     clock.Clock
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Discovery.Host == "" {
		o.Discovery.Host = "127.0.0.1"
	}
	if o.Discovery.Timeout <= 0 {
		o.Discovery.Timeout = 2 * time.Second
	}
	return o
}

// Orchestrator owns the tool registry and every live session.
type Orchestrator struct {
	log       logr.Logger
	connector Connector
	opts      Options
	tools     map[string]*toolDef

	mu       sync.RWMutex
	sessions map[string]*Session
	creating int
	closing  bool

	pumps sync.WaitGroup
}

// New creates an orchestrator that opens sessions through connector.
func New(connector Connector, opts Options, log logr.Logger) *Orchestrator {
	o := &Orchestrator{
		log:       log,
		connector: connector,
		opts:      opts.withDefaults(),
		sessions:  make(map[string]*Session),
	}
	o.tools = o.buildTools()
	return o
}

// Tools lists the registered tools sorted by name.
func (o *Orchestrator) Tools() []*mcp.Tool {
	names := lo.Keys(o.tools)
	slices.Sort(names)
	return lo.Map(names, func(name string, _ int) *mcp.Tool { return o.tools[name].descriptor })
}

// Outcome is the result of one tool call.
type Outcome struct {
	Result *mcp.CallToolResult

	// SessionID and Notifications are set when the call created a session.
	// The receiver must drain Notifications until it is closed.
	SessionID     string
	Notifications <-chan Notification
}

// Ticket tracks a submitted tool call.
type Ticket struct {
	done    chan struct{}
	outcome Outcome
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) complete(outcome Outcome) {
	t.outcome = outcome
	close(t.done)
}

func (t *Ticket) completeResult(result *mcp.CallToolResult) {
	t.complete(Outcome{Result: result})
}

// Done is closed when the outcome is available.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the call completes. Every call completes: backend
// requests carry deadlines.
func (t *Ticket) Wait() Outcome {
	<-t.done
	return t.outcome
}

// Call submits a tool call and waits for it.
func (o *Orchestrator) Call(ctx context.Context, name string, args json.RawMessage) Outcome {
	return o.Submit(ctx, name, args).Wait()
}

// Submit validates and admits a tool call. Admission is synchronous: calls
// submitted one after another for the same session reach its backend in
// that order. Validation never touches a backend.
func (o *Orchestrator) Submit(ctx context.Context, name string, raw json.RawMessage) *Ticket {
	t := newTicket()

	if len(raw) == 0 || gjson.ParseBytes(raw).Type == gjson.Null {
		raw = json.RawMessage(`{}`)
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		t.completeResult(errorResult(validationError("arguments must be a JSON object")))
		return t
	}

	var id string
	if name != ToolCreateSession {
		sessionID := gjson.GetBytes(raw, "sessionId")
		if sessionID.Type != gjson.String || sessionID.Str == "" {
			t.completeResult(errorResult(validationError("sessionId is required")))
			return t
		}
		id = sessionID.Str
	}

	def, ok := o.tools[name]
	if !ok {
		t.completeResult(errorResult(unsupportedTool(name)))
		return t
	}

	if name == ToolCreateSession {
		if validateErr := def.validate(raw); validateErr != nil {
			t.completeResult(errorResult(validateErr))
			return t
		}
		go o.createSession(ctx, raw, t)
		return t
	}

	s := o.lookup(id)
	if s == nil {
		t.completeResult(errorResult(sessionNotFound(id)))
		return t
	}
	if validateErr := def.validate(raw); validateErr != nil {
		t.completeResult(errorResult(validateErr))
		return t
	}

	if def.direct {
		t.completeResult(o.invoke(ctx, s, def, raw))
		return t
	}
	if !s.queue.submit(func() { t.completeResult(o.invoke(ctx, s, def, raw)) }) {
		t.completeResult(errorResult(sessionNotFound(id)))
	}
	return t
}

func (o *Orchestrator) lookup(id string) *Session {
	o.mu.RLock()
	s := o.sessions[id]
	o.mu.RUnlock()
	if s == nil || s.isEnded() {
		return nil
	}
	return s
}

// invoke runs a tool against s and converts every failure, panics included,
// into an error result.
func (o *Orchestrator) invoke(ctx context.Context, s *Session, def *toolDef, raw json.RawMessage) (result *mcp.CallToolResult) {
	name := def.descriptor.Name
	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("panic in %s: %v", name, r)
			o.log.Error(panicErr, "Tool handler panicked", "tool", name, "session", s.id)
			result = errorResult(internalError(panicErr))
		}
	}()

	// Jobs queued before a terminate run after the session is gone.
	if s.isEnded() {
		return errorResult(sessionNotFound(s.id))
	}
	if ctx.Err() != nil {
		return errorResult(&ToolError{Kind: KindInternal, Message: "request cancelled", Err: ctx.Err()})
	}

	res, runErr := def.run(ctx, s, raw)
	if runErr != nil {
		o.log.V(1).Info("Tool call failed", "tool", name, "session", s.id, "kind", ErrorKind(runErr), "error", runErr.Error())
		return errorResult(runErr)
	}
	return res
}

// call issues one backend request bounded by the call timeout.
func (o *Orchestrator) call(ctx context.Context, s *Session, command string, args any, body any) error {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	resp, callErr := s.backend.Call(callCtx, command, args)
	if callErr != nil {
		return backendError("", fmt.Errorf("%s: %w", command, callErr))
	}
	if body != nil && len(resp.Body) > 0 {
		if decodeErr := json.Unmarshal(resp.Body, body); decodeErr != nil {
			return backendError("", fmt.Errorf("%s: malformed response body: %w", command, decodeErr))
		}
	}
	return nil
}

func (o *Orchestrator) reserve() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return &ToolError{Kind: KindInternal, Message: "shutting down"}
	}
	if o.opts.MaxSessions > 0 && len(o.sessions)+o.creating >= o.opts.MaxSessions {
		return validationError("session limit reached (%d)", o.opts.MaxSessions)
	}
	o.creating++
	return nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.creating--
	o.mu.Unlock()
}

func (o *Orchestrator) createSession(ctx context.Context, raw json.RawMessage, t *Ticket) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("panic in %s: %v", ToolCreateSession, r)
			o.log.Error(panicErr, "Session setup panicked")
			t.completeResult(errorResult(internalError(panicErr)))
		}
	}()

	var args createSessionArgs
	if decodeErr := json.Unmarshal(raw, &args); decodeErr != nil {
		t.completeResult(errorResult(validationError("invalid arguments: %v", decodeErr)))
		return
	}
	if reserveErr := o.reserve(); reserveErr != nil {
		t.completeResult(errorResult(reserveErr))
		return
	}
	defer o.release()

	s, startErr := o.startSession(ctx, args)
	if startErr != nil {
		o.log.Info("Could not create debug session", "adapter", args.Adapter, "program", args.Program, "error", startErr.Error())
		t.completeResult(errorResult(startErr))
		return
	}

	info := s.Info()
	result := textResult(fmt.Sprintf("Debug session %s started for %s using %s (%s). State: %s.",
		s.id, s.program, info.Adapter, info.Target, info.State))
	result.StructuredContent = info
	t.complete(Outcome{Result: result, SessionID: s.id, Notifications: s.notifications.Out})
}

func (o *Orchestrator) startSession(ctx context.Context, args createSessionArgs) (*Session, error) {
	s := &Session{
		id:          uuid.NewString(),
		program:     args.Program,
		createdAt:   o.opts.Clock.Now(),
		state:       StateUninitialized,
		breakpoints: make(map[string][]Breakpoint),
		threads:     make(map[int]Thread),
		initialized: make(chan struct{}),
		ended:       make(chan struct{}),
	}
	s.log = o.log.WithValues("session", s.id)
	_ = s.transition(StateConnecting)

	result, establishErr := o.connector.Establish(ctx, establish.Request{Kind: args.Adapter, Host: args.Host, Port: args.Port})
	if establishErr != nil {
		_ = s.transition(StateErrored)
		if errors.Is(establishErr, establish.ErrUnknownKind) {
			return nil, validationError("%v", establishErr)
		}
		return nil, backendError("unable to connect to a "+args.Adapter+" debugger", establishErr)
	}

	s.kind = result.Kind
	s.backend = result.Backend
	s.candidate = result.Candidate
	s.capabilities = result.Capabilities
	s.attempts = result.Attempts
	s.log = s.log.WithValues("kind", s.kind)
	s.queue = newWorker()
	s.notifications = chanx.NewUnboundedChan[Notification](context.Background(), 16)
	_ = s.transition(StateInitialized)

	o.pumps.Add(1)
	go o.pump(s)

	if configureErr := o.configure(ctx, s, args); configureErr != nil {
		o.teardown(s, StateErrored, configureErr.Error(), true)
		go drain(s.notifications.Out)
		return nil, configureErr
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s.isEnded() {
		go drain(s.notifications.Out)
		return nil, backendError("debugger went away during setup", s.backend.Err())
	}
	o.sessions[s.id] = s
	s.log.Info("Debug session created", "program", s.program, "candidate", s.candidate.Name, "state", s.state)
	return s, nil
}

func drain[T any](ch <-chan T) {
	for range ch {
	}
}

// configure runs the DAP setup sequence: launch or attach, wait for
// initialized, install breakpoints, configurationDone, then collect the
// launch response.
func (o *Orchestrator) configure(ctx context.Context, s *Session, args createSessionArgs) error {
	request, launchArgs := launchArguments(args)
	s.request, s.launchArgs = request, launchArgs

	setupCtx, cancel := context.WithTimeout(ctx, o.opts.SetupTimeout)
	defer cancel()

	future, sendErr := s.backend.Send(setupCtx, request, launchArgs)
	if sendErr != nil {
		return backendError("unable to start debug session", sendErr)
	}
	launched := make(chan error, 1)
	go func() {
		_, awaitErr := future.Await(setupCtx)
		launched <- awaitErr
	}()

	launchDone := false
	timer := o.opts.Clock.Timer(o.opts.SetupTimeout)
	defer timer.Stop()
	select {
	case <-s.initialized:
	case launchErr := <-launched:
		if launchErr != nil {
			return backendError("unable to start debug session", launchErr)
		}
		launchDone = true
		// Some adapters only announce initialized after answering launch.
		select {
		case <-s.initialized:
		case <-timer.C:
		case <-s.ended:
		}
	case <-timer.C:
		s.log.Info("No initialized event from debugger, configuring anyway", "timeout", o.opts.SetupTimeout)
	case <-s.ended:
	}
	if s.isEnded() {
		return backendError("debugger went away during setup", s.backend.Err())
	}

	bySource := lo.GroupBy(args.Breakpoints, func(bp breakpointSpec) string { return bp.Source })
	for _, source := range slices.Sorted(maps.Keys(bySource)) {
		specs := lo.Map(bySource[source], func(bp breakpointSpec, _ int) sourceBreakpointSpec {
			return sourceBreakpointSpec{Line: bp.Line, Condition: bp.Condition, HitCondition: bp.HitCondition, LogMessage: bp.LogMessage}
		})
		if _, bpErr := o.installBreakpoints(setupCtx, s, source, specs); bpErr != nil {
			return bpErr
		}
	}
	if len(args.FunctionBreakpoints) > 0 {
		if _, bpErr := o.installFunctionBreakpoints(setupCtx, s, args.FunctionBreakpoints); bpErr != nil {
			return bpErr
		}
	}

	if s.supports("supportsConfigurationDoneRequest") {
		if doneErr := o.call(setupCtx, s, "configurationDone", nil, nil); doneErr != nil {
			return doneErr
		}
	}

	if !launchDone {
		if launchErr := <-launched; launchErr != nil {
			return backendError("unable to start debug session", launchErr)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Final() {
		return backendError("debugger went away during setup", s.backend.Err())
	}
	_ = s.transitionLocked(StateConfigured)
	if s.stopSeen {
		return s.transitionLocked(StatePaused)
	}
	return s.transitionLocked(StateRunning)
}

// launchArguments builds the launch or attach request. Explicit launchArgs
// win over everything derived from the other arguments.
func launchArguments(args createSessionArgs) (string, map[string]any) {
	request := "launch"
	if args.Request == "attach" {
		request = "attach"
	}

	launch := map[string]any{
		"name":    "mcp-debug-bridge",
		"request": request,
		"program": args.Program,
	}
	if args.Mode != "" {
		launch["mode"] = args.Mode
	}
	if request == "attach" && args.ProcessID > 0 {
		launch["processId"] = args.ProcessID
	}
	if request == "launch" {
		launch["stopOnEntry"] = args.StopOnEntry
		if len(args.Args) > 0 {
			launch["args"] = args.Args
		}
		if args.Cwd != "" {
			launch["cwd"] = args.Cwd
		}
		if len(args.Env) > 0 {
			launch["env"] = args.Env
		}
	}
	maps.Copy(launch, args.LaunchArgs)
	return request, launch
}

// Terminate ends a session the way debug/terminate does.
func (o *Orchestrator) Terminate(ctx context.Context, id string) error {
	s := o.lookup(id)
	if s == nil {
		return sessionNotFound(id)
	}
	_, terminateErr := o.terminate(ctx, s, sessionArgs{SessionID: id})
	return terminateErr
}

// Sessions returns snapshots of every live session, oldest first.
func (o *Orchestrator) Sessions() []Info {
	o.mu.RLock()
	live := slices.Collect(maps.Values(o.sessions))
	o.mu.RUnlock()

	infos := lo.Map(live, func(s *Session, _ int) Info { return s.Info() })
	slices.SortFunc(infos, func(a, b Info) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return infos
}

// Shutdown terminates every session and waits for their event pumps, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	live := slices.Collect(maps.Values(o.sessions))
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.teardown(s, StateTerminated, "shutdown", true)
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		o.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d sessions to stop: %w", len(live), ctx.Err())
	}
}
