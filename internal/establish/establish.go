package establish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/samber/lo"

	"github.com/vajrock/mcp-debug-bridge/internal/backend"
	dapclient "github.com/vajrock/mcp-debug-bridge/internal/dap"
	"github.com/vajrock/mcp-debug-bridge/internal/jdwp"
)

// Outcome classifies how one candidate attempt ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeHandshakeFailure Outcome = "handshake-failure"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeRefused          Outcome = "refused"
	OutcomeSpawnFailure     Outcome = "spawn-failure"
)

// ErrHandshake means the backend was reached but did not complete the initial exchange.
var ErrHandshake = errors.New("backend handshake failed")

// Attempt records one candidate tried during establishment.
type Attempt struct {
	Kind      string        `json:"kind"`
	Candidate string        `json:"candidate"`
	Mode      Mode          `json:"mode"`
	Target    string        `json:"target"`
	Outcome   Outcome       `json:"outcome"`
	Retries   int           `json:"retries"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Error is returned when every candidate failed. It unwraps to the last candidate's error.
type Error struct {
	Kind     string
	Attempts []Attempt
	Last     error
}

func (e *Error) Error() string {
	tried := lo.Map(e.Attempts, func(a Attempt, _ int) string {
		return fmt.Sprintf("%s (%s)", a.Candidate, a.Outcome)
	})
	return fmt.Sprintf("could not connect to a %s debugger after trying %s: %v", e.Kind, strings.Join(tried, ", "), e.Last)
}

func (e *Error) Unwrap() error {
	return e.Last
}

// Options tune establishment. Zero values fall back to defaults.
type Options struct {
	AttemptTimeout   time.Duration
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	Retries          uint64
	CallTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 2 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	return o
}

// Request asks for a backend of Kind. Host and Port, when set, put an attach
// candidate for that address at the front of the chain.
type Request struct {
	Kind string
	Host string
	Port int
}

// Result is a live backend whose initialize exchange has completed.
type Result struct {
	Kind         string
	Backend      backend.Backend
	Candidate    Candidate
	Capabilities json.RawMessage
	Attempts     []Attempt
}

// Establisher connects to backends. It is safe for concurrent use.
type Establisher struct {
	log      logr.Logger
	registry *Registry
	opts     Options
}

// New creates an Establisher over registry.
func New(registry *Registry, opts Options, log logr.Logger) *Establisher {
	return &Establisher{
		log:      log,
		registry: registry,
		opts:     opts.withDefaults(),
	}
}

// Registry returns the kind registry.
func (e *Establisher) Registry() *Registry {
	return e.registry
}

// Establish walks the fallback chain for req.Kind and returns the first
// candidate that connects and answers initialize. Failed candidates are
// logged and skipped; only exhaustion is reported to the caller.
func (e *Establisher) Establish(ctx context.Context, req Request) (*Result, error) {
	kind, known := e.registry.Resolve(req.Kind)
	if !known {
		_, chainErr := e.registry.Chain(req.Kind)
		return nil, chainErr
	}
	chain, _ := e.registry.Chain(kind)
	chain = withRequestedAddress(kind, chain, req)

	var attempts []Attempt
	var lastErr error
	for _, cand := range chain {
		result, attempt, tryErr := e.try(ctx, kind, cand)
		attempts = append(attempts, attempt)
		if tryErr == nil {
			result.Attempts = attempts
			e.log.Info("Connected to debugger", "kind", kind, "candidate", cand.Name, "target", cand.Target(), "attempts", len(attempts))
			return result, nil
		}

		lastErr = tryErr
		e.log.Info("Debugger candidate failed", "kind", kind, "candidate", cand.Name, "outcome", attempt.Outcome, "error", tryErr.Error())
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &Error{Kind: kind, Attempts: attempts, Last: lastErr}
}

func withRequestedAddress(kind string, chain []Candidate, req Request) []Candidate {
	if req.Port <= 0 {
		return chain
	}
	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}
	mode := ModeTCPAttach
	if kind == "java" {
		mode = ModeJDWP
	}
	requested := Candidate{
		Name:    "requested-" + string(mode),
		Mode:    mode,
		Address: net.JoinHostPort(host, strconv.Itoa(req.Port)),
	}
	return lo.UniqBy(append([]Candidate{requested}, chain...), func(c Candidate) string {
		return string(c.Mode) + "|" + c.Address + "|" + strings.Join(c.Command, " ")
	})
}

// try runs one candidate with retries. Each invocation gets its own attempt timeout.
func (e *Establisher) try(ctx context.Context, kind string, cand Candidate) (*Result, Attempt, error) {
	attempt := Attempt{Kind: kind, Candidate: cand.Name, Mode: cand.Mode, Target: cand.Target()}
	started := time.Now()
	log := e.log.WithValues("kind", kind, "candidate", cand.Name)

	invocations := 0
	var lastAttemptErr error
	connect := func() (*Result, error) {
		invocations++
		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
		defer cancel()

		result, connectErr := e.connect(attemptCtx, kind, cand, log)
		if connectErr != nil && errors.Is(connectErr, context.DeadlineExceeded) && ctx.Err() == nil {
			connectErr = fmt.Errorf("attempt timed out after %s: %w", e.opts.AttemptTimeout, connectErr)
		}
		if connectErr != nil && errors.Is(connectErr, exec.ErrNotFound) {
			return nil, backoff.Permanent(connectErr)
		}
		return result, connectErr
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.opts.InitialBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.1),
		backoff.WithMaxElapsedTime(0),
	)
	result, retryErr := backoff.RetryNotifyWithData(
		connect,
		backoff.WithContext(backoff.WithMaxRetries(policy, e.opts.Retries), ctx),
		func(err error, d time.Duration) {
			lastAttemptErr = err
			log.V(1).Info("Retrying debugger candidate", "error", err.Error(), "delay", d)
		},
	)
	if retryErr != nil && (errors.Is(retryErr, context.Canceled) || errors.Is(retryErr, context.DeadlineExceeded)) && lastAttemptErr != nil && !errors.Is(retryErr, lastAttemptErr) {
		retryErr = errors.Join(lastAttemptErr, retryErr)
	}

	attempt.Retries = max(invocations-1, 0)
	attempt.Duration = time.Since(started)
	if retryErr != nil {
		attempt.Outcome = classify(retryErr)
		attempt.Error = retryErr.Error()
		return nil, attempt, retryErr
	}
	attempt.Outcome = OutcomeSuccess
	result.Candidate = cand
	result.Kind = kind
	return result, attempt, nil
}

func classify(err error) Outcome {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrSpawn):
		return OutcomeSpawnFailure
	case errors.Is(err, syscall.ECONNREFUSED):
		return OutcomeRefused
	case errors.Is(err, jdwp.ErrHandshakeTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, backend.ErrTimeout),
		errors.As(err, &netErr) && netErr.Timeout():
		return OutcomeTimeout
	default:
		return OutcomeHandshakeFailure
	}
}

func (e *Establisher) connect(ctx context.Context, kind string, cand Candidate, log logr.Logger) (*Result, error) {
	switch cand.Mode {
	case ModeJDWP:
		return e.connectJDWP(ctx, cand, log)
	case ModeTCPAttach:
		t, dialErr := dapclient.DialTCP(ctx, cand.Address)
		if dialErr != nil {
			return nil, dialErr
		}
		return e.initialize(ctx, kind, e.newClient(t, log), nil)
	case ModeStdio:
		proc, _, spawnErr := spawn(spawnOptions{args: cand.Command, env: cand.Env, stdio: true}, log)
		if spawnErr != nil {
			return nil, spawnErr
		}
		client := e.newClient(dapclient.NewStdioTransport(proc.stdout, proc.stdin), log)
		return e.initialize(ctx, kind, client, proc)
	case ModeTCPConnect:
		return e.connectSpawnedServer(ctx, kind, cand, log)
	default:
		return nil, backoff.Permanent(fmt.Errorf("unknown candidate mode %q", cand.Mode))
	}
}

func (e *Establisher) newClient(t dapclient.Transport, log logr.Logger) *dapclient.Client {
	return dapclient.NewClient(t,
		dapclient.WithLogger(log.WithName("dap")),
		dapclient.WithCallTimeout(e.opts.CallTimeout),
	)
}

func (e *Establisher) connectSpawnedServer(ctx context.Context, kind string, cand Candidate, log logr.Logger) (*Result, error) {
	var pattern *regexp.Regexp
	if cand.ReadyPattern != "" {
		compiled, compileErr := regexp.Compile(cand.ReadyPattern)
		if compileErr != nil {
			return nil, backoff.Permanent(fmt.Errorf("invalid ready pattern %q: %w", cand.ReadyPattern, compileErr))
		}
		pattern = compiled
	}

	port, portErr := freePort()
	if portErr != nil {
		return nil, fmt.Errorf("%w: no free port: %w", ErrSpawn, portErr)
	}
	proc, ready, spawnErr := spawn(spawnOptions{args: substitutePort(cand.Command, port), env: cand.Env, ready: pattern}, log)
	if spawnErr != nil {
		return nil, spawnErr
	}

	select {
	case <-ready:
	case <-proc.Done():
		return nil, fmt.Errorf("%w: process exited before it was ready: %v", ErrSpawn, proc.Err())
	case <-ctx.Done():
		proc.Kill()
		return nil, fmt.Errorf("waiting for adapter readiness: %w", ctx.Err())
	}

	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	t, dialErr := dialUntilReady(ctx, address, proc)
	if dialErr != nil {
		proc.Kill()
		return nil, dialErr
	}
	return e.initialize(ctx, kind, e.newClient(t, log), proc)
}

// dialUntilReady polls address until it accepts, the process exits, or ctx ends.
func dialUntilReady(ctx context.Context, address string, proc *process) (dapclient.Transport, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		t, dialErr := dapclient.DialTCP(ctx, address)
		if dialErr == nil {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("adapter never accepted connections at %s: %w", address, errors.Join(dialErr, ctx.Err()))
		case <-proc.Done():
			return nil, fmt.Errorf("%w: process exited before accepting connections: %v", ErrSpawn, proc.Err())
		case <-ticker.C:
		}
	}
}

// initialize performs the DAP initialize exchange as the readiness handshake.
// On failure the client and process are torn down.
func (e *Establisher) initialize(ctx context.Context, kind string, b backend.Backend, proc *process) (*Result, error) {
	args := &dap.InitializeRequestArguments{
		ClientID:                     "mcp-debug-bridge",
		ClientName:                   "mcp-debug-bridge",
		AdapterID:                    kind,
		Locale:                       "en-US",
		LinesStartAt1:                true,
		ColumnsStartAt1:              true,
		PathFormat:                   "path",
		SupportsVariableType:         true,
		SupportsVariablePaging:       true,
		SupportsRunInTerminalRequest: false,
	}
	resp, callErr := b.Call(ctx, "initialize", args)
	if callErr != nil {
		_ = b.Close()
		if proc != nil {
			proc.Kill()
		}
		if backend.IsTransportError(callErr) || errors.Is(callErr, context.DeadlineExceeded) {
			return nil, callErr
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshake, callErr)
	}

	if proc != nil {
		b = ownProcess(b, proc)
	}
	return &Result{Backend: b, Capabilities: resp.Body}, nil
}

func (e *Establisher) connectJDWP(ctx context.Context, cand Candidate, log logr.Logger) (*Result, error) {
	conn, dialErr := jdwp.Dial(ctx, cand.Address, e.opts.HandshakeTimeout, log.WithName("jdwp"))
	if dialErr != nil {
		return nil, dialErr
	}
	conn.SetCallTimeout(e.opts.CallTimeout)

	// Version metadata is best effort and bounded by the handshake timeout.
	metaCtx, cancel := context.WithTimeout(ctx, e.opts.HandshakeTimeout)
	b := jdwp.NewBackend(metaCtx, conn, log.WithName("jdwp"))
	cancel()

	return e.initialize(ctx, "java", b, nil)
}

// processBackend ties a spawned adapter's lifetime to its connection.
type processBackend struct {
	backend.Backend
	proc *process
}

func ownProcess(b backend.Backend, proc *process) backend.Backend {
	pb := &processBackend{Backend: b, proc: proc}
	go func() {
		select {
		case <-proc.Done():
			// Closing resolves every pending call with a connection-closed error.
			_ = b.Close()
		case <-b.Done():
			proc.Kill()
		}
	}()
	return pb
}

func (p *processBackend) Close() error {
	closeErr := p.Backend.Close()
	p.proc.Kill()
	return closeErr
}
