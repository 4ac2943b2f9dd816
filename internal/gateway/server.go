// Package gateway speaks JSON-RPC 2.0 with MCP clients. It authenticates
// connections, negotiates the protocol, routes tool calls to the session
// orchestrator and forwards debugger events as notifications.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"

	"github.com/vajrock/mcp-debug-bridge/internal/session"
)

// SupportedProtocolVersions lists the MCP revisions we answer, newest first.
var SupportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

const instructions = "Start with debug/createSession; every other tool takes the returned sessionId. " +
	"Execution tools return immediately; stops, output and termination arrive as notifications/debug/* notifications."

// Orchestrator is the part of the session orchestrator the gateway uses.
type Orchestrator interface {
	Tools() []*mcp.Tool
	Submit(ctx context.Context, name string, args json.RawMessage) *session.Ticket
	Terminate(ctx context.Context, id string) error
	Resources() []*mcp.Resource
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// Options configure the gateway.
type Options struct {
	// AuthToken, when set, is required from tcp and ws clients.
	AuthToken string

	// TerminateOnDisconnect ends the sessions a connection created when it closes.
	TerminateOnDisconnect bool

	Name    string
	Version string
}

// Server accepts client connections.
type Server struct {
	log   logr.Logger
	orch  Orchestrator
	opts  Options
	conns sync.WaitGroup
}

// New creates a gateway in front of orch.
func New(orch Orchestrator, opts Options, log logr.Logger) *Server {
	if opts.Name == "" {
		opts.Name = "mcp-debug-bridge"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{log: log, orch: orch, opts: opts}
}

// ServeConn runs the JSON-RPC loop on c until the client goes away or ctx is
// cancelled, then closes c.
func (s *Server) ServeConn(ctx context.Context, c Conn) {
	ctx, cancel := context.WithCancel(ctx)
	conn := &connection{
		srv:      s,
		conn:     c,
		log:      s.log,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
		sessions: make(map[string]struct{}),
	}
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	conn.serve()
}

// connection is the state of one client connection.
type connection struct {
	srv    *Server
	conn   Conn
	log    logr.Logger
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	inflight    map[string]context.CancelFunc
	sessions    map[string]struct{}

	pending sync.WaitGroup
}

func (c *connection) serve() {
	defer c.close()
	for {
		data, readErr := c.conn.ReadMessage()
		if readErr != nil {
			if c.ctx.Err() == nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, net.ErrClosed) {
				c.log.V(1).Info("Connection read failed", "error", readErr.Error())
			}
			return
		}
		c.handle(data)
	}
}

// close cancels in-flight requests, waits for their completions and ends the
// sessions this connection created.
func (c *connection) close() {
	c.cancel()
	_ = c.conn.Close()
	c.pending.Wait()

	if !c.srv.opts.TerminateOnDisconnect {
		return
	}
	c.mu.Lock()
	owned := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		owned = append(owned, id)
	}
	c.mu.Unlock()
	for _, id := range owned {
		if terminateErr := c.srv.orch.Terminate(context.Background(), id); terminateErr != nil {
			c.log.V(1).Info("Terminating session on disconnect failed", "session", id, "error", terminateErr.Error())
		} else {
			c.log.Info("Terminated session of closed connection", "session", id)
		}
	}
}

func (c *connection) handle(data []byte) {
	msg, decodeErr := decode(data)
	if decodeErr != nil {
		var invalid *decodeError
		switch {
		case errors.As(decodeErr, &invalid):
			c.log.V(1).Info("Rejecting malformed message", "code", invalid.err.Code, "error", invalid.err.Message)
			c.reply(invalid.id, nil, invalid.err)
		case errors.Is(decodeErr, errReply):
			c.log.V(1).Info("Ignoring response message from client")
		default:
			c.log.Info("Dropping malformed notification", "error", decodeErr.Error())
		}
		return
	}

	if !msg.IsCall() {
		c.handleNotification(msg)
		return
	}
	c.handleRequest(msg)
}

func (c *connection) handleNotification(msg *jsonrpc.Request) {
	switch msg.Method {
	case "notifications/initialized":
	case "notifications/cancelled":
		requestID, idErr := jsonrpc.MakeID(gjson.GetBytes(msg.Params, "requestId").Value())
		if idErr != nil || !requestID.IsValid() {
			return
		}
		key := idKey(requestID)
		c.mu.Lock()
		cancel := c.inflight[key]
		c.mu.Unlock()
		if cancel != nil {
			c.log.V(1).Info("Cancelling request", "id", key, "reason", gjson.GetBytes(msg.Params, "reason").String())
			cancel()
		}
	default:
		c.log.V(1).Info("Ignoring notification", "method", msg.Method)
	}
}

func (c *connection) handleRequest(msg *jsonrpc.Request) {
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized && msg.Method != "initialize" && msg.Method != "ping" {
		c.reply(msg.ID, nil, rpcErrorf(codeNotInitialized, "server not initialized"))
		return
	}

	switch msg.Method {
	case "initialize":
		result, rpcErr := c.initialize(msg.Params)
		c.reply(msg.ID, result, rpcErr)
	case "ping":
		c.reply(msg.ID, struct{}{}, nil)
	case "tools/list":
		c.reply(msg.ID, &mcp.ListToolsResult{Tools: c.srv.orch.Tools()}, nil)
	case "tools/call":
		c.callTool(msg)
	case "resources/list":
		c.reply(msg.ID, &mcp.ListResourcesResult{Resources: c.srv.orch.Resources()}, nil)
	case "resources/read":
		c.readResource(msg)
	default:
		c.reply(msg.ID, nil, rpcErrorf(jsonrpc.CodeMethodNotFound, "method not found: %s", msg.Method))
	}
}

func (c *connection) initialize(params json.RawMessage) (any, *jsonrpc.Error) {
	var req mcp.InitializeParams
	if len(params) > 0 {
		if decodeErr := json.Unmarshal(params, &req); decodeErr != nil {
			return nil, rpcErrorf(jsonrpc.CodeInvalidParams, "invalid initialize params: %v", decodeErr)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil, rpcErrorf(jsonrpc.CodeInvalidRequest, "already initialized")
	}
	c.initialized = true

	version := SupportedProtocolVersions[0]
	if slices.Contains(SupportedProtocolVersions, req.ProtocolVersion) {
		version = req.ProtocolVersion
	}
	client := "unknown"
	if req.ClientInfo != nil {
		client = req.ClientInfo.Name
	}
	c.log.Info("Client initialized", "client", client, "requestedVersion", req.ProtocolVersion, "protocolVersion", version)

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      &mcp.Implementation{Name: c.srv.opts.Name, Version: c.srv.opts.Version},
		Capabilities: &mcp.ServerCapabilities{
			Tools:     &mcp.ToolCapabilities{},
			Resources: &mcp.ResourceCapabilities{},
		},
		Instructions: instructions,
	}, nil
}

// track registers a cancellable context for an in-flight request. A duplicate
// id is rejected.
func (c *connection) track(id jsonrpc.ID) (context.Context, func(), bool) {
	key := idKey(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.inflight[key] = cancel
	c.pending.Add(1)
	return ctx, func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		cancel()
		c.pending.Done()
	}, true
}

// callTool admits the call synchronously so calls for one session keep the
// order they were read in, then completes it in the background.
func (c *connection) callTool(msg *jsonrpc.Request) {
	var params mcp.CallToolParamsRaw
	if len(msg.Params) == 0 || json.Unmarshal(msg.Params, &params) != nil || params.Name == "" {
		c.reply(msg.ID, nil, rpcErrorf(jsonrpc.CodeInvalidParams, "tools/call requires params.name"))
		return
	}
	ctx, finish, ok := c.track(msg.ID)
	if !ok {
		c.reply(msg.ID, nil, rpcErrorf(jsonrpc.CodeInvalidRequest, "duplicate request id %s", idKey(msg.ID)))
		return
	}

	ticket := c.srv.orch.Submit(ctx, params.Name, params.Arguments)
	go func() {
		outcome := ticket.Wait()
		if outcome.Notifications != nil {
			c.adopt(outcome.SessionID)
		}
		c.reply(msg.ID, outcome.Result, nil)
		finish()
		if outcome.Notifications != nil {
			c.forward(outcome.SessionID, outcome.Notifications)
		}
	}()
}

func (c *connection) readResource(msg *jsonrpc.Request) {
	var params mcp.ReadResourceParams
	if len(msg.Params) == 0 || json.Unmarshal(msg.Params, &params) != nil || params.URI == "" {
		c.reply(msg.ID, nil, rpcErrorf(jsonrpc.CodeInvalidParams, "resources/read requires params.uri"))
		return
	}
	ctx, finish, ok := c.track(msg.ID)
	if !ok {
		c.reply(msg.ID, nil, rpcErrorf(jsonrpc.CodeInvalidRequest, "duplicate request id %s", idKey(msg.ID)))
		return
	}

	go func() {
		defer finish()
		result, readErr := c.srv.orch.ReadResource(ctx, params.URI)
		switch {
		case errors.Is(readErr, session.ErrResourceNotFound):
			data, _ := json.Marshal(map[string]string{"uri": params.URI})
			c.reply(msg.ID, nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: readErr.Error(), Data: data})
		case readErr != nil:
			c.reply(msg.ID, nil, rpcErrorf(jsonrpc.CodeInternalError, "%v", readErr))
		default:
			c.reply(msg.ID, result, nil)
		}
	}()
}

func (c *connection) adopt(id string) {
	c.mu.Lock()
	c.sessions[id] = struct{}{}
	c.mu.Unlock()
}

// forward relays a session's notifications until the session ends. It keeps
// draining after the client is gone so the session can finish.
func (c *connection) forward(id string, notifications <-chan session.Notification) {
	for n := range notifications {
		params, paramsErr := n.Params()
		if paramsErr != nil {
			c.log.Error(paramsErr, "Dropping notification", "session", id, "event", n.Event)
			continue
		}
		data, encodeErr := encodeNotification(n.Method(), params)
		if encodeErr != nil {
			c.log.Error(encodeErr, "Dropping notification", "session", id, "event", n.Event)
			continue
		}
		c.write(data)
	}
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *connection) reply(id jsonrpc.ID, result any, rpcErr *jsonrpc.Error) {
	data, encodeErr := encodeResponse(id, result, rpcErr)
	if encodeErr != nil {
		c.log.Error(encodeErr, "Encoding response", "id", idKey(id))
		data, encodeErr = encodeResponse(id, nil, rpcErrorf(jsonrpc.CodeInternalError, "%v", encodeErr))
		if encodeErr != nil {
			return
		}
	}
	c.write(data)
}

func (c *connection) write(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	if writeErr := c.conn.WriteMessage(data); writeErr != nil {
		c.log.V(1).Info("Connection write failed", "error", writeErr.Error())
		c.cancel()
	}
}
