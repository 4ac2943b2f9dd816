package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
)

const (
	ToolCreateSession          = "debug/createSession"
	ToolTerminate              = "debug/terminate"
	ToolSessionInfo            = "debug/sessionInfo"
	ToolListBreakpoints        = "debug/listBreakpoints"
	ToolSetBreakpoints         = "debug/setBreakpoints"
	ToolSetFunctionBreakpoints = "debug/setFunctionBreakpoints"
	ToolContinue               = "debug/continue"
	ToolPause                  = "debug/pause"
	ToolNext                   = "debug/next"
	ToolStepIn                 = "debug/stepIn"
	ToolStepOut                = "debug/stepOut"
	ToolThreads                = "debug/threads"
	ToolStackTrace             = "debug/stackTrace"
	ToolScopes                 = "debug/scopes"
	ToolVariables              = "debug/variables"
	ToolEvaluate               = "debug/evaluate"
	ToolSetVariable            = "debug/setVariable"
	ToolGetContext             = "debug/getContext"
	ToolLoadedSources          = "debug/loadedSources"
	ToolModules                = "debug/modules"
	ToolDisassemble            = "debug/disassemble"
	ToolRestart                = "debug/restart"
)

type runFunc func(ctx context.Context, s *Session, raw json.RawMessage) (*mcp.CallToolResult, error)

// toolDef is one registered tool. Definitions are built once and never mutated.
type toolDef struct {
	descriptor *mcp.Tool
	schema     *jsonschema.Resolved
	required   []string

	// direct tools answer from cached session state without queueing.
	direct bool

	// presence replaces the generic "<field> is required" check when set.
	presence func(args gjson.Result) error

	run runFunc
}

// defineTool derives the argument schema from A. run is nil for tools that
// are not bound to an existing session.
func defineTool[A any](name, description string, run func(ctx context.Context, s *Session, args A) (*mcp.CallToolResult, error)) *toolDef {
	schema, schemaErr := jsonschema.For[A](nil)
	if schemaErr != nil {
		panic(fmt.Sprintf("tool %s: %v", name, schemaErr))
	}
	// Unknown arguments are tolerated; adapters grow options faster than we do.
	schema.AdditionalProperties = nil
	resolved, resolveErr := schema.Resolve(nil)
	if resolveErr != nil {
		panic(fmt.Sprintf("tool %s: %v", name, resolveErr))
	}

	def := &toolDef{
		descriptor: &mcp.Tool{Name: name, Description: description, InputSchema: schema},
		schema:     resolved,
		required:   schema.Required,
	}
	if run != nil {
		def.run = func(ctx context.Context, s *Session, raw json.RawMessage) (*mcp.CallToolResult, error) {
			var args A
			if decodeErr := json.Unmarshal(raw, &args); decodeErr != nil {
				return nil, validationError("invalid arguments: %v", decodeErr)
			}
			return run(ctx, s, args)
		}
	}
	return def
}

// validate runs the presence checks and then the schema. It never touches a backend.
func (t *toolDef) validate(raw json.RawMessage) error {
	args := gjson.ParseBytes(raw)
	if t.presence != nil {
		if presenceErr := t.presence(args); presenceErr != nil {
			return presenceErr
		}
	} else {
		for _, name := range t.required {
			if !args.Get(name).Exists() {
				return validationError("%s is required", name)
			}
		}
	}

	var instance map[string]any
	if decodeErr := json.Unmarshal(raw, &instance); decodeErr != nil {
		return validationError("invalid arguments: %v", decodeErr)
	}
	if validateErr := t.schema.Validate(instance); validateErr != nil {
		return validationError("invalid arguments for %s: %v", t.descriptor.Name, validateErr)
	}
	return nil
}

type sessionArgs struct {
	SessionID string `json:"sessionId" jsonschema:"debug session id returned by debug/createSession"`
}

type breakpointSpec struct {
	Source       string `json:"source" jsonschema:"source file path"`
	Line         int    `json:"line" jsonschema:"1-based line number"`
	Condition    string `json:"condition,omitempty" jsonschema:"expression that must be true for the breakpoint to stop"`
	HitCondition string `json:"hitCondition,omitempty" jsonschema:"expression controlling how many hits are ignored"`
	LogMessage   string `json:"logMessage,omitempty" jsonschema:"log this message instead of stopping"`
}

type createSessionArgs struct {
	Adapter             string                   `json:"adapter" jsonschema:"backend kind: go, node, python, dotnet, lldb or java (aliases such as delve or debugpy are accepted)"`
	Program             string                   `json:"program" jsonschema:"program to launch, or the target being attached to"`
	Request             string                   `json:"request,omitempty" jsonschema:"launch (default) or attach"`
	Mode                string                   `json:"mode,omitempty" jsonschema:"adapter specific launch mode, e.g. debug, exec or test for Go"`
	Args                []string                 `json:"args,omitempty" jsonschema:"command line arguments for the program"`
	Cwd                 string                   `json:"cwd,omitempty" jsonschema:"working directory of the program"`
	Env                 map[string]string        `json:"env,omitempty" jsonschema:"extra environment variables for the program"`
	StopOnEntry         bool                     `json:"stopOnEntry,omitempty" jsonschema:"stop at the program entry point"`
	Host                string                   `json:"host,omitempty" jsonschema:"host of an already listening debugger"`
	Port                int                      `json:"port,omitempty" jsonschema:"port of an already listening debugger; tried before the configured candidates"`
	ProcessID           int                      `json:"processId,omitempty" jsonschema:"process to attach to"`
	Breakpoints         []breakpointSpec         `json:"breakpoints,omitempty" jsonschema:"breakpoints to install before the program starts"`
	FunctionBreakpoints []functionBreakpointSpec `json:"functionBreakpoints,omitempty" jsonschema:"function breakpoints to install before the program starts"`
	LaunchArgs          map[string]any           `json:"launchArgs,omitempty" jsonschema:"extra adapter specific launch or attach arguments, merged last"`
}

type sourceBreakpointSpec struct {
	Line         int    `json:"line" jsonschema:"1-based line number"`
	Condition    string `json:"condition,omitempty" jsonschema:"expression that must be true for the breakpoint to stop"`
	HitCondition string `json:"hitCondition,omitempty" jsonschema:"expression controlling how many hits are ignored"`
	LogMessage   string `json:"logMessage,omitempty" jsonschema:"log this message instead of stopping"`
}

type setBreakpointsArgs struct {
	SessionID   string                 `json:"sessionId" jsonschema:"debug session id"`
	Source      string                 `json:"source" jsonschema:"source file path; its breakpoints are replaced as a whole"`
	Breakpoints []sourceBreakpointSpec `json:"breakpoints,omitempty" jsonschema:"the complete breakpoint list for the file; empty clears it"`
	Lines       []int                  `json:"lines,omitempty" jsonschema:"shorthand for breakpoints without conditions"`
}

type functionBreakpointSpec struct {
	Name         string `json:"name" jsonschema:"function name"`
	Condition    string `json:"condition,omitempty" jsonschema:"expression that must be true for the breakpoint to stop"`
	HitCondition string `json:"hitCondition,omitempty" jsonschema:"expression controlling how many hits are ignored"`
}

type setFunctionBreakpointsArgs struct {
	SessionID string                   `json:"sessionId" jsonschema:"debug session id"`
	Functions []functionBreakpointSpec `json:"functions,omitempty" jsonschema:"the complete function breakpoint list; empty clears it"`
}

type threadArgs struct {
	SessionID string `json:"sessionId" jsonschema:"debug session id"`
	ThreadID  int    `json:"threadId,omitempty" jsonschema:"thread to act on (default: the last stopped thread)"`
}

type stackTraceArgs struct {
	SessionID  string `json:"sessionId" jsonschema:"debug session id"`
	ThreadID   int    `json:"threadId,omitempty" jsonschema:"thread to inspect (default: the last stopped thread)"`
	StartFrame int    `json:"startFrame,omitempty" jsonschema:"index of the first frame to return"`
	Levels     int    `json:"levels,omitempty" jsonschema:"maximum number of frames (default 20)"`
}

type scopesArgs struct {
	SessionID string `json:"sessionId" jsonschema:"debug session id"`
	FrameID   int    `json:"frameId" jsonschema:"stack frame id from debug/stackTrace"`
}

type variablesArgs struct {
	SessionID          string `json:"sessionId" jsonschema:"debug session id"`
	VariablesReference int    `json:"variablesReference" jsonschema:"reference from a scope or a structured variable"`
	Filter             string `json:"filter,omitempty" jsonschema:"indexed or named"`
	Start              int    `json:"start,omitempty" jsonschema:"index of the first child to return"`
	Count              int    `json:"count,omitempty" jsonschema:"number of children to return"`
}

type evaluateArgs struct {
	SessionID  string `json:"sessionId" jsonschema:"debug session id"`
	Expression string `json:"expression" jsonschema:"expression to evaluate"`
	FrameID    int    `json:"frameId,omitempty" jsonschema:"stack frame id for evaluation context"`
	Context    string `json:"context,omitempty" jsonschema:"watch, repl (default) or hover"`
}

type setVariableArgs struct {
	SessionID          string `json:"sessionId" jsonschema:"debug session id"`
	VariablesReference int    `json:"variablesReference" jsonschema:"reference to the variable container"`
	Name               string `json:"name" jsonschema:"name of the variable to set"`
	Value              string `json:"value" jsonschema:"new value for the variable"`
}

type getContextArgs struct {
	SessionID string `json:"sessionId" jsonschema:"debug session id"`
	ThreadID  int    `json:"threadId,omitempty" jsonschema:"thread to inspect (default: the last stopped thread)"`
	FrameID   int    `json:"frameId,omitempty" jsonschema:"frame whose variables are shown (default: top frame)"`
	MaxFrames int    `json:"maxFrames,omitempty" jsonschema:"maximum stack frames to show (default 20)"`
}

type disassembleArgs struct {
	SessionID         string `json:"sessionId" jsonschema:"debug session id"`
	MemoryReference   string `json:"memoryReference" jsonschema:"memory reference to disassemble"`
	Offset            int    `json:"offset,omitempty" jsonschema:"byte offset from the memory reference"`
	InstructionOffset int    `json:"instructionOffset,omitempty" jsonschema:"instruction offset from the memory reference"`
	InstructionCount  int    `json:"instructionCount,omitempty" jsonschema:"number of instructions (default 20)"`
}

type restartArgs struct {
	SessionID string   `json:"sessionId" jsonschema:"debug session id"`
	Args      []string `json:"args,omitempty" jsonschema:"new command line arguments, or empty to reuse the previous ones"`
}

func (o *Orchestrator) buildTools() map[string]*toolDef {
	create := defineTool[createSessionArgs](ToolCreateSession,
		"Start a debugging session: connect to a backend of the given kind, launch or attach to the program, install initial breakpoints and run. Returns the session id used by every other tool.", nil)
	create.presence = func(args gjson.Result) error {
		if args.Get("adapter").String() == "" || args.Get("program").String() == "" {
			return validationError("adapter and program are required")
		}
		if request := args.Get("request").String(); request != "" && request != "launch" && request != "attach" {
			return validationError("invalid request: %s (must be 'launch' or 'attach')", request)
		}
		return nil
	}

	sessionInfo := defineTool(ToolSessionInfo, "Show the cached state of a session: state, threads and breakpoints.", o.sessionInfo)
	sessionInfo.direct = true
	listBreakpoints := defineTool(ToolListBreakpoints, "List the breakpoints of a session as last acknowledged by the backend.", o.listBreakpoints)
	listBreakpoints.direct = true

	defs := []*toolDef{
		create,
		defineTool(ToolTerminate, "End a debugging session and release its backend.", o.terminate),
		sessionInfo,
		listBreakpoints,
		defineTool(ToolSetBreakpoints, "Replace all breakpoints in one source file.", o.setBreakpoints),
		defineTool(ToolSetFunctionBreakpoints, "Replace all function breakpoints.", o.setFunctionBreakpoints),
		defineTool(ToolContinue, "Continue execution. Stops are reported as notifications.", o.continueExecution),
		defineTool(ToolPause, "Pause a running thread.", o.pauseExecution),
		defineTool(ToolNext, "Step over the current line.", o.stepper("next", "Stepped over")),
		defineTool(ToolStepIn, "Step into the call on the current line.", o.stepper("stepIn", "Stepped in")),
		defineTool(ToolStepOut, "Step out of the current function.", o.stepper("stepOut", "Stepped out")),
		defineTool(ToolThreads, "List the debuggee's threads.", o.threads),
		defineTool(ToolStackTrace, "Show the call stack of a thread.", o.stackTrace),
		defineTool(ToolScopes, "List the variable scopes of a stack frame.", o.scopes),
		defineTool(ToolVariables, "List the variables behind a variables reference.", o.variables),
		defineTool(ToolEvaluate, "Evaluate an expression in the current context.", o.evaluate),
		defineTool(ToolSetVariable, "Modify a variable's value in the debugged program.", o.setVariable),
		defineTool(ToolGetContext, "Get full debugging context: current location, stack trace, and all variables.", o.getContext),
		defineTool(ToolLoadedSources, "List the source files loaded by the debuggee.", o.loadedSources),
		defineTool(ToolModules, "List the modules loaded by the debuggee.", o.modules),
		defineTool(ToolDisassemble, "Disassemble code at a memory reference.", o.disassemble),
		defineTool(ToolRestart, "Restart the debuggee with optional new arguments.", o.restart),
	}

	tools := make(map[string]*toolDef, len(defs))
	for _, def := range defs {
		tools[def.descriptor.Name] = def
	}
	return tools
}
