package session

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"strings"

	"github.com/google/go-dap"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/samber/lo"
)

const defaultMaxFrames = 20

// terminate asks the backend to end the debuggee, then tears the session
// down whether or not the backend cooperated.
func (o *Orchestrator) terminate(ctx context.Context, s *Session, _ sessionArgs) (*mcp.CallToolResult, error) {
	if s.supports("supportsTerminateRequest") {
		terminateCtx, cancel := context.WithTimeout(ctx, disconnectTimeout)
		_, terminateErr := s.backend.Call(terminateCtx, "terminate", dap.TerminateArguments{})
		cancel()
		if terminateErr != nil {
			s.log.V(1).Info("Terminate request failed", "error", terminateErr.Error())
		}
	}
	o.teardown(s, StateTerminated, "terminated by client", true)
	return textResult(fmt.Sprintf("Debug session %s terminated", s.id)), nil
}

func (o *Orchestrator) sessionInfo(_ context.Context, s *Session, _ sessionArgs) (*mcp.CallToolResult, error) {
	info := s.Info()
	result := textResult(renderInfo(info))
	result.StructuredContent = info
	return result, nil
}

func (o *Orchestrator) listBreakpoints(_ context.Context, s *Session, _ sessionArgs) (*mcp.CallToolResult, error) {
	info := s.Info()
	if len(info.Breakpoints) == 0 && len(info.FunctionBreakpoints) == 0 {
		return textResult("No breakpoints set"), nil
	}

	var b strings.Builder
	if len(info.Breakpoints) > 0 {
		b.WriteString(renderBreakpoints(info.Breakpoints))
	}
	if len(info.FunctionBreakpoints) > 0 {
		b.WriteString(renderFunctionBreakpoints(info.FunctionBreakpoints))
	}
	result := textResult(b.String())
	result.StructuredContent = map[string]any{
		"breakpoints":         info.Breakpoints,
		"functionBreakpoints": info.FunctionBreakpoints,
	}
	return result, nil
}

func (o *Orchestrator) setBreakpoints(ctx context.Context, s *Session, args setBreakpointsArgs) (*mcp.CallToolResult, error) {
	specs := args.Breakpoints
	for _, line := range args.Lines {
		specs = append(specs, sourceBreakpointSpec{Line: line})
	}

	bps, bpErr := o.installBreakpoints(ctx, s, args.Source, specs)
	if bpErr != nil {
		return nil, bpErr
	}
	if len(bps) == 0 {
		return textResult(fmt.Sprintf("Cleared breakpoints in %s", args.Source)), nil
	}

	result := textResult(fmt.Sprintf("Breakpoints in %s:\n%s", args.Source, renderBreakpoints(bps)))
	result.StructuredContent = map[string]any{"source": args.Source, "breakpoints": bps}
	return result, nil
}

// installBreakpoints replaces every breakpoint in source. The cached set is
// exactly what the backend acknowledged.
func (o *Orchestrator) installBreakpoints(ctx context.Context, s *Session, source string, specs []sourceBreakpointSpec) ([]Breakpoint, error) {
	request := dap.SetBreakpointsArguments{
		Source: dap.Source{Name: filepath.Base(source), Path: source},
		Breakpoints: lo.Map(specs, func(spec sourceBreakpointSpec, _ int) dap.SourceBreakpoint {
			return dap.SourceBreakpoint{Line: spec.Line, Condition: spec.Condition, HitCondition: spec.HitCondition, LogMessage: spec.LogMessage}
		}),
	}
	var body dap.SetBreakpointsResponseBody
	if callErr := o.call(ctx, s, "setBreakpoints", request, &body); callErr != nil {
		return nil, callErr
	}

	bps := make([]Breakpoint, 0, len(body.Breakpoints))
	for i, ack := range body.Breakpoints {
		bp := Breakpoint{ID: ack.Id, Source: source, Line: ack.Line, Verified: ack.Verified, Message: ack.Message}
		if i < len(specs) {
			bp.Condition, bp.HitCondition, bp.LogMessage = specs[i].Condition, specs[i].HitCondition, specs[i].LogMessage
			if bp.Line == 0 {
				bp.Line = specs[i].Line
			}
		}
		bps = append(bps, bp)
	}
	s.replaceBreakpoints(source, bps)
	return bps, nil
}

func (o *Orchestrator) setFunctionBreakpoints(ctx context.Context, s *Session, args setFunctionBreakpointsArgs) (*mcp.CallToolResult, error) {
	bps, bpErr := o.installFunctionBreakpoints(ctx, s, args.Functions)
	if bpErr != nil {
		return nil, bpErr
	}
	if len(bps) == 0 {
		return textResult("Cleared function breakpoints"), nil
	}
	result := textResult("Function breakpoints:\n" + renderFunctionBreakpoints(bps))
	result.StructuredContent = map[string]any{"functionBreakpoints": bps}
	return result, nil
}

func (o *Orchestrator) installFunctionBreakpoints(ctx context.Context, s *Session, specs []functionBreakpointSpec) ([]FunctionBreakpoint, error) {
	request := dap.SetFunctionBreakpointsArguments{
		Breakpoints: lo.Map(specs, func(spec functionBreakpointSpec, _ int) dap.FunctionBreakpoint {
			return dap.FunctionBreakpoint{Name: spec.Name, Condition: spec.Condition, HitCondition: spec.HitCondition}
		}),
	}
	var body dap.SetFunctionBreakpointsResponseBody
	if callErr := o.call(ctx, s, "setFunctionBreakpoints", request, &body); callErr != nil {
		return nil, callErr
	}

	bps := make([]FunctionBreakpoint, 0, len(body.Breakpoints))
	for i, ack := range body.Breakpoints {
		bp := FunctionBreakpoint{ID: ack.Id, Verified: ack.Verified, Message: ack.Message}
		if i < len(specs) {
			bp.Name, bp.Condition, bp.HitCondition = specs[i].Name, specs[i].Condition, specs[i].HitCondition
		}
		bps = append(bps, bp)
	}
	s.replaceFunctionBreakpoints(bps)
	return bps, nil
}

func (o *Orchestrator) continueExecution(ctx context.Context, s *Session, args threadArgs) (*mcp.CallToolResult, error) {
	thread := s.defaultThread(args.ThreadID)
	stops := s.stopCount()
	var body dap.ContinueResponseBody
	if callErr := o.call(ctx, s, "continue", dap.ContinueArguments{ThreadId: thread}, &body); callErr != nil {
		return nil, callErr
	}
	s.resume(stops)
	if body.AllThreadsContinued {
		return textResult("Continued execution of all threads"), nil
	}
	return textResult(fmt.Sprintf("Continued execution of thread %d", thread)), nil
}

func (o *Orchestrator) pauseExecution(ctx context.Context, s *Session, args threadArgs) (*mcp.CallToolResult, error) {
	thread := s.defaultThread(args.ThreadID)
	if callErr := o.call(ctx, s, "pause", dap.PauseArguments{ThreadId: thread}, nil); callErr != nil {
		return nil, callErr
	}
	return textResult(fmt.Sprintf("Paused execution of thread %d", thread)), nil
}

// stepper builds the handler for one of the stepping requests.
func (o *Orchestrator) stepper(command, verb string) func(context.Context, *Session, threadArgs) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, s *Session, args threadArgs) (*mcp.CallToolResult, error) {
		thread := s.defaultThread(args.ThreadID)
		var request any
		switch command {
		case "next":
			request = dap.NextArguments{ThreadId: thread}
		case "stepIn":
			request = dap.StepInArguments{ThreadId: thread}
		default:
			request = dap.StepOutArguments{ThreadId: thread}
		}
		stops := s.stopCount()
		if callErr := o.call(ctx, s, command, request, nil); callErr != nil {
			return nil, callErr
		}
		s.resume(stops)
		return textResult(fmt.Sprintf("%s on thread %d", verb, thread)), nil
	}
}

func (o *Orchestrator) threads(ctx context.Context, s *Session, _ sessionArgs) (*mcp.CallToolResult, error) {
	var body dap.ThreadsResponseBody
	if callErr := o.call(ctx, s, "threads", nil, &body); callErr != nil {
		return nil, callErr
	}
	s.setThreads(lo.Map(body.Threads, func(t dap.Thread, _ int) Thread { return Thread{ID: t.Id, Name: t.Name} }))

	threads := s.Info().Threads
	if len(threads) == 0 {
		return textResult("No threads"), nil
	}
	result := textResult(renderThreads(threads))
	result.StructuredContent = map[string]any{"threads": threads}
	return result, nil
}

func (o *Orchestrator) stackTrace(ctx context.Context, s *Session, args stackTraceArgs) (*mcp.CallToolResult, error) {
	levels := args.Levels
	if levels <= 0 {
		levels = defaultMaxFrames
	}
	thread := s.defaultThread(args.ThreadID)
	var body dap.StackTraceResponseBody
	request := dap.StackTraceArguments{ThreadId: thread, StartFrame: args.StartFrame, Levels: levels}
	if callErr := o.call(ctx, s, "stackTrace", request, &body); callErr != nil {
		return nil, callErr
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Stack Trace (thread %d)\n", thread)
	writeFrames(&b, body.StackFrames, args.StartFrame)
	if body.TotalFrames > args.StartFrame+len(body.StackFrames) {
		fmt.Fprintf(&b, "(%d of %d frames)\n", len(body.StackFrames), body.TotalFrames)
	}
	result := textResult(b.String())
	result.StructuredContent = body
	return result, nil
}

func writeFrames(b *strings.Builder, frames []dap.StackFrame, first int) {
	for i, frame := range frames {
		fmt.Fprintf(b, "#%d (Frame ID: %d) %s", first+i, frame.Id, frame.Name)
		if frame.Source != nil && frame.Source.Path != "" {
			fmt.Fprintf(b, " at %s:%d", frame.Source.Path, frame.Line)
		}
		if frame.PresentationHint == "subtle" {
			b.WriteString(" (runtime)")
		}
		b.WriteString("\n")
	}
}

func (o *Orchestrator) scopes(ctx context.Context, s *Session, args scopesArgs) (*mcp.CallToolResult, error) {
	var body dap.ScopesResponseBody
	if callErr := o.call(ctx, s, "scopes", dap.ScopesArguments{FrameId: args.FrameID}, &body); callErr != nil {
		return nil, callErr
	}
	if len(body.Scopes) == 0 {
		return textResult(fmt.Sprintf("No scopes in frame %d", args.FrameID)), nil
	}

	var b strings.Builder
	for _, scope := range body.Scopes {
		fmt.Fprintf(&b, "%s (variablesReference: %d)", scope.Name, scope.VariablesReference)
		if scope.Expensive {
			b.WriteString(" expensive")
		}
		b.WriteString("\n")
	}
	result := textResult(b.String())
	result.StructuredContent = body
	return result, nil
}

func (o *Orchestrator) variables(ctx context.Context, s *Session, args variablesArgs) (*mcp.CallToolResult, error) {
	var body dap.VariablesResponseBody
	request := dap.VariablesArguments{VariablesReference: args.VariablesReference, Filter: args.Filter, Start: args.Start, Count: args.Count}
	if callErr := o.call(ctx, s, "variables", request, &body); callErr != nil {
		return nil, callErr
	}
	if len(body.Variables) == 0 {
		return textResult("No variables"), nil
	}

	var b strings.Builder
	writeVariables(&b, body.Variables, "  ")
	result := textResult(b.String())
	result.StructuredContent = body
	return result, nil
}

func writeVariables(b *strings.Builder, vars []dap.Variable, indent string) {
	for _, v := range vars {
		fmt.Fprintf(b, "%s%s", indent, v.Name)
		if v.Type != "" {
			fmt.Fprintf(b, " (%s)", v.Type)
		}
		fmt.Fprintf(b, " = %s", v.Value)
		if v.VariablesReference > 0 {
			fmt.Fprintf(b, " [ref %d]", v.VariablesReference)
		}
		b.WriteString("\n")
	}
}

func (o *Orchestrator) evaluate(ctx context.Context, s *Session, args evaluateArgs) (*mcp.CallToolResult, error) {
	evalContext := args.Context
	if evalContext == "" {
		evalContext = "repl"
	}
	var body dap.EvaluateResponseBody
	request := dap.EvaluateArguments{Expression: args.Expression, FrameId: args.FrameID, Context: evalContext}
	if callErr := o.call(ctx, s, "evaluate", request, &body); callErr != nil {
		return nil, callErr
	}

	text := body.Result
	if body.Type != "" {
		text = fmt.Sprintf("%s (type: %s)", body.Result, body.Type)
	}
	if body.VariablesReference > 0 {
		text += fmt.Sprintf("\nvariablesReference: %d", body.VariablesReference)
	}
	result := textResult(text)
	result.StructuredContent = body
	return result, nil
}

func (o *Orchestrator) setVariable(ctx context.Context, s *Session, args setVariableArgs) (*mcp.CallToolResult, error) {
	var body dap.SetVariableResponseBody
	request := dap.SetVariableArguments{VariablesReference: args.VariablesReference, Name: args.Name, Value: args.Value}
	if callErr := o.call(ctx, s, "setVariable", request, &body); callErr != nil {
		return nil, callErr
	}
	value := body.Value
	if value == "" {
		value = args.Value
	}
	return textResult(fmt.Sprintf("Set variable %s to %s", args.Name, value)), nil
}

func (o *Orchestrator) loadedSources(ctx context.Context, s *Session, _ sessionArgs) (*mcp.CallToolResult, error) {
	var body dap.LoadedSourcesResponseBody
	if callErr := o.call(ctx, s, "loadedSources", nil, &body); callErr != nil {
		return nil, callErr
	}
	var b strings.Builder
	b.WriteString("Loaded Sources:\n")
	for _, src := range body.Sources {
		fmt.Fprintf(&b, "  %s\n", lo.Ternary(src.Path != "", src.Path, src.Name))
	}
	return textResult(b.String()), nil
}

func (o *Orchestrator) modules(ctx context.Context, s *Session, _ sessionArgs) (*mcp.CallToolResult, error) {
	var body dap.ModulesResponseBody
	if callErr := o.call(ctx, s, "modules", nil, &body); callErr != nil {
		return nil, callErr
	}
	var b strings.Builder
	b.WriteString("Loaded Modules:\n")
	for _, mod := range body.Modules {
		fmt.Fprintf(&b, "  %s (%s)\n", mod.Name, mod.Path)
	}
	return textResult(b.String()), nil
}

func (o *Orchestrator) disassemble(ctx context.Context, s *Session, args disassembleArgs) (*mcp.CallToolResult, error) {
	count := args.InstructionCount
	if count <= 0 {
		count = 20
	}
	var body dap.DisassembleResponseBody
	request := dap.DisassembleArguments{
		MemoryReference:   args.MemoryReference,
		Offset:            args.Offset,
		InstructionOffset: args.InstructionOffset,
		InstructionCount:  count,
	}
	if callErr := o.call(ctx, s, "disassemble", request, &body); callErr != nil {
		return nil, callErr
	}

	var b strings.Builder
	for _, ins := range body.Instructions {
		fmt.Fprintf(&b, "%s\t%s", ins.Address, ins.Instruction)
		if ins.Symbol != "" {
			fmt.Fprintf(&b, "\t<%s>", ins.Symbol)
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return textResult("No instructions"), nil
	}
	return textResult(b.String()), nil
}

func (o *Orchestrator) restart(ctx context.Context, s *Session, args restartArgs) (*mcp.CallToolResult, error) {
	if !s.supports("supportsRestartRequest") {
		return nil, &ToolError{Kind: KindUnsupported, Message: fmt.Sprintf("the %s debugger does not support restart", s.kind)}
	}
	launch := maps.Clone(s.launchArgs)
	if len(args.Args) > 0 {
		launch["args"] = args.Args
	}
	stops := s.stopCount()
	if callErr := o.call(ctx, s, "restart", map[string]any{"arguments": launch}, nil); callErr != nil {
		return nil, callErr
	}
	s.launchArgs = launch
	s.resume(stops)
	return textResult("Restarted debugging session"), nil
}
