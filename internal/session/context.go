package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-dap"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// getContext gathers location, stack and variables of one thread in a single
// call. Only the stack trace is mandatory; scope and variable failures are
// reported inline.
func (o *Orchestrator) getContext(ctx context.Context, s *Session, args getContextArgs) (*mcp.CallToolResult, error) {
	maxFrames := args.MaxFrames
	if maxFrames <= 0 {
		maxFrames = defaultMaxFrames
	}
	thread := s.defaultThread(args.ThreadID)

	var stack dap.StackTraceResponseBody
	if callErr := o.call(ctx, s, "stackTrace", dap.StackTraceArguments{ThreadId: thread, Levels: maxFrames}, &stack); callErr != nil {
		return nil, callErr
	}
	frames := stack.StackFrames

	var b strings.Builder
	if len(frames) > 0 {
		top := frames[0]
		b.WriteString("## Current Location\n")
		fmt.Fprintf(&b, "Function: %s\n", top.Name)
		if top.Source != nil {
			fmt.Fprintf(&b, "File: %s:%d\n", top.Source.Path, top.Line)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Stack Trace\n")
	writeFrames(&b, frames, 0)
	b.WriteString("\n")

	frameID := args.FrameID
	if frameID == 0 && len(frames) > 0 {
		frameID = frames[0].Id
	}
	if frameID == 0 {
		return textResult(b.String()), nil
	}

	var scopes dap.ScopesResponseBody
	if callErr := o.call(ctx, s, "scopes", dap.ScopesArguments{FrameId: frameID}, &scopes); callErr != nil {
		s.log.V(1).Info("Context scopes request failed", "frame", frameID, "error", callErr.Error())
		b.WriteString("## Variables\n")
		b.WriteString("(unable to retrieve scopes)\n")
		return textResult(b.String()), nil
	}
	if len(scopes.Scopes) == 0 {
		return textResult(b.String()), nil
	}

	b.WriteString("## Variables\n")
	for _, scope := range scopes.Scopes {
		fmt.Fprintf(&b, "### %s\n", scope.Name)
		if scope.VariablesReference <= 0 {
			continue
		}
		var vars dap.VariablesResponseBody
		if callErr := o.call(ctx, s, "variables", dap.VariablesArguments{VariablesReference: scope.VariablesReference}, &vars); callErr != nil {
			s.log.V(1).Info("Context variables request failed", "scope", scope.Name, "error", callErr.Error())
			b.WriteString("  (unable to retrieve variables)\n")
			continue
		}
		writeVariables(&b, vars.Variables, "  ")
	}
	return textResult(b.String()), nil
}
