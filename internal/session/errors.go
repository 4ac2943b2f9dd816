package session

import (
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vajrock/mcp-debug-bridge/internal/backend"
)

// Kind classifies a tool failure.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindUnsupported Kind = "unsupported"
	KindSession     Kind = "session"
	KindBackend     Kind = "backend"
	KindInternal    Kind = "internal"
)

// ToolError is a tool call failure as reported to the client.
type ToolError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func unsupportedTool(name string) *ToolError {
	return &ToolError{Kind: KindUnsupported, Message: "unsupported tool: " + name}
}

func sessionNotFound(id string) *ToolError {
	return &ToolError{Kind: KindSession, Message: "session not found: " + id}
}

func backendError(message string, err error) *ToolError {
	return &ToolError{Kind: KindBackend, Message: message, Err: err}
}

func internalError(err error) *ToolError {
	return &ToolError{Kind: KindInternal, Message: "internal error", Err: err}
}

// asToolError classifies errors that did not originate as a ToolError.
func asToolError(err error) *ToolError {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}
	var respErr *backend.ResponseError
	if errors.As(err, &respErr) || backend.IsTransportError(err) || errors.Is(err, backend.ErrUnsupportedCommand) {
		return backendError("", err)
	}
	return internalError(err)
}

// ErrorKind reports the Kind of a failed result's error, for logging.
func ErrorKind(err error) Kind {
	return asToolError(err).Kind
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(err error) *mcp.CallToolResult {
	result := textResult(asToolError(err).Error())
	result.IsError = true
	return result
}
