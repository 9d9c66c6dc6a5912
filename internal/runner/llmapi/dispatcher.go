package llmapi

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolDispatcher is the host-provided boundary the in-process variant calls
// through to actually run a tool, keeping the conversation loop itself free
// of any notion of *how* a tool executes. Shaped directly after
// mark3labs/mcp-go's own call surface so a real MCP-backed dispatcher plugs
// in without adapting types.
type ToolDispatcher interface {
	// Tools lists the tool declarations available to the model for this
	// session. Called at the start of every turn.
	Tools(ctx context.Context, sessionID string) ([]mcp.Tool, error)

	// Call executes one tool invocation and returns its result.
	Call(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// NoopDispatcher rejects every call, for sessions configured with no tools
// registered.
type NoopDispatcher struct{}

func (NoopDispatcher) Tools(ctx context.Context, sessionID string) ([]mcp.Tool, error) {
	return nil, nil
}

func (NoopDispatcher) Call(ctx context.Context, sessionID string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError("no tool dispatcher configured for this session"), nil
}
