package server

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/recallmesh/recallmesh/internal/orchestrator"
)

func getContextTool() mcp.Tool {
	return mcp.NewTool(toolGetContext,
		mcp.WithDescription("Assemble relevant memory context for a message. Retrieval depth is chosen automatically."),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("The user message to build context for"),
		),
		mcp.WithBoolean("new_conversation",
			mcp.Description("True when this message starts a new conversation"),
		),
		mcp.WithBoolean("needs_context",
			mcp.Description("False skips retrieval entirely (default true)"),
		),
	)
}

func (ms *MCPServer) handleGetContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ms.resolveUser(ctx, toolGetContext)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Memory calls always run under the real user id: agents within a
	// session share the owning user's memory, never a synthetic scope.
	result := ms.planner.BuildContext(ctx, orchestrator.Request{
		Message:         message,
		UserID:          id.UserID,
		NeedsContext:    boolArg(request, "needs_context", true),
		NewConversation: boolArg(request, "new_conversation", false),
	})

	return jsonResult(map[string]any{
		"context":       result.Context,
		"results_count": len(result.Results),
	})
}

func storeMemoryTool() mcp.Tool {
	return mcp.NewTool(toolStoreMemory,
		mcp.WithDescription("Persist a piece of information to the user's memory."),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The content to remember"),
		),
	)
}

func (ms *MCPServer) handleStoreMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ms.resolveUser(ctx, toolStoreMemory)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if content == "" {
		return mcp.NewToolResultError("content must not be empty"), nil
	}

	ack, err := ms.backend.Store(ctx, content, id.UserID)
	if err != nil {
		ms.logger.Error("memory store failed", "user_id", id.UserID, "error", err)
		return mcp.NewToolResultError("memory store failed"), nil
	}
	return jsonResult(map[string]any{"stored": true, "id": ack.ID})
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
