package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/recallmesh/recallmesh/internal/coordination"
)

func claimFilesTool() mcp.Tool {
	return mcp.NewTool(toolClaimFiles,
		mcp.WithDescription("Claim time-bounded locks on files before editing them. Conflicts come back in the result, not as errors."),
		mcp.WithArray("file_paths",
			mcp.Required(),
			mcp.Description("Paths to claim"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("Intended operation: read, write or delete"),
		),
		mcp.WithNumber("duration_minutes",
			mcp.Description("Requested lock duration in minutes (server-capped)"),
		),
	)
}

func (ms *MCPServer) handleClaimFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ms.resolveSession(ctx, toolClaimFiles)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	paths, err := stringSliceArg(request, "file_paths")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	operation, err := request.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	duration := time.Duration(intArg(request, "duration_minutes", 10)) * time.Minute

	result, err := ms.locks.Claim(ctx, id.SessionID, id.AgentID, paths, operation, duration)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func releaseFilesTool() mcp.Tool {
	return mcp.NewTool(toolReleaseFiles,
		mcp.WithDescription("Release file locks held by this agent. Releasing an unheld lock is a no-op."),
		mcp.WithArray("file_paths",
			mcp.Required(),
			mcp.Description("Paths to release"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("changes_summary",
			mcp.Description("Optional summary of the changes made, broadcast to the session"),
		),
	)
}

func (ms *MCPServer) handleReleaseFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ms.resolveSession(ctx, toolReleaseFiles)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	paths, err := stringSliceArg(request, "file_paths")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	released, err := ms.locks.Release(ctx, id.SessionID, id.AgentID, paths)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if summary := request.GetString("changes_summary", ""); summary != "" {
		if _, err := ms.caster.Broadcast(ctx, id.SessionID, id.AgentID, summary, coordination.MessageInfo); err != nil {
			ms.logger.Warn("changes summary broadcast failed", "session_id", id.SessionID, "error", err)
		}
	}

	return jsonResult(map[string]any{"released": emptyNotNull(released)})
}

func syncProgressTool() mcp.Tool {
	return mcp.NewTool(toolSyncProgress,
		mcp.WithDescription("Report progress on a task. One record per task per agent; repeated syncs overwrite."),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Stable identifier of the task being worked on"),
		),
		mcp.WithString("status",
			mcp.Required(),
			mcp.Description("started, in_progress, completed, failed or blocked"),
		),
		mcp.WithNumber("percentage",
			mcp.Description("Completion percentage, 0 to 100"),
		),
		mcp.WithString("message",
			mcp.Description("Free-form progress note"),
		),
		mcp.WithArray("affected_files",
			mcp.Description("Files touched by this task so far"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

func (ms *MCPServer) handleSyncProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ms.resolveSession(ctx, toolSyncProgress)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	in := coordination.SyncInput{
		SessionID: id.SessionID,
		AgentID:   id.AgentID,
		TaskID:    taskID,
		Status:    status,
		Message:   request.GetString("message", ""),
	}
	// Percentage is optional and zero is a valid value, so only a key
	// present in the arguments produces a pointer.
	if raw, ok := request.GetArguments()["percentage"].(float64); ok {
		pct := int(raw)
		in.Percentage = &pct
	}
	if _, ok := request.GetArguments()["affected_files"]; ok {
		files, err := stringSliceArg(request, "affected_files")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		in.AffectedFiles = files
	}

	rec, err := ms.progress.Sync(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func syncCodebaseTool() mcp.Tool {
	return mcp.NewTool(toolSyncCodebase,
		mcp.WithDescription("Summarize what the other agents changed recently: tasks, statuses and affected files per agent."),
		mcp.WithNumber("since_minutes",
			mcp.Description("Window to summarize, in minutes (default 30)"),
		),
	)
}

func (ms *MCPServer) handleSyncCodebase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ms.resolveSession(ctx, toolSyncCodebase)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sinceMinutes := intArg(request, "since_minutes", 30)
	if sinceMinutes <= 0 {
		return mcp.NewToolResultError("since_minutes must be positive"), nil
	}

	changes, err := ms.progress.ChangesSince(ctx, id.SessionID, time.Now().Add(-time.Duration(sinceMinutes)*time.Minute))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"since_minutes": sinceMinutes,
		"changes":       emptyNotNull(changes),
	})
}

func checkAgentStatusTool() mcp.Tool {
	return mcp.NewTool(toolCheckAgentStatus,
		mcp.WithDescription("List the latest task progress per agent in this session."),
		mcp.WithString("agent_id",
			mcp.Description("Restrict to one agent; omit for the whole session"),
		),
	)
}

func (ms *MCPServer) handleCheckAgentStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ms.resolveSession(ctx, toolCheckAgentStatus)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	records, err := ms.progress.AgentStatus(ctx, id.SessionID, request.GetString("agent_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	agents, err := ms.registry.ListAgents(ctx, id.SessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	members := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		members = append(members, map[string]any{
			"agent_id":      a.ID,
			"status":        a.Status,
			"last_activity": a.LastActivity.UnixMilli(),
		})
	}

	return jsonResult(map[string]any{
		"agents":   members,
		"progress": emptyNotNull(records),
	})
}

func getAgentMessagesTool() mcp.Tool {
	return mcp.NewTool(toolGetAgentMessages,
		mcp.WithDescription("Fetch recent broadcasts from the other agents in this session. Retention is bounded and in-memory."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of messages, newest kept (default 20)"),
		),
	)
}

func (ms *MCPServer) handleGetAgentMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ms.resolveSession(ctx, toolGetAgentMessages)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	limit := intArg(request, "limit", 20)
	messages := ms.caster.RecentMessages(id.SessionID, id.AgentID, limit)
	return jsonResult(map[string]any{"messages": emptyNotNull(messages)})
}

func broadcastMessageTool() mcp.Tool {
	return mcp.NewTool(toolBroadcastMessage,
		mcp.WithDescription("Send a message to every other connected agent in this session. Delivery is best-effort."),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Message body"),
		),
		mcp.WithString("message_type",
			mcp.Description("info, warning or conflict (default info)"),
		),
	)
}

func (ms *MCPServer) handleBroadcastMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ms.resolveSession(ctx, toolBroadcastMessage)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind := request.GetString("message_type", coordination.MessageInfo)

	delivered, err := ms.caster.Broadcast(ctx, id.SessionID, id.AgentID, message, kind)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"delivered_count": delivered})
}

// jsonResult marshals v as the tool's text payload.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// stringSliceArg extracts a string array argument. JSON arrays arrive
// as []any; a missing key is an error left to Required() declarations.
func stringSliceArg(req mcp.CallToolRequest, key string) ([]string, error) {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// intArg extracts an integer argument, returning defaultVal if the key
// is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// emptyNotNull keeps empty slices as [] in JSON output instead of null.
func emptyNotNull[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
