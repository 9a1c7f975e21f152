package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// AuditEntry is one logged tool invocation for provenance tracking.
type AuditEntry struct {
	Timestamp time.Time
	UserID    string
	SessionID string
	AgentID   string
	ToolName  string
	ErrorMsg  string
	Duration  time.Duration
}

// AuditLogger writes tool invocation records through structured logging.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an audit logger over the given slog logger.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger}
}

// LogToolCall logs a tool invocation with its caller context.
func (al *AuditLogger) LogToolCall(ctx context.Context, entry *AuditEntry) {
	al.logger.InfoContext(ctx, "tool_call",
		"tool_name", entry.ToolName,
		"user_id", entry.UserID,
		"session_id", entry.SessionID,
		"agent_id", entry.AgentID,
		"timestamp", entry.Timestamp,
	)
}

// LogToolResult logs the outcome of a tool invocation.
func (al *AuditLogger) LogToolResult(ctx context.Context, entry *AuditEntry) {
	if entry.ErrorMsg != "" {
		al.logger.ErrorContext(ctx, "tool_error",
			"tool_name", entry.ToolName,
			"user_id", entry.UserID,
			"session_id", entry.SessionID,
			"error", entry.ErrorMsg,
			"duration_ms", entry.Duration.Milliseconds(),
		)
		return
	}
	al.logger.InfoContext(ctx, "tool_result",
		"tool_name", entry.ToolName,
		"user_id", entry.UserID,
		"session_id", entry.SessionID,
		"duration_ms", entry.Duration.Milliseconds(),
	)
}

// audited wraps a tool handler with audit logging of the call and its
// outcome. Tool-level errors are results, not Go errors, so the outcome
// is read from the result's error flag.
func (ms *MCPServer) audited(name string, handler mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := ms.identityFor(ctx)
		entry := &AuditEntry{
			Timestamp: time.Now(),
			UserID:    id.UserID,
			SessionID: id.SessionID,
			AgentID:   id.AgentID,
			ToolName:  name,
		}
		ms.audit.LogToolCall(ctx, entry)

		result, err := handler(ctx, request)

		entry.Duration = time.Since(entry.Timestamp)
		if err != nil {
			entry.ErrorMsg = err.Error()
		} else if result != nil && result.IsError {
			entry.ErrorMsg = firstText(result)
		}
		ms.audit.LogToolResult(ctx, entry)
		return result, err
	}
}

func firstText(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "tool error"
}
