// Package server binds the coordination and orchestration subsystems to
// the MCP protocol: tool definitions, handlers, per-client visibility
// and the stdio / HTTP transports.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recallmesh/recallmesh/internal/backend"
	"github.com/recallmesh/recallmesh/internal/coordination"
	"github.com/recallmesh/recallmesh/internal/events"
	"github.com/recallmesh/recallmesh/internal/identity"
	"github.com/recallmesh/recallmesh/internal/orchestrator"
)

const (
	// Coordination tool names, visible to session-scoped identities only.
	toolClaimFiles       = "claim_files"
	toolReleaseFiles     = "release_files"
	toolSyncProgress     = "sync_progress"
	toolSyncCodebase     = "sync_codebase"
	toolCheckAgentStatus = "check_agent_status"
	toolGetAgentMessages = "get_agent_messages"
	toolBroadcastMessage = "broadcast_message"

	// Memory tool names, visible to every identity.
	toolGetContext  = "get_context"
	toolStoreMemory = "store_memory"
)

// Config holds configuration for the MCP server.
type Config struct {
	Name    string
	Version string

	// DefaultUser is assumed when the transport carries no identity.
	DefaultUser string

	// AllowedTools is the client allow-list; empty allows everything.
	AllowedTools []string
}

// MCPServer wraps the mcp-go server with the recallmesh tool surface.
type MCPServer struct {
	server   *server.MCPServer
	cfg      Config
	registry *coordination.Registry
	locks    *coordination.LockManager
	progress *coordination.ProgressTracker
	caster   *coordination.Broadcaster
	mux      *events.Mux
	planner  *orchestrator.Planner
	backend  backend.Backend
	audit    *AuditLogger
	logger   *slog.Logger

	tools []toolDescriptor
}

// toolDescriptor is one registered tool plus its visibility scope.
type toolDescriptor struct {
	tool          mcp.Tool
	handler       server.ToolHandlerFunc
	sessionScoped bool
}

// NewMCPServer creates and configures a new MCP server.
func NewMCPServer(cfg Config, registry *coordination.Registry, locks *coordination.LockManager,
	progress *coordination.ProgressTracker, caster *coordination.Broadcaster,
	mux *events.Mux, planner *orchestrator.Planner, be backend.Backend,
	logger *slog.Logger) *MCPServer {

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = "local"
	}

	ms := &MCPServer{
		cfg:      cfg,
		registry: registry,
		locks:    locks,
		progress: progress,
		caster:   caster,
		mux:      mux,
		planner:  planner,
		backend:  be,
		audit:    NewAuditLogger(logger),
		logger:   logger,
	}

	ms.server = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithToolFilter(ms.filterTools),
	)

	ms.registerTools()
	return ms
}

// registerTools builds the static tool registry and hands every tool to
// mcp-go; per-client visibility is applied by filterTools at list time
// and re-checked by resolveSession at call time.
func (ms *MCPServer) registerTools() {
	ms.tools = []toolDescriptor{
		{claimFilesTool(), ms.handleClaimFiles, true},
		{releaseFilesTool(), ms.handleReleaseFiles, true},
		{syncProgressTool(), ms.handleSyncProgress, true},
		{syncCodebaseTool(), ms.handleSyncCodebase, true},
		{checkAgentStatusTool(), ms.handleCheckAgentStatus, true},
		{getAgentMessagesTool(), ms.handleGetAgentMessages, true},
		{broadcastMessageTool(), ms.handleBroadcastMessage, true},
		{getContextTool(), ms.handleGetContext, false},
		{storeMemoryTool(), ms.handleStoreMemory, false},
	}
	for _, td := range ms.tools {
		ms.server.AddTool(td.tool, ms.audited(td.tool.Name, td.handler))
	}
}

// filterTools trims the advertised tool list for the requesting client:
// coordination tools are only shown to session-scoped identities, and
// the configured allow-list applies to everything.
func (ms *MCPServer) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	id := ms.identityFor(ctx)

	visible := make(map[string]bool, len(ms.tools))
	for _, td := range ms.tools {
		if td.sessionScoped && !id.MultiAgent {
			continue
		}
		if !ms.toolAllowed(td.tool.Name) {
			continue
		}
		visible[td.tool.Name] = true
	}

	out := tools[:0]
	for _, t := range tools {
		if visible[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func (ms *MCPServer) toolAllowed(name string) bool {
	if len(ms.cfg.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range ms.cfg.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// identityFor returns the caller's identity, falling back to the
// configured default user for transports that carry none.
func (ms *MCPServer) identityFor(ctx context.Context) identity.Identity {
	if id, ok := IdentityFrom(ctx); ok {
		return id
	}
	return identity.Identity{UserID: ms.cfg.DefaultUser}
}

// resolveSession resolves the caller's identity for a coordination tool.
// It rejects single-agent callers, enforces the allow-list, materializes
// session membership on first contact and records a heartbeat.
func (ms *MCPServer) resolveSession(ctx context.Context, toolName string) (identity.Identity, error) {
	id := ms.identityFor(ctx)
	if !ms.toolAllowed(toolName) {
		return identity.Identity{}, fmt.Errorf("tool %q not permitted for this client", toolName)
	}
	if !id.MultiAgent {
		return identity.Identity{}, fmt.Errorf("tool %q requires a session-scoped identity", toolName)
	}
	if _, err := ms.registry.EnsureMembership(ctx, id.SessionID, id.AgentID, id.UserID); err != nil {
		return identity.Identity{}, fmt.Errorf("join session %s: %w", id.SessionID, err)
	}
	if err := ms.registry.Heartbeat(ctx, id.AgentID); err != nil {
		ms.logger.Warn("heartbeat failed", "agent_id", id.AgentID, "error", err)
	}
	return id, nil
}

// resolveUser resolves the caller's identity for a memory tool. Memory
// access always happens under the real user id regardless of agent.
func (ms *MCPServer) resolveUser(ctx context.Context, toolName string) (identity.Identity, error) {
	id := ms.identityFor(ctx)
	if !ms.toolAllowed(toolName) {
		return identity.Identity{}, fmt.Errorf("tool %q not permitted for this client", toolName)
	}
	return id, nil
}

// Server returns the underlying mcp-go server for serving.
func (ms *MCPServer) Server() *server.MCPServer {
	return ms.server
}
