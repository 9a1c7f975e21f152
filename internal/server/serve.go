package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/recallmesh/recallmesh/internal/identity"
)

// identityHeader carries the caller's identity token on HTTP transports.
const identityHeader = "X-User-Identity"

// Serve starts the MCP server on stdio. Stdio clients have no
// transport-level identity, so every request runs as the default user.
func (ms *MCPServer) Serve() error {
	ms.logger.Info("starting MCP server on stdio", "user", ms.cfg.DefaultUser)
	return mcpserver.ServeStdio(ms.server,
		mcpserver.WithStdioContextFunc(func(ctx context.Context) context.Context {
			return WithIdentity(ctx, identity.Identity{UserID: ms.cfg.DefaultUser})
		}),
	)
}

// ServeHTTP starts the HTTP transport: the mcp-go SSE server under
// /mcp, the agent event stream under /events/{identity} and a health
// endpoint. Blocks until the listener fails or ctx is done.
func (ms *MCPServer) ServeHTTP(ctx context.Context, addr string) error {
	sse := mcpserver.NewSSEServer(ms.server,
		mcpserver.WithBaseURL("http://"+addr),
		mcpserver.WithStaticBasePath("/mcp"),
		mcpserver.WithSSEContextFunc(ms.httpIdentity),
	)

	r := chi.NewRouter()
	r.Mount("/mcp", sse)
	r.Get("/events/{identity}", ms.handleEventStream)
	r.Get("/healthz", ms.handleHealthz)

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		ms.logger.Info("starting MCP server on HTTP", "address", addr, "base_path", "/mcp")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// httpIdentity decodes the identity header into the request context.
// Requests without the header run as the default user; a malformed
// session-scoped token is NOT silently downgraded, the zero identity
// makes every scoped tool call fail closed.
func (ms *MCPServer) httpIdentity(ctx context.Context, r *http.Request) context.Context {
	token := r.Header.Get(identityHeader)
	if token == "" {
		return WithIdentity(ctx, identity.Identity{UserID: ms.cfg.DefaultUser})
	}
	id, err := identity.Decode(token)
	if err != nil {
		ms.logger.Warn("rejecting malformed identity token", "error", err)
		return WithIdentity(ctx, identity.Identity{})
	}
	return WithIdentity(ctx, id)
}

// handleEventStream serves the push channel for one agent as
// server-sent events. The connection ends when the multiplexer closes
// the channel (lifetime cap, replacement) or the client goes away.
func (ms *MCPServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "identity")
	id, err := identity.Decode(token)
	if err != nil {
		http.Error(w, "malformed identity", http.StatusBadRequest)
		return
	}
	if !id.MultiAgent {
		http.Error(w, "event streams require a session-scoped identity", http.StatusBadRequest)
		return
	}
	if _, err := ms.registry.EnsureMembership(r.Context(), id.SessionID, id.AgentID, id.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	handle := ms.mux.Open(id.Token())

	for {
		select {
		case <-r.Context().Done():
			// Handle-scoped close: a reconnect may already have
			// registered a replacement under this identity, which must
			// survive this handler's teardown.
			ms.mux.CloseHandle(handle)
			return
		case ev, ok := <-handle.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (ms *MCPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": ms.mux.ConnectionCount(),
	})
}
