package coordination

import (
	"context"
	"log/slog"
	"time"

	"github.com/recallmesh/recallmesh/internal/store"
)

// Registry tracks coordination sessions and their member agents.
type Registry struct {
	db     *store.DB
	logger *slog.Logger
}

// NewRegistry creates a session/agent registry over the shared store.
func NewRegistry(db *store.DB, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: db, logger: logger}
}

// CreateSession creates a named coordination session owned by a real user.
func (r *Registry) CreateSession(ctx context.Context, name, ownerID string) (*store.Session, error) {
	s, err := r.db.CreateSession(ctx, name, ownerID)
	if err != nil {
		return nil, err
	}
	r.logger.Info("session created", "session_id", s.ID, "name", name, "owner", ownerID)
	return s, nil
}

// EnsureMembership materializes the session and agent carried by a
// virtual identity. The session is created on first contact (named
// after its id, owned by the real user) and the agent row is upserted
// back to connected. Closed sessions reject new membership.
func (r *Registry) EnsureMembership(ctx context.Context, sessionID, agentID, ownerID string) (*store.Agent, error) {
	s, err := r.db.EnsureSession(ctx, sessionID, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if s.Status != store.SessionActive {
		return nil, store.ErrSessionClosed
	}
	a, err := r.db.EnsureAgent(ctx, agentID, sessionID, agentID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetSession returns a session by id.
func (r *Registry) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return r.db.GetSession(ctx, sessionID)
}

// CloseSession marks a session closed; no further agent registrations
// will succeed against it.
func (r *Registry) CloseSession(ctx context.Context, sessionID string) error {
	if err := r.db.CloseSession(ctx, sessionID); err != nil {
		return err
	}
	r.logger.Info("session closed", "session_id", sessionID)
	return nil
}

// RegisterAgent adds a participant to an active session.
func (r *Registry) RegisterAgent(ctx context.Context, sessionID, name, endpoint string) (*store.Agent, error) {
	a, err := r.db.RegisterAgent(ctx, sessionID, name, endpoint)
	if err != nil {
		return nil, err
	}
	r.logger.Info("agent registered", "session_id", sessionID, "agent_id", a.ID, "name", name)
	return a, nil
}

// Heartbeat records agent liveness and reconnects stale-marked agents.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.db.TouchAgent(ctx, agentID)
}

// ListAgents returns all agents in the session, connected or not.
func (r *Registry) ListAgents(ctx context.Context, sessionID string) ([]*store.Agent, error) {
	return r.db.ListAgents(ctx, sessionID)
}

// MarkStale sweeps agents with no activity within the threshold to
// disconnected. Agents are never hard-deleted during a session's life.
func (r *Registry) MarkStale(ctx context.Context, threshold time.Duration) (int64, error) {
	n, err := r.db.MarkStaleAgents(ctx, time.Now().Add(-threshold))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("marked stale agents disconnected", "count", n)
	}
	return n, nil
}

// CloseInactive closes sessions whose agents have all been silent past
// the threshold. Closed sessions reject new membership but keep their
// rows for later inspection.
func (r *Registry) CloseInactive(ctx context.Context, threshold time.Duration) (int64, error) {
	n, err := r.db.CloseInactiveSessions(ctx, time.Now().Add(-threshold))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("closed inactive sessions", "count", n)
	}
	return n, nil
}
