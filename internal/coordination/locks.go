package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/recallmesh/recallmesh/internal/events"
	"github.com/recallmesh/recallmesh/internal/identity"
	"github.com/recallmesh/recallmesh/internal/store"
)

// LockManager grants time-bounded claims over file paths within a
// session. The lock table is the single arbiter of write/delete
// exclusivity; no in-process mutex substitutes for it across instances.
type LockManager struct {
	db          *store.DB
	mux         *events.Mux
	logger      *slog.Logger
	maxDuration time.Duration
}

// NewLockManager creates a lock manager. maxDuration caps requested
// lock lifetimes; zero means no cap.
func NewLockManager(db *store.DB, mux *events.Mux, maxDuration time.Duration, logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{db: db, mux: mux, logger: logger, maxDuration: maxDuration}
}

// Claim attempts to lock every path for the agent. Partial success is
// normal: granted paths and conflicting paths come back in the same
// result so the caller can retry just the blocked subset. Same-agent
// re-claims extend the expiry.
func (lm *LockManager) Claim(ctx context.Context, sessionID, agentID string, paths []string, operation string, duration time.Duration) (*store.ClaimResult, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: empty path list", ErrValidation)
	}
	switch operation {
	case store.OpRead, store.OpWrite, store.OpDelete:
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrValidation, operation)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: non-positive lock duration", ErrValidation)
	}
	if lm.maxDuration > 0 && duration > lm.maxDuration {
		duration = lm.maxDuration
	}

	result, err := lm.db.ClaimPaths(ctx, sessionID, agentID, paths, operation, duration)
	if err != nil {
		return nil, err
	}

	lm.logger.Debug("claim processed",
		"session_id", sessionID, "agent_id", agentID, "operation", operation,
		"granted", len(result.Granted), "conflicts", len(result.Conflicts))

	if len(result.Granted) > 0 {
		lm.notifyPeers(ctx, sessionID, agentID, events.Event{
			Kind: events.KindLockGrant,
			Payload: map[string]any{
				"agent_id":  agentID,
				"operation": operation,
				"paths":     result.Granted,
			},
		})
	}
	return result, nil
}

// Release drops the agent's locks on the given paths. Unheld paths are
// skipped silently; release is idempotent under duplicate calls.
func (lm *LockManager) Release(ctx context.Context, sessionID, agentID string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: empty path list", ErrValidation)
	}
	released, err := lm.db.ReleasePaths(ctx, sessionID, agentID, paths)
	if err != nil {
		return nil, err
	}
	lm.logger.Debug("release processed",
		"session_id", sessionID, "agent_id", agentID, "released", len(released))
	return released, nil
}

// ActiveLocks lists the session's unexpired locks.
func (lm *LockManager) ActiveLocks(ctx context.Context, sessionID string) ([]*store.FileLock, error) {
	return lm.db.ActiveLocks(ctx, sessionID)
}

// SweepExpired removes locks past expiry. Safe under concurrent sweeps
// from multiple instances.
func (lm *LockManager) SweepExpired(ctx context.Context) (int64, error) {
	return lm.db.SweepExpiredLocks(ctx)
}

// notifyPeers pushes an event to every other connected agent in the
// session. Fire-and-forget: delivery failures never affect the request.
func (lm *LockManager) notifyPeers(ctx context.Context, sessionID, senderAgentID string, ev events.Event) {
	if lm.mux == nil {
		return
	}
	notifySessionPeers(ctx, lm.db, lm.mux, lm.logger, sessionID, senderAgentID, ev)
}

// notifySessionPeers fans an event out to every connected agent in the
// session except the sender, addressing each via its virtual identity.
// Lookup failures are logged, not returned: the caller's operation
// already committed, only the notification is lost.
func notifySessionPeers(ctx context.Context, db *store.DB, mux *events.Mux, logger *slog.Logger, sessionID, senderAgentID string, ev events.Event) int {
	session, err := db.GetSession(ctx, sessionID)
	if err != nil {
		logger.Error("peer fan-out skipped: session lookup failed",
			"session_id", sessionID, "kind", ev.Kind, "error", err)
		return 0
	}
	agents, err := db.ListAgents(ctx, sessionID)
	if err != nil {
		logger.Error("peer fan-out skipped: agent listing failed",
			"session_id", sessionID, "kind", ev.Kind, "error", err)
		return 0
	}

	delivered := 0
	for _, agent := range agents {
		if agent.ID == senderAgentID || agent.Status != store.AgentConnected {
			continue
		}
		token, err := identity.Encode(session.OwnerID, sessionID, agent.ID)
		if err != nil {
			continue
		}
		if mux.Push(token, ev) {
			delivered++
		}
	}
	return delivered
}
