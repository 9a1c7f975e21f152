package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/recallmesh/recallmesh/internal/events"
	"github.com/recallmesh/recallmesh/internal/store"
)

// ProgressTracker records each agent's progress on named tasks.
type ProgressTracker struct {
	db     *store.DB
	mux    *events.Mux
	logger *slog.Logger
}

// NewProgressTracker creates a progress tracker over the shared store.
func NewProgressTracker(db *store.DB, mux *events.Mux, logger *slog.Logger) *ProgressTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressTracker{db: db, mux: mux, logger: logger}
}

// SyncInput carries one progress report. Percentage is optional; a nil
// pointer means "not reported", which is distinct from zero percent.
type SyncInput struct {
	SessionID     string
	AgentID       string
	TaskID        string
	Status        string
	Percentage    *int
	Message       string
	AffectedFiles []string
}

// Sync upserts the progress record keyed by (session, agent, task) and
// notifies the other session members. The last committed write wins.
func (pt *ProgressTracker) Sync(ctx context.Context, in SyncInput) (*store.TaskProgress, error) {
	if in.TaskID == "" {
		return nil, fmt.Errorf("%w: empty task id", ErrValidation)
	}
	switch in.Status {
	case store.ProgressStarted, store.ProgressInProgress, store.ProgressCompleted,
		store.ProgressFailed, store.ProgressBlocked:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, in.Status)
	}
	if in.Percentage != nil && (*in.Percentage < 0 || *in.Percentage > 100) {
		return nil, fmt.Errorf("%w: percentage %d out of range [0, 100]", ErrValidation, *in.Percentage)
	}

	rec, err := pt.db.UpsertProgress(ctx, &store.TaskProgress{
		SessionID:     in.SessionID,
		AgentID:       in.AgentID,
		TaskID:        in.TaskID,
		Status:        in.Status,
		Percentage:    in.Percentage,
		Message:       in.Message,
		AffectedFiles: in.AffectedFiles,
	})
	if err != nil {
		return nil, err
	}

	pt.logger.Debug("progress synced",
		"session_id", in.SessionID, "agent_id", in.AgentID,
		"task_id", in.TaskID, "status", in.Status)

	if pt.mux != nil {
		payload := map[string]any{
			"agent_id": in.AgentID,
			"task_id":  in.TaskID,
			"status":   in.Status,
		}
		if in.Percentage != nil {
			payload["percentage"] = *in.Percentage
		}
		notifySessionPeers(ctx, pt.db, pt.mux, pt.logger, in.SessionID, in.AgentID, events.Event{
			Kind:    events.KindProgress,
			Payload: payload,
		})
	}
	return rec, nil
}

// AgentChanges summarizes what one agent touched inside a window.
type AgentChanges struct {
	AgentID       string   `json:"agent_id"`
	Tasks         []string `json:"tasks"`
	AffectedFiles []string `json:"affected_files,omitempty"`
	LastStatus    string   `json:"last_status"`
	LastMessage   string   `json:"last_message,omitempty"`
}

// ChangesSince aggregates the session's progress records updated at or
// after the cutoff into one summary per agent. Records come back newest
// first from the store, so the first row seen per agent carries its
// latest status.
func (pt *ProgressTracker) ChangesSince(ctx context.Context, sessionID string, since time.Time) ([]*AgentChanges, error) {
	records, err := pt.db.ListProgressSince(ctx, sessionID, since)
	if err != nil {
		return nil, err
	}

	byAgent := make(map[string]*AgentChanges)
	var order []string
	seenFiles := make(map[string]map[string]bool)

	for _, rec := range records {
		ac, ok := byAgent[rec.AgentID]
		if !ok {
			ac = &AgentChanges{
				AgentID:     rec.AgentID,
				LastStatus:  rec.Status,
				LastMessage: rec.Message,
			}
			byAgent[rec.AgentID] = ac
			seenFiles[rec.AgentID] = make(map[string]bool)
			order = append(order, rec.AgentID)
		}
		ac.Tasks = append(ac.Tasks, rec.TaskID)
		for _, f := range rec.AffectedFiles {
			if !seenFiles[rec.AgentID][f] {
				seenFiles[rec.AgentID][f] = true
				ac.AffectedFiles = append(ac.AffectedFiles, f)
			}
		}
	}

	out := make([]*AgentChanges, 0, len(order))
	for _, id := range order {
		out = append(out, byAgent[id])
	}
	return out, nil
}

// AgentStatus returns the latest progress records for the session: one
// row per (agent, task) pair, or just the given agent's rows when
// agentID is non-empty.
func (pt *ProgressTracker) AgentStatus(ctx context.Context, sessionID, agentID string) ([]*store.TaskProgress, error) {
	return pt.db.ListProgress(ctx, sessionID, agentID)
}
