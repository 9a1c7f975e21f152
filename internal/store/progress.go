package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task progress status values.
const (
	ProgressStarted    = "started"
	ProgressInProgress = "in_progress"
	ProgressCompleted  = "completed"
	ProgressFailed     = "failed"
	ProgressBlocked    = "blocked"
)

// TaskProgress is the status record for one task performed by one
// agent. Exactly one row exists per (session, agent, task); syncs
// overwrite in place rather than appending.
//
// Percentage is a pointer because zero percent is a valid reported
// value and must be distinguishable from "not reported".
type TaskProgress struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	AgentID       string    `json:"agent_id"`
	TaskID        string    `json:"task_id"`
	Status        string    `json:"status"`
	Percentage    *int      `json:"percentage,omitempty"`
	Message       string    `json:"message,omitempty"`
	AffectedFiles []string  `json:"affected_files,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UpsertProgress writes a progress record keyed by (session, agent,
// task). The last committed write wins; created_at survives updates.
func (db *DB) UpsertProgress(ctx context.Context, p *TaskProgress) (*TaskProgress, error) {
	now := time.Now()
	files, err := json.Marshal(p.AffectedFiles)
	if err != nil {
		return nil, fmt.Errorf("marshal affected files: %w", err)
	}

	var pct any
	if p.Percentage != nil {
		pct = *p.Percentage
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO task_progress
			(id, session_id, agent_id, task_id, status, percentage, message, affected_files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, agent_id, task_id) DO UPDATE SET
			status         = excluded.status,
			percentage     = excluded.percentage,
			message        = excluded.message,
			affected_files = excluded.affected_files,
			updated_at     = excluded.updated_at
	`, uuid.NewString(), p.SessionID, p.AgentID, p.TaskID, p.Status, pct,
		p.Message, string(files), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("upsert progress: %w", err)
	}

	return db.getProgress(ctx, p.SessionID, p.AgentID, p.TaskID)
}

func (db *DB) getProgress(ctx context.Context, sessionID, agentID, taskID string) (*TaskProgress, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, session_id, agent_id, task_id, status, percentage, message, affected_files, created_at, updated_at
		FROM task_progress
		WHERE session_id = ? AND agent_id = ? AND task_id = ?
	`, sessionID, agentID, taskID)
	p, err := scanProgress(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("progress (%s, %s, %s): %w", sessionID, agentID, taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

// ListProgress returns the latest record per (agent, task) for the
// session. With a non-empty agentID it is filtered to that agent.
func (db *DB) ListProgress(ctx context.Context, sessionID, agentID string) ([]*TaskProgress, error) {
	query := `
		SELECT id, session_id, agent_id, task_id, status, percentage, message, affected_files, created_at, updated_at
		FROM task_progress
		WHERE session_id = ?`
	args := []any{sessionID}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var records []*TaskProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		records = append(records, p)
	}
	return records, rows.Err()
}

// ListProgressSince returns the session's records touched at or after
// the cutoff, newest first.
func (db *DB) ListProgressSince(ctx context.Context, sessionID string, since time.Time) ([]*TaskProgress, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, task_id, status, percentage, message, affected_files, created_at, updated_at
		FROM task_progress
		WHERE session_id = ? AND updated_at >= ?
		ORDER BY updated_at DESC
	`, sessionID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list progress since: %w", err)
	}
	defer rows.Close()

	var records []*TaskProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		records = append(records, p)
	}
	return records, rows.Err()
}

func scanProgress(row rowScanner) (*TaskProgress, error) {
	var p TaskProgress
	var pct *int
	var files string
	var createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.SessionID, &p.AgentID, &p.TaskID, &p.Status,
		&pct, &p.Message, &files, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Percentage = pct
	if err := json.Unmarshal([]byte(files), &p.AffectedFiles); err != nil {
		return nil, fmt.Errorf("unmarshal affected files: %w", err)
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}
