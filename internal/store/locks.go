package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lock operation kinds.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"
)

// FileLock is a time-bounded claim over a path within a session. A lock
// is active iff now < ExpiresAt; expired rows are garbage until swept.
type FileLock struct {
	ID        string
	SessionID string
	AgentID   string
	Path      string
	Operation string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// LockConflict reports a path that could not be granted and who holds it.
type LockConflict struct {
	Path      string `json:"path"`
	HolderID  string `json:"holder"`
	Operation string `json:"operation"`
}

// ClaimResult is the partial-success outcome of a claim: some paths
// granted, the rest reported as conflicts. Never all-or-nothing, so
// callers can retry only the blocked subset.
type ClaimResult struct {
	Granted   []string       `json:"granted"`
	Conflicts []LockConflict `json:"conflicts"`
}

// ClaimPaths attempts to claim every path for the agent in one
// transaction, which linearizes concurrent claims on the same paths.
// Rules per path:
//   - read conflicts with an active write/delete lock held by another agent
//   - write/delete conflicts with any active lock held by another agent
//   - the agent's own lock is refreshed: expiry extended, operation updated
func (db *DB) ClaimPaths(ctx context.Context, sessionID, agentID string, paths []string, operation string, duration time.Duration) (*ClaimResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	expiry := now.Add(duration)
	result := &ClaimResult{Granted: []string{}, Conflicts: []LockConflict{}}

	for _, path := range paths {
		var holderID, holderOp string
		query := `
			SELECT agent_id, operation FROM file_locks
			WHERE session_id = ? AND path = ? AND agent_id != ? AND expires_at > ?`
		if operation == OpRead {
			query += ` AND operation IN ('write', 'delete')`
		}
		query += ` LIMIT 1`

		err := tx.QueryRowContext(ctx, query, sessionID, path, agentID, now.UnixMilli()).
			Scan(&holderID, &holderOp)
		switch {
		case err == nil:
			result.Conflicts = append(result.Conflicts, LockConflict{
				Path:      path,
				HolderID:  holderID,
				Operation: holderOp,
			})
			continue
		case isNoRows(err):
			// path is free for this agent
		default:
			return nil, fmt.Errorf("check lock on %s: %w", path, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO file_locks (id, session_id, agent_id, path, operation, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, path, agent_id) DO UPDATE SET
				operation  = excluded.operation,
				expires_at = excluded.expires_at
		`, uuid.NewString(), sessionID, agentID, path, operation, expiry.UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("grant lock on %s: %w", path, err)
		}
		result.Granted = append(result.Granted, path)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return result, nil
}

// ReleasePaths removes the agent's locks on the given paths and returns
// the paths actually released. Releasing a path the agent does not hold
// is a no-op, which makes release idempotent under duplicate calls.
func (db *DB) ReleasePaths(ctx context.Context, sessionID, agentID string, paths []string) ([]string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	released := []string{}
	for _, path := range paths {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM file_locks
			WHERE session_id = ? AND agent_id = ? AND path = ?
		`, sessionID, agentID, path)
		if err != nil {
			return nil, fmt.Errorf("release lock on %s: %w", path, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			released = append(released, path)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit release: %w", err)
	}
	return released, nil
}

// ActiveLocks returns the unexpired locks for a session.
func (db *DB) ActiveLocks(ctx context.Context, sessionID string) ([]*FileLock, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, agent_id, path, operation, expires_at, created_at
		FROM file_locks
		WHERE session_id = ? AND expires_at > ?
		ORDER BY path
	`, sessionID, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []*FileLock
	for rows.Next() {
		var l FileLock
		var expiresAt, createdAt int64
		if err := rows.Scan(&l.ID, &l.SessionID, &l.AgentID, &l.Path, &l.Operation, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.ExpiresAt = time.UnixMilli(expiresAt)
		l.CreatedAt = time.UnixMilli(createdAt)
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}

// SweepExpiredLocks deletes locks past expiry across all sessions and
// returns how many were removed. Idempotent: two instances sweeping
// concurrently delete each row at most once between them.
func (db *DB) SweepExpiredLocks(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM file_locks WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
