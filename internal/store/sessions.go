package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session status values.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// Agent status values.
const (
	AgentConnected    = "connected"
	AgentDisconnected = "disconnected"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionClosed indicates an operation against a closed session.
	ErrSessionClosed = errors.New("session is closed")
)

// Session is a named coordination context owned by one real user.
type Session struct {
	ID        string
	Name      string
	OwnerID   string
	Status    string
	CreatedAt time.Time
}

// Agent is one connected participant within a session. Agents are never
// hard-deleted during a session's life so audit history survives
// disconnects.
type Agent struct {
	ID           string
	SessionID    string
	Name         string
	Endpoint     string
	Status       string
	LastActivity time.Time
	CreatedAt    time.Time
}

// CreateSession inserts a new active session and returns it.
func (db *DB) CreateSession(ctx context.Context, name, ownerID string) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		Status:    SessionActive,
		CreatedAt: time.Now(),
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, owner_user_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID, s.Name, s.OwnerID, s.Status, s.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// EnsureSession creates the session with the given id if it does not
// exist yet; sessions come into being on the first multi-agent
// connection, with the id carried in the virtual identity. Returns the
// session either way; a closed session comes back as-is for the caller
// to reject.
func (db *DB) EnsureSession(ctx context.Context, sessionID, name, ownerID string) (*Session, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, owner_user_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, sessionID, name, ownerID, SessionActive, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	return db.GetSession(ctx, sessionID)
}

// EnsureAgent upserts an agent row under a client-supplied id: inserted
// on first connection, touched back to connected on every subsequent
// one. Fails with ErrSessionClosed when the session is closed.
func (db *DB) EnsureAgent(ctx context.Context, agentID, sessionID, name string) (*Agent, error) {
	session, err := db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionActive {
		return nil, fmt.Errorf("ensure agent %q: %w", agentID, ErrSessionClosed)
	}

	now := time.Now().UnixMilli()
	_, err = db.ExecContext(ctx, `
		INSERT INTO agents (id, session_id, name, endpoint, status, last_activity, created_at)
		VALUES (?, ?, ?, '', ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status        = excluded.status,
			last_activity = excluded.last_activity
	`, agentID, sessionID, name, AgentConnected, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure agent: %w", err)
	}
	return db.GetAgent(ctx, agentID)
}

// GetSession returns a session by id, or ErrNotFound.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	var createdAt int64
	err := db.QueryRowContext(ctx, `
		SELECT id, name, owner_user_id, status, created_at
		FROM sessions WHERE id = ?
	`, sessionID).Scan(&s.ID, &s.Name, &s.OwnerID, &s.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	return &s, nil
}

// CloseSession marks a session closed. Closing an already-closed
// session is a no-op.
func (db *DB) CloseSession(ctx context.Context, sessionID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, SessionClosed, sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// CloseInactiveSessions closes every active session with no agent
// activity at or after the cutoff. Sessions younger than the cutoff are
// spared even when agentless, so a freshly created session is not swept
// before its first agent arrives. Returns how many sessions closed.
func (db *DB) CloseInactiveSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET status = ?
		WHERE status = ?
		  AND created_at < ?
		  AND id NOT IN (
			SELECT session_id FROM agents WHERE last_activity >= ?
		  )
	`, SessionClosed, SessionActive, cutoff.UnixMilli(), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("close inactive sessions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSession removes a session and, via cascade, its agents, locks,
// and progress rows.
func (db *DB) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RegisterAgent adds an agent to an active session. Registration against
// a closed session fails with ErrSessionClosed. Duplicate agent names
// are allowed: agents are identified by generated id, which permits
// reconnection under the same display name.
func (db *DB) RegisterAgent(ctx context.Context, sessionID, name, endpoint string) (*Agent, error) {
	session, err := db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionActive {
		return nil, fmt.Errorf("register agent %q: %w", name, ErrSessionClosed)
	}

	now := time.Now()
	a := &Agent{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Name:         name,
		Endpoint:     endpoint,
		Status:       AgentConnected,
		LastActivity: now,
		CreatedAt:    now,
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO agents (id, session_id, name, endpoint, status, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.Name, a.Endpoint, a.Status, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return a, nil
}

// GetAgent returns an agent by id, or ErrNotFound.
func (db *DB) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, session_id, name, endpoint, status, last_activity, created_at
		FROM agents WHERE id = ?
	`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents in a session, newest first.
func (db *DB) ListAgents(ctx context.Context, sessionID string) ([]*Agent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, name, endpoint, status, last_activity, created_at
		FROM agents WHERE session_id = ?
		ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// TouchAgent records agent activity: bumps last_activity and restores
// connected status (a heartbeat from a stale-marked agent reconnects it).
func (db *DB) TouchAgent(ctx context.Context, agentID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE agents SET last_activity = ?, status = ? WHERE id = ?
	`, time.Now().UnixMilli(), AgentConnected, agentID)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// MarkStaleAgents flips agents with no activity since the cutoff to
// disconnected and returns how many were flipped. Safe to run
// concurrently from multiple instances.
func (db *DB) MarkStaleAgents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE agents SET status = ?
		WHERE status = ? AND last_activity < ?
	`, AgentDisconnected, AgentConnected, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("mark stale agents: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var lastActivity, createdAt int64
	if err := row.Scan(&a.ID, &a.SessionID, &a.Name, &a.Endpoint, &a.Status, &lastActivity, &createdAt); err != nil {
		return nil, err
	}
	a.LastActivity = time.UnixMilli(lastActivity)
	a.CreatedAt = time.UnixMilli(createdAt)
	return &a, nil
}
