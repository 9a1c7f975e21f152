package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGetSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSession(ctx, "refactor-auth", "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Status != SessionActive {
		t.Errorf("Status = %q, want %q", s.Status, SessionActive)
	}

	got, err := db.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Name != "refactor-auth" || got.OwnerID != "alice" {
		t.Errorf("got (%q, %q), want (refactor-auth, alice)", got.Name, got.OwnerID)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetSession(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterAgentOnClosedSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSession(ctx, "s", "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := db.CloseSession(ctx, s.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	_, err = db.RegisterAgent(ctx, s.ID, "agent-a", "")
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestRegisterAgentDuplicateNameAllowed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSession(ctx, "s", "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	a1, err := db.RegisterAgent(ctx, s.ID, "agent-a", "")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	a2, err := db.RegisterAgent(ctx, s.ID, "agent-a", "")
	if err != nil {
		t.Fatalf("RegisterAgent reconnect: %v", err)
	}
	if a1.ID == a2.ID {
		t.Error("expected distinct agent ids for reconnection under the same name")
	}

	agents, err := db.ListAgents(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("len(agents) = %d, want 2", len(agents))
	}
}

func TestMarkStaleAgents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, err := db.CreateSession(ctx, "s", "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	stale, err := db.RegisterAgent(ctx, s.ID, "stale", "")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	fresh, err := db.RegisterAgent(ctx, s.ID, "fresh", "")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	// Age the stale agent past the cutoff.
	old := time.Now().Add(-10 * time.Minute).UnixMilli()
	if _, err := db.Exec(`UPDATE agents SET last_activity = ? WHERE id = ?`, old, stale.ID); err != nil {
		t.Fatalf("age agent: %v", err)
	}

	n, err := db.MarkStaleAgents(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("MarkStaleAgents: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d agents, want 1", n)
	}

	got, err := db.GetAgent(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != AgentDisconnected {
		t.Errorf("stale agent status = %q, want %q", got.Status, AgentDisconnected)
	}

	got, err = db.GetAgent(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != AgentConnected {
		t.Errorf("fresh agent status = %q, want %q", got.Status, AgentConnected)
	}
}

func TestTouchAgentReconnects(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, _ := db.CreateSession(ctx, "s", "alice")
	a, err := db.RegisterAgent(ctx, s.ID, "agent-a", "")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	if _, err := db.Exec(`UPDATE agents SET status = ? WHERE id = ?`, AgentDisconnected, a.ID); err != nil {
		t.Fatalf("disconnect agent: %v", err)
	}
	if err := db.TouchAgent(ctx, a.ID); err != nil {
		t.Fatalf("TouchAgent: %v", err)
	}

	got, err := db.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != AgentConnected {
		t.Errorf("status = %q, want %q after heartbeat", got.Status, AgentConnected)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, _ := db.CreateSession(ctx, "s", "alice")
	a, _ := db.RegisterAgent(ctx, s.ID, "agent-a", "")
	if _, err := db.ClaimPaths(ctx, s.ID, a.ID, []string{"main.go"}, OpWrite, time.Minute); err != nil {
		t.Fatalf("ClaimPaths: %v", err)
	}
	if _, err := db.UpsertProgress(ctx, &TaskProgress{
		SessionID: s.ID, AgentID: a.ID, TaskID: "t1", Status: ProgressStarted,
	}); err != nil {
		t.Fatalf("UpsertProgress: %v", err)
	}

	if err := db.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	for _, table := range []string{"agents", "file_locks", "task_progress"} {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("%s not cascaded: %d rows remain", table, count)
		}
	}
}

func TestEnsureSessionIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s1, err := db.EnsureSession(ctx, "sess-1", "sess-1", "alice")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if s1.Status != SessionActive {
		t.Errorf("expected active session, got %s", s1.Status)
	}

	// A second ensure with a different owner does not steal the session.
	s2, err := db.EnsureSession(ctx, "sess-1", "other-name", "bob")
	if err != nil {
		t.Fatalf("EnsureSession again: %v", err)
	}
	if s2.OwnerID != "alice" {
		t.Errorf("expected original owner alice, got %s", s2.OwnerID)
	}
}

func TestEnsureAgentUpsertsAndReconnects(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.EnsureSession(ctx, "sess-1", "sess-1", "alice"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	a, err := db.EnsureAgent(ctx, "agent-a", "sess-1", "agent-a")
	if err != nil {
		t.Fatalf("EnsureAgent: %v", err)
	}
	if a.Status != AgentConnected {
		t.Errorf("expected connected, got %s", a.Status)
	}

	// Disconnected agents come back on their next contact.
	if _, err := db.MarkStaleAgents(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MarkStaleAgents: %v", err)
	}
	a, err = db.EnsureAgent(ctx, "agent-a", "sess-1", "agent-a")
	if err != nil {
		t.Fatalf("EnsureAgent reconnect: %v", err)
	}
	if a.Status != AgentConnected {
		t.Errorf("expected reconnected agent, got %s", a.Status)
	}
}

func TestEnsureAgentOnClosedSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.EnsureSession(ctx, "sess-1", "sess-1", "alice"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := db.CloseSession(ctx, "sess-1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	_, err := db.EnsureAgent(ctx, "agent-a", "sess-1", "agent-a")
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestCloseInactiveSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	idle, err := db.CreateSession(ctx, "idle", "alice")
	if err != nil {
		t.Fatalf("CreateSession idle: %v", err)
	}
	busy, err := db.CreateSession(ctx, "busy", "alice")
	if err != nil {
		t.Fatalf("CreateSession busy: %v", err)
	}
	fresh, err := db.CreateSession(ctx, "fresh", "alice")
	if err != nil {
		t.Fatalf("CreateSession fresh: %v", err)
	}

	old := time.Now().Add(-3 * time.Hour).UnixMilli()
	for _, id := range []string{idle.ID, busy.ID} {
		if _, err := db.Exec(`UPDATE sessions SET created_at = ? WHERE id = ?`, old, id); err != nil {
			t.Fatalf("age session: %v", err)
		}
	}
	a, err := db.RegisterAgent(ctx, idle.ID, "a", "")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := db.Exec(`UPDATE agents SET last_activity = ? WHERE id = ?`, old, a.ID); err != nil {
		t.Fatalf("age agent: %v", err)
	}
	if _, err := db.RegisterAgent(ctx, busy.ID, "b", ""); err != nil {
		t.Fatalf("RegisterAgent busy: %v", err)
	}

	n, err := db.CloseInactiveSessions(ctx, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("CloseInactiveSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("closed %d sessions, want 1", n)
	}

	for _, tc := range []struct {
		id   string
		want string
	}{
		{idle.ID, SessionClosed},
		{busy.ID, SessionActive},  // its agent is still active
		{fresh.ID, SessionActive}, // agentless but younger than the cutoff
	} {
		s, err := db.GetSession(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetSession(%s): %v", tc.id, err)
		}
		if s.Status != tc.want {
			t.Errorf("session %s status = %q, want %q", s.Name, s.Status, tc.want)
		}
	}

	// The sweep is idempotent.
	n, err = db.CloseInactiveSessions(ctx, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("CloseInactiveSessions again: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep closed %d sessions, want 0", n)
	}
}
