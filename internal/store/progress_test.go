package store

import (
	"context"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestUpsertProgressOverwritesInPlace(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, _ := db.CreateSession(ctx, "s", "alice")
	a, _ := db.RegisterAgent(ctx, s.ID, "agent-a", "")

	first, err := db.UpsertProgress(ctx, &TaskProgress{
		SessionID:  s.ID,
		AgentID:    a.ID,
		TaskID:     "task-1",
		Status:     ProgressStarted,
		Percentage: intPtr(0),
		Message:    "starting",
	})
	if err != nil {
		t.Fatalf("UpsertProgress: %v", err)
	}
	if first.Percentage == nil || *first.Percentage != 0 {
		t.Errorf("Percentage = %v, want explicit 0", first.Percentage)
	}

	second, err := db.UpsertProgress(ctx, &TaskProgress{
		SessionID:     s.ID,
		AgentID:       a.ID,
		TaskID:        "task-1",
		Status:        ProgressCompleted,
		Percentage:    intPtr(100),
		Message:       "done",
		AffectedFiles: []string{"main.go", "main_test.go"},
	})
	if err != nil {
		t.Fatalf("UpsertProgress update: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("update created a new row: %s != %s", second.ID, first.ID)
	}
	if second.Status != ProgressCompleted || *second.Percentage != 100 {
		t.Errorf("record = %+v, want completed at 100", second)
	}
	if len(second.AffectedFiles) != 2 {
		t.Errorf("AffectedFiles = %v, want 2 entries", second.AffectedFiles)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
	}

	records, err := db.ListProgress(ctx, s.ID, "")
	if err != nil {
		t.Fatalf("ListProgress: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("len(records) = %d, want 1: upserts must not append", len(records))
	}
}

func TestUpsertProgressNilPercentage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, _ := db.CreateSession(ctx, "s", "alice")
	a, _ := db.RegisterAgent(ctx, s.ID, "agent-a", "")

	rec, err := db.UpsertProgress(ctx, &TaskProgress{
		SessionID: s.ID,
		AgentID:   a.ID,
		TaskID:    "task-1",
		Status:    ProgressBlocked,
		Message:   "waiting on lock",
	})
	if err != nil {
		t.Fatalf("UpsertProgress: %v", err)
	}
	if rec.Percentage != nil {
		t.Errorf("Percentage = %v, want nil for blocked status", rec.Percentage)
	}
}

func TestListProgressPerAgentFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s, _ := db.CreateSession(ctx, "s", "alice")
	a, _ := db.RegisterAgent(ctx, s.ID, "agent-a", "")
	b, _ := db.RegisterAgent(ctx, s.ID, "agent-b", "")

	for _, rec := range []*TaskProgress{
		{SessionID: s.ID, AgentID: a.ID, TaskID: "t1", Status: ProgressInProgress},
		{SessionID: s.ID, AgentID: a.ID, TaskID: "t2", Status: ProgressStarted},
		{SessionID: s.ID, AgentID: b.ID, TaskID: "t1", Status: ProgressCompleted},
	} {
		if _, err := db.UpsertProgress(ctx, rec); err != nil {
			t.Fatalf("UpsertProgress: %v", err)
		}
	}

	all, err := db.ListProgress(ctx, s.ID, "")
	if err != nil {
		t.Fatalf("ListProgress: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want one row per (agent, task) pair = 3", len(all))
	}

	onlyA, err := db.ListProgress(ctx, s.ID, a.ID)
	if err != nil {
		t.Fatalf("ListProgress filtered: %v", err)
	}
	if len(onlyA) != 2 {
		t.Errorf("len(onlyA) = %d, want 2", len(onlyA))
	}
	for _, rec := range onlyA {
		if rec.AgentID != a.ID {
			t.Errorf("filtered record has agent %s, want %s", rec.AgentID, a.ID)
		}
	}
}
