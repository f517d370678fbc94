package store

import (
	"context"
	"testing"
	"time"

	"github.com/kanflow/fleet/internal/model"
)

func newTestSession(id string) *model.Session {
	return &model.Session{
		SessionID:   id,
		SessionName: "s-" + id,
		Status:      model.SessionPending,
		CreatedAt:   time.Now(),
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateSession(ctx, newTestSession("s1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.CreateSession(ctx, newTestSession("s1")); err == nil {
		t.Fatal("expected conflict on duplicate session id")
	}
}

func TestBindWriteOnce(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.CreateSession(ctx, newTestSession("s1"))

	if err := m.Bind(ctx, "s1", "exec-1", "", "", "/proj"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	aff, err := m.GetAffinity(ctx, "s1")
	if err != nil || !aff.Bound || aff.ExecutorSessionID != "exec-1" {
		t.Fatalf("unexpected affinity: %+v err=%v", aff, err)
	}

	if err := m.Bind(ctx, "s1", "exec-1", "", "", "/proj"); err != nil {
		t.Fatalf("idempotent rebind with same id should succeed: %v", err)
	}

	if err := m.Bind(ctx, "s1", "exec-2", "", "", "/proj"); err == nil {
		t.Fatal("expected conflict rebinding with a different executor session id")
	}
}

func TestAppendEventRejectedAfterTerminal(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.CreateSession(ctx, newTestSession("s1"))
	m.Bind(ctx, "s1", "exec-1", "", "", "")

	err := m.AppendEvent(ctx, &model.Event{
		SessionID: "s1",
		Type:      model.EventRunCompleted,
		Timestamp: time.Now(),
		Payload:   map[string]any{"result": "hi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = m.AppendEvent(ctx, &model.Event{
		SessionID: "s1",
		Type:      model.EventMessage,
		Timestamp: time.Now(),
	})
	if err == nil {
		t.Fatal("expected session_terminal error for event after terminal")
	}

	result, err := m.GetResult(ctx, "s1")
	if err != nil || result != "hi" {
		t.Fatalf("unexpected result: %q err=%v", result, err)
	}
}

func TestGetResultNotFinished(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.CreateSession(ctx, newTestSession("s1"))

	if _, err := m.GetResult(ctx, "s1"); err == nil {
		t.Fatal("expected not_finished error")
	}
}

func TestGetByNameMostRecent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	older := newTestSession("s1")
	older.SessionName = "dup"
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTestSession("s2")
	newer.SessionName = "dup"
	newer.CreatedAt = time.Now()

	m.CreateSession(ctx, older)
	m.CreateSession(ctx, newer)

	got, err := m.GetByName(ctx, "dup")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SessionID != "s2" {
		t.Fatalf("expected most recent session s2, got %s", got.SessionID)
	}
}

func TestListFilterAndPagination(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s := newTestSession(string(rune('a' + i)))
		s.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		m.CreateSession(ctx, s)
	}

	all, err := m.List(ctx, ListFilter{})
	if err != nil || len(all) != 5 {
		t.Fatalf("expected 5 sessions, got %d err=%v", len(all), err)
	}

	page, err := m.List(ctx, ListFilter{Limit: 2, Offset: 1})
	if err != nil || len(page) != 2 {
		t.Fatalf("expected 2 sessions in page, got %d err=%v", len(page), err)
	}
	if page[0].SessionID != all[1].SessionID {
		t.Fatalf("expected offset to skip the first result")
	}
}
