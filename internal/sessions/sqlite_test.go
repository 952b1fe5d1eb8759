package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/orchestrion/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(&SQLiteConfig{Path: ":memory:", BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{Profile: "default", Title: "hello"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Profile != "default" || got.Title != "hello" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestSQLiteStore_MessageHistoryOrdering(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{Profile: "default"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 5; i++ {
		msg := &models.Message{
			SessionID: session.ID,
			Role:      models.RoleUser,
			Content:   string(rune('a' + i)),
		}
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(history))
	}
	for i, msg := range history {
		want := string(rune('a' + i))
		if msg.Content != want {
			t.Fatalf("message %d out of order: got %q want %q", i, msg.Content, want)
		}
	}

	limited, err := store.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("GetHistory limited: %v", err)
	}
	if len(limited) != 2 || limited[len(limited)-1].Content != "e" {
		t.Fatalf("unexpected limited history: %+v", limited)
	}
}

func TestSQLiteStore_SummaryDepthIncrements(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{Profile: "default"}
	_ = store.Create(ctx, session)

	if s, err := store.GetSummary(ctx, session.ID); err != nil || s != nil {
		t.Fatalf("expected no summary yet, got %+v err=%v", s, err)
	}

	s1, err := store.SaveSummary(ctx, session.ID, "first", time.Now())
	if err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	if s1.SummaryDepth != 0 {
		t.Fatalf("expected depth 0, got %d", s1.SummaryDepth)
	}

	s2, err := store.SaveSummary(ctx, session.ID, "second", time.Now())
	if err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	if s2.SummaryDepth != 1 {
		t.Fatalf("expected depth 1, got %d", s2.SummaryDepth)
	}
}

func TestSQLiteStore_TodosAtomicReplace(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{Profile: "default"}
	_ = store.Create(ctx, session)

	todos := []*models.Todo{
		{Content: "write tests", Status: models.TodoPending, Priority: 1},
		{Content: "ship it", Status: models.TodoInProgress, Priority: 2},
	}
	if err := store.SaveTodos(ctx, session.ID, todos); err != nil {
		t.Fatalf("SaveTodos: %v", err)
	}

	got, err := store.GetTodos(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetTodos: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 todos, got %d", len(got))
	}

	replaced := []*models.Todo{{Content: "only this one", Status: models.TodoCompleted}}
	if err := store.SaveTodos(ctx, session.ID, replaced); err != nil {
		t.Fatalf("SaveTodos replace: %v", err)
	}
	got, err = store.GetTodos(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetTodos: %v", err)
	}
	if len(got) != 1 || got[0].Content != "only this one" {
		t.Fatalf("expected atomic replace, got %+v", got)
	}
}

func TestSQLiteStore_SubSessionUniqueness(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	parent := &models.Session{Profile: "default"}
	_ = store.Create(ctx, parent)

	a1, err := store.CreateSubSession(ctx, parent.ID, "reviewer", "default")
	if err != nil {
		t.Fatalf("CreateSubSession: %v", err)
	}
	a2, err := store.CreateSubSession(ctx, parent.ID, "reviewer", "default")
	if err != nil {
		t.Fatalf("CreateSubSession second call: %v", err)
	}
	if a1.ID != a2.ID {
		t.Fatalf("expected same sub-session ID, got %s vs %s", a1.ID, a2.ID)
	}

	b, err := store.CreateSubSession(ctx, parent.ID, "writer", "default")
	if err != nil {
		t.Fatalf("CreateSubSession other agent: %v", err)
	}
	if b.ID == a1.ID {
		t.Fatal("different agent names must get different sub-sessions")
	}
}
