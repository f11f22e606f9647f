package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"chatserver/pkg/types"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	m, err := NewManager(DefaultConfig(dbPath))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSchemaSeedsDefaultChannel(t *testing.T) {
	m := setupTestManager(t)
	ch, err := m.GetChannelByName(context.Background(), types.DefaultChannelName)
	if err != nil {
		t.Fatalf("expected seeded default channel, got error: %v", err)
	}
	if ch.Description != "General discussion" {
		t.Fatalf("unexpected seeded description: %q", ch.Description)
	}
}

func TestCreateUserUniquenessCaseInsensitive(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateUser(ctx, "Alice", "hash1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.CreateUser(ctx, "alice", "hash2"); err != ErrConflict {
		t.Fatalf("expected ErrConflict on case-insensitive collision, got %v", err)
	}

	u, err := m.GetUserByUsername(ctx, "ALICE")
	if err != nil {
		t.Fatalf("case-insensitive lookup: %v", err)
	}
	if u.Username != "Alice" {
		t.Fatalf("expected original display casing 'Alice', got %q", u.Username)
	}
}

func TestConcurrentCreateUserYieldsOneWinner(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	names := []string{"Bob", "bob"}
	for _, n := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := m.CreateUser(ctx, name, "hash")
			results <- err
		}(n)
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch err {
		case nil:
			successes++
		case ErrConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one success and one conflict, got successes=%d conflicts=%d", successes, conflicts)
	}
}

func TestMessageHistoryOrdering(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	uid, err := m.CreateUser(ctx, "alice", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	ch, err := m.GetChannelByName(ctx, types.DefaultChannelName)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}

	var lastID int64
	for i := 0; i < 5; i++ {
		msg, err := m.SaveMessage(ctx, ch.ID, uid, "hello", types.MessageKindChat)
		if err != nil {
			t.Fatalf("save message %d: %v", i, err)
		}
		if msg.ID <= lastID {
			t.Fatalf("expected strictly increasing ids, got %d after %d", msg.ID, lastID)
		}
		lastID = msg.ID
	}

	history, err := m.GetMessageHistory(ctx, ch.ID, 50)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].ID <= history[i-1].ID {
			t.Fatalf("expected ascending ids in history, got %d then %d", history[i-1].ID, history[i].ID)
		}
		if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Fatalf("expected non-decreasing timestamps in history")
		}
	}
}

func TestSessionValidateAndPrune(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	uid, err := m.CreateUser(ctx, "carol", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := m.CreateSession(ctx, "tok123", uid); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, ok, err := m.ValidateSession(ctx, "tok123")
	if err != nil || !ok || got != uid {
		t.Fatalf("expected valid session for uid %d, got ok=%v uid=%d err=%v", uid, ok, got, err)
	}

	if _, ok, err := m.ValidateSession(ctx, "doesnotexist"); err != nil || ok {
		t.Fatalf("expected unknown token to be invalid, got ok=%v err=%v", ok, err)
	}

	pruned, err := m.PruneExpiredSessions(ctx)
	if err != nil || pruned != 0 {
		t.Fatalf("expected prune to keep the unexpired session, got pruned=%d err=%v", pruned, err)
	}
}
