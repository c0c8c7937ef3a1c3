package store

import (
	"context"
	"testing"
	"time"

	"chorus/internal/types"
)

func TestMemoryStoreSessionRoundTrip(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	ctx := context.Background()

	_, found, err := s.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if found {
		t.Fatal("expected miss for unknown session")
	}

	state := types.NewSessionState("sess-1", types.ChannelChat)
	state.TurnNumber = 3
	state.Messages = []types.MessageSummary{{Role: "user", Summary: "hello", TurnNumber: 3}}
	if err := s.SaveSession(ctx, state); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	loaded, found, err := s.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if !found {
		t.Fatal("expected hit after save")
	}
	if loaded.TurnNumber != 3 || len(loaded.Messages) != 1 {
		t.Errorf("loaded state mismatch: %+v", loaded)
	}
}

func TestMemoryStoreSessionExpiry(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	if err := s.SaveSession(ctx, types.NewSessionState("sess-ttl", types.ChannelAPI)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	// Still inside the idle window.
	now = now.Add(29 * time.Minute)
	if _, found, _ := s.LoadSession(ctx, "sess-ttl"); !found {
		t.Fatal("session expired before its TTL")
	}

	// Past the idle window.
	now = now.Add(2 * time.Minute)
	if _, found, _ := s.LoadSession(ctx, "sess-ttl"); found {
		t.Fatal("session survived past its TTL")
	}
}

func TestMemoryStoreIdempotentHistoryAppend(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	user := types.NewUserContext("alice")
	user.History = []types.HistoryEntry{{SessionID: "sess-1", TurnNumber: 1, Summary: "asked about orders"}}

	// Same (session, turn) appended twice must store exactly one entry.
	if err := s.SaveUserContext(ctx, user); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := s.SaveUserContext(ctx, user); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := s.LoadUserContext(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadUserContext failed: %v", err)
	}
	if len(loaded.History) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(loaded.History))
	}
}

func TestMemoryStoreFirstTouchUserIsEmptyValid(t *testing.T) {
	s := NewMemoryStore(time.Hour)

	user, err := s.LoadUserContext(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LoadUserContext failed: %v", err)
	}
	if user.UserID != "nobody" {
		t.Errorf("user id = %q, want nobody", user.UserID)
	}
	if len(user.History) != 0 || len(user.Artifacts) != 0 {
		t.Errorf("first-touch context not empty: %+v", user)
	}
}

func TestMemoryStoreArtifactDedup(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	user := types.NewUserContext("bob")
	user.Artifacts = []string{"doc-1", "doc-2"}
	if err := s.SaveUserContext(ctx, user); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	user.Artifacts = []string{"doc-2", "doc-3"}
	user.History = nil
	if err := s.SaveUserContext(ctx, user); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, _ := s.LoadUserContext(ctx, "bob")
	if len(loaded.Artifacts) != 3 {
		t.Errorf("expected 3 distinct artifacts, got %v", loaded.Artifacts)
	}
}

func TestMemoryStoreLoadSessionCopiesSlices(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	state := types.NewSessionState("sess-copy", types.ChannelChat)
	state.ActiveWorkers = []string{"w1", "w2"}
	state.Messages = []types.MessageSummary{{Role: "user", Summary: "hello", TurnNumber: 1}}
	if err := s.SaveSession(ctx, state); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	first, _, _ := s.LoadSession(ctx, "sess-copy")
	second, _, _ := s.LoadSession(ctx, "sess-copy")

	// Rewrite one load in place the way the turn pipeline reuses capacity.
	first.ActiveWorkers = append(first.ActiveWorkers[:0], "intruder")
	first.Messages[0].Summary = "mutated"

	if len(second.ActiveWorkers) != 2 || second.ActiveWorkers[0] != "w1" || second.ActiveWorkers[1] != "w2" {
		t.Errorf("mutating one load leaked into another: %v", second.ActiveWorkers)
	}
	if second.Messages[0].Summary != "hello" {
		t.Errorf("message summary leaked mutation: %q", second.Messages[0].Summary)
	}

	stored, _, _ := s.LoadSession(ctx, "sess-copy")
	if len(stored.ActiveWorkers) != 2 || stored.ActiveWorkers[0] != "w1" {
		t.Errorf("mutating a loaded session leaked into the store: %v", stored.ActiveWorkers)
	}
}

func TestMemoryStoreLoadCopiesSlices(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	user := types.NewUserContext("carol")
	user.History = []types.HistoryEntry{{SessionID: "s", TurnNumber: 1, Summary: "original"}}
	if err := s.SaveUserContext(ctx, user); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	first, _ := s.LoadUserContext(ctx, "carol")
	first.History[0].Summary = "mutated"

	second, _ := s.LoadUserContext(ctx, "carol")
	if second.History[0].Summary != "original" {
		t.Error("mutating a loaded context leaked into the store")
	}
}
