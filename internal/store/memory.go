package store

import (
	"context"
	"sync"
	"time"

	"chorus/internal/types"
)

// MemoryStore is the in-memory context store. It mirrors SQLiteStore's
// semantics (session TTL, idempotent history appends) and backs tests and
// no-persistence deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]memorySession
	users    map[string]types.UserContext
	history  map[string]map[historyKey]struct{} // userID -> recorded appends

	// now is swappable so expiry tests don't sleep.
	now func() time.Time
}

type memorySession struct {
	state     types.SessionState
	expiresAt time.Time
}

type historyKey struct {
	sessionID  string
	turnNumber int
}

// NewMemoryStore creates an in-memory store with the given session TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]memorySession),
		users:    make(map[string]types.UserContext),
		history:  make(map[string]map[historyKey]struct{}),
		now:      time.Now,
	}
}

// LoadSession returns the session state, or found=false when missing/expired.
func (s *MemoryStore) LoadSession(_ context.Context, sessionID string) (types.SessionState, bool, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	if !ok || !s.now().Before(entry.expiresAt) {
		return types.SessionState{}, false, nil
	}
	// Copy slices so callers cannot mutate stored state.
	out := entry.state
	out.Messages = append([]types.MessageSummary(nil), entry.state.Messages...)
	out.ActiveWorkers = append([]string(nil), entry.state.ActiveWorkers...)
	return out, true, nil
}

// SaveSession upserts the state and resets its TTL.
func (s *MemoryStore) SaveSession(_ context.Context, state types.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.SessionID] = memorySession{
		state:     state,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// LoadUserContext returns the user's context, empty-but-valid on first touch.
func (s *MemoryStore) LoadUserContext(_ context.Context, userID string) (types.UserContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return types.NewUserContext(userID), nil
	}
	// Copy slices so callers cannot mutate stored state.
	out := user
	out.History = append([]types.HistoryEntry(nil), user.History...)
	out.Artifacts = append([]string(nil), user.Artifacts...)
	return out, nil
}

// SaveUserContext merges with append-only, idempotent semantics.
func (s *MemoryStore) SaveUserContext(_ context.Context, user types.UserContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.users[user.UserID]
	if !ok {
		stored = types.NewUserContext(user.UserID)
	}
	stored.Profile = user.Profile
	stored.Preferences = user.Preferences

	recorded := s.history[user.UserID]
	if recorded == nil {
		recorded = make(map[historyKey]struct{})
		s.history[user.UserID] = recorded
	}
	for _, entry := range user.History {
		key := historyKey{sessionID: entry.SessionID, turnNumber: entry.TurnNumber}
		if _, dup := recorded[key]; dup {
			continue
		}
		recorded[key] = struct{}{}
		stored.History = append(stored.History, entry)
	}

	seen := make(map[string]struct{}, len(stored.Artifacts))
	for _, a := range stored.Artifacts {
		seen[a] = struct{}{}
	}
	for _, a := range user.Artifacts {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		stored.Artifacts = append(stored.Artifacts, a)
	}

	s.users[user.UserID] = stored
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
