package orchestrator

import (
	"sync"
)

// sessionLocks provides one mutual-exclusion lock per session id. Locks are
// refcounted and removed when the last holder releases, so idle sessions
// cost nothing. Turns on different sessions never contend.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the lock for sessionID is held and returns the
// release function.
func (s *sessionLocks) acquire(sessionID string) func() {
	s.mu.Lock()
	entry, ok := s.locks[sessionID]
	if !ok {
		entry = &sessionLock{}
		s.locks[sessionID] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		s.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}
