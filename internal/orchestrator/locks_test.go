package orchestrator

import (
	"sync"
	"testing"
	"time"
)

func TestSessionLocksMutualExclusion(t *testing.T) {
	locks := newSessionLocks()

	release := locks.acquire("sess-1")

	acquired := make(chan struct{})
	go func() {
		r := locks.acquire("sess-1")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the lock was held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
}

func TestSessionLocksIndependentSessions(t *testing.T) {
	locks := newSessionLocks()

	releaseA := locks.acquire("sess-a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := locks.acquire("sess-b")
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on one session blocked another session")
	}
}

func TestSessionLocksCleanUpAfterRelease(t *testing.T) {
	locks := newSessionLocks()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.acquire("sess-busy")
			release()
		}()
	}
	wg.Wait()

	locks.mu.Lock()
	remaining := len(locks.locks)
	locks.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected empty lock table after all releases, got %d entries", remaining)
	}
}
