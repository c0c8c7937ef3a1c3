package logging

import (
	"testing"
	"time"
)

func TestInitializeRejectsUnknownLevel(t *testing.T) {
	if err := Initialize(Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestInitializeAndLog(t *testing.T) {
	if err := Initialize(Options{Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer Sync()

	// Must not panic on any helper.
	Boot("starting %s", "test")
	OrchestratorDebug("turn %d", 1)
	Get(CategoryStore).Warn("slow query: %v", time.Millisecond)
}

func TestCategoryDisable(t *testing.T) {
	err := Initialize(Options{
		Level:      "debug",
		Categories: map[string]bool{"compiler": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsCategoryEnabled(CategoryCompiler) {
		t.Error("compiler category should be disabled")
	}
	if !IsCategoryEnabled(CategoryStore) {
		t.Error("unlisted categories default to enabled")
	}

	// Disabled categories return inert loggers, not nil.
	l := Get(CategoryCompiler)
	if l == nil {
		t.Fatal("Get returned nil for disabled category")
	}
	l.Info("should be dropped")
}

func TestUninitializedFacadeIsNoOp(t *testing.T) {
	mu.Lock()
	root = nil
	loggers = make(map[Category]*Logger)
	enabled = nil
	mu.Unlock()

	// Logging before Initialize must be safe.
	Workers("worker %s done", "w1")
	StartTimer(CategoryWorkers, "op").Stop()
}
