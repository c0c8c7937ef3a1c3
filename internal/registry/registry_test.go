package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"chorus/internal/types"
)

func echoWorker(text string, confidence float64) WorkerFunc {
	return func(_ context.Context, _ types.Turn, _ types.EnrichedContext) (types.WorkerResponse, error) {
		return types.WorkerResponse{Text: text, Confidence: &confidence}, nil
	}
}

func TestResolveUnknownIntent(t *testing.T) {
	r := New(time.Second, nil)
	_, err := r.Resolve("nonexistent")
	if !errors.Is(err, types.ErrNoWorkersForIntent) {
		t.Fatalf("expected ErrNoWorkersForIntent, got %v", err)
	}
}

func TestResolveDefaultsTimeouts(t *testing.T) {
	r := New(7*time.Second, nil)
	r.SetRoutes(map[string][]types.WorkerDescriptor{
		"status": {
			{ID: "fast", Timeout: time.Second},
			{ID: "unset"},
		},
	})

	descs, err := r.Resolve("status")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if descs[0].Timeout != time.Second {
		t.Errorf("explicit timeout overwritten: %v", descs[0].Timeout)
	}
	if descs[1].Timeout != 7*time.Second {
		t.Errorf("default timeout not applied: %v", descs[1].Timeout)
	}
}

func TestResolveCopiesDescriptors(t *testing.T) {
	r := New(time.Second, nil)
	r.SetRoutes(map[string][]types.WorkerDescriptor{
		"status": {{ID: "w"}},
	})

	descs, _ := r.Resolve("status")
	descs[0].ID = "mutated"

	again, _ := r.Resolve("status")
	if again[0].ID != "w" {
		t.Error("mutating resolved descriptors leaked into the routing table")
	}
}

func TestInvokeSuccess(t *testing.T) {
	r := New(time.Second, nil)
	r.Register("echo", NewFuncInvoker(echoWorker("hello there", 0.8)))

	resp, err := r.Invoke(context.Background(), types.WorkerDescriptor{ID: "echo"}, types.Turn{}, types.EnrichedContext{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Failed() {
		t.Fatalf("unexpected failure: %s", resp.Err)
	}
	if resp.WorkerID != "echo" {
		t.Errorf("worker id not filled: %q", resp.WorkerID)
	}
	if resp.ProducedAt.IsZero() {
		t.Error("produced-at not filled")
	}
	if resp.Text != "hello there" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestInvokeTimeoutBecomesResponse(t *testing.T) {
	r := New(time.Second, nil)
	r.Register("slow", NewFuncInvoker(func(ctx context.Context, _ types.Turn, _ types.EnrichedContext) (types.WorkerResponse, error) {
		<-ctx.Done()
		return types.WorkerResponse{}, ctx.Err()
	}))

	start := time.Now()
	resp, err := r.Invoke(context.Background(),
		types.WorkerDescriptor{ID: "slow", Timeout: 50 * time.Millisecond},
		types.Turn{}, types.EnrichedContext{})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("timeouts must convert to responses, got error %v", err)
	}
	if resp.Err != types.WorkerErrTimeout {
		t.Errorf("Err = %q, want %q", resp.Err, types.WorkerErrTimeout)
	}
	if resp.WorkerID != "slow" {
		t.Errorf("worker id = %q", resp.WorkerID)
	}
	if elapsed > time.Second {
		t.Errorf("Invoke took %v, should return near the 50ms budget", elapsed)
	}
}

func TestInvokeHungWorkerDoesNotBlockCaller(t *testing.T) {
	// This worker never checks its context. Invoke must still return at the
	// deadline and leave the straggler to finish on its own.
	r := New(time.Second, nil)
	workerDone := make(chan struct{})
	r.Register("hung", NewFuncInvoker(func(_ context.Context, _ types.Turn, _ types.EnrichedContext) (types.WorkerResponse, error) {
		defer close(workerDone)
		time.Sleep(300 * time.Millisecond)
		return types.WorkerResponse{Text: "too late"}, nil
	}))

	start := time.Now()
	resp, err := r.Invoke(context.Background(),
		types.WorkerDescriptor{ID: "hung", Timeout: 50 * time.Millisecond},
		types.Turn{}, types.EnrichedContext{})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("timeouts must convert to responses, got error %v", err)
	}
	if resp.Err != types.WorkerErrTimeout {
		t.Errorf("Err = %q, want %q", resp.Err, types.WorkerErrTimeout)
	}
	if resp.Text != "" {
		t.Errorf("late result leaked into the response: %q", resp.Text)
	}
	if elapsed >= 300*time.Millisecond {
		t.Errorf("Invoke took %v, blocked on a worker that ignores cancellation", elapsed)
	}

	// The straggler's send must be absorbed, not abandoned mid-send.
	select {
	case <-workerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("hung worker never finished")
	}
}

func TestInvokeWorkerErrorBecomesResponse(t *testing.T) {
	r := New(time.Second, nil)
	r.Register("broken", NewFuncInvoker(func(_ context.Context, _ types.Turn, _ types.EnrichedContext) (types.WorkerResponse, error) {
		return types.WorkerResponse{}, errors.New("backend unavailable")
	}))

	resp, err := r.Invoke(context.Background(), types.WorkerDescriptor{ID: "broken"}, types.Turn{}, types.EnrichedContext{})
	if err != nil {
		t.Fatalf("worker errors must convert to responses, got error %v", err)
	}
	if !resp.Failed() || resp.Err != "backend unavailable" {
		t.Errorf("Err = %q, want the worker's failure text", resp.Err)
	}
}

func TestInvokeWithoutInvoker(t *testing.T) {
	r := New(time.Second, nil)

	resp, err := r.Invoke(context.Background(), types.WorkerDescriptor{ID: "ghost"}, types.Turn{}, types.EnrichedContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Failed() {
		t.Error("descriptor with no invoker should fail its response")
	}
}

func TestRegisterBuiltinsEnsuresRoutes(t *testing.T) {
	r := New(time.Second, nil)
	routes := RegisterBuiltins(r, nil, "clarify", "fallback")

	if len(routes["clarify"]) != 1 || routes["clarify"][0].ID != WorkerClarification {
		t.Errorf("clarification route missing: %v", routes["clarify"])
	}
	if len(routes["fallback"]) != 1 || routes["fallback"][0].ID != WorkerFallback {
		t.Errorf("fallback route missing: %v", routes["fallback"])
	}
	r.SetRoutes(routes)

	descs, err := r.Resolve("fallback")
	if err != nil {
		t.Fatalf("fallback intent unresolvable: %v", err)
	}
	resp, err := r.Invoke(context.Background(), descs[0], types.Turn{Text: "hm"}, types.EnrichedContext{})
	if err != nil || resp.Failed() {
		t.Fatalf("builtin fallback worker failed: %v %s", err, resp.Err)
	}
	if resp.Text == "" {
		t.Error("builtin fallback produced no text")
	}
}

func TestRegisterBuiltinsKeepsExistingRoutes(t *testing.T) {
	r := New(time.Second, nil)
	existing := map[string][]types.WorkerDescriptor{
		"clarify": {{ID: "custom-clarifier"}},
	}
	routes := RegisterBuiltins(r, existing, "clarify", "fallback")
	if routes["clarify"][0].ID != "custom-clarifier" {
		t.Errorf("custom clarification route overwritten: %v", routes["clarify"])
	}
}
