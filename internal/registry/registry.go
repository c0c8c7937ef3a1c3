// Package registry maps intents to invocable worker handlers and performs
// single worker invocations under per-worker timeouts. Workers are described
// by descriptors, never by concrete types: in-process handlers and networked
// workers are both reached through the WorkerInvoker interface.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chorus/internal/logging"
	"chorus/internal/types"
)

// Registry resolves intents to worker descriptors and dispatches invocations.
type Registry struct {
	mu             sync.RWMutex
	routes         map[string][]types.WorkerDescriptor
	invokers       map[string]types.WorkerInvoker // workerID -> in-process invoker
	remote         types.WorkerInvoker            // invoker for descriptors with an endpoint
	defaultTimeout time.Duration
}

// New creates a registry. remote handles descriptors that carry an endpoint;
// pass nil to reject networked descriptors.
func New(defaultTimeout time.Duration, remote types.WorkerInvoker) *Registry {
	return &Registry{
		routes:         make(map[string][]types.WorkerDescriptor),
		invokers:       make(map[string]types.WorkerInvoker),
		remote:         remote,
		defaultTimeout: defaultTimeout,
	}
}

// Register binds an in-process invoker to a worker id.
func (r *Registry) Register(workerID string, invoker types.WorkerInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[workerID] = invoker
	logging.RegistryDebug("registered in-process worker %s", workerID)
}

// SetRoutes replaces the intent routing table. Called at boot and on config
// reload; descriptors are copied so later map mutation cannot race readers.
func (r *Registry) SetRoutes(routes map[string][]types.WorkerDescriptor) {
	copied := make(map[string][]types.WorkerDescriptor, len(routes))
	for intent, descs := range routes {
		copied[intent] = append([]types.WorkerDescriptor(nil), descs...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = copied
	logging.Registry("routing table updated: %d intents", len(copied))
}

// Resolve returns the ordered workers eligible for an intent, each with its
// timeout defaulted when unspecified. Fails with types.ErrNoWorkersForIntent
// when the intent maps to nothing; the orchestrator then routes to the
// fallback worker instead of erroring to the user.
func (r *Registry) Resolve(intent string) ([]types.WorkerDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs, ok := r.routes[intent]
	if !ok || len(descs) == 0 {
		return nil, fmt.Errorf("%w: %q", types.ErrNoWorkersForIntent, intent)
	}

	out := make([]types.WorkerDescriptor, len(descs))
	copy(out, descs)
	for i := range out {
		if out[i].Timeout <= 0 {
			out[i].Timeout = r.defaultTimeout
		}
	}
	return out, nil
}

// Invoke performs one synchronous worker call bounded by the descriptor's
// timeout. A worker that exceeds its budget yields
// WorkerResponse{Err: "timeout"} immediately; the invocation goroutine is
// left to drain on its own so one hung worker never blocks the caller.
func (r *Registry) Invoke(ctx context.Context, desc types.WorkerDescriptor, turn types.Turn, enriched types.EnrichedContext) (types.WorkerResponse, error) {
	invoker := r.invokerFor(desc)
	if invoker == nil {
		return types.WorkerResponse{
			WorkerID:   desc.ID,
			ProducedAt: time.Now(),
			Err:        "no invoker available",
		}, nil
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryWorkers, "invoke "+desc.ID)

	type result struct {
		resp types.WorkerResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := invoker.Invoke(callCtx, desc, turn, enriched)
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		timer.StopWithThreshold(timeout / 2)
		if res.err != nil {
			logging.Get(logging.CategoryWorkers).Warn("worker %s failed: %v", desc.ID, res.err)
			return types.WorkerResponse{
				WorkerID:   desc.ID,
				ProducedAt: time.Now(),
				Err:        res.err.Error(),
			}, nil
		}
		resp := res.resp
		if resp.WorkerID == "" {
			resp.WorkerID = desc.ID
		}
		if resp.ProducedAt.IsZero() {
			resp.ProducedAt = time.Now()
		}
		return resp, nil
	case <-callCtx.Done():
		timer.Stop()
		logging.Get(logging.CategoryWorkers).Warn("worker %s timed out after %v", desc.ID, timeout)
		return types.WorkerResponse{
			WorkerID:   desc.ID,
			ProducedAt: time.Now(),
			Err:        types.WorkerErrTimeout,
		}, nil
	}
}

func (r *Registry) invokerFor(desc types.WorkerDescriptor) types.WorkerInvoker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if invoker, ok := r.invokers[desc.ID]; ok {
		return invoker
	}
	if desc.Endpoint != "" {
		return r.remote
	}
	return nil
}
