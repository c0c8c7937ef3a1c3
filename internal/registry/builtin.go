package registry

import (
	"context"
	"fmt"
	"time"

	"chorus/internal/types"
)

// Builtin worker ids. These ship with every deployment so a fresh install
// answers turns before any external workers are routed.
const (
	WorkerClarification = "clarification"
	WorkerFallback      = "fallback"
)

// RegisterBuiltins installs the clarification and fallback workers and
// ensures the clarification/fallback intents route to them.
func RegisterBuiltins(r *Registry, routes map[string][]types.WorkerDescriptor, clarificationIntent, fallbackIntent string) map[string][]types.WorkerDescriptor {
	r.Register(WorkerClarification, NewFuncInvoker(clarificationWorker))
	r.Register(WorkerFallback, NewFuncInvoker(fallbackWorker))

	if routes == nil {
		routes = make(map[string][]types.WorkerDescriptor)
	}
	if len(routes[clarificationIntent]) == 0 {
		routes[clarificationIntent] = []types.WorkerDescriptor{{ID: WorkerClarification}}
	}
	if len(routes[fallbackIntent]) == 0 {
		routes[fallbackIntent] = []types.WorkerDescriptor{{ID: WorkerFallback}}
	}
	return routes
}

// clarificationWorker asks the user to restate an ambiguous request. It is
// the single worker dispatched when classification confidence falls below
// the configured threshold.
func clarificationWorker(_ context.Context, turn types.Turn, _ types.EnrichedContext) (types.WorkerResponse, error) {
	confidence := 1.0
	return types.WorkerResponse{
		Text: fmt.Sprintf("I want to make sure I understand. Could you say more about what you mean by %q?",
			truncate(turn.Text, 80)),
		Confidence: &confidence,
		ProducedAt: time.Now(),
	}, nil
}

// fallbackWorker answers intents that resolve to no workers.
func fallbackWorker(_ context.Context, _ types.Turn, _ types.EnrichedContext) (types.WorkerResponse, error) {
	confidence := 0.1
	return types.WorkerResponse{
		Text:       "I don't have a handler for that yet, but I've noted the request.",
		Confidence: &confidence,
		ProducedAt: time.Now(),
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
