package types

import (
	"context"
)

// =============================================================================
// CAPABILITY INTERFACES
// =============================================================================
// External capabilities the core consumes. Each is injected so tests never
// depend on a real model call or a real worker deployment.

// Classifier resolves an intent for a turn. Implementations may be backed by
// an LLM or a rules engine; the orchestrator only requires this signature
// and bounds the call with its own timeout.
type Classifier interface {
	Classify(ctx context.Context, turn Turn, enriched EnrichedContext) (intent string, confidence float64, err error)
}

// WorkerInvoker performs a single synchronous call to one worker's
// invocation boundary. Implementations must honor ctx cancellation; the
// registry converts deadline expiry into WorkerResponse{Err: "timeout"}.
type WorkerInvoker interface {
	Invoke(ctx context.Context, desc WorkerDescriptor, turn Turn, enriched EnrichedContext) (WorkerResponse, error)
}

// ContextStore manages ephemeral session state and durable user context.
type ContextStore interface {
	// LoadSession returns found=false (not an error) when the session has
	// expired or never existed; the caller initializes a fresh state.
	LoadSession(ctx context.Context, sessionID string) (SessionState, bool, error)

	// SaveSession upserts the state and resets its TTL to now + idle window.
	// Called exactly once per turn, after the reply has been compiled.
	SaveSession(ctx context.Context, state SessionState) error

	// LoadUserContext returns an empty-but-valid context when the user has
	// never been seen; "not found" is never an error.
	LoadUserContext(ctx context.Context, userID string) (UserContext, error)

	// SaveUserContext merges with append-only semantics. A duplicate append
	// for an already-recorded (sessionID, turnNumber) is a no-op, which
	// makes retried turns safe.
	SaveUserContext(ctx context.Context, user UserContext) error

	// Close releases store resources.
	Close() error
}
