package types

import (
	"errors"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
// Only input errors surface to the caller as hard failures, and only before
// any work begins. Every other condition is absorbed into a still-successful
// reply with degraded content; those conditions are logged, never silent.

var (
	// ErrUnsupportedChannel rejects input whose channel hint is unknown.
	ErrUnsupportedChannel = errors.New("unsupported channel")

	// ErrMalformedInput rejects input whose required fields cannot be
	// extracted. Raised before any state mutation.
	ErrMalformedInput = errors.New("malformed input")

	// ErrRenderUnsupported signals that a channel cannot express the
	// reply's content. The orchestrator falls back to a plain API
	// rendering instead of failing the turn.
	ErrRenderUnsupported = errors.New("render unsupported for channel")

	// ErrNoWorkersForIntent signals that an intent maps to no workers.
	// The orchestrator treats this as a no-op turn routed to the fallback
	// worker, never as a user-visible error.
	ErrNoWorkersForIntent = errors.New("no workers registered for intent")
)

// WorkerErrTimeout is the canonical WorkerResponse.Err value for an
// invocation dropped at its timeout boundary.
const WorkerErrTimeout = "timeout"

// DegradedCondition names an internally-absorbed failure for logging.
type DegradedCondition string

const (
	ClassificationDegraded DegradedCondition = "classification_degraded"
	NoSurvivingResponses   DegradedCondition = "no_surviving_responses"
	PersistenceDegraded    DegradedCondition = "persistence_degraded"
	RenderDegraded         DegradedCondition = "render_degraded"
)
