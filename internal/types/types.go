// Package types provides shared type definitions used across chorus packages.
// This package exists to break import cycles between the orchestrator, the
// compiler, and the adapters. Types here are foundational data structures
// with no dependencies on other chorus packages.
package types

import (
	"time"
)

// =============================================================================
// CHANNEL TYPES
// =============================================================================

// ChannelType identifies the inbound/outbound channel of a conversation.
type ChannelType string

const (
	ChannelVoice ChannelType = "voice"
	ChannelChat  ChannelType = "chat"
	ChannelAPI   ChannelType = "api"
)

// Valid reports whether the channel type is one of the recognized values.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelVoice, ChannelChat, ChannelAPI:
		return true
	}
	return false
}

// =============================================================================
// TURN - Normalized inbound message
// =============================================================================

// Turn is one normalized inbound user message. It is created by the channel
// adapter, is immutable after creation, and is consumed by the orchestrator.
type Turn struct {
	SessionID   string                 `json:"session_id"`
	UserID      string                 `json:"user_id"`
	Channel     ChannelType            `json:"channel"`
	Text        string                 `json:"text"`
	ReceivedAt  time.Time              `json:"received_at"`
	RawMetadata map[string]interface{} `json:"raw_metadata,omitempty"`
}

// =============================================================================
// SESSION STATE - Ephemeral per-conversation state
// =============================================================================

// MessageSummary is one entry in a session's ordered message log. Both user
// turns and compiled replies are recorded this way; full payloads are never
// retained in session state.
type MessageSummary struct {
	Role       string    `json:"role"` // "user" or "assistant"
	Summary    string    `json:"summary"`
	TurnNumber int       `json:"turn_number"`
	At         time.Time `json:"at"`
}

// SessionState is the ephemeral per-conversation state. It is created on the
// first turn of a session, updated by the orchestrator after every turn
// (never by workers), and expires after a configurable idle period.
//
// Exactly one writer at a time per SessionID: the orchestrator serializes
// writes under a per-session lock during its persist step.
type SessionState struct {
	SessionID     string           `json:"session_id"`
	Messages      []MessageSummary `json:"messages"` // ordered, newest last
	ActiveWorkers []string         `json:"active_workers"`
	Channel       ChannelType      `json:"channel"`
	TurnNumber    int              `json:"turn_number"`
	LastTouchedAt time.Time        `json:"last_touched_at"`

	// Degraded marks that the previous turn's persist failed and the next
	// turn must do a full context reload instead of trusting cached state.
	Degraded bool `json:"degraded,omitempty"`
}

// NewSessionState initializes a fresh session for the given id and channel.
func NewSessionState(sessionID string, channel ChannelType) SessionState {
	return SessionState{
		SessionID:     sessionID,
		Channel:       channel,
		LastTouchedAt: time.Now(),
	}
}

// =============================================================================
// USER CONTEXT - Durable per-user state
// =============================================================================

// HistoryEntry is one append-only record of a past turn. Entries are
// idempotent per (SessionID, TurnNumber): appending the same key twice
// results in exactly one stored entry.
type HistoryEntry struct {
	SessionID  string    `json:"session_id"`
	TurnNumber int       `json:"turn_number"`
	Summary    string    `json:"summary"`
	At         time.Time `json:"at"`
}

// UserContext is the durable per-user state. It is created on a user's first
// interaction and updated after each turn; history is append-only and the
// record is never deleted automatically.
type UserContext struct {
	UserID      string                 `json:"user_id"`
	Profile     map[string]interface{} `json:"profile,omitempty"`
	History     []HistoryEntry         `json:"history,omitempty"`
	Artifacts   []string               `json:"artifacts,omitempty"`
	Preferences map[string]string      `json:"preferences,omitempty"`
}

// NewUserContext returns an empty-but-valid context for a first-touch user.
func NewUserContext(userID string) UserContext {
	return UserContext{UserID: userID}
}

// =============================================================================
// ENRICHED CONTEXT - Bounded per-turn summary
// =============================================================================

// EnrichedContext is a small, bounded summary of session and user history
// relevant to the current turn. It is produced by a pure function, fed to
// classification and workers, and never persisted.
type EnrichedContext struct {
	SessionID      string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	TurnNumber     int               `json:"turn_number"`
	RecentMessages []MessageSummary  `json:"recent_messages,omitempty"`
	RelevantPast   []HistoryEntry    `json:"relevant_past,omitempty"`
	Preferences    map[string]string `json:"preferences,omitempty"`
	Artifacts      []string          `json:"artifacts,omitempty"`
	Degraded       bool              `json:"degraded,omitempty"`
}

// =============================================================================
// WORKER RESPONSE - Output of one worker for one turn
// =============================================================================

// WorkerResponse is the output of one worker invocation for one turn. It is
// consumed exactly once by the response compiler and then discarded; only
// the compiled reply and artifact references outlive compilation.
type WorkerResponse struct {
	WorkerID     string    `json:"worker_id"`
	Text         string    `json:"text"`
	Confidence   *float64  `json:"confidence,omitempty"` // 0-1, nil when the worker reports none
	ProducedAt   time.Time `json:"produced_at"`
	ArtifactRefs []string  `json:"artifact_refs,omitempty"`
	Err          string    `json:"error,omitempty"` // "timeout" or a worker failure description
}

// Failed reports whether this response carries an error instead of content.
func (r WorkerResponse) Failed() bool {
	return r.Err != ""
}

// ConfidenceOrZero returns the confidence value, treating absent as 0.
func (r WorkerResponse) ConfidenceOrZero() float64 {
	if r.Confidence == nil {
		return 0
	}
	return *r.Confidence
}

// =============================================================================
// REPLY - The single compiled output
// =============================================================================

// Reply is the single compiled, channel-rendered output for one turn.
type Reply struct {
	SessionID           string    `json:"session_id"`
	Text                string    `json:"text"`
	ChannelPayload      []byte    `json:"channel_payload,omitempty"`
	ContributingWorkers []string  `json:"contributing_workers"`
	CompiledAt          time.Time `json:"compiled_at"`

	// Sections carries each surviving worker's text in contributor order.
	// Renderers that attribute content to its source consume this instead of
	// re-splitting Text, which is lossy when a worker's text spans paragraphs.
	Sections []ReplySection `json:"sections,omitempty"`
}

// ReplySection is one worker's contribution to a compiled reply.
type ReplySection struct {
	WorkerID string `json:"worker_id"`
	Text     string `json:"text"`
}

// =============================================================================
// CONFLICT - Contradiction between worker responses
// =============================================================================

// ConflictResolution names the rule that decided a conflict.
type ConflictResolution string

const (
	ResolutionAuthoritative     ConflictResolution = "authoritative"
	ResolutionHighestConfidence ConflictResolution = "highest-confidence"
	ResolutionMostRecent        ConflictResolution = "most-recent"
)

// Conflict is a detected contradiction between two or more worker responses
// on the same factual claim. Conflicts are created and consumed entirely
// within one compiler invocation and never persisted.
type Conflict struct {
	ClaimKey      string
	Candidates    map[string]string // workerID -> claimed value
	Resolution    ConflictResolution
	ResolvedValue string
}

// =============================================================================
// WORKER DESCRIPTOR - Registry entry
// =============================================================================

// WorkerDescriptor describes one invocable worker for an intent. The registry
// maps intents to descriptors, never to concrete worker types.
type WorkerDescriptor struct {
	// ID uniquely identifies the worker.
	ID string `yaml:"id" json:"id"`

	// Endpoint is the worker's invocation address for networked workers.
	// Empty for in-process workers.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Timeout bounds one invocation. Zero means the configured default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// AuthoritativeClaims lists claim keys for which this worker's value
	// wins any conflict outright.
	AuthoritativeClaims []string `yaml:"authoritative_claims,omitempty" json:"authoritative_claims,omitempty"`
}
