// Package orchestrator coordinates one conversational turn end to end: it
// loads context, classifies intent, dispatches workers in parallel, compiles
// their outputs into one reply, and persists updated context.
//
// Each turn walks the state machine
//
//	LOADING_CONTEXT -> CLASSIFYING -> DISPATCHING -> COMPILING -> PERSISTING -> DONE
//
// Only malformed input fails a turn. Every later condition (classifier down,
// all workers timing out, a persistence write failing) is absorbed into a
// still-successful reply with degraded content, so the user always receives
// a response within the dispatch time budget.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"chorus/internal/channel"
	"chorus/internal/compiler"
	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/registry"
	"chorus/internal/store"
	"chorus/internal/types"

	"golang.org/x/sync/errgroup"
)

// turnState names a step of the per-turn state machine for logging.
type turnState string

const (
	stateLoadingContext turnState = "LOADING_CONTEXT"
	stateClassifying    turnState = "CLASSIFYING"
	stateDispatching    turnState = "DISPATCHING"
	stateCompiling      turnState = "COMPILING"
	statePersisting     turnState = "PERSISTING"
	stateDone           turnState = "DONE"
)

// settings holds the reloadable tunables, snapshotted per turn.
type settings struct {
	classificationTimeout time.Duration
	confidenceThreshold   float64
	defaultIntent         string
	clarificationIntent   string
	fallbackIntent        string
	enrichTopK            int
}

// Orchestrator is the central coordinator for conversational turns.
type Orchestrator struct {
	adapter    *channel.Adapter
	store      types.ContextStore
	registry   *registry.Registry
	compiler   *compiler.Compiler
	classifier types.Classifier

	mu       sync.RWMutex
	settings settings

	// locks serializes PERSISTING per session id.
	locks *sessionLocks

	// degraded marks sessions whose last persist failed; their next turn
	// does a full reload and re-clears the mark. In-memory on purpose:
	// when the store itself failed, the mark cannot live there.
	degradedMu sync.Mutex
	degraded   map[string]bool
}

// New wires an orchestrator from its collaborators.
func New(adapter *channel.Adapter, ctxStore types.ContextStore, reg *registry.Registry, comp *compiler.Compiler, classifier types.Classifier, cfg *config.Config) *Orchestrator {
	o := &Orchestrator{
		adapter:    adapter,
		store:      ctxStore,
		registry:   reg,
		compiler:   comp,
		classifier: classifier,
		locks:      newSessionLocks(),
		degraded:   make(map[string]bool),
	}
	o.ApplyConfig(cfg)
	return o
}

// ApplyConfig installs the tunable settings from cfg. Safe to call from the
// config watcher while turns are in flight.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.mu.Lock()
	o.settings = settings{
		classificationTimeout: cfg.ClassificationTimeout(),
		confidenceThreshold:   cfg.Classify.ConfidenceThreshold,
		defaultIntent:         cfg.Classify.DefaultIntent,
		clarificationIntent:   cfg.Dispatch.ClarificationIntent,
		fallbackIntent:        cfg.Dispatch.FallbackIntent,
		enrichTopK:            cfg.Store.EnrichTopK,
	}
	o.mu.Unlock()

	o.registry.SetRoutes(cfg.Dispatch.Routes)
	o.compiler.SetAuthoritative(authoritativeSources(cfg))
}

// authoritativeSources merges the explicit claim-source table with claims
// declared on worker descriptors. The explicit table wins; descriptor claims
// are applied in sorted intent order so the merge is reproducible.
func authoritativeSources(cfg *config.Config) map[string]string {
	merged := make(map[string]string, len(cfg.Compiler.AuthoritativeClaimSources))
	for key, workerID := range cfg.Compiler.AuthoritativeClaimSources {
		merged[key] = workerID
	}

	intents := make([]string, 0, len(cfg.Dispatch.Routes))
	for intent := range cfg.Dispatch.Routes {
		intents = append(intents, intent)
	}
	sort.Strings(intents)
	for _, intent := range intents {
		for _, desc := range cfg.Dispatch.Routes[intent] {
			for _, key := range desc.AuthoritativeClaims {
				if _, ok := merged[key]; !ok {
					merged[key] = desc.ID
				}
			}
		}
	}
	return merged
}

func (o *Orchestrator) snapshot() settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// HandleTurn is the single inbound operation: normalize, run the turn, and
// render the reply for the turn's channel. Only input errors are returned;
// everything else resolves to a rendered (possibly degraded) reply.
func (o *Orchestrator) HandleTurn(ctx context.Context, raw []byte, channelHint string) ([]byte, error) {
	turn, err := o.adapter.Normalize(raw, channelHint)
	if err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryOrchestrator, "turn "+turn.SessionID)
	reply := o.runTurn(ctx, turn)
	timer.Stop()

	payload, err := o.adapter.Render(reply, turn.Channel)
	if err != nil {
		if errors.Is(err, types.ErrRenderUnsupported) {
			logging.Get(logging.CategoryOrchestrator).Warn("%s: channel %s cannot express reply, using plain rendering",
				types.RenderDegraded, turn.Channel)
			return channel.RenderPlain(reply)
		}
		// Unsupported channel is impossible after Normalize; plain
		// rendering still beats failing a completed turn.
		logging.Get(logging.CategoryOrchestrator).Error("render failed for session %s: %v", turn.SessionID, err)
		return channel.RenderPlain(reply)
	}
	return payload, nil
}

// runTurn executes the state machine for one normalized turn and always
// produces a reply.
func (o *Orchestrator) runTurn(ctx context.Context, turn types.Turn) types.Reply {
	cfg := o.snapshot()

	// --- LOADING_CONTEXT -------------------------------------------------
	o.logState(turn.SessionID, stateLoadingContext)
	session, user := o.loadContext(ctx, turn)
	enriched := store.Enrich(turn, session, user, cfg.enrichTopK)

	// --- CLASSIFYING -----------------------------------------------------
	o.logState(turn.SessionID, stateClassifying)
	intent := o.classify(ctx, turn, enriched, cfg)

	// --- DISPATCHING -----------------------------------------------------
	o.logState(turn.SessionID, stateDispatching)
	descriptors := o.resolveWorkers(intent, cfg)
	responses := o.dispatch(ctx, descriptors, turn, enriched)

	// --- COMPILING -------------------------------------------------------
	o.logState(turn.SessionID, stateCompiling)
	reply, conflicts := o.compiler.Compile(turn.SessionID, responses)
	if len(conflicts) > 0 {
		logging.Orchestrator("session %s: resolved %d claim conflicts", turn.SessionID, len(conflicts))
	}
	if len(reply.ContributingWorkers) == 0 && len(descriptors) > 0 {
		logging.Get(logging.CategoryOrchestrator).Warn("%s: session %s received the fallback reply",
			types.NoSurvivingResponses, turn.SessionID)
	}

	// --- PERSISTING ------------------------------------------------------
	o.logState(turn.SessionID, statePersisting)
	o.persist(ctx, turn, session, user, descriptors, responses, reply)

	o.logState(turn.SessionID, stateDone)
	return reply
}

// loadContext fetches session state and user context in parallel. Read
// failures never block a turn: the affected context degrades to empty.
func (o *Orchestrator) loadContext(ctx context.Context, turn types.Turn) (types.SessionState, types.UserContext) {
	forceReload := o.clearDegraded(turn.SessionID)
	if forceReload {
		logging.Orchestrator("session %s was marked degraded, forcing full context reload", turn.SessionID)
	}

	var (
		session types.SessionState
		found   bool
		user    types.UserContext
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		session, found, err = o.store.LoadSession(gctx, turn.SessionID)
		if err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("session load failed for %s, proceeding with fresh state: %v",
				turn.SessionID, err)
			found = false
		}
		return nil
	})
	g.Go(func() error {
		var err error
		user, err = o.store.LoadUserContext(gctx, turn.UserID)
		if err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("user context load failed for %s, proceeding with empty context: %v",
				turn.UserID, err)
			user = types.NewUserContext(turn.UserID)
		}
		return nil
	})
	_ = g.Wait() // goroutines only report via logs, never abort the turn

	if !found {
		session = types.NewSessionState(turn.SessionID, turn.Channel)
	}
	return session, user
}

// classify resolves the turn's intent under the classification timeout.
// Failures fall back to the default intent; low confidence routes to the
// clarification worker instead of parallel dispatch.
func (o *Orchestrator) classify(ctx context.Context, turn types.Turn, enriched types.EnrichedContext, cfg settings) string {
	cctx, cancel := context.WithTimeout(ctx, cfg.classificationTimeout)
	defer cancel()

	intent, confidence, err := o.classifier.Classify(cctx, turn, enriched)
	if err != nil {
		logging.Get(logging.CategoryClassify).Warn("%s: classification failed, using default intent %q: %v",
			types.ClassificationDegraded, cfg.defaultIntent, err)
		return cfg.defaultIntent
	}

	if confidence < cfg.confidenceThreshold {
		logging.Classify("session %s: intent %q confidence %.2f below threshold %.2f, routing to clarification",
			turn.SessionID, intent, confidence, cfg.confidenceThreshold)
		return cfg.clarificationIntent
	}

	logging.ClassifyDebug("session %s: intent %q (confidence %.2f)", turn.SessionID, intent, confidence)
	return intent
}

// resolveWorkers maps the intent to descriptors, routing intents with no
// workers to the fallback worker rather than erroring to the user.
func (o *Orchestrator) resolveWorkers(intent string, cfg settings) []types.WorkerDescriptor {
	descriptors, err := o.registry.Resolve(intent)
	if err == nil {
		return descriptors
	}
	if !errors.Is(err, types.ErrNoWorkersForIntent) {
		logging.Get(logging.CategoryRegistry).Error("resolve failed for intent %q: %v", intent, err)
	}

	descriptors, err = o.registry.Resolve(cfg.fallbackIntent)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Error("no fallback workers configured: %v", err)
		return nil
	}
	logging.Registry("intent %q has no workers, routed to fallback", intent)
	return descriptors
}

// dispatch fans out to all resolved workers concurrently. Each invocation is
// bounded by its own timeout inside the registry, so collecting every result
// never blocks longer than max(worker timeouts). Cancelling one worker never
// cancels its siblings.
func (o *Orchestrator) dispatch(ctx context.Context, descriptors []types.WorkerDescriptor, turn types.Turn, enriched types.EnrichedContext) []types.WorkerResponse {
	if len(descriptors) == 0 {
		return nil
	}

	results := make(chan types.WorkerResponse, len(descriptors))
	for _, desc := range descriptors {
		go func(d types.WorkerDescriptor) {
			resp, err := o.registry.Invoke(ctx, d, turn, enriched)
			if err != nil {
				// Invoke absorbs worker failures; an error here is a
				// registry-level defect. Record it like a worker error.
				resp = types.WorkerResponse{WorkerID: d.ID, ProducedAt: time.Now(), Err: err.Error()}
			}
			results <- resp
		}(desc)
	}

	responses := make([]types.WorkerResponse, 0, len(descriptors))
	for range descriptors {
		resp := <-results
		if resp.Failed() {
			logging.Workers("session %s: worker %s excluded: %s", turn.SessionID, resp.WorkerID, resp.Err)
		}
		responses = append(responses, resp)
	}
	return responses
}

// persist appends the turn to session and user context under the session
// lock. A write failure is PersistenceDegraded: the turn still succeeds for
// the user and the session is marked for a full reload next turn.
func (o *Orchestrator) persist(ctx context.Context, turn types.Turn, session types.SessionState, user types.UserContext, descriptors []types.WorkerDescriptor, responses []types.WorkerResponse, reply types.Reply) {
	release := o.locks.acquire(turn.SessionID)
	defer release()

	session.TurnNumber++
	session.Channel = turn.Channel
	session.LastTouchedAt = time.Now()
	session.Degraded = false
	session.Messages = append(session.Messages,
		types.MessageSummary{
			Role:       "user",
			Summary:    summarize(turn.Text),
			TurnNumber: session.TurnNumber,
			At:         turn.ReceivedAt,
		},
		types.MessageSummary{
			Role:       "assistant",
			Summary:    summarize(reply.Text),
			TurnNumber: session.TurnNumber,
			At:         reply.CompiledAt,
		},
	)
	session.ActiveWorkers = session.ActiveWorkers[:0]
	for _, desc := range descriptors {
		session.ActiveWorkers = append(session.ActiveWorkers, desc.ID)
	}

	degraded := false
	if err := o.store.SaveSession(ctx, session); err != nil {
		logging.Get(logging.CategoryStore).Error("%s: session save failed for %s: %v",
			types.PersistenceDegraded, turn.SessionID, err)
		degraded = true
	}

	user.History = append(user.History, types.HistoryEntry{
		SessionID:  turn.SessionID,
		TurnNumber: session.TurnNumber,
		Summary:    summarize(turn.Text + " -> " + reply.Text),
		At:         reply.CompiledAt,
	})
	for _, resp := range responses {
		user.Artifacts = append(user.Artifacts, resp.ArtifactRefs...)
	}
	if err := o.store.SaveUserContext(ctx, user); err != nil {
		logging.Get(logging.CategoryStore).Error("%s: user context save failed for %s: %v",
			types.PersistenceDegraded, turn.UserID, err)
		degraded = true
	}

	if degraded {
		o.markDegraded(turn.SessionID)
		// Best effort: record the mark durably too so it survives a restart.
		// When the session write itself failed this will fail again, which is
		// why the in-memory set exists.
		session.Degraded = true
		_ = o.store.SaveSession(ctx, session)
	}
}

func (o *Orchestrator) markDegraded(sessionID string) {
	o.degradedMu.Lock()
	defer o.degradedMu.Unlock()
	o.degraded[sessionID] = true
}

// clearDegraded reports and clears the degraded mark for a session.
func (o *Orchestrator) clearDegraded(sessionID string) bool {
	o.degradedMu.Lock()
	defer o.degradedMu.Unlock()
	was := o.degraded[sessionID]
	delete(o.degraded, sessionID)
	return was
}

func (o *Orchestrator) logState(sessionID string, state turnState) {
	logging.OrchestratorDebug("session %s: %s", sessionID, state)
}

// summarize keeps message log entries bounded.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	const max = 240
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
