// Package compiler buffers concurrent worker outputs and produces exactly
// one Reply per turn: responses are deduplicated, contradictory claims are
// resolved, and the survivors are merged in a deterministic order.
//
// Determinism contract: for a fixed set of worker responses (texts,
// confidences, timestamps), Compile yields the same Reply text and the same
// contributor ordering for every permutation of input order. All tie-breaks
// bottom out in the lexicographic worker id.
package compiler

import (
	"sort"
	"strings"
	"sync"
	"time"

	"chorus/internal/logging"
	"chorus/internal/types"
)

// Similarity judges how alike two response texts are, in [0,1]. Injected so
// deployments can swap in embedding-based measures; the default is
// deterministic token overlap.
type Similarity func(a, b string) float64

// ClaimExtractor pulls factual claims out of a response text as
// claimKey -> value pairs. Injected; the default scans "key: value" lines.
type ClaimExtractor func(text string) map[string]string

// Compiler merges worker responses into one reply.
type Compiler struct {
	similarity    Similarity
	extractClaims ClaimExtractor

	// similarityThreshold at or above which two texts are duplicates.
	similarityThreshold float64

	// authoritative maps a claim key to the worker whose value wins any
	// conflict on that key outright. Guarded by mu: the config watcher
	// replaces it while turns compile concurrently.
	mu            sync.RWMutex
	authoritative map[string]string

	// fallbackText is the deterministic reply produced when no response
	// survives. Compilation never fails.
	fallbackText string
}

// Option customizes a Compiler.
type Option func(*Compiler)

// WithSimilarity replaces the default similarity measure.
func WithSimilarity(fn Similarity) Option {
	return func(c *Compiler) { c.similarity = fn }
}

// WithClaimExtractor replaces the default claim extractor.
func WithClaimExtractor(fn ClaimExtractor) Option {
	return func(c *Compiler) { c.extractClaims = fn }
}

// New creates a compiler.
func New(similarityThreshold float64, authoritative map[string]string, fallbackText string, opts ...Option) *Compiler {
	if fallbackText == "" {
		fallbackText = "I could not complete this request. Please try again."
	}
	c := &Compiler{
		similarity:          JaccardSimilarity,
		extractClaims:       ExtractClaims,
		similarityThreshold: similarityThreshold,
		authoritative:       authoritative,
		fallbackText:        fallbackText,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAuthoritative replaces the authoritative claim-source table. Used on
// config reload; safe to call while compilations are in flight.
func (c *Compiler) SetAuthoritative(authoritative map[string]string) {
	copied := make(map[string]string, len(authoritative))
	for k, v := range authoritative {
		copied[k] = v
	}
	c.mu.Lock()
	c.authoritative = copied
	c.mu.Unlock()
}

// authoritativeTable returns the current claim-source table. The table is
// replaced wholesale on reload, never mutated, so holding the reference is
// safe after the lock is released.
func (c *Compiler) authoritativeTable() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authoritative
}

// Compile merges all collected responses for one turn into a single Reply.
// Errored and timed-out responses are recorded but excluded from content.
// It always succeeds; zero survivors yield the deterministic fallback reply.
func (c *Compiler) Compile(sessionID string, responses []types.WorkerResponse) (types.Reply, []types.Conflict) {
	timer := logging.StartTimer(logging.CategoryCompiler, "Compile")
	defer timer.Stop()

	// 1. Collect: split content-bearing responses from failures.
	candidates := make([]types.WorkerResponse, 0, len(responses))
	for _, resp := range responses {
		if resp.Failed() {
			logging.CompilerDebug("excluding failed response from %s: %s", resp.WorkerID, resp.Err)
			continue
		}
		if strings.TrimSpace(resp.Text) == "" {
			logging.CompilerDebug("excluding empty response from %s", resp.WorkerID)
			continue
		}
		candidates = append(candidates, resp)
	}

	// Canonical order before any pairwise comparison: confidence
	// descending, producedAt ascending, worker id ascending. Retention
	// decisions then never depend on arrival order, and a retained
	// duplicate always has equal-or-higher confidence than what it shadows.
	sortResponses(candidates)

	// 2. Deduplicate against already-retained responses.
	retained := make([]types.WorkerResponse, 0, len(candidates))
	for _, cand := range candidates {
		duplicate := false
		for _, kept := range retained {
			if c.similarity(cand.Text, kept.Text) >= c.similarityThreshold {
				logging.CompilerDebug("dropping %s as duplicate of %s", cand.WorkerID, kept.WorkerID)
				duplicate = true
				break
			}
		}
		if !duplicate {
			retained = append(retained, cand)
		}
	}

	// 3-4. Detect and resolve conflicting claims.
	conflicts := c.resolveConflicts(retained)

	// Drop responses that asserted a losing value for any claim: their
	// text would reassert what conflict resolution just rejected.
	survivors := retained
	if len(conflicts) > 0 {
		losers := make(map[string]bool)
		for _, conflict := range conflicts {
			for workerID, value := range conflict.Candidates {
				if value != conflict.ResolvedValue {
					losers[workerID] = true
				}
			}
		}
		survivors = survivors[:0]
		for _, resp := range retained {
			if losers[resp.WorkerID] {
				logging.CompilerDebug("dropping %s: lost claim conflict", resp.WorkerID)
				continue
			}
			survivors = append(survivors, resp)
		}
	}

	// 6. Fallback totality: never an empty reply, never an error.
	if len(survivors) == 0 {
		logging.Compiler("no surviving responses for session %s, using fallback reply", sessionID)
		return types.Reply{
			SessionID:           sessionID,
			Text:                c.fallbackText,
			ContributingWorkers: []string{},
			CompiledAt:          time.Now(),
		}, conflicts
	}

	// 5. Compile the surviving content. survivors is already in canonical
	// order (dedup and conflict filtering preserve it).
	texts := make([]string, 0, len(survivors))
	workers := make([]string, 0, len(survivors))
	sections := make([]types.ReplySection, 0, len(survivors))
	for _, resp := range survivors {
		trimmed := strings.TrimSpace(resp.Text)
		texts = append(texts, trimmed)
		workers = append(workers, resp.WorkerID)
		sections = append(sections, types.ReplySection{WorkerID: resp.WorkerID, Text: trimmed})
	}

	reply := types.Reply{
		SessionID:           sessionID,
		Text:                strings.Join(texts, "\n\n"),
		ContributingWorkers: workers,
		CompiledAt:          time.Now(),
		Sections:            sections,
	}
	logging.CompilerDebug("compiled reply for %s from %d/%d responses (%d conflicts)",
		sessionID, len(survivors), len(responses), len(conflicts))
	return reply, conflicts
}

// resolveConflicts extracts claims from each retained response, groups them
// by key, and resolves disagreements by priority: authoritative source,
// highest confidence, most recent, then lexicographic worker id.
func (c *Compiler) resolveConflicts(retained []types.WorkerResponse) []types.Conflict {
	authoritative := c.authoritativeTable()

	type claimant struct {
		resp  types.WorkerResponse
		value string
	}
	byKey := make(map[string][]claimant)
	for _, resp := range retained {
		for key, value := range c.extractClaims(resp.Text) {
			byKey[key] = append(byKey[key], claimant{resp: resp, value: value})
		}
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var conflicts []types.Conflict
	for _, key := range keys {
		claimants := byKey[key]

		distinct := make(map[string]bool)
		for _, cl := range claimants {
			distinct[cl.value] = true
		}
		if len(distinct) < 2 {
			continue
		}

		conflict := types.Conflict{
			ClaimKey:   key,
			Candidates: make(map[string]string, len(claimants)),
		}
		for _, cl := range claimants {
			conflict.Candidates[cl.resp.WorkerID] = cl.value
		}

		// (a) Authoritative source wins outright.
		if authority, ok := authoritative[key]; ok {
			if value, claimed := conflict.Candidates[authority]; claimed {
				conflict.Resolution = types.ResolutionAuthoritative
				conflict.ResolvedValue = value
				conflicts = append(conflicts, conflict)
				continue
			}
		}

		// (b) Highest confidence, (c) most recent, then worker id.
		sort.SliceStable(claimants, func(i, j int) bool {
			ci, cj := claimants[i].resp.ConfidenceOrZero(), claimants[j].resp.ConfidenceOrZero()
			if ci != cj {
				return ci > cj
			}
			if !claimants[i].resp.ProducedAt.Equal(claimants[j].resp.ProducedAt) {
				return claimants[i].resp.ProducedAt.After(claimants[j].resp.ProducedAt)
			}
			return claimants[i].resp.WorkerID < claimants[j].resp.WorkerID
		})

		winner := claimants[0]
		if len(claimants) > 1 &&
			winner.resp.ConfidenceOrZero() == claimants[1].resp.ConfidenceOrZero() {
			conflict.Resolution = types.ResolutionMostRecent
		} else {
			conflict.Resolution = types.ResolutionHighestConfidence
		}
		conflict.ResolvedValue = winner.value
		conflicts = append(conflicts, conflict)
	}
	return conflicts
}

// sortResponses orders by confidence descending, producedAt ascending,
// worker id ascending.
func sortResponses(responses []types.WorkerResponse) {
	sort.SliceStable(responses, func(i, j int) bool {
		ci, cj := responses[i].ConfidenceOrZero(), responses[j].ConfidenceOrZero()
		if ci != cj {
			return ci > cj
		}
		if !responses[i].ProducedAt.Equal(responses[j].ProducedAt) {
			return responses[i].ProducedAt.Before(responses[j].ProducedAt)
		}
		return responses[i].WorkerID < responses[j].WorkerID
	})
}
