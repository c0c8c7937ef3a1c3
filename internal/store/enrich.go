package store

import (
	"sort"
	"strings"

	"chorus/internal/types"
)

// Enrich produces a small, bounded summary of session and user history
// relevant to the current turn. Pure function: no I/O, no clock, and the
// output is never persisted. topK bounds every list in the result.
func Enrich(turn types.Turn, session types.SessionState, user types.UserContext, topK int) types.EnrichedContext {
	if topK <= 0 {
		topK = 5
	}

	enriched := types.EnrichedContext{
		SessionID:   turn.SessionID,
		UserID:      turn.UserID,
		TurnNumber:  session.TurnNumber,
		Preferences: user.Preferences,
		Degraded:    session.Degraded,
	}

	// Most recent session messages, newest last, capped at topK.
	if n := len(session.Messages); n > 0 {
		start := n - topK
		if start < 0 {
			start = 0
		}
		enriched.RecentMessages = append(enriched.RecentMessages, session.Messages[start:]...)
	}

	enriched.RelevantPast = relevantHistory(turn.Text, user.History, topK)

	if n := len(user.Artifacts); n > 0 {
		start := n - topK
		if start < 0 {
			start = 0
		}
		enriched.Artifacts = append(enriched.Artifacts, user.Artifacts[start:]...)
	}

	return enriched
}

// relevantHistory scores past entries by token overlap with the turn text
// and returns the topK. Ordering is deterministic: score descending, then
// recency descending, then (sessionID, turnNumber) ascending.
func relevantHistory(text string, history []types.HistoryEntry, topK int) []types.HistoryEntry {
	if len(history) == 0 {
		return nil
	}

	turnTokens := tokenize(text)

	type scored struct {
		entry types.HistoryEntry
		score int
	}
	candidates := make([]scored, 0, len(history))
	for _, entry := range history {
		score := 0
		for token := range tokenize(entry.Summary) {
			if _, ok := turnTokens[token]; ok {
				score++
			}
		}
		candidates = append(candidates, scored{entry: entry, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].entry.At.Equal(candidates[j].entry.At) {
			return candidates[i].entry.At.After(candidates[j].entry.At)
		}
		if candidates[i].entry.SessionID != candidates[j].entry.SessionID {
			return candidates[i].entry.SessionID < candidates[j].entry.SessionID
		}
		return candidates[i].entry.TurnNumber < candidates[j].entry.TurnNumber
	})

	if topK > len(candidates) {
		topK = len(candidates)
	}
	out := make([]types.HistoryEntry, 0, topK)
	for _, c := range candidates[:topK] {
		out = append(out, c.entry)
	}
	return out
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping words
// too short to carry signal.
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(word) < 3 {
			continue
		}
		tokens[word] = struct{}{}
	}
	return tokens
}
