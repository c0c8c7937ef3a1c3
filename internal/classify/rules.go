// Package classify provides the intent-classification capability. The
// orchestrator only depends on the Classifier interface; this package ships
// a deterministic rules engine and an LLM-backed adapter behind it.
package classify

import (
	"context"
	"sort"
	"strings"

	"chorus/internal/logging"
	"chorus/internal/types"
)

// RuleClassifier matches turn text against per-intent keyword sets. It is
// deterministic, needs no network, and is the default provider.
type RuleClassifier struct {
	rules         map[string][]string
	defaultIntent string
}

// NewRuleClassifier creates a classifier from intent -> keyword rules.
// Unknown input classifies as defaultIntent with zero confidence.
func NewRuleClassifier(rules map[string][]string, defaultIntent string) *RuleClassifier {
	normalized := make(map[string][]string, len(rules))
	for intent, keywords := range rules {
		lowered := make([]string, 0, len(keywords))
		for _, kw := range keywords {
			lowered = append(lowered, strings.ToLower(kw))
		}
		normalized[intent] = lowered
	}
	return &RuleClassifier{rules: normalized, defaultIntent: defaultIntent}
}

// Classify scores every intent by keyword hits in the turn text and returns
// the best one. Ties break lexicographically by intent so the result is
// reproducible for the same input.
func (c *RuleClassifier) Classify(_ context.Context, turn types.Turn, _ types.EnrichedContext) (string, float64, error) {
	text := strings.ToLower(turn.Text)

	intents := make([]string, 0, len(c.rules))
	for intent := range c.rules {
		intents = append(intents, intent)
	}
	sort.Strings(intents)

	bestIntent := c.defaultIntent
	bestHits := 0
	bestTotal := 1
	for _, intent := range intents {
		keywords := c.rules[intent]
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestTotal = len(keywords)
			bestIntent = intent
		}
	}

	confidence := 0.0
	if bestHits > 0 {
		confidence = float64(bestHits) / float64(bestTotal)
		if confidence > 1 {
			confidence = 1
		}
	}

	logging.ClassifyDebug("rules classified %q as %s (confidence %.2f)",
		turn.Text, bestIntent, confidence)
	return bestIntent, confidence, nil
}
