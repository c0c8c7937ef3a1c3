package classify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"chorus/internal/logging"
	"chorus/internal/types"

	"google.golang.org/genai"
)

// GenAIClassifier resolves intents with Google's Gemini API. It is always
// wrapped by the orchestrator's classification timeout and fallback, so a
// slow or failing model degrades the turn instead of blocking it.
type GenAIClassifier struct {
	client  *genai.Client
	model   string
	intents []string
}

// NewGenAIClassifier creates the adapter. intents is the closed set the
// model may choose from; anything else it answers is discarded in favor of
// an error so the caller's fallback intent applies.
func NewGenAIClassifier(apiKey, model string, intents []string) (*GenAIClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClassifier{
		client:  client,
		model:   model,
		intents: append([]string(nil), intents...),
	}, nil
}

// Classify asks the model for "intent confidence" on one line and parses it.
func (c *GenAIClassifier) Classify(ctx context.Context, turn types.Turn, enriched types.EnrichedContext) (string, float64, error) {
	prompt := c.buildPrompt(turn, enriched)

	result, err := c.client.Models.GenerateContent(ctx,
		c.model,
		genai.Text(prompt),
		nil,
	)
	if err != nil {
		return "", 0, fmt.Errorf("classification call failed: %w", err)
	}

	intent, confidence, err := parseClassification(result.Text(), c.intents)
	if err != nil {
		return "", 0, err
	}

	logging.ClassifyDebug("genai classified %q as %s (confidence %.2f)",
		turn.Text, intent, confidence)
	return intent, confidence, nil
}

func (c *GenAIClassifier) buildPrompt(turn types.Turn, enriched types.EnrichedContext) string {
	var sb strings.Builder
	sb.WriteString("Classify the user message into exactly one intent.\n")
	sb.WriteString("Known intents: ")
	sb.WriteString(strings.Join(c.intents, ", "))
	sb.WriteString("\nAnswer with one line: <intent> <confidence 0.0-1.0>\n\n")

	if len(enriched.RecentMessages) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, msg := range enriched.RecentMessages {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", msg.Role, msg.Summary))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Message: ")
	sb.WriteString(turn.Text)
	return sb.String()
}

// parseClassification extracts "<intent> <confidence>" from model output and
// validates the intent against the known set.
func parseClassification(raw string, known []string) (string, float64, error) {
	line := strings.TrimSpace(raw)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", 0, fmt.Errorf("empty classification output")
	}

	intent := strings.ToLower(strings.Trim(fields[0], `"'.,`))
	valid := false
	for _, k := range known {
		if intent == k {
			valid = true
			break
		}
	}
	if !valid {
		return "", 0, fmt.Errorf("model returned unknown intent %q", intent)
	}

	confidence := 0.5
	if len(fields) > 1 {
		if v, err := strconv.ParseFloat(strings.Trim(fields[1], `"'.,`), 64); err == nil {
			confidence = v
		}
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return intent, confidence, nil
}
