package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// =============================================================================
// LLM-Assisted Classification
// =============================================================================

// deciderSystemPrompt steers the model toward a strict JSON verdict.
const deciderSystemPrompt = `You are a memory triage system for a conversational agent. Decide whether an event is worth keeping in the agent's long-term memory.

RULES:
1. KEEP durable user information: preferences, constraints, decisions, task outcomes, stated facts
2. DROP greetings, acknowledgements, filler, and content with no reuse value in later conversations
3. When in doubt, KEEP - a wasted row is cheaper than a forgotten constraint
4. Return ONLY valid JSON - no explanations or markdown

Return exactly: {"store": true|false, "reason": "<short reason>"}`

// deciderTimeout caps one classification round trip. The heuristic verdict
// stands whenever the model is slower than this.
const deciderTimeout = 10 * time.Second

// DefaultDeciderModel is used when no model is configured.
const DefaultDeciderModel = "claude-3-5-haiku-latest"

// AnthropicClassifier reviews events through the Anthropic Messages API.
// It implements LLMClassifier.
type AnthropicClassifier struct {
	client *anthropic.Client
	model  string
}

// AnthropicClassifierOptions configures an AnthropicClassifier.
type AnthropicClassifierOptions struct {
	APIKey string
	Model  string
}

// NewAnthropicClassifier creates a classifier.
func NewAnthropicClassifier(opts AnthropicClassifierOptions) (*AnthropicClassifier, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	model := opts.Model
	if model == "" {
		model = DefaultDeciderModel
	}
	client := anthropic.NewClient(option.WithAPIKey(opts.APIKey))
	return &AnthropicClassifier{client: &client, model: model}, nil
}

// Classify asks the model whether the event should be stored.
func (c *AnthropicClassifier) Classify(ctx context.Context, text string, tags []string) (bool, error) {
	userPrompt := fmt.Sprintf("Tags: %s\n\nEvent text:\n%s\n\nReturn JSON:",
		strings.Join(tags, ", "), text)

	reqCtx, cancel := context.WithTimeout(ctx, deciderTimeout)
	defer cancel()

	resp, err := c.client.Messages.New(reqCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 64,
		System:    []anthropic.TextBlockParam{{Text: deciderSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return false, fmt.Errorf("classifier request failed: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return parseDeciderVerdict(content)
}

// deciderVerdict is the JSON shape the model is asked to return.
type deciderVerdict struct {
	Store  bool   `json:"store"`
	Reason string `json:"reason"`
}

// parseDeciderVerdict parses the model's response into a verdict.
func parseDeciderVerdict(content string) (bool, error) {
	content = cleanJSONResponse(content)
	if content == "" {
		return false, fmt.Errorf("empty classifier response")
	}
	var verdict deciderVerdict
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return false, fmt.Errorf("failed to parse classifier verdict: %w (content: %s)",
			err, truncateForLog(content, 100))
	}
	return verdict.Store, nil
}

// cleanJSONResponse removes markdown code blocks and other formatting from an
// LLM response.
func cleanJSONResponse(content string) string {
	codeBlockPattern := regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")
	if matches := codeBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		content = matches[1]
	}
	return strings.TrimSpace(content)
}

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
