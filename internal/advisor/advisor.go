package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/devcoord/devcoord/internal/models"
)

// Suggestion holds the LLM-recommended resolution for a conflict.
type Suggestion struct {
	Strategy  string `json:"strategy"`
	Winner    string `json:"winner"`
	Rationale string `json:"rationale"`
}

// Client wraps the Anthropic API for conflict resolution advice.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an advisor client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildPrompt constructs the system and user prompts for strategy suggestion.
func buildPrompt(conflict *models.Conflict, sessions []*models.Session) (system string, user string) {
	system = `You advise on resolving coordination conflicts between concurrent development sessions working in the same codebase. Given a conflict and the sessions involved, return ONLY a JSON object with these fields:
- "strategy": one of "manual", "primary_wins", "last_writer_wins", "merge"
- "winner": the session id that should win the contested resource, or empty string when the strategy does not pick a winner
- "rationale": 1-3 sentences explaining the recommendation

Rules:
- "primary_wins" fits when one involved session is the user's primary session
- "last_writer_wins" fits file edits where the most recently active session likely has the freshest context
- "merge" fits git_merge conflicts where both lines of work should survive
- "manual" is the fallback when the situation needs a human decision; pick the winner you would recommend to them
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Conflict:\n")
	fmt.Fprintf(&sb, "- type: %s\n", conflict.Type)
	fmt.Fprintf(&sb, "- resource: %s\n", conflict.Resource)
	fmt.Fprintf(&sb, "- detected: %s\n", conflict.DetectedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "- sessions involved: %s\n", strings.Join(conflict.SessionIDs, ", "))

	if len(sessions) > 0 {
		sb.WriteString("\nSessions:\n")
		for _, s := range sessions {
			fmt.Fprintf(&sb, "- id=%s user=%s status=%s primary=%t branch=%s last_active=%s\n",
				s.ID, s.UserID, s.Status, s.IsPrimary, s.CurrentBranch,
				s.LastActive.Format("2006-01-02 15:04:05"))
		}
	}
	user = sb.String()
	return
}

// SuggestResolution asks the LLM for a resolution strategy for the conflict.
func (c *Client) SuggestResolution(ctx context.Context, conflict *models.Conflict, sessions []*models.Session) (*Suggestion, error) {
	systemPrompt, userPrompt := buildPrompt(conflict, sessions)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	// Strip markdown fencing if present
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var suggestion Suggestion
	if err := json.Unmarshal([]byte(text), &suggestion); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}

	switch suggestion.Strategy {
	case models.StrategyManual, models.StrategyPrimaryWins, models.StrategyLastWriterWins, models.StrategyMerge:
	default:
		return nil, fmt.Errorf("LLM suggested unknown strategy %q", suggestion.Strategy)
	}

	return &suggestion, nil
}
