// Package llm asks an Anthropic model to prepare a reviewer brief for a
// pending fix.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/patch"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// maxDiffBytes caps how much of each file diff goes into the prompt.
const maxDiffBytes = 8000

// Recommendation values a brief may carry.
const (
	RecommendApprove              = "approve"
	RecommendReject               = "reject"
	RecommendRequestModifications = "request_modifications"
)

// ReviewBrief is the model's summary of a pending fix for a human reviewer.
type ReviewBrief struct {
	Summary        string   `json:"summary"`
	Risks          []string `json:"risks"`
	Checklist      []string `json:"checklist"`
	Recommendation string   `json:"recommendation"`
}

// Client wraps the Anthropic API for review briefs.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model. Extra
// request options are passed to the Anthropic client.
func NewClient(apiKey, model string, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildBriefPrompt constructs the system and user prompts for a review brief.
func buildBriefPrompt(r *models.PendingReview) (system string, user string) {
	system = `You help a human reviewer decide whether an automatically generated code fix is safe to deploy. Return ONLY a JSON object with these fields:
- "summary": 2-4 sentences describing the error and what the fix changes
- "risks": array of concrete risks the reviewer should check (may be empty)
- "checklist": array of short verification steps
- "recommendation": one of "approve", "reject", "request_modifications"

Rules:
- Base the recommendation on the diff, the tests attached and the severity
- Recommend "request_modifications" when the fix looks right but lacks tests or safety checks
- Return valid JSON only, no markdown fencing or explanation`

	ev := r.ErrorEvent
	fix := r.ProposedFix

	var sb strings.Builder
	fmt.Fprintf(&sb, "Review %s (severity %s, impact %d/10, complexity %d/10)\n\n", r.ID, r.Severity, r.ImpactScore, r.ComplexityScore)
	fmt.Fprintf(&sb, "Service: %s\nError: %s\n", ev.Service, ev.ErrorSignature)
	if ev.OccurrenceCount > 0 {
		fmt.Fprintf(&sb, "Occurrences: %d\n", ev.OccurrenceCount)
	}
	if ev.CodeLocation != "" {
		fmt.Fprintf(&sb, "Location: %s\n", ev.CodeLocation)
	}
	if ev.StackTrace != "" {
		sb.WriteString("\nStack trace:\n")
		sb.WriteString(ev.StackTrace)
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "\nProposed fix (%s): %s\n", fix.FixType, fix.Description)
	if fix.RollbackPlan != "" {
		fmt.Fprintf(&sb, "Rollback plan: %s\n", fix.RollbackPlan)
	}
	if len(fix.SafetyChecks) > 0 {
		fmt.Fprintf(&sb, "Safety checks: %s\n", strings.Join(fix.SafetyChecks, ", "))
	}
	if len(fix.TestCases) == 0 {
		sb.WriteString("Tests: none\n")
	} else {
		sb.WriteString("Tests:\n")
		for _, tc := range fix.TestCases {
			fmt.Fprintf(&sb, "- %s %s\n", tc.Name, tc.Description)
		}
	}

	for _, p := range fix.Paths() {
		m := fix.FilesModified[p]
		fmt.Fprintf(&sb, "\nFile %s (%s, +%d -%d)\n", p, m.ChangeType, m.LinesAdded, m.LinesRemoved)
		diff, err := patch.Unified(m)
		if err != nil || diff == "" {
			continue
		}
		if len(diff) > maxDiffBytes {
			diff = diff[:maxDiffBytes] + "\n... (truncated)\n"
		}
		sb.WriteString(diff)
	}
	user = sb.String()
	return
}

// Brief asks the model for a reviewer brief on r.
func (c *Client) Brief(ctx context.Context, r *models.PendingReview) (*ReviewBrief, error) {
	systemPrompt, userPrompt := buildBriefPrompt(r)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
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

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	return parseBrief(text)
}

func parseBrief(text string) (*ReviewBrief, error) {
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

	var brief ReviewBrief
	if err := json.Unmarshal([]byte(text), &brief); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	switch brief.Recommendation {
	case RecommendApprove, RecommendReject, RecommendRequestModifications:
	default:
		return nil, fmt.Errorf("unexpected recommendation %q", brief.Recommendation)
	}
	return &brief, nil
}
