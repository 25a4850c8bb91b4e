package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fixgate/internal/models"
)

func sampleReview() *models.PendingReview {
	return &models.PendingReview{
		ID:              "REVIEW_01",
		Severity:        models.SeverityHigh,
		ImpactScore:     5,
		ComplexityScore: 3,
		ErrorEvent: models.ErrorEvent{
			Service:         "order-service",
			ErrorSignature:  "NullPointerException in CheckoutHandler",
			OccurrenceCount: 42,
			StackTrace:      "at CheckoutHandler.handle(CheckoutHandler.java:88)",
		},
		ProposedFix: models.ProposedCodeFix{
			Description: "guard nil customer",
			FixType:     "null_check",
			FilesModified: map[string]models.FileModification{
				"checkout.go": {
					FilePath:        "checkout.go",
					OriginalContent: "return c.Name\n",
					ModifiedContent: "if c == nil {\n\treturn \"\"\n}\nreturn c.Name\n",
					ChangeType:      models.ChangeTypeModify,
					LinesAdded:      3,
				},
			},
		},
	}
}

func TestBuildBriefPrompt(t *testing.T) {
	system, user := buildBriefPrompt(sampleReview())

	assert.Contains(t, system, `"summary"`)
	assert.Contains(t, system, `"recommendation"`)
	assert.Contains(t, system, `"request_modifications"`)

	assert.Contains(t, user, "REVIEW_01")
	assert.Contains(t, user, "order-service")
	assert.Contains(t, user, "Occurrences: 42")
	assert.Contains(t, user, "Tests: none")
	assert.Contains(t, user, "+if c == nil {")
	assert.Contains(t, user, "--- a/checkout.go")
}

func TestBuildBriefPrompt_TruncatesLargeDiffs(t *testing.T) {
	r := sampleReview()
	m := r.ProposedFix.FilesModified["checkout.go"]
	m.ModifiedContent = strings.Repeat("line\n", 5000)
	r.ProposedFix.FilesModified["checkout.go"] = m

	_, user := buildBriefPrompt(r)
	assert.Contains(t, user, "(truncated)")
	assert.Less(t, len(user), 2*maxDiffBytes)
}

func TestParseBrief(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		b, err := parseBrief(`{"summary":"s","risks":["r"],"checklist":["c"],"recommendation":"approve"}`)
		require.NoError(t, err)
		assert.Equal(t, RecommendApprove, b.Recommendation)
		assert.Equal(t, []string{"r"}, b.Risks)
	})

	t.Run("fenced", func(t *testing.T) {
		b, err := parseBrief("```json\n{\"summary\":\"s\",\"recommendation\":\"reject\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, RecommendReject, b.Recommendation)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := parseBrief("")
		assert.ErrorContains(t, err, "no text content")
	})

	t.Run("unknown recommendation", func(t *testing.T) {
		_, err := parseBrief(`{"summary":"s","recommendation":"ship it"}`)
		assert.ErrorContains(t, err, "unexpected recommendation")
	})
}

func TestBrief_CallsMessagesAPI(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_1",
			"type":  "message",
			"role":  "assistant",
			"model": gotModel,
			"content": []map[string]any{{
				"type": "text",
				"text": `{"summary":"adds a nil guard","risks":[],"checklist":["run checkout tests"],"recommendation":"request_modifications"}`,
			}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 20},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", "", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	b, err := c.Brief(context.Background(), sampleReview())
	require.NoError(t, err)

	assert.Equal(t, DefaultModel, gotModel)
	assert.Equal(t, RecommendRequestModifications, b.Recommendation)
	assert.Equal(t, []string{"run checkout tests"}, b.Checklist)
}
