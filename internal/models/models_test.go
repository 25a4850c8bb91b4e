package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReview() *PendingReview {
	return &PendingReview{
		ID:          "REVIEW_1",
		ErrorEvent:  ErrorEvent{Service: "order-service", Tags: map[string]string{"env": "prod"}},
		ProposedFix: ProposedCodeFix{
			FilesModified: map[string]FileModification{"a.go": {FilePath: "a.go", LinesAdded: 2}},
			TestCases:     []TestCase{{Name: "t1"}},
			SafetyChecks:  []string{"lint"},
		},
		Status:      ReviewStatusPending,
		SubmittedAt: time.Now(),
		Decisions: []ReviewDecision{{
			ReviewedBy:    "alice",
			Type:          DecisionApproved,
			Modifications: &Modifications{CodeEdits: []CodeEdit{{FilePath: "a.go"}}},
		}},
	}
}

func TestPendingReviewClone_Isolated(t *testing.T) {
	orig := sampleReview()
	c := orig.Clone()

	c.ProposedFix.FilesModified["b.go"] = FileModification{FilePath: "b.go"}
	c.ProposedFix.TestCases[0].Name = "changed"
	c.ProposedFix.SafetyChecks = append(c.ProposedFix.SafetyChecks, "extra")
	c.ErrorEvent.Tags["env"] = "dev"
	c.Decisions[0].Modifications.CodeEdits[0].FilePath = "z.go"
	c.Decisions = append(c.Decisions, ReviewDecision{ReviewedBy: "bob"})

	assert.Len(t, orig.ProposedFix.FilesModified, 1)
	assert.Equal(t, "t1", orig.ProposedFix.TestCases[0].Name)
	assert.Equal(t, []string{"lint"}, orig.ProposedFix.SafetyChecks)
	assert.Equal(t, "prod", orig.ErrorEvent.Tags["env"])
	assert.Equal(t, "a.go", orig.Decisions[0].Modifications.CodeEdits[0].FilePath)
	assert.Len(t, orig.Decisions, 1)
}

func TestApprovalCount_DistinctReviewers(t *testing.T) {
	r := sampleReview()
	r.Decisions = append(r.Decisions,
		ReviewDecision{ReviewedBy: "alice", Type: DecisionApproved},
		ReviewDecision{ReviewedBy: "carol", Type: DecisionRejected},
		ReviewDecision{ReviewedBy: "bob", Type: DecisionApproved},
	)
	assert.Equal(t, 2, r.ApprovalCount())
	assert.True(t, r.HasApprovalFrom("bob"))
	assert.False(t, r.HasApprovalFrom("carol"))
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())

	sev, ok := ParseSeverity(" CRITICAL ")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, sev)
	_, ok = ParseSeverity("severe")
	assert.False(t, ok)
}

func TestReviewStatus(t *testing.T) {
	assert.True(t, ReviewStatusApproved.Terminal())
	assert.True(t, ReviewStatusRejected.Terminal())
	assert.False(t, ReviewStatusModificationsRequested.Terminal())
	assert.True(t, ReviewStatusModificationsRequested.Open())
	assert.False(t, ReviewStatusApproved.Open())
}

func TestModificationsValidate(t *testing.T) {
	var nilMods *Modifications
	assert.True(t, nilMods.IsEmpty())
	assert.NoError(t, nilMods.Validate())

	tests := []struct {
		name    string
		mods    Modifications
		wantErr string
	}{
		{"ok", Modifications{CodeEdits: []CodeEdit{{FilePath: "a.go", ChangeType: ChangeTypeModify}}}, ""},
		{"missing path", Modifications{CodeEdits: []CodeEdit{{ModifiedContent: "x"}}}, "file_path is required"},
		{"bad change type", Modifications{CodeEdits: []CodeEdit{{FilePath: "a.go", ChangeType: "rename"}}}, "invalid change_type"},
		{"empty override", Modifications{SafetyCheckOverride: &SafetyCheckOverride{}}, "must not be empty"},
		{"unnamed test", Modifications{AdditionalTestCases: []TestCase{{}}}, "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mods.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProposedCodeFix_TotalsAndPaths(t *testing.T) {
	f := ProposedCodeFix{FilesModified: map[string]FileModification{
		"b/config.YAML": {FilePath: "b/config.YAML", LinesAdded: 3, LinesRemoved: 1},
		"a.go":          {FilePath: "a.go", LinesAdded: 10},
	}}
	assert.Equal(t, 14, f.TotalChangedLines())
	assert.Equal(t, []string{"a.go", "b/config.YAML"}, f.Paths())
	assert.Equal(t, ".yaml", f.FilesModified["b/config.YAML"].Ext())
}
