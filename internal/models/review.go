package models

import (
	"strings"
	"time"
)

// ReviewStatus is the lifecycle state of a pending review.
type ReviewStatus string

const (
	ReviewStatusPending                ReviewStatus = "pending"
	ReviewStatusApproved               ReviewStatus = "approved"
	ReviewStatusRejected               ReviewStatus = "rejected"
	ReviewStatusModificationsRequested ReviewStatus = "modifications_requested"
)

// Terminal reports whether no further decision may change the status.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewStatusApproved || s == ReviewStatusRejected
}

// Open reports whether the review still awaits reviewer attention.
func (s ReviewStatus) Open() bool {
	return s == ReviewStatusPending || s == ReviewStatusModificationsRequested
}

// Severity is the risk tier computed at submission.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists tiers from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank orders tiers: low=1 through critical=4, unknown=0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ParseSeverity maps a declared label onto a tier, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Rank() > 0
}

// DecisionType is the kind of action a reviewer (or the system) took.
type DecisionType string

const (
	DecisionApproved               DecisionType = "approved"
	DecisionRejected               DecisionType = "rejected"
	DecisionModificationsRequested DecisionType = "modifications_requested"
	DecisionAutoApproved           DecisionType = "auto_approved"
)

// SystemReviewer is the identity recorded on timeout auto-approvals.
const SystemReviewer = "SYSTEM_AUTO_APPROVAL"

// ReviewDecision records one reviewer action. Decisions are never changed
// after they are appended to a review.
type ReviewDecision struct {
	ReviewedBy             string         `json:"reviewed_by"`
	ReviewedAt             time.Time      `json:"reviewed_at"`
	Type                   DecisionType   `json:"decision_type"`
	Comments               string         `json:"comments,omitempty"`
	Modifications          *Modifications `json:"modifications,omitempty"`
	SuggestedChanges       *Modifications `json:"suggested_changes,omitempty"`
	ImprovementSuggestions []string       `json:"improvement_suggestions,omitempty"`
}

func (d ReviewDecision) clone() ReviewDecision {
	out := d
	out.Modifications = d.Modifications.Clone()
	out.SuggestedChanges = d.SuggestedChanges.Clone()
	if d.ImprovementSuggestions != nil {
		out.ImprovementSuggestions = append([]string(nil), d.ImprovementSuggestions...)
	}
	return out
}

// PendingReview tracks one submitted fix from submission to its terminal
// decision.
type PendingReview struct {
	ID                string           `json:"review_id"`
	ErrorEvent        ErrorEvent       `json:"error_event"`
	ProposedFix       ProposedCodeFix  `json:"proposed_fix"`
	FinalFix          *ProposedCodeFix `json:"final_fix,omitempty"`
	SubmittedBy       string           `json:"submitted_by"`
	SubmittedAt       time.Time        `json:"submitted_at"`
	Status            ReviewStatus     `json:"status"`
	Severity          Severity         `json:"severity"`
	ImpactScore       int              `json:"impact_score"`
	ComplexityScore   int              `json:"complexity_score"`
	RequiresApproval  bool             `json:"requires_approval"`
	RequiredApprovals int              `json:"required_approvals"`
	Decisions         []ReviewDecision `json:"decisions"`
	Version           int64            `json:"version"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Clone returns a deep copy that shares no memory with r.
func (r *PendingReview) Clone() *PendingReview {
	if r == nil {
		return nil
	}
	out := *r
	out.ErrorEvent = r.ErrorEvent.Clone()
	out.ProposedFix = r.ProposedFix.Clone()
	if r.FinalFix != nil {
		ff := r.FinalFix.Clone()
		out.FinalFix = &ff
	}
	out.Decisions = make([]ReviewDecision, len(r.Decisions))
	for i, d := range r.Decisions {
		out.Decisions[i] = d.clone()
	}
	return &out
}

// ApprovalCount counts approvals from distinct reviewers.
func (r *PendingReview) ApprovalCount() int {
	seen := make(map[string]struct{})
	for _, d := range r.Decisions {
		if d.Type == DecisionApproved {
			seen[d.ReviewedBy] = struct{}{}
		}
	}
	return len(seen)
}

// HasApprovalFrom reports whether reviewer already approved this review.
func (r *PendingReview) HasApprovalFrom(reviewer string) bool {
	for _, d := range r.Decisions {
		if d.Type == DecisionApproved && d.ReviewedBy == reviewer {
			return true
		}
	}
	return false
}

// LastDecision returns the most recent decision, if any.
func (r *PendingReview) LastDecision() (ReviewDecision, bool) {
	if len(r.Decisions) == 0 {
		return ReviewDecision{}, false
	}
	return r.Decisions[len(r.Decisions)-1], true
}
