package models

import "time"

// FixRecordStatus is the deployment-facing status of a fix.
type FixRecordStatus string

const (
	FixRecordPendingReview          FixRecordStatus = "pending_review"
	FixRecordApproved               FixRecordStatus = "approved"
	FixRecordRejected               FixRecordStatus = "rejected"
	FixRecordModificationsRequested FixRecordStatus = "modifications_requested"
)

// FixRecord is the persisted record of a fix kept for deployment tooling,
// outside the in-memory review registry.
type FixRecord struct {
	ID             string          `json:"id"`
	ReviewID       string          `json:"review_id"`
	ErrorSignature string          `json:"error_signature"`
	Service        string          `json:"service"`
	Description    string          `json:"description"`
	FixType        string          `json:"fix_type"`
	Severity       Severity        `json:"severity"`
	Status         FixRecordStatus `json:"status"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AuditCategory groups audit events for filtering.
type AuditCategory string

const (
	AuditCategorySecurity   AuditCategory = "security"
	AuditCategoryCodeFix    AuditCategory = "code_fix"
	AuditCategoryMonitoring AuditCategory = "monitoring"
	AuditCategorySystem     AuditCategory = "system"
	AuditCategoryGeneral    AuditCategory = "general"
)

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Category   AuditCategory  `json:"category"`
	Severity   string         `json:"severity"`
	Actor      string         `json:"actor,omitempty"`
	ReviewID   string         `json:"review_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
