// Package audit records review transitions as structured audit events.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/fixgate/internal/models"
)

// Event names emitted by the review workflow.
const (
	EventSubmitted              = "code_fix_submitted_for_review"
	EventApproved               = "code_fix_approved"
	EventApprovalRecorded       = "code_fix_approval_recorded"
	EventRejected               = "code_fix_rejected"
	EventModificationsRequested = "code_fix_modifications_requested"
	EventAutoApproved           = "code_fix_auto_approved"
)

// Well-known attribute keys.
const (
	AttrActor    = "actor"
	AttrReviewID = "review_id"
	AttrSeverity = "severity"
	AttrCategory = "category"
)

// DefaultSeverity is used when an event carries no severity attribute.
const DefaultSeverity = "info"

// Auditor is the collaborator the workflow engine calls once per transition.
type Auditor interface {
	LogEvent(ctx context.Context, name string, attributes map[string]any) error
}

// NewEvent builds an AuditEvent from a name and attributes, deriving the
// category and severity when the attributes do not set them.
func NewEvent(name string, attributes map[string]any, now time.Time) models.AuditEvent {
	ev := models.AuditEvent{
		ID:         uuid.New().String(),
		Name:       name,
		Category:   Categorize(name),
		Severity:   DefaultSeverity,
		Attributes: attributes,
		Timestamp:  now.UTC(),
	}
	if v, ok := attributes[AttrCategory]; ok {
		ev.Category = models.AuditCategory(strings.ToLower(fmt.Sprint(v)))
	}
	if v, ok := attributes[AttrSeverity]; ok {
		ev.Severity = strings.ToLower(fmt.Sprint(v))
	}
	if v, ok := attributes[AttrActor]; ok {
		ev.Actor = fmt.Sprint(v)
	}
	if v, ok := attributes[AttrReviewID]; ok {
		ev.ReviewID = fmt.Sprint(v)
	}
	return ev
}

// Categorize derives a category from an event name.
func Categorize(name string) models.AuditCategory {
	n := strings.ToLower(name)
	switch {
	case containsAny(n, "security", "auth", "access"):
		return models.AuditCategorySecurity
	case containsAny(n, "code", "fix", "review"):
		return models.AuditCategoryCodeFix
	case containsAny(n, "monitor", "metric"):
		return models.AuditCategoryMonitoring
	case containsAny(n, "system", "service"):
		return models.AuditCategorySystem
	}
	return models.AuditCategoryGeneral
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Multi fans an event out to several auditors. Every auditor is called;
// their errors are joined.
type Multi []Auditor

// LogEvent implements Auditor.
func (m Multi) LogEvent(ctx context.Context, name string, attributes map[string]any) error {
	var errs []error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.LogEvent(ctx, name, attributes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
