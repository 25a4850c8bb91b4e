package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/fixgate/internal/audit"
	"github.com/joescharf/fixgate/internal/models"
)

// Broadcast message types.
const (
	MsgReviewRequired         = "code_review_required"
	MsgFixApproved            = "code_fix_approved"
	MsgFixRejected            = "code_fix_rejected"
	MsgModificationsRequested = "code_fix_modifications_requested"
)

// enqueue hands a job to the dispatcher. A closed dispatcher drops the job.
func (e *Engine) enqueue(name string, run func(ctx context.Context) error) {
	if err := e.dispatcher.Enqueue(name, run); err != nil {
		e.logger.Warn("side effect dropped", "job", name, "error", err)
	}
}

func (e *Engine) snapshot(r *models.PendingReview) {
	if e.snapshots == nil {
		return
	}
	snap := r.Clone()
	e.enqueue("snapshot "+r.ID, func(ctx context.Context) error {
		return e.saveSnapshot(ctx, snap)
	})
}

func (e *Engine) setRecordStatus(id string, status models.FixRecordStatus, notes string) {
	if e.records == nil {
		return
	}
	e.enqueue("fix record "+id, func(ctx context.Context) error {
		return e.updateRecord(ctx, id, status, notes)
	})
}

func (e *Engine) email(subject, body string) {
	to := e.reviewers
	e.enqueue("email "+subject, func(ctx context.Context) error {
		return e.notifier.SendEmail(ctx, to, subject, body)
	})
}

func (e *Engine) broadcast(payload map[string]any) {
	channel := e.channel
	e.enqueue(fmt.Sprintf("broadcast %v", payload["type"]), func(ctx context.Context) error {
		return e.notifier.Broadcast(ctx, channel, payload)
	})
}

func (e *Engine) audit(name, actor, reviewID string, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs[audit.AttrActor] = actor
	attrs[audit.AttrReviewID] = reviewID
	e.enqueue("audit "+name, func(ctx context.Context) error {
		return e.auditor.LogEvent(ctx, name, attrs)
	})
}

func (e *Engine) afterSubmit(r *models.PendingReview) {
	e.snapshot(r)

	if e.records != nil {
		rec := &models.FixRecord{
			ReviewID:       r.ID,
			ErrorSignature: r.ErrorEvent.ErrorSignature,
			Service:        r.ErrorEvent.Service,
			Description:    r.ProposedFix.Description,
			FixType:        r.ProposedFix.FixType,
			Severity:       r.Severity,
			Status:         models.FixRecordPendingReview,
		}
		e.enqueue("fix record "+r.ID, func(ctx context.Context) error {
			return e.records.SaveFixRecord(ctx, rec)
		})
	}

	e.email(
		fmt.Sprintf("Code Fix Review Required: %s (%s)", r.ErrorEvent.ErrorSignature, r.Severity),
		reviewRequiredBody(r),
	)
	e.broadcast(map[string]any{
		"type":             MsgReviewRequired,
		"reviewId":         r.ID,
		"errorSignature":   r.ErrorEvent.ErrorSignature,
		"severity":         r.Severity,
		"requiresApproval": r.RequiresApproval,
	})
	e.audit(audit.EventSubmitted, r.SubmittedBy, r.ID, map[string]any{
		"error_signature":   r.ErrorEvent.ErrorSignature,
		"service":           r.ErrorEvent.Service,
		"review_severity":   string(r.Severity),
		"impact_score":      r.ImpactScore,
		"complexity_score":  r.ComplexityScore,
		"requires_approval": r.RequiresApproval,
	})
}

func reviewRequiredBody(r *models.PendingReview) string {
	var b strings.Builder
	b.WriteString("A new code fix requires review:\n\n")
	fmt.Fprintf(&b, "Review ID: %s\n", r.ID)
	fmt.Fprintf(&b, "Error: %s\n", r.ErrorEvent.ErrorSignature)
	fmt.Fprintf(&b, "Service: %s\n", r.ErrorEvent.Service)
	fmt.Fprintf(&b, "Severity: %s\n", r.Severity)
	fmt.Fprintf(&b, "Requires Approval: %t\n", r.RequiresApproval)
	fmt.Fprintf(&b, "Submitted By: %s\n", r.SubmittedBy)
	fmt.Fprintf(&b, "Submitted At: %s\n\n", r.SubmittedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Please review at: /admin/code-reviews/%s\n", r.ID)
	return b.String()
}

func (e *Engine) afterApprovalRecorded(r *models.PendingReview, req ApproveRequest) {
	e.snapshot(r)
	e.audit(audit.EventApprovalRecorded, req.ReviewedBy, r.ID, map[string]any{
		"approvals":          r.ApprovalCount(),
		"required_approvals": e.policy.RequiredApprovals(r.Severity),
		"has_modifications":  !req.Modifications.IsEmpty(),
	})
}

func (e *Engine) afterApproved(r *models.PendingReview, req ApproveRequest) {
	e.snapshot(r)
	e.setRecordStatus(r.ID, models.FixRecordApproved, req.Comments)
	e.email("Code Fix Approved: "+r.ID, "The code fix has been approved and is ready for deployment.")
	e.broadcast(map[string]any{
		"type":       MsgFixApproved,
		"reviewId":   r.ID,
		"approvedBy": req.ReviewedBy,
	})
	e.audit(audit.EventApproved, req.ReviewedBy, r.ID, map[string]any{
		"comments":          req.Comments,
		"has_modifications": !req.Modifications.IsEmpty(),
	})
}

func (e *Engine) afterRejected(r *models.PendingReview, req RejectRequest) {
	e.snapshot(r)
	e.setRecordStatus(r.ID, models.FixRecordRejected, req.Reason)
	e.email("Code Fix Rejected: "+r.ID, "The code fix has been rejected. Reason: "+req.Reason)
	e.broadcast(map[string]any{
		"type":        MsgFixRejected,
		"reviewId":    r.ID,
		"reason":      req.Reason,
		"suggestions": append([]string{}, req.Suggestions...),
	})
	e.audit(audit.EventRejected, req.ReviewedBy, r.ID, map[string]any{
		"reason":      req.Reason,
		"suggestions": append([]string{}, req.Suggestions...),
	})
}

func (e *Engine) afterModificationsRequested(r *models.PendingReview, req ModificationRequest) {
	e.snapshot(r)
	e.setRecordStatus(r.ID, models.FixRecordModificationsRequested, req.Request)
	e.email("Code Fix Modifications Requested: "+r.ID, "Modifications requested for the code fix: "+req.Request)
	e.broadcast(map[string]any{
		"type":             MsgModificationsRequested,
		"reviewId":         r.ID,
		"request":          req.Request,
		"suggestedChanges": req.SuggestedChanges.Clone(),
	})
	e.audit(audit.EventModificationsRequested, req.ReviewedBy, r.ID, map[string]any{
		"request": req.Request,
	})
}

func (e *Engine) afterAutoApproved(r *models.PendingReview, timeout time.Duration) {
	e.snapshot(r)
	e.setRecordStatus(r.ID, models.FixRecordApproved, "auto-approved after timeout")
	e.broadcast(map[string]any{
		"type":         MsgFixApproved,
		"reviewId":     r.ID,
		"approvedBy":   models.SystemReviewer,
		"autoApproved": true,
	})
	e.audit(audit.EventAutoApproved, models.SystemReviewer, r.ID, map[string]any{
		"timeout_hours": timeout.Hours(),
	})
}
