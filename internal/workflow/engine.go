// Package workflow implements the review workflow for automated code fixes:
// scoring on submission, reviewer decisions, and timeout auto-approval.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/fixgate/internal/audit"
	"github.com/joescharf/fixgate/internal/dispatch"
	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/notify"
	"github.com/joescharf/fixgate/internal/patch"
	"github.com/joescharf/fixgate/internal/policy"
	"github.com/joescharf/fixgate/internal/registry"
	"github.com/joescharf/fixgate/internal/scoring"
)

// Defaults for notification routing.
const (
	DefaultReviewers = "code-reviewers@company.com"
	DefaultChannel   = "admin-notifications"
)

// FixRecordStore persists the deployment-facing fix record.
type FixRecordStore interface {
	SaveFixRecord(ctx context.Context, r *models.FixRecord) error
	UpdateFixRecordStatusByReviewID(ctx context.Context, reviewID string, status models.FixRecordStatus, notes string) error
}

// SnapshotStore persists review snapshots so they survive a restart.
type SnapshotStore interface {
	SaveReview(ctx context.Context, r *models.PendingReview) error
}

// Engine runs the review workflow. It is safe for concurrent use.
type Engine struct {
	cfg    policy.Config
	policy *policy.Policy
	scorer *scoring.Scorer
	reg    *registry.Registry

	dispatcher   *dispatch.Dispatcher
	ownsDispatch bool
	notifier     notify.Notifier
	auditor      audit.Auditor
	records      FixRecordStore
	snapshots    SnapshotStore
	merger       CodeMerger

	reviewers string
	channel   string

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the notifier. Defaults to a log-only notifier.
func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithAuditor sets the auditor. Defaults to JSON lines on stderr.
func WithAuditor(a audit.Auditor) Option { return func(e *Engine) { e.auditor = a } }

// WithFixRecordStore sets where fix records are persisted.
func WithFixRecordStore(s FixRecordStore) Option { return func(e *Engine) { e.records = s } }

// WithSnapshotStore persists a snapshot of every committed review.
func WithSnapshotStore(s SnapshotStore) Option { return func(e *Engine) { e.snapshots = s } }

// WithCodeMerger overrides ReplaceMerger.
func WithCodeMerger(m CodeMerger) Option { return func(e *Engine) { e.merger = m } }

// WithDispatcher shares an existing dispatcher instead of starting one.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides review ID generation.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRouting sets the reviewer address and broadcast channel.
func WithRouting(reviewers, channel string) Option {
	return func(e *Engine) {
		if reviewers != "" {
			e.reviewers = reviewers
		}
		if channel != "" {
			e.channel = channel
		}
	}
}

// NewEngine creates an Engine for the given policy.
func NewEngine(p *policy.Policy, opts ...Option) *Engine {
	e := &Engine{
		cfg:       p.Config(),
		policy:    p,
		scorer:    scoring.NewScorer(),
		reg:       registry.New(),
		merger:    ReplaceMerger{},
		reviewers: DefaultReviewers,
		channel:   DefaultChannel,
		now:       time.Now,
		newID:     newReviewID,
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/joescharf/fixgate/internal/workflow"),
	}
	for _, o := range opts {
		o(e)
	}
	if e.notifier == nil {
		e.notifier = notify.NewLogNotifier(e.logger)
	}
	if e.auditor == nil {
		e.auditor = audit.NewLogger(nil)
	}
	if e.dispatcher == nil {
		e.dispatcher = dispatch.New(dispatch.WithLogger(e.logger))
		e.ownsDispatch = true
	}
	return e
}

func newReviewID() string {
	return "REVIEW_" + ulid.Make().String()
}

// Config returns the policy configuration in effect.
func (e *Engine) Config() policy.Config {
	return e.cfg
}

// Flush waits for queued side effects to finish.
func (e *Engine) Flush(ctx context.Context) error {
	return e.dispatcher.Flush(ctx)
}

// Close drains queued side effects. A shared dispatcher is flushed but left
// running.
func (e *Engine) Close(ctx context.Context) error {
	if e.ownsDispatch {
		return e.dispatcher.Close(ctx)
	}
	return e.dispatcher.Flush(ctx)
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	AutoApproved     bool            `json:"auto_approved"`
	Message          string          `json:"message"`
	ReviewID         string          `json:"review_id,omitempty"`
	Severity         models.Severity `json:"severity,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	Failure          FailureKind     `json:"failure,omitempty"`
}

// Err returns the failure as an *Error, or nil on success.
func (r SubmitResult) Err() error {
	if r.Failure == FailureNone {
		return nil
	}
	return &Error{Kind: r.Failure, ReviewID: r.ReviewID, Msg: r.Message}
}

// DecisionResult is the outcome of a reviewer decision.
type DecisionResult struct {
	Success  bool                `json:"success"`
	Message  string              `json:"message"`
	ReviewID string              `json:"review_id"`
	Status   models.ReviewStatus `json:"status,omitempty"`
	Failure  FailureKind         `json:"failure,omitempty"`
}

// Err returns the failure as an *Error, or nil on success.
func (r DecisionResult) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Failure, ReviewID: r.ReviewID, Msg: r.Message}
}

func failed(id string, err error) DecisionResult {
	var we *Error
	switch {
	case errors.As(err, &we):
		return DecisionResult{ReviewID: id, Failure: we.Kind, Message: we.Msg}
	case errors.Is(err, registry.ErrNotFound):
		return DecisionResult{ReviewID: id, Failure: FailureNotFound, Message: "Review not found"}
	}
	return DecisionResult{ReviewID: id, Failure: FailureValidation, Message: err.Error()}
}

func (e *Engine) startSpan(ctx context.Context, name, reviewID string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "workflow."+name)
	if reviewID != "" {
		span.SetAttributes(attribute.String("review.id", reviewID))
	}
	return ctx, span
}

func endSpan(span trace.Span, failure FailureKind) {
	if failure != FailureNone {
		span.SetStatus(codes.Error, string(failure))
	}
	span.End()
}

// Submit scores a proposed fix and, unless human review is disabled, opens
// a review for it.
func (e *Engine) Submit(ctx context.Context, ev models.ErrorEvent, fix models.ProposedCodeFix, submittedBy string) (res SubmitResult) {
	ctx, span := e.startSpan(ctx, "Submit", "")
	defer func() { endSpan(span, res.Failure) }()

	if !e.cfg.HumanReviewEnabled {
		e.logger.InfoContext(ctx, "human review disabled, auto-approving fix", "signature", ev.ErrorSignature)
		return SubmitResult{AutoApproved: true, Message: "Human review disabled, fix auto-approved"}
	}

	switch {
	case strings.TrimSpace(submittedBy) == "":
		return SubmitResult{Failure: FailureValidation, Message: "submitted_by is required"}
	case strings.TrimSpace(ev.ErrorSignature) == "":
		return SubmitResult{Failure: FailureValidation, Message: "error_signature is required"}
	}

	fix = patch.FillLineCounts(fix)
	score := e.scorer.Score(ev, fix)
	requires := e.policy.RequiresApproval(score.Severity, ev, score.Complexity)
	now := e.now().UTC()

	r := &models.PendingReview{
		ID:                e.newID(),
		ErrorEvent:        ev.Clone(),
		ProposedFix:       fix,
		SubmittedBy:       submittedBy,
		SubmittedAt:       now,
		Status:            models.ReviewStatusPending,
		Severity:          score.Severity,
		ImpactScore:       score.Impact,
		ComplexityScore:   score.Complexity,
		RequiresApproval:  requires,
		RequiredApprovals: e.policy.RequiredApprovals(score.Severity),
		Decisions:         []models.ReviewDecision{},
		Version:           1,
		UpdatedAt:         now,
	}
	if err := e.reg.Insert(r); err != nil {
		return SubmitResult{Failure: FailureValidation, Message: err.Error()}
	}
	span.SetAttributes(
		attribute.String("review.id", r.ID),
		attribute.String("review.severity", string(r.Severity)),
		attribute.Bool("review.requires_approval", requires),
	)

	e.logger.InfoContext(ctx, "fix submitted for review",
		"review_id", r.ID, "severity", r.Severity, "impact", score.Impact,
		"complexity", score.Complexity, "requires_approval", requires)

	e.afterSubmit(r)

	return SubmitResult{
		Message:          "Fix submitted for human review",
		ReviewID:         r.ID,
		Severity:         r.Severity,
		RequiresApproval: requires,
	}
}

// ApproveRequest carries an approval.
type ApproveRequest struct {
	ReviewID      string                `json:"review_id"`
	ReviewedBy    string                `json:"reviewed_by"`
	Comments      string                `json:"comments,omitempty"`
	Modifications *models.Modifications `json:"modifications,omitempty"`
}

// Approve records an approval. When the approval threshold is met the review
// becomes approved and its final fix is set; otherwise the approval is
// recorded and the review stays pending.
func (e *Engine) Approve(ctx context.Context, req ApproveRequest) (res DecisionResult) {
	ctx, span := e.startSpan(ctx, "Approve", req.ReviewID)
	defer func() { endSpan(span, res.Failure) }()

	if strings.TrimSpace(req.ReviewedBy) == "" {
		return failed(req.ReviewID, failf(FailureValidation, req.ReviewID, "reviewed_by is required"))
	}
	if err := req.Modifications.Validate(); err != nil {
		return failed(req.ReviewID, failf(FailureValidation, req.ReviewID, "invalid modifications: %v", err))
	}

	e.syncFromStore(ctx, req.ReviewID)
	now := e.now().UTC()
	approved := false
	updated, err := e.reg.Update(req.ReviewID, func(r *models.PendingReview) error {
		if _, ok := transition(r.Status, evApprovalRecorded); !ok {
			return failf(FailureAlreadyProcessed, r.ID, "Review already processed (status %s)", r.Status)
		}
		if r.HasApprovalFrom(req.ReviewedBy) {
			return failf(FailurePolicyViolation, r.ID, "%s has already approved this review", req.ReviewedBy)
		}
		candidate, err := Merge(r.ProposedFix, req.Modifications, e.merger)
		if err != nil {
			return failf(FailureValidation, r.ID, "apply modifications: %v", err)
		}

		r.Decisions = append(r.Decisions, models.ReviewDecision{
			ReviewedBy:    req.ReviewedBy,
			ReviewedAt:    now,
			Type:          models.DecisionApproved,
			Comments:      req.Comments,
			Modifications: req.Modifications.Clone(),
		})
		r.UpdatedAt = now

		if e.policy.SatisfiesApprovalThreshold(r) {
			to, _ := transition(r.Status, evApprovalThresholdMet)
			r.Status = to
			r.FinalFix = &candidate
			approved = true
		}
		return nil
	})
	if err != nil {
		return failed(req.ReviewID, err)
	}

	e.logger.InfoContext(ctx, "approval recorded", "review_id", updated.ID, "reviewer", req.ReviewedBy,
		"approvals", updated.ApprovalCount(), "required", e.policy.RequiredApprovals(updated.Severity), "approved", approved)

	if !approved {
		e.afterApprovalRecorded(updated, req)
		return DecisionResult{
			Success:  true,
			Message:  "Approval recorded, waiting for additional approvals",
			ReviewID: updated.ID,
			Status:   updated.Status,
		}
	}

	e.afterApproved(updated, req)
	return DecisionResult{
		Success:  true,
		Message:  "Fix approved and ready for deployment",
		ReviewID: updated.ID,
		Status:   updated.Status,
	}
}

// RejectRequest carries a rejection.
type RejectRequest struct {
	ReviewID    string   `json:"review_id"`
	ReviewedBy  string   `json:"reviewed_by"`
	Reason      string   `json:"reason"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Reject rejects a pending review.
func (e *Engine) Reject(ctx context.Context, req RejectRequest) (res DecisionResult) {
	ctx, span := e.startSpan(ctx, "Reject", req.ReviewID)
	defer func() { endSpan(span, res.Failure) }()

	if strings.TrimSpace(req.ReviewedBy) == "" {
		return failed(req.ReviewID, failf(FailureValidation, req.ReviewID, "reviewed_by is required"))
	}

	e.syncFromStore(ctx, req.ReviewID)
	now := e.now().UTC()
	updated, err := e.reg.Update(req.ReviewID, func(r *models.PendingReview) error {
		to, ok := transition(r.Status, evReject)
		if !ok {
			return failf(FailureAlreadyProcessed, r.ID, "Review already processed (status %s)", r.Status)
		}
		r.Decisions = append(r.Decisions, models.ReviewDecision{
			ReviewedBy:             req.ReviewedBy,
			ReviewedAt:             now,
			Type:                   models.DecisionRejected,
			Comments:               req.Reason,
			ImprovementSuggestions: append([]string(nil), req.Suggestions...),
		})
		r.Status = to
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return failed(req.ReviewID, err)
	}

	e.logger.InfoContext(ctx, "fix rejected", "review_id", updated.ID, "reviewer", req.ReviewedBy)
	e.afterRejected(updated, req)

	return DecisionResult{
		Success:  true,
		Message:  "Fix rejected successfully",
		ReviewID: updated.ID,
		Status:   updated.Status,
	}
}

// ModificationRequest asks the submitter to revise a fix.
type ModificationRequest struct {
	ReviewID         string                `json:"review_id"`
	ReviewedBy       string                `json:"reviewed_by"`
	Request          string                `json:"request"`
	SuggestedChanges *models.Modifications `json:"suggested_changes,omitempty"`
}

// RequestModifications records a modification request. It may be repeated
// while the review is open but fails once the review is approved or
// rejected.
func (e *Engine) RequestModifications(ctx context.Context, req ModificationRequest) (res DecisionResult) {
	ctx, span := e.startSpan(ctx, "RequestModifications", req.ReviewID)
	defer func() { endSpan(span, res.Failure) }()

	if strings.TrimSpace(req.ReviewedBy) == "" {
		return failed(req.ReviewID, failf(FailureValidation, req.ReviewID, "reviewed_by is required"))
	}
	if err := req.SuggestedChanges.Validate(); err != nil {
		return failed(req.ReviewID, failf(FailureValidation, req.ReviewID, "invalid suggested changes: %v", err))
	}

	e.syncFromStore(ctx, req.ReviewID)
	now := e.now().UTC()
	updated, err := e.reg.Update(req.ReviewID, func(r *models.PendingReview) error {
		to, ok := transition(r.Status, evRequestModifications)
		if !ok {
			return failf(FailureAlreadyProcessed, r.ID, "Review already processed (status %s)", r.Status)
		}
		r.Decisions = append(r.Decisions, models.ReviewDecision{
			ReviewedBy:       req.ReviewedBy,
			ReviewedAt:       now,
			Type:             models.DecisionModificationsRequested,
			Comments:         req.Request,
			SuggestedChanges: req.SuggestedChanges.Clone(),
		})
		r.Status = to
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return failed(req.ReviewID, err)
	}

	e.logger.InfoContext(ctx, "modifications requested", "review_id", updated.ID, "reviewer", req.ReviewedBy)
	e.afterModificationsRequested(updated, req)

	return DecisionResult{
		Success:  true,
		Message:  "Modifications requested successfully",
		ReviewID: updated.ID,
		Status:   updated.Status,
	}
}
