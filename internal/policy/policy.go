// Package policy decides whether a proposed fix needs human sign-off and how
// many approvals satisfy it.
package policy

import (
	"fmt"
	"log/slog"

	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/scoring"
)

// ComplexityApprovalThreshold is the complexity score at or above which a
// fix always needs human approval.
const ComplexityApprovalThreshold = 7

// Policy evaluates the approval rules for a Config.
type Policy struct {
	cfg   Config
	rules *ruleEvaluator
}

// New creates a Policy. Approval rules are compiled up front so a bad rule
// is reported at startup rather than on the first submission.
func New(cfg Config) (*Policy, error) {
	p := &Policy{cfg: cfg}
	if len(cfg.ApprovalRules) == 0 {
		return p, nil
	}
	rules, err := newRuleEvaluator()
	if err != nil {
		return nil, err
	}
	for _, r := range cfg.ApprovalRules {
		if _, err := rules.compile(r); err != nil {
			return nil, fmt.Errorf("approval rule: %w", err)
		}
	}
	p.rules = rules
	return p, nil
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// RequiresApproval reports whether a fix with the given severity, event and
// complexity needs human sign-off before it can ship.
func (p *Policy) RequiresApproval(sev models.Severity, ev models.ErrorEvent, complexity int) bool {
	if p.cfg.CriticalSeverityRequiresApproval && sev == models.SeverityCritical {
		return true
	}
	if scoring.IsCriticalService(ev.Service) {
		return true
	}
	if complexity >= ComplexityApprovalThreshold {
		return true
	}
	return p.matchesRule(sev, ev, complexity)
}

// matchesRule evaluates the configured CEL rules. A rule that fails to
// evaluate counts as a match.
func (p *Policy) matchesRule(sev models.Severity, ev models.ErrorEvent, complexity int) bool {
	if p.rules == nil {
		return false
	}
	input := map[string]any{
		"service":           ev.Service,
		"signature":         ev.ErrorSignature,
		"declared_severity": ev.Severity,
		"severity":          string(sev),
		"complexity":        int64(complexity),
		"occurrences":       int64(ev.OccurrenceCount),
	}
	for _, r := range p.cfg.ApprovalRules {
		ok, err := p.rules.eval(r, input)
		if err != nil {
			slog.Warn("approval rule failed, requiring approval", "rule", r, "error", err)
			return true
		}
		if ok {
			return true
		}
	}
	return false
}

// RequiredApprovals returns how many distinct approvals a review of the
// given severity needs.
func (p *Policy) RequiredApprovals(sev models.Severity) int {
	if p.cfg.RequireMultipleReviewers && sev == models.SeverityCritical {
		return 2
	}
	return 1
}

// SatisfiesApprovalThreshold reports whether r has collected enough
// approvals from distinct reviewers.
func (p *Policy) SatisfiesApprovalThreshold(r *models.PendingReview) bool {
	return r.ApprovalCount() >= p.RequiredApprovals(r.Severity)
}
