package workflow

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/joescharf/fixgate/internal/models"
)

// DefaultSweepInterval is how often a Sweeper runs when no interval is set.
const DefaultSweepInterval = 15 * time.Minute

// SweepResult summarizes one timeout sweep.
type SweepResult struct {
	Examined     int               `json:"examined"`
	AutoApproved []string          `json:"auto_approved"`
	Failed       map[string]string `json:"failed,omitempty"`
}

func timedOut(r *models.PendingReview, cutoff time.Time) bool {
	return r.Status == models.ReviewStatusPending && !r.RequiresApproval && r.SubmittedAt.Before(cutoff)
}

// ProcessTimeouts auto-approves every pending review that does not require
// approval and was submitted more than timeout before now. Each candidate is
// first synced with its stored snapshot, and eligibility is rechecked under
// the review's lock, so overlapping sweeps and decisions made here or in
// another process never approve a review twice.
func (e *Engine) ProcessTimeouts(ctx context.Context, now time.Time, timeout time.Duration) SweepResult {
	ctx, span := e.startSpan(ctx, "ProcessTimeouts", "")
	defer span.End()

	cutoff := now.Add(-timeout)
	ids := e.reg.IDs(func(r *models.PendingReview) bool { return timedOut(r, cutoff) })
	sort.Strings(ids)

	res := SweepResult{Examined: len(ids), AutoApproved: []string{}}
	for _, id := range ids {
		if ctx.Err() != nil {
			res.fail(id, ctx.Err().Error())
			continue
		}
		e.syncFromStore(ctx, id)
		updated, swept, err := e.autoApprove(id, now, cutoff)
		switch {
		case err != nil:
			res.fail(id, err.Error())
			e.logger.WarnContext(ctx, "auto-approval failed", "review_id", id, "error", err)
		case swept:
			res.AutoApproved = append(res.AutoApproved, id)
			e.logger.InfoContext(ctx, "fix auto-approved after timeout", "review_id", id)
			e.afterAutoApproved(updated, timeout)
		}
	}
	return res
}

// autoApprove applies the timeout transition to one review. swept is false
// when the review was no longer eligible by the time its lock was taken.
func (e *Engine) autoApprove(id string, now, cutoff time.Time) (r *models.PendingReview, swept bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = failf(FailureValidation, id, "panic during auto-approval: %v", p)
		}
	}()

	errSkip := &Error{Kind: FailureAlreadyProcessed, ReviewID: id, Msg: "no longer eligible"}
	updated, err := e.reg.Update(id, func(r *models.PendingReview) error {
		if !timedOut(r, cutoff) {
			return errSkip
		}
		to, ok := transition(r.Status, evTimeout)
		if !ok {
			return errSkip
		}
		r.Decisions = append(r.Decisions, models.ReviewDecision{
			ReviewedBy: models.SystemReviewer,
			ReviewedAt: now.UTC(),
			Type:       models.DecisionAutoApproved,
			Comments:   "Auto-approved after timeout",
		})
		final := r.ProposedFix.Clone()
		r.FinalFix = &final
		r.Status = to
		r.UpdatedAt = now.UTC()
		return nil
	})
	if err == errSkip {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (r *SweepResult) fail(id, msg string) {
	if r.Failed == nil {
		r.Failed = map[string]string{}
	}
	r.Failed[id] = msg
}

// DueForAutoApproval returns the reviews a sweep run now would auto-approve,
// oldest first.
func (e *Engine) DueForAutoApproval() []*models.PendingReview {
	cutoff := e.now().UTC().Add(-e.cfg.AutoApproveTimeout)
	due := e.reg.Snapshot(func(r *models.PendingReview) bool { return timedOut(r, cutoff) })
	sort.Slice(due, func(i, j int) bool {
		if !due[i].SubmittedAt.Equal(due[j].SubmittedAt) {
			return due[i].SubmittedAt.Before(due[j].SubmittedAt)
		}
		return due[i].ID < due[j].ID
	})
	return due
}

// ProcessTimeoutsNow runs ProcessTimeouts with the engine clock and the
// configured auto-approve timeout.
func (e *Engine) ProcessTimeoutsNow(ctx context.Context) SweepResult {
	return e.ProcessTimeouts(ctx, e.now().UTC(), e.cfg.AutoApproveTimeout)
}

// Sweeper periodically runs the timeout sweep.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. A non-positive interval uses
// DefaultSweepInterval.
func (e *Engine) NewSweeper(interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{engine: e, interval: interval, logger: e.logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	res := s.engine.ProcessTimeoutsNow(ctx)
	if len(res.AutoApproved) > 0 || len(res.Failed) > 0 {
		s.logger.InfoContext(ctx, "timeout sweep complete",
			"examined", res.Examined, "auto_approved", len(res.AutoApproved), "failed", len(res.Failed))
	}
}
