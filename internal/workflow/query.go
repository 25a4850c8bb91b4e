package workflow

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/joescharf/fixgate/internal/models"
)

// StatisticsWindow is the look-back period used by Statistics.
const StatisticsWindow = 7 * 24 * time.Hour

// ListPending returns copies of all open reviews, most severe first, then
// oldest first.
func (e *Engine) ListPending() []*models.PendingReview {
	out := e.reg.Snapshot(func(r *models.PendingReview) bool { return r.Status.Open() })
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra > rb
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// GetByID returns a copy of the review with the given id.
func (e *Engine) GetByID(id string) (*models.PendingReview, bool) {
	return e.reg.Get(id)
}

// HistoryStats counts reviews by status.
type HistoryStats struct {
	Approved               int `json:"approved"`
	Rejected               int `json:"rejected"`
	Pending                int `json:"pending"`
	ModificationsRequested int `json:"modifications_requested"`
	Total                  int `json:"total"`
}

func (s *HistoryStats) add(status models.ReviewStatus) {
	s.Total++
	switch status {
	case models.ReviewStatusApproved:
		s.Approved++
	case models.ReviewStatusRejected:
		s.Rejected++
	case models.ReviewStatusPending:
		s.Pending++
	case models.ReviewStatusModificationsRequested:
		s.ModificationsRequested++
	}
}

// HistoryReport is the result of History.
type HistoryReport struct {
	Days    int                     `json:"days"`
	Reviews []*models.PendingReview `json:"reviews"`
	Stats   HistoryStats            `json:"stats"`
}

// History returns reviews submitted in the last days days, newest first.
func (e *Engine) History(days int) (HistoryReport, error) {
	if days <= 0 {
		return HistoryReport{}, failf(FailureValidation, "", "days must be positive, got %d", days)
	}
	since := e.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	reviews := e.reg.Snapshot(func(r *models.PendingReview) bool { return !r.SubmittedAt.Before(since) })
	sort.Slice(reviews, func(i, j int) bool {
		if !reviews[i].SubmittedAt.Equal(reviews[j].SubmittedAt) {
			return reviews[i].SubmittedAt.After(reviews[j].SubmittedAt)
		}
		return reviews[i].ID < reviews[j].ID
	})

	rep := HistoryReport{Days: days, Reviews: reviews}
	for _, r := range reviews {
		rep.Stats.add(r.Status)
	}
	return rep, nil
}

// Statistics summarizes the review queue.
type Statistics struct {
	PendingReviews     int                     `json:"pending_reviews"`
	PendingBySeverity  map[models.Severity]int `json:"pending_by_severity"`
	LastWeek           HistoryStats            `json:"last_7_days"`
	ApprovalRate       float64                 `json:"approval_rate"`
	OldestPendingID    string                  `json:"oldest_pending_id,omitempty"`
	OldestPendingHours float64                 `json:"oldest_pending_hours,omitempty"`
}

// String renders the approval rate as the percentage shown to reviewers.
func (s Statistics) String() string {
	return fmt.Sprintf("%d pending, %.1f%% approved over the last 7 days", s.PendingReviews, s.ApprovalRate)
}

// Statistics computes queue statistics at the engine's current time.
func (e *Engine) Statistics() Statistics {
	now := e.now().UTC()
	since := now.Add(-StatisticsWindow)

	st := Statistics{PendingBySeverity: make(map[models.Severity]int, len(models.Severities))}
	for _, sev := range models.Severities {
		st.PendingBySeverity[sev] = 0
	}

	var oldest *models.PendingReview
	for _, r := range e.reg.Snapshot(nil) {
		if r.Status == models.ReviewStatusPending {
			st.PendingReviews++
			st.PendingBySeverity[r.Severity]++
			if oldest == nil || r.SubmittedAt.Before(oldest.SubmittedAt) {
				oldest = r
			}
		}
		if !r.SubmittedAt.Before(since) {
			st.LastWeek.add(r.Status)
		}
	}

	if decided := st.LastWeek.Approved + st.LastWeek.Rejected; decided > 0 {
		st.ApprovalRate = math.Round(float64(st.LastWeek.Approved)/float64(decided)*1000) / 10
	}
	if oldest != nil {
		st.OldestPendingID = oldest.ID
		st.OldestPendingHours = math.Round(now.Sub(oldest.SubmittedAt).Hours()*10) / 10
	}
	return st
}

// Restore loads previously persisted reviews into an empty engine. Reviews
// whose id is already present are skipped. It returns the number loaded.
func (e *Engine) Restore(reviews []*models.PendingReview) (int, error) {
	n := 0
	for _, r := range reviews {
		if _, ok := e.reg.Get(r.ID); ok {
			continue
		}
		if err := e.reg.Insert(r); err != nil {
			return n, fmt.Errorf("restore %s: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}
