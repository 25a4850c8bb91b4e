package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/store"
)

// SnapshotReader is implemented by snapshot stores that can be read back.
// When the configured SnapshotStore implements it, the engine adopts newer
// snapshots written by other processes before deciding on a review.
type SnapshotReader interface {
	GetReview(ctx context.Context, id string) (*models.PendingReview, error)
}

// SnapshotLister is implemented by snapshot stores that can list what they
// hold.
type SnapshotLister interface {
	ListReviews(ctx context.Context, filter store.ReviewFilter) ([]*models.PendingReview, error)
}

// LoadHistory loads stored reviews submitted in the last days that are
// missing from memory or newer than the held copy, so History covers windows
// older than what was restored at startup. It is a no-op without a listable snapshot store or
// when days is not positive.
func (e *Engine) LoadHistory(ctx context.Context, days int) error {
	lister, ok := e.snapshots.(SnapshotLister)
	if !ok || days <= 0 {
		return nil
	}
	since := e.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	reviews, err := lister.ListReviews(ctx, store.ReviewFilter{Since: since})
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	n := 0
	for _, r := range reviews {
		if e.reg.Refresh(r) {
			n++
		}
	}
	if n > 0 {
		e.logger.DebugContext(ctx, "loaded stored reviews", "days", days, "count", n)
	}
	return nil
}

// syncFromStore adopts the stored snapshot of id when it is newer than the
// in-memory copy. A missing snapshot or a read error leaves the registry as
// it is.
func (e *Engine) syncFromStore(ctx context.Context, id string) {
	reader, ok := e.snapshots.(SnapshotReader)
	if !ok || id == "" {
		return
	}
	stored, err := reader.GetReview(ctx, id)
	if err != nil || stored == nil {
		return
	}
	if e.reg.Refresh(stored) {
		e.logger.InfoContext(ctx, "adopted newer stored review", "review_id", id,
			"status", stored.Status, "version", stored.Version)
	}
}

// saveSnapshot persists snap. A conflict means another writer got there
// first; the stored state is adopted instead of overwritten.
func (e *Engine) saveSnapshot(ctx context.Context, snap *models.PendingReview) error {
	err := e.snapshots.SaveReview(ctx, snap)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	if reader, ok := e.snapshots.(SnapshotReader); ok {
		stored, rerr := reader.GetReview(ctx, snap.ID)
		if rerr == nil && stored.Status != snap.Status {
			e.logger.WarnContext(ctx, "review was decided by another process",
				"review_id", snap.ID, "ours", snap.Status, "stored", stored.Status)
		}
	}
	e.syncFromStore(ctx, snap.ID)
	return nil
}

// updateRecord moves the fix record of id to status. A record that is
// already final is left alone.
func (e *Engine) updateRecord(ctx context.Context, id string, status models.FixRecordStatus, notes string) error {
	err := e.records.UpdateFixRecordStatusByReviewID(ctx, id, status, notes)
	if errors.Is(err, store.ErrConflict) {
		e.logger.WarnContext(ctx, "fix record already final", "review_id", id, "wanted", status, "error", err)
		return nil
	}
	return err
}
