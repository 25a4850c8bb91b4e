package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/fixgate/internal/models"
)

// ErrConflict is returned when a write would regress state already
// persisted by another writer: a stale review snapshot, or a status change
// on a fix record that is already approved or rejected.
var ErrConflict = errors.New("store conflict")

// FixRecordFilter specifies filters for listing fix records.
type FixRecordFilter struct {
	Status  models.FixRecordStatus
	Service string
	Limit   int
}

// AuditFilter specifies filters for listing audit events.
type AuditFilter struct {
	ReviewID string
	Category models.AuditCategory
	Since    time.Time
	Limit    int
}

// ReviewFilter specifies filters for listing review snapshots.
type ReviewFilter struct {
	Since    time.Time
	OpenOnly bool
}

// Store defines the persistence interface for fixgate.
type Store interface {
	// Fix records
	SaveFixRecord(ctx context.Context, r *models.FixRecord) error
	UpdateFixRecordStatusByReviewID(ctx context.Context, reviewID string, status models.FixRecordStatus, notes string) error
	GetFixRecordByReviewID(ctx context.Context, reviewID string) (*models.FixRecord, error)
	ListFixRecords(ctx context.Context, filter FixRecordFilter) ([]*models.FixRecord, error)

	// Audit trail
	SaveAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)

	// Review snapshots
	SaveReview(ctx context.Context, r *models.PendingReview) error
	GetReview(ctx context.Context, id string) (*models.PendingReview, error)
	ListReviews(ctx context.Context, filter ReviewFilter) ([]*models.PendingReview, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
