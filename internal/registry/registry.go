// Package registry holds in-flight reviews in memory. Each review lives in
// its own cell with its own lock, so updates to one review are serialized
// while different reviews proceed in parallel.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joescharf/fixgate/internal/models"
)

// ErrNotFound is returned for unknown review IDs.
var ErrNotFound = errors.New("review not found")

type cell struct {
	mu     sync.Mutex
	review *models.PendingReview
}

// Registry is a concurrent map of review ID to review.
type Registry struct {
	mu    sync.RWMutex
	cells map[string]*cell
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{cells: make(map[string]*cell)}
}

// Insert adds a copy of r. IDs must be unique for the life of the registry.
func (reg *Registry) Insert(r *models.PendingReview) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("insert review: missing id")
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.cells[r.ID]; ok {
		return fmt.Errorf("insert review: duplicate id %s", r.ID)
	}
	reg.cells[r.ID] = &cell{review: r.Clone()}
	return nil
}

func (reg *Registry) cell(id string) (*cell, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	c, ok := reg.cells[id]
	return c, ok
}

// Get returns a copy of the review with the given id.
func (reg *Registry) Get(id string) (*models.PendingReview, bool) {
	c, ok := reg.cell(id)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.review.Clone(), true
}

// Update runs fn against a working copy of the review while holding the
// review's lock. When fn returns nil the copy replaces the stored review and
// its Version is bumped; otherwise the stored review is left untouched and
// fn's error is returned. The committed review is returned as a copy.
func (reg *Registry) Update(id string, fn func(r *models.PendingReview) error) (*models.PendingReview, error) {
	c, ok := reg.cell(id)
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	work := c.review.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.Version = c.review.Version + 1
	c.review = work
	return work.Clone(), nil
}

// Refresh adopts r when it is newer than the held copy, or inserts it when
// the id is unknown. It reports whether the registry changed.
func (reg *Registry) Refresh(r *models.PendingReview) bool {
	if r == nil || r.ID == "" {
		return false
	}
	reg.mu.Lock()
	c, ok := reg.cells[r.ID]
	if !ok {
		reg.cells[r.ID] = &cell{review: r.Clone()}
		reg.mu.Unlock()
		return true
	}
	reg.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Version <= c.review.Version {
		return false
	}
	c.review = r.Clone()
	return true
}

// Snapshot returns copies of every review accepted by keep. A nil keep
// accepts everything. Order is unspecified.
func (reg *Registry) Snapshot(keep func(r *models.PendingReview) bool) []*models.PendingReview {
	reg.mu.RLock()
	cells := make([]*cell, 0, len(reg.cells))
	for _, c := range reg.cells {
		cells = append(cells, c)
	}
	reg.mu.RUnlock()

	out := make([]*models.PendingReview, 0, len(cells))
	for _, c := range cells {
		c.mu.Lock()
		if keep == nil || keep(c.review) {
			out = append(out, c.review.Clone())
		}
		c.mu.Unlock()
	}
	return out
}

// IDs returns the ids of every review accepted by keep.
func (reg *Registry) IDs(keep func(r *models.PendingReview) bool) []string {
	var ids []string
	for _, r := range reg.Snapshot(keep) {
		ids = append(ids, r.ID)
	}
	return ids
}

// Len returns the number of reviews held.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.cells)
}
