package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fixgate/internal/models"
)

func newReview(id string) *models.PendingReview {
	return &models.PendingReview{ID: id, Status: models.ReviewStatusPending}
}

func TestInsertGet(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Insert(newReview("r1")))

	err := reg.Insert(newReview("r1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	assert.Error(t, reg.Insert(&models.PendingReview{}))

	got, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Insert(newReview("r1")))

	got, _ := reg.Get("r1")
	got.Status = models.ReviewStatusApproved
	got.Decisions = append(got.Decisions, models.ReviewDecision{ReviewedBy: "x"})

	again, _ := reg.Get("r1")
	assert.Equal(t, models.ReviewStatusPending, again.Status)
	assert.Empty(t, again.Decisions)
}

func TestUpdate_CommitAndRollback(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Insert(newReview("r1")))

	out, err := reg.Update("r1", func(r *models.PendingReview) error {
		r.Status = models.ReviewStatusRejected
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusRejected, out.Status)
	assert.Equal(t, int64(1), out.Version)

	boom := errors.New("boom")
	_, err = reg.Update("r1", func(r *models.PendingReview) error {
		r.Status = models.ReviewStatusPending
		r.Decisions = append(r.Decisions, models.ReviewDecision{ReviewedBy: "x"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := reg.Get("r1")
	assert.Equal(t, models.ReviewStatusRejected, got.Status)
	assert.Empty(t, got.Decisions)
	assert.Equal(t, int64(1), got.Version)

	_, err = reg.Update("missing", func(*models.PendingReview) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_ConcurrentAppendsAreNotLost(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Insert(newReview("r1")))

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Update("r1", func(r *models.PendingReview) error {
				r.Decisions = append(r.Decisions, models.ReviewDecision{ReviewedBy: fmt.Sprintf("u%d", i)})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, _ := reg.Get("r1")
	assert.Len(t, got.Decisions, n)
	assert.Equal(t, int64(n), got.Version)
}

func TestSnapshot(t *testing.T) {
	reg := New()
	for i := 0; i < 5; i++ {
		r := newReview(fmt.Sprintf("r%d", i))
		if i%2 == 0 {
			r.Status = models.ReviewStatusApproved
		}
		require.NoError(t, reg.Insert(r))
	}

	all := reg.Snapshot(nil)
	assert.Len(t, all, 5)

	approved := reg.Snapshot(func(r *models.PendingReview) bool { return r.Status == models.ReviewStatusApproved })
	assert.Len(t, approved, 3)

	assert.ElementsMatch(t, []string{"r1", "r3"}, reg.IDs(func(r *models.PendingReview) bool {
		return r.Status == models.ReviewStatusPending
	}))
}

func TestRefresh(t *testing.T) {
	reg := New()
	r := newReview("r1")
	r.Version = 2
	require.NoError(t, reg.Insert(r))

	older := newReview("r1")
	older.Version = 1
	older.Status = models.ReviewStatusApproved
	assert.False(t, reg.Refresh(older))

	same := newReview("r1")
	same.Version = 2
	same.Status = models.ReviewStatusApproved
	assert.False(t, reg.Refresh(same))

	newer := newReview("r1")
	newer.Version = 3
	newer.Status = models.ReviewStatusRejected
	assert.True(t, reg.Refresh(newer))

	got, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Equal(t, models.ReviewStatusRejected, got.Status)

	// Unknown ids are inserted.
	assert.True(t, reg.Refresh(newReview("r2")))
	assert.Equal(t, 2, reg.Len())
	assert.False(t, reg.Refresh(nil))
}
