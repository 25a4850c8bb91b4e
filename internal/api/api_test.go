package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fixgate/internal/audit"
	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/policy"
	"github.com/joescharf/fixgate/internal/store"
	"github.com/joescharf/fixgate/internal/workflow"
)

func setupTestServer(t *testing.T, opts ...Option) (*Server, *workflow.Engine, store.Store) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	p, err := policy.New(policy.Config{
		HumanReviewEnabled:               true,
		AutoApproveTimeout:               24 * time.Hour,
		CriticalSeverityRequiresApproval: true,
		RequireMultipleReviewers:         true,
	})
	require.NoError(t, err)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := workflow.NewEngine(p,
		workflow.WithFixRecordStore(s),
		workflow.WithSnapshotStore(s),
		workflow.WithAuditor(audit.NewStoreAuditor(s)),
		workflow.WithLogger(quiet),
	)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	srv, err := NewServer(e, s, append([]Option{WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	return srv, e, s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const criticalSubmission = `{
  "submitted_by": "error-detector",
  "error_event": {"service": "auth-gateway", "severity": "critical", "error_signature": "NullPointerException"},
  "proposed_fix": {
    "description": "guard nil token",
    "fix_type": "null_check",
    "files_modified": {"token.go": {"file_path": "token.go", "lines_added": 4, "lines_removed": 1, "change_type": "modify"}},
    "test_cases": [{"name": "TestNilToken"}]
  }
}`

func submitCritical(t *testing.T, h http.Handler) string {
	t.Helper()
	w := do(t, h, "POST", "/api/v1/reviews", criticalSubmission)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res workflow.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.ReviewID)
	assert.Equal(t, models.SeverityCritical, res.Severity)
	assert.True(t, res.RequiresApproval)
	return res.ReviewID
}

func TestListPending_Empty(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	w := do(t, srv.Router(), "GET", "/api/v1/reviews/pending", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestReviewLifecycle_API(t *testing.T) {
	srv, e, st := setupTestServer(t)
	router := srv.Router()
	id := submitCritical(t, router)

	// Get
	w := do(t, router, "GET", "/api/v1/reviews/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var rev models.PendingReview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rev))
	assert.Equal(t, models.ReviewStatusPending, rev.Status)
	assert.Equal(t, 2, rev.RequiredApprovals)

	// First approval is recorded only
	w = do(t, router, "POST", "/api/v1/reviews/"+id+"/approve", `{"reviewed_by":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res workflow.DecisionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, models.ReviewStatusPending, res.Status)

	// Same reviewer again
	w = do(t, router, "POST", "/api/v1/reviews/"+id+"/approve", `{"reviewed_by":"alice"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Second reviewer with modifications
	w = do(t, router, "POST", "/api/v1/reviews/"+id+"/approve",
		`{"reviewed_by":"bob","comments":"lgtm","modifications":{"additional_test_cases":[{"name":"TestExpired"}]}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, models.ReviewStatusApproved, res.Status)
	assert.Equal(t, "Fix approved and ready for deployment", res.Message)

	// Terminal
	w = do(t, router, "POST", "/api/v1/reviews/"+id+"/reject", `{"reviewed_by":"carol","reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Pending list is empty again
	w = do(t, router, "GET", "/api/v1/reviews/pending", "")
	assert.JSONEq(t, `[]`, w.Body.String())

	// Side effects land in the store
	require.NoError(t, e.Flush(context.Background()))
	w = do(t, router, "GET", "/api/v1/fix-records?status=approved", "")
	require.Equal(t, http.StatusOK, w.Code)
	var records []*models.FixRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ReviewID)
	assert.Equal(t, "lgtm", records[0].Notes)

	w = do(t, router, "GET", "/api/v1/audit?review_id="+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var events []*models.AuditEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	var names []string
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	assert.ElementsMatch(t, []string{audit.EventSubmitted, audit.EventApprovalRecorded, audit.EventApproved}, names)

	snap, err := st.GetReview(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusApproved, snap.Status)
	require.NotNil(t, snap.FinalFix)
	assert.Len(t, snap.FinalFix.TestCases, 2)
}

func TestRejectAndRequestModifications_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	id := submitCritical(t, router)
	w := do(t, router, "POST", "/api/v1/reviews/"+id+"/request-modifications",
		`{"reviewed_by":"alice","request":"add a test for expired tokens","suggested_changes":{"safety_check_override":{"checks":["canary"]}}}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "POST", "/api/v1/reviews/"+id+"/approve", `{"reviewed_by":"bob"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	id2 := submitCritical(t, router)
	w = do(t, router, "POST", "/api/v1/reviews/"+id2+"/reject",
		`{"reviewed_by":"alice","reason":"breaks checkout","suggestions":["add regression test"]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res workflow.DecisionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, models.ReviewStatusRejected, res.Status)
}

func TestNotFound_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "GET", "/api/v1/reviews/REVIEW_missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "POST", "/api/v1/reviews/REVIEW_missing/approve", `{"reviewed_by":"alice"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var res workflow.DecisionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Equal(t, workflow.FailureNotFound, res.Failure)
}

func TestSchemaValidation_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed json", "/api/v1/reviews", `{`},
		{"missing submitter", "/api/v1/reviews", `{"error_event":{"error_signature":"x"},"proposed_fix":{}}`},
		{"missing fix and patch", "/api/v1/reviews", `{"submitted_by":"d","error_event":{"error_signature":"x"}}`},
		{"bad change type", "/api/v1/reviews", `{"submitted_by":"d","error_event":{"error_signature":"x"},"proposed_fix":{"files_modified":{"a":{"change_type":"rename"}}}}`},
		{"approve without reviewer", "/api/v1/reviews/R/approve", `{}`},
		{"reject without reason", "/api/v1/reviews/R/reject", `{"reviewed_by":"a"}`},
		{"unknown modification field", "/api/v1/reviews/R/approve", `{"reviewed_by":"a","modifications":{"rewrite_everything":true}}`},
		{"empty override", "/api/v1/reviews/R/request-modifications", `{"reviewed_by":"a","request":"x","suggested_changes":{"safety_check_override":{"checks":[]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSubmitPatch_API(t *testing.T) {
	srv, e, _ := setupTestServer(t)
	router := srv.Router()

	body := map[string]any{
		"submitted_by": "error-detector",
		"error_event":  map[string]any{"service": "billing", "error_signature": "TimeoutError"},
		"patch": "--- a/client.go\n+++ b/client.go\n@@ -1,2 +1,2 @@\n package client\n-const timeout = 5\n+const timeout = 30\n",
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	w := do(t, router, "POST", "/api/v1/reviews", string(data))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res workflow.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	rev, ok := e.GetByID(res.ReviewID)
	require.True(t, ok)
	m := rev.ProposedFix.FilesModified["client.go"]
	assert.Equal(t, 1, m.LinesAdded)
	assert.Equal(t, 1, m.LinesRemoved)
}

func TestHistoryAndStatistics_API(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	router := srv.Router()
	submitCritical(t, router)

	w := do(t, router, "GET", "/api/v1/reviews/history?days=7", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rep workflow.HistoryReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, 1, rep.Stats.Total)
	assert.Equal(t, 1, rep.Stats.Pending)

	w = do(t, router, "GET", "/api/v1/reviews/history?days=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, router, "GET", "/api/v1/reviews/history?days=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/reviews/statistics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats workflow.Statistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.PendingReviews)
	assert.Equal(t, 1, stats.PendingBySeverity[models.SeverityCritical])

	w = do(t, router, "POST", "/api/v1/reviews/process-timeouts", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sweep workflow.SweepResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sweep))
	assert.Empty(t, sweep.AutoApproved)
}

func TestSubmitRateLimited(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithRateLimit(0.001, 2))
	router := srv.Router()

	for i := 0; i < 2; i++ {
		w := do(t, router, "POST", "/api/v1/reviews", criticalSubmission)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := do(t, router, "POST", "/api/v1/reviews", criticalSubmission)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// reads are not limited
	w = do(t, router, "GET", "/api/v1/reviews/pending", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	w := do(t, srv.Router(), "OPTIONS", "/api/v1/reviews", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNoStore(t *testing.T) {
	p, err := policy.New(policy.Config{HumanReviewEnabled: true})
	require.NoError(t, err)
	e := workflow.NewEngine(p, workflow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	srv, err := NewServer(e, nil)
	require.NoError(t, err)
	w := do(t, srv.Router(), "GET", "/api/v1/fix-records", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.limiter("10.0.0.1")
	rl.limiter("10.0.0.2")
	assert.Len(t, rl.visitors, 2)

	now = now.Add(5 * time.Minute)
	rl.limiter("10.0.0.3")
	assert.Len(t, rl.visitors, 1)
}
