package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/workflow"
)

// reviewEnv extends testEnv with captured output, a temp database and reset
// review flags.
func reviewEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	dir := testEnv(t)

	var out bytes.Buffer
	ui.Out = &out
	ui.ErrOut = &bytes.Buffer{}

	submitEventFile, submitFixFile, submitPatchFile, submitRoot, submitGitRev, submitBy = "", "", "", "", "", ""
	decisionBy, approveComments, approveModsFile = "", "", ""
	rejectReason, rejectSuggestions = "", nil
	changesRequest, changesFile = "", ""
	reviewListSeverity = ""
	historyDays = 30
	reviewJSON = true
	exportType, reportFormat, exportDays, exportLimit = "reviews", "json", 0, 0

	t.Cleanup(func() {
		reviewJSON = false
		_ = shutdownDeps(context.Background())
	})
	return dir, &out
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const (
	eventJSON = `{"service":"order-service","error_signature":"NullPointerException in CheckoutHandler","occurrence_count":3}`
	fixJSON   = `{
  "description": "guard nil customer",
  "fix_type": "null_check",
  "files_modified": {
    "checkout.go": {
      "file_path": "checkout.go",
      "original_content": "return c.Name\n",
      "modified_content": "if c == nil {\n\treturn \"\"\n}\nreturn c.Name\n",
      "change_type": "modify"
    }
  },
  "test_cases": [{"name": "TestNilCustomer"}]
}`
)

func submitTestFix(t *testing.T, dir string, out *bytes.Buffer) string {
	t.Helper()
	submitEventFile = writeFile(t, dir, "event.json", eventJSON)
	submitFixFile = writeFile(t, dir, "fix.json", fixJSON)
	submitBy = "fix-generator"

	out.Reset()
	require.NoError(t, reviewSubmitRun(context.Background()))

	var res workflow.SubmitResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.NotEmpty(t, res.ReviewID)
	assert.False(t, res.AutoApproved)
	return res.ReviewID
}

func TestReviewCommands_Lifecycle(t *testing.T) {
	dir, out := reviewEnv(t)
	ctx := context.Background()

	id := submitTestFix(t, dir, out)

	// A new process sees the review through the persisted snapshot.
	require.NoError(t, shutdownDeps(ctx))
	out.Reset()
	require.NoError(t, reviewListRun(ctx))
	var pending []*models.PendingReview
	require.NoError(t, json.Unmarshal(out.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, models.ReviewStatusPending, pending[0].Status)

	decisionBy = "alice"
	approveComments = "looks good"
	out.Reset()
	require.NoError(t, reviewApproveRun(ctx, id))
	var dec workflow.DecisionResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &dec))
	assert.True(t, dec.Success)
	assert.Equal(t, models.ReviewStatusApproved, dec.Status)

	require.NoError(t, shutdownDeps(ctx))
	out.Reset()
	require.NoError(t, reviewShowRun(ctx, id))
	var shown models.PendingReview
	require.NoError(t, json.Unmarshal(out.Bytes(), &shown))
	assert.Equal(t, models.ReviewStatusApproved, shown.Status)
	require.Len(t, shown.Decisions, 1)
	assert.Equal(t, "alice", shown.Decisions[0].ReviewedBy)

	// Fix record follows the review.
	exportType = "fix-records"
	reportFormat = "csv"
	out.Reset()
	require.NoError(t, exportRun(ctx))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "approved")

	// Audit trail persisted through the store auditor.
	exportType = "audit"
	reportFormat = "markdown"
	out.Reset()
	require.NoError(t, exportRun(ctx))
	assert.Contains(t, out.String(), "# Audit Trail")
	assert.Contains(t, out.String(), id)
}

func TestReviewCommands_RejectAndHistory(t *testing.T) {
	dir, out := reviewEnv(t)
	ctx := context.Background()

	id := submitTestFix(t, dir, out)

	decisionBy = "bob"
	rejectReason = "wrong layer"
	rejectSuggestions = []string{"fix the repository"}
	out.Reset()
	require.NoError(t, reviewRejectRun(ctx, id))

	// Terminal reviews cannot be decided again.
	decisionBy = "carol"
	err := reviewApproveRun(ctx, id)
	assert.ErrorIs(t, err, workflow.ErrAlreadyProcessed)

	out.Reset()
	require.NoError(t, reviewHistoryRun(ctx))
	var rep workflow.HistoryReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, 1, rep.Stats.Rejected)
	assert.Equal(t, 1, rep.Stats.Total)

	out.Reset()
	require.NoError(t, reviewStatsRun(ctx))
	var st workflow.Statistics
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Equal(t, 0, st.PendingReviews)
	assert.Equal(t, 0.0, st.ApprovalRate)
}

func TestReviewCommands_RequestChanges(t *testing.T) {
	dir, out := reviewEnv(t)
	ctx := context.Background()

	id := submitTestFix(t, dir, out)

	decisionBy = "dana"
	changesRequest = "add a regression test"
	changesFile = writeFile(t, dir, "changes.json", `{"additional_test_cases":[{"name":"TestRegression"}]}`)
	out.Reset()
	require.NoError(t, reviewRequestChangesRun(ctx, id))

	var dec workflow.DecisionResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &dec))
	assert.Equal(t, models.ReviewStatusModificationsRequested, dec.Status)
}

func TestReviewCommands_NotFound(t *testing.T) {
	reviewEnv(t)
	decisionBy = "alice"
	rejectReason = "nope"

	err := reviewRejectRun(context.Background(), "REVIEW_MISSING")
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	err = reviewShowRun(context.Background(), "REVIEW_MISSING")
	assert.ErrorContains(t, err, "not found")
}

func TestReviewSubmit_RequiresFixOrPatch(t *testing.T) {
	dir, _ := reviewEnv(t)
	submitEventFile = writeFile(t, dir, "event.json", eventJSON)
	submitBy = "ci"

	err := reviewSubmitRun(context.Background())
	assert.ErrorContains(t, err, "--fix, --patch or --git")
}

func TestReviewSubmit_PatchWithRoot(t *testing.T) {
	dir, out := reviewEnv(t)
	repo := filepath.Join(dir, "repo")
	writeFile(t, repo, "app/main.go", "package main\nfunc main() {}\n")

	submitEventFile = writeFile(t, dir, "event.json", eventJSON)
	submitPatchFile = writeFile(t, dir, "fix.diff", `--- a/app/main.go
+++ b/app/main.go
@@ -1,2 +1,3 @@
 package main
+// main is the entry point.
 func main() {}
`)
	submitRoot = repo
	submitBy = "ci"

	require.NoError(t, reviewSubmitRun(context.Background()))
	var res workflow.SubmitResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))

	e, err := getEngine(context.Background())
	require.NoError(t, err)
	r, ok := e.GetByID(res.ReviewID)
	require.True(t, ok)
	m := r.ProposedFix.FilesModified["app/main.go"]
	assert.Equal(t, 1, m.LinesAdded)
	assert.Contains(t, m.ModifiedContent, "// main is the entry point.")
	assert.Equal(t, "package main\nfunc main() {}\n", m.OriginalContent)
}

// fakeGit serves a fixed diff and base contents.
type fakeGit struct {
	diff  string
	files map[string]string
}

func (f fakeGit) RepoRoot(dir string) (string, error)   { return dir, nil }
func (f fakeGit) HeadCommit(dir string) (string, error) { return "abc123", nil }
func (f fakeGit) Diff(dir, rev string) (string, error)  { return f.diff, nil }
func (f fakeGit) Show(dir, rev, file string) ([]byte, error) {
	content, ok := f.files[file]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(content), nil
}

func TestReviewSubmit_FromGit(t *testing.T) {
	dir, out := reviewEnv(t)
	orig := gitClient
	gitClient = fakeGit{
		diff:  "--- a/cfg.go\n+++ b/cfg.go\n@@ -1 +1,2 @@\n x := 1\n+y := 2\n",
		files: map[string]string{"cfg.go": "x := 1\n"},
	}
	t.Cleanup(func() { gitClient = orig })

	submitEventFile = writeFile(t, dir, "event.json", eventJSON)
	submitGitRev = "HEAD"
	submitBy = "ci"

	require.NoError(t, reviewSubmitRun(context.Background()))
	var res workflow.SubmitResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))

	e, err := getEngine(context.Background())
	require.NoError(t, err)
	r, ok := e.GetByID(res.ReviewID)
	require.True(t, ok)
	assert.Equal(t, "x := 1\ny := 2\n", r.ProposedFix.FilesModified["cfg.go"].ModifiedContent)
}

func TestRootReader_RefusesEscape(t *testing.T) {
	root := t.TempDir()
	read := rootReader(root)

	_, err := read("../etc/passwd")
	assert.ErrorContains(t, err, "outside")
}

func TestReviewSweep_NothingDue(t *testing.T) {
	dir, out := reviewEnv(t)
	id := submitTestFix(t, dir, out)

	out.Reset()
	require.NoError(t, reviewSweepRun(context.Background()))
	var res workflow.SweepResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	// Only reviews past the timeout are examined.
	assert.Equal(t, 0, res.Examined)
	assert.NotContains(t, res.AutoApproved, id)
}

func TestReviewList_Table(t *testing.T) {
	dir, out := reviewEnv(t)
	id := submitTestFix(t, dir, out)

	reviewJSON = false
	out.Reset()
	require.NoError(t, reviewListRun(context.Background()))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "order-service")
}

func TestTruncateAndFormatAge(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "2d", formatAge(49*time.Hour))
}

func TestReviewWrites_RefusedWhileServerRuns(t *testing.T) {
	dir, out := reviewEnv(t)
	id := submitTestFix(t, dir, out)

	// The parent process stands in for a live background server.
	pf := pidFile()
	require.NoError(t, pf.WritePID(os.Getppid()))
	t.Cleanup(func() { _ = pf.Remove() })

	decisionBy = "bob"
	rejectReason = "wrong layer"
	err := reviewRejectRun(context.Background(), id)
	assert.ErrorContains(t, err, "server is running")

	decisionBy = "alice"
	assert.ErrorContains(t, reviewApproveRun(context.Background(), id), "server is running")
	changesRequest = "add a test"
	assert.ErrorContains(t, reviewRequestChangesRun(context.Background(), id), "server is running")
	assert.ErrorContains(t, reviewSubmitRun(context.Background()), "server is running")
	assert.ErrorContains(t, reviewSweepRun(context.Background()), "server is running")

	// Reads still work.
	out.Reset()
	require.NoError(t, reviewShowRun(context.Background(), id))
	assert.Contains(t, out.String(), id)

	require.NoError(t, pf.Remove())
	require.NoError(t, reviewRejectRun(context.Background(), id))
}

func TestReviewReject_SuggestionsKeepCommas(t *testing.T) {
	reviewEnv(t)
	flags := reviewRejectCmd.Flags()
	require.NoError(t, flags.Parse([]string{
		"--suggest", "add regression test, then rerun",
		"--suggest", "check the cache",
	}))
	assert.Equal(t, []string{"add regression test, then rerun", "check the cache"}, rejectSuggestions)
}

func TestReviewSweep_DryRunCountsOnlyDueReviews(t *testing.T) {
	dir, out := reviewEnv(t)
	submitTestFix(t, dir, out)

	var errOut bytes.Buffer
	ui.ErrOut = &errOut
	dryRun = true
	ui.DryRun = true
	t.Cleanup(func() {
		dryRun = false
		ui.DryRun = false
	})

	require.NoError(t, reviewSweepRun(context.Background()))
	assert.Contains(t, errOut.String(), "Would auto-approve 0 reviews")
}
