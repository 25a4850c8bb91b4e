package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/fixgate/internal/git"
	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/output"
	"github.com/joescharf/fixgate/internal/patch"
	"github.com/joescharf/fixgate/internal/workflow"
)

var (
	reviewJSON bool

	submitEventFile string
	submitFixFile   string
	submitPatchFile string
	submitRoot      string
	submitGitRev    string
	submitBy        string

	gitClient git.Client = git.NewClient()

	reviewListSeverity string

	decisionBy        string
	approveComments   string
	approveModsFile   string
	rejectReason      string
	rejectSuggestions []string
	changesRequest    string
	changesFile       string

	historyDays int
)

var reviewCmd = &cobra.Command{
	Use:     "review",
	Aliases: []string{"r"},
	Short:   "Submit and decide code fix reviews",
}

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a proposed fix for review",
	Long: `Submit a proposed fix for an error event.

The event and fix are JSON files ("-" reads stdin). A unified diff can be
given with --patch instead of, or in addition to, --fix; with --root the
original files are read from that directory so full contents are recorded.
With --git the patch is the working tree of --root diffed against that
revision, and originals are read from the revision.`,
	Example: `  fixgate review submit --event event.json --fix fix.json --by fix-generator
  fixgate review submit --event event.json --patch fix.diff --root . --by ci
  fixgate review submit --event event.json --git HEAD --root ./service --by ci`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewSubmitRun(cmd.Context())
	},
}

var reviewListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List open reviews, most severe first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewListRun(cmd.Context())
	},
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <review-id>",
	Short: "Show a review and its decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewShowRun(cmd.Context(), args[0])
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <review-id>",
	Short: "Approve a fix, optionally with modifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewApproveRun(cmd.Context(), args[0])
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <review-id>",
	Short: "Reject a fix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewRejectRun(cmd.Context(), args[0])
	},
}

var reviewRequestChangesCmd = &cobra.Command{
	Use:   "request-changes <review-id>",
	Short: "Ask the fix generator for changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewRequestChangesRun(cmd.Context(), args[0])
	},
}

var reviewHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show reviews submitted in the last N days",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewHistoryRun(cmd.Context())
	},
}

var reviewStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show review queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewStatsRun(cmd.Context())
	},
}

var reviewSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Auto-approve low-risk reviews past the timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewSweepRun(cmd.Context())
	},
}

func init() {
	reviewCmd.PersistentFlags().BoolVar(&reviewJSON, "json", false, "Print JSON instead of tables")

	reviewSubmitCmd.Flags().StringVar(&submitEventFile, "event", "", "Error event JSON file (required)")
	reviewSubmitCmd.Flags().StringVar(&submitFixFile, "fix", "", "Proposed fix JSON file")
	reviewSubmitCmd.Flags().StringVar(&submitPatchFile, "patch", "", "Unified diff file")
	reviewSubmitCmd.Flags().StringVar(&submitRoot, "root", "", "Repository root for reading original files of --patch")
	reviewSubmitCmd.Flags().StringVar(&submitGitRev, "git", "", "Diff the --root working tree against this revision")
	reviewSubmitCmd.Flags().StringVar(&submitBy, "by", "", "Submitter identity (required)")
	_ = reviewSubmitCmd.MarkFlagRequired("event")
	_ = reviewSubmitCmd.MarkFlagRequired("by")

	reviewListCmd.Flags().StringVar(&reviewListSeverity, "severity", "", "Filter by severity (critical, high, medium, low)")

	for _, c := range []*cobra.Command{reviewApproveCmd, reviewRejectCmd, reviewRequestChangesCmd} {
		c.Flags().StringVar(&decisionBy, "by", "", "Reviewer identity (required)")
		_ = c.MarkFlagRequired("by")
	}
	reviewApproveCmd.Flags().StringVar(&approveComments, "comments", "", "Approval comments")
	reviewApproveCmd.Flags().StringVar(&approveModsFile, "modifications", "", "Modifications JSON file")
	reviewRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Rejection reason (required)")
	reviewRejectCmd.Flags().StringArrayVar(&rejectSuggestions, "suggest", nil, "Improvement suggestion (repeatable)")
	_ = reviewRejectCmd.MarkFlagRequired("reason")
	reviewRequestChangesCmd.Flags().StringVar(&changesRequest, "request", "", "What needs to change (required)")
	reviewRequestChangesCmd.Flags().StringVar(&changesFile, "changes", "", "Suggested changes JSON file")
	_ = reviewRequestChangesCmd.MarkFlagRequired("request")

	reviewHistoryCmd.Flags().IntVar(&historyDays, "days", 30, "Number of days to include")

	reviewCmd.AddCommand(reviewSubmitCmd)
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	reviewCmd.AddCommand(reviewRequestChangesCmd)
	reviewCmd.AddCommand(reviewHistoryCmd)
	reviewCmd.AddCommand(reviewStatsCmd)
	reviewCmd.AddCommand(reviewSweepCmd)
	rootCmd.AddCommand(reviewCmd)
}

// readInput reads a file, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func readJSONFile(path string, dst any) error {
	data, err := readInput(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// rootReader reads patch originals relative to root, refusing paths that
// escape it.
func rootReader(root string) patch.SourceReader {
	return func(path string) ([]byte, error) {
		full := filepath.Join(root, filepath.FromSlash(path))
		rel, err := filepath.Rel(root, full)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("path %s is outside %s", path, root)
		}
		return os.ReadFile(full)
	}
}

// ensureNoServer refuses local writes while a background server owns the
// review queue; its in-memory state would not see them until restart.
func ensureNoServer() error {
	if pid, running := pidFile().IsRunning(); running && pid != os.Getpid() {
		return fmt.Errorf("fixgate server is running (PID %d); use its API at http://localhost:%d/api/v1 or stop it first",
			pid, viper.GetInt("server.port"))
	}
	return nil
}

func buildSubmission() (models.ErrorEvent, models.ProposedCodeFix, error) {
	var ev models.ErrorEvent
	var fix models.ProposedCodeFix

	if err := readJSONFile(submitEventFile, &ev); err != nil {
		return ev, fix, err
	}
	if submitFixFile == "" && submitPatchFile == "" && submitGitRev == "" {
		return ev, fix, fmt.Errorf("one of --fix, --patch or --git is required")
	}
	if submitFixFile != "" {
		if err := readJSONFile(submitFixFile, &fix); err != nil {
			return ev, fix, err
		}
	}

	var (
		patchText string
		read      patch.SourceReader
	)
	switch {
	case submitGitRev != "":
		root := submitRoot
		if root == "" {
			root = "."
		}
		text, err := gitClient.Diff(root, submitGitRev)
		if err != nil {
			return ev, fix, err
		}
		patchText = text
		read = func(path string) ([]byte, error) { return gitClient.Show(root, submitGitRev, path) }
	case submitPatchFile != "":
		data, err := readInput(submitPatchFile)
		if err != nil {
			return ev, fix, fmt.Errorf("read %s: %w", submitPatchFile, err)
		}
		patchText = string(data)
		if submitRoot != "" {
			read = rootReader(submitRoot)
		}
	}

	if submitGitRev != "" || submitPatchFile != "" {
		files, err := patch.Import(patchText, read)
		if err != nil {
			return ev, fix, err
		}
		if fix.FilesModified == nil {
			fix.FilesModified = make(map[string]models.FileModification, len(files))
		}
		for p, m := range files {
			fix.FilesModified[p] = m
		}
	}
	return ev, fix, nil
}

func reviewSubmitRun(ctx context.Context) error {
	ev, fix, err := buildSubmission()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would submit fix for %s (%d files) by %s", ev.ErrorSignature, len(fix.FilesModified), submitBy)
		return nil
	}
	if err := ensureNoServer(); err != nil {
		return err
	}

	e, err := getEngine(ctx)
	if err != nil {
		return err
	}

	res := e.Submit(ctx, ev, fix, submitBy)
	if err := res.Err(); err != nil {
		return err
	}
	if reviewJSON {
		return printJSON(res)
	}

	if res.AutoApproved {
		ui.Success("%s", res.Message)
		return nil
	}
	ui.Success("%s: %s", res.Message, output.Cyan(res.ReviewID))
	ui.Info("Severity: %s, requires approval: %v", output.SeverityColor(string(res.Severity)), res.RequiresApproval)
	return nil
}

func reviewListRun(ctx context.Context) error {
	e, err := getEngine(ctx)
	if err != nil {
		return err
	}

	var sev models.Severity
	if reviewListSeverity != "" {
		s, ok := models.ParseSeverity(reviewListSeverity)
		if !ok {
			return fmt.Errorf("unknown severity %q (use: critical, high, medium, low)", reviewListSeverity)
		}
		sev = s
	}

	var reviews []*models.PendingReview
	for _, r := range e.ListPending() {
		if sev == "" || r.Severity == sev {
			reviews = append(reviews, r)
		}
	}

	if reviewJSON {
		return printJSON(reviews)
	}
	if len(reviews) == 0 {
		ui.Info("No open reviews")
		return nil
	}

	table := ui.Table([]string{"ID", "Severity", "Status", "Service", "Error", "Impact", "Cplx", "Approvals", "Age"})
	for _, r := range reviews {
		table.Append([]string{
			r.ID,
			output.SeverityColor(string(r.Severity)),
			output.StatusColor(string(r.Status)),
			r.ErrorEvent.Service,
			truncate(r.ErrorEvent.ErrorSignature, 40),
			output.ScoreColor(r.ImpactScore),
			output.ScoreColor(r.ComplexityScore),
			fmt.Sprintf("%d/%d", r.ApprovalCount(), r.RequiredApprovals),
			formatAge(time.Since(r.SubmittedAt)),
		})
	}
	return table.Render()
}

// lookupReview checks the engine first and falls back to the stored snapshot
// for reviews outside the rehydrated window.
func lookupReview(ctx context.Context, id string) (*models.PendingReview, error) {
	e, err := getEngine(ctx)
	if err != nil {
		return nil, err
	}
	if r, ok := e.GetByID(id); ok {
		return r, nil
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return s.GetReview(ctx, id)
}

func reviewShowRun(ctx context.Context, id string) error {
	r, err := lookupReview(ctx, id)
	if err != nil {
		return err
	}
	if reviewJSON {
		return printJSON(r)
	}

	fmt.Fprintf(ui.Out, "%s  %s  %s\n", output.Cyan(r.ID), output.SeverityColor(string(r.Severity)), output.StatusColor(string(r.Status)))
	fmt.Fprintf(ui.Out, "  Service:     %s\n", r.ErrorEvent.Service)
	fmt.Fprintf(ui.Out, "  Error:       %s\n", r.ErrorEvent.ErrorSignature)
	fmt.Fprintf(ui.Out, "  Occurrences: %d\n", r.ErrorEvent.OccurrenceCount)
	fmt.Fprintf(ui.Out, "  Scores:      impact %s, complexity %s\n", output.ScoreColor(r.ImpactScore), output.ScoreColor(r.ComplexityScore))
	fmt.Fprintf(ui.Out, "  Submitted:   %s by %s\n", r.SubmittedAt.Local().Format(time.DateTime), r.SubmittedBy)
	fmt.Fprintf(ui.Out, "  Approvals:   %d/%d\n", r.ApprovalCount(), r.RequiredApprovals)

	fix := r.ProposedFix
	if r.FinalFix != nil {
		fix = *r.FinalFix
		fmt.Fprintln(ui.Out, "\n  Final fix (with reviewer modifications):")
	} else {
		fmt.Fprintln(ui.Out, "\n  Proposed fix:")
	}
	fmt.Fprintf(ui.Out, "    %s (%s)\n", fix.Description, fix.FixType)
	for _, p := range fix.Paths() {
		m := fix.FilesModified[p]
		fmt.Fprintf(ui.Out, "    %-40s %-8s %s %s\n", p, m.ChangeType, output.Green(fmt.Sprintf("+%d", m.LinesAdded)), output.Red(fmt.Sprintf("-%d", m.LinesRemoved)))
	}
	fmt.Fprintf(ui.Out, "    tests: %d, safety checks: %d\n", len(fix.TestCases), len(fix.SafetyChecks))

	if len(r.Decisions) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"When", "Reviewer", "Decision", "Comments"})
		for _, d := range r.Decisions {
			table.Append([]string{
				d.ReviewedAt.Local().Format(time.DateTime),
				d.ReviewedBy,
				string(d.Type),
				truncate(d.Comments, 60),
			})
		}
		return table.Render()
	}
	return nil
}

// printDecision reports a decision outcome, returning its failure as an
// error.
func printDecision(res workflow.DecisionResult) error {
	if err := res.Err(); err != nil {
		return err
	}
	if reviewJSON {
		return printJSON(res)
	}
	ui.Success("%s (%s: %s)", res.Message, res.ReviewID, output.StatusColor(string(res.Status)))
	return nil
}

func reviewApproveRun(ctx context.Context, id string) error {
	req := workflow.ApproveRequest{ReviewID: id, ReviewedBy: decisionBy, Comments: approveComments}
	if approveModsFile != "" {
		var mods models.Modifications
		if err := readJSONFile(approveModsFile, &mods); err != nil {
			return err
		}
		req.Modifications = &mods
	}

	if dryRun {
		ui.DryRunMsg("Would approve %s as %s", id, decisionBy)
		return nil
	}
	if err := ensureNoServer(); err != nil {
		return err
	}

	e, err := getEngine(ctx)
	if err != nil {
		return err
	}
	return printDecision(e.Approve(ctx, req))
}

func reviewRejectRun(ctx context.Context, id string) error {
	if dryRun {
		ui.DryRunMsg("Would reject %s as %s", id, decisionBy)
		return nil
	}
	if err := ensureNoServer(); err != nil {
		return err
	}

	e, err := getEngine(ctx)
	if err != nil {
		return err
	}
	return printDecision(e.Reject(ctx, workflow.RejectRequest{
		ReviewID:    id,
		ReviewedBy:  decisionBy,
		Reason:      rejectReason,
		Suggestions: rejectSuggestions,
	}))
}

func reviewRequestChangesRun(ctx context.Context, id string) error {
	req := workflow.ModificationRequest{ReviewID: id, ReviewedBy: decisionBy, Request: changesRequest}
	if changesFile != "" {
		var mods models.Modifications
		if err := readJSONFile(changesFile, &mods); err != nil {
			return err
		}
		req.SuggestedChanges = &mods
	}

	if dryRun {
		ui.DryRunMsg("Would request changes on %s as %s", id, decisionBy)
		return nil
	}
	if err := ensureNoServer(); err != nil {
		return err
	}

	e, err := getEngine(ctx)
	if err != nil {
		return err
	}
	return printDecision(e.RequestModifications(ctx, req))
}

func reviewHistoryRun(ctx context.Context) error {
	e, err := getEngine(ctx)
	if err != nil {
		return err
	}
	if err := e.LoadHistory(ctx, historyDays); err != nil {
		return err
	}
	rep, err := e.History(historyDays)
	if err != nil {
		return err
	}
	if reviewJSON {
		return printJSON(rep)
	}

	st := rep.Stats
	ui.Info("Last %d days: %d total, %s approved, %s rejected, %s pending, %s modifications requested",
		rep.Days, st.Total,
		output.Green(fmt.Sprint(st.Approved)), output.Red(fmt.Sprint(st.Rejected)),
		output.Yellow(fmt.Sprint(st.Pending)), output.Cyan(fmt.Sprint(st.ModificationsRequested)))
	if len(rep.Reviews) == 0 {
		return nil
	}

	table := ui.Table([]string{"ID", "Submitted", "Severity", "Status", "Service", "Error"})
	for _, r := range rep.Reviews {
		table.Append([]string{
			r.ID,
			r.SubmittedAt.Local().Format(time.DateTime),
			output.SeverityColor(string(r.Severity)),
			output.StatusColor(string(r.Status)),
			r.ErrorEvent.Service,
			truncate(r.ErrorEvent.ErrorSignature, 40),
		})
	}
	return table.Render()
}

func reviewStatsRun(ctx context.Context) error {
	e, err := getEngine(ctx)
	if err != nil {
		return err
	}
	st := e.Statistics()
	if reviewJSON {
		return printJSON(st)
	}

	ui.Info("%s", st)
	table := ui.Table([]string{"Severity", "Pending"})
	for _, sev := range models.Severities {
		table.Append([]string{output.SeverityColor(string(sev)), fmt.Sprint(st.PendingBySeverity[sev])})
	}
	if err := table.Render(); err != nil {
		return err
	}
	if st.OldestPendingID != "" {
		ui.Info("Oldest pending: %s (%.1fh)", st.OldestPendingID, st.OldestPendingHours)
	}
	return nil
}

func reviewSweepRun(ctx context.Context) error {
	e, err := getEngine(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		due := e.DueForAutoApproval()
		ui.DryRunMsg("Would auto-approve %d reviews older than %s", len(due), e.Config().AutoApproveTimeout)
		for _, r := range due {
			ui.DryRunMsg("  %s (%s, %s)", r.ID, r.ErrorEvent.Service, r.Severity)
		}
		return nil
	}
	if err := ensureNoServer(); err != nil {
		return err
	}

	res := e.ProcessTimeoutsNow(ctx)
	if reviewJSON {
		return printJSON(res)
	}
	ui.Info("Examined %d reviews", res.Examined)
	for _, id := range res.AutoApproved {
		ui.Success("Auto-approved %s", id)
	}
	for id, msg := range res.Failed {
		ui.Error("%s: %s", id, msg)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
