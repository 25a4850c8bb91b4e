package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/store"
)

var (
	reportFormat string
	exportType   string
	exportDays   int
	exportLimit  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data as JSON, CSV, or Markdown",
	Long:  "Export review snapshots, fix records, or the audit trail in various formats.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun(cmd.Context())
	},
}

func init() {
	exportCmd.Flags().StringVar(&reportFormat, "format", "json", "Output format: json, csv, markdown")
	exportCmd.Flags().StringVar(&exportType, "type", "reviews", "Data type: reviews, fix-records, audit")
	exportCmd.Flags().IntVar(&exportDays, "days", 0, "Only reviews or audit events from the last N days (0 = all)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum rows for fix-records and audit (0 = no limit)")
	rootCmd.AddCommand(exportCmd)
}

func exportRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	var since time.Time
	if exportDays > 0 {
		since = time.Now().Add(-time.Duration(exportDays) * 24 * time.Hour)
	}

	switch exportType {
	case "reviews":
		return exportReviews(ctx, s, since)
	case "fix-records":
		return exportFixRecords(ctx, s)
	case "audit":
		return exportAudit(ctx, s, since)
	default:
		return fmt.Errorf("unknown export type: %s (use: reviews, fix-records, audit)", exportType)
	}
}

func exportReviews(ctx context.Context, s store.Store, since time.Time) error {
	reviews, err := s.ListReviews(ctx, store.ReviewFilter{Since: since})
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		return printJSON(reviews)
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write([]string{"ID", "Service", "ErrorSignature", "Severity", "Status", "Impact", "Complexity", "Approvals", "SubmittedBy", "Submitted", "Updated"})
		for _, r := range reviews {
			_ = w.Write([]string{r.ID, r.ErrorEvent.Service, r.ErrorEvent.ErrorSignature, string(r.Severity), string(r.Status),
				fmt.Sprint(r.ImpactScore), fmt.Sprint(r.ComplexityScore), fmt.Sprint(r.ApprovalCount()),
				r.SubmittedBy, r.SubmittedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339)})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Reviews")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| ID | Service | Error | Severity | Status | Decisions |")
		fmt.Fprintln(ui.Out, "|----|---------|-------|----------|--------|-----------|")
		for _, r := range reviews {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s | %s | %s |\n", r.ID, mdEscape(r.ErrorEvent.Service),
				mdEscape(r.ErrorEvent.ErrorSignature), r.Severity, r.Status, decisionSummary(r.Decisions))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

func exportFixRecords(ctx context.Context, s store.Store) error {
	records, err := s.ListFixRecords(ctx, store.FixRecordFilter{Limit: exportLimit})
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		return printJSON(records)
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write([]string{"ID", "ReviewID", "Service", "ErrorSignature", "FixType", "Severity", "Status", "Notes", "Created", "Updated"})
		for _, r := range records {
			_ = w.Write([]string{r.ID, r.ReviewID, r.Service, r.ErrorSignature, r.FixType, string(r.Severity), string(r.Status),
				r.Notes, r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339)})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Fix Records")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Review | Service | Fix Type | Severity | Status | Notes |")
		fmt.Fprintln(ui.Out, "|--------|---------|----------|----------|--------|-------|")
		for _, r := range records {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s | %s | %s |\n", r.ReviewID, mdEscape(r.Service), r.FixType, r.Severity, r.Status, mdEscape(r.Notes))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

func exportAudit(ctx context.Context, s store.Store, since time.Time) error {
	events, err := s.ListAuditEvents(ctx, store.AuditFilter{Since: since, Limit: exportLimit})
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		return printJSON(events)
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write([]string{"ID", "Timestamp", "Name", "Category", "Severity", "Actor", "ReviewID", "Attributes"})
		for _, ev := range events {
			attrs, _ := json.Marshal(ev.Attributes)
			_ = w.Write([]string{ev.ID, ev.Timestamp.UTC().Format(time.RFC3339), ev.Name, string(ev.Category), ev.Severity,
				ev.Actor, ev.ReviewID, string(attrs)})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Audit Trail")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Time | Event | Category | Actor | Review |")
		fmt.Fprintln(ui.Out, "|------|-------|----------|-------|--------|")
		for _, ev := range events {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s | %s |\n", ev.Timestamp.UTC().Format(time.RFC3339), ev.Name, ev.Category, mdEscape(ev.Actor), ev.ReviewID)
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

// decisionSummary renders decisions as "reviewer: type" pairs in time order.
func decisionSummary(ds []models.ReviewDecision) string {
	if len(ds) == 0 {
		return "-"
	}
	sorted := append([]models.ReviewDecision(nil), ds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ReviewedAt.Before(sorted[j].ReviewedAt) })
	parts := make([]string, len(sorted))
	for i, d := range sorted {
		parts[i] = fmt.Sprintf("%s: %s", mdEscape(d.ReviewedBy), d.Type)
	}
	return strings.Join(parts, ", ")
}

func mdEscape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}
