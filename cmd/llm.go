package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/fixgate/internal/llm"
	"github.com/joescharf/fixgate/internal/output"
)

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

var reviewBriefCmd = &cobra.Command{
	Use:   "brief <review-id>",
	Short: "Ask an LLM to summarize a fix for the reviewer",
	Long: `Send the error, the proposed fix and its diffs to Anthropic and print a
short brief: a summary, risks to check, a checklist and a recommendation.
The recommendation is advisory; no decision is recorded.

Requires anthropic.api_key in config or ANTHROPIC_API_KEY.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewBriefRun(cmd.Context(), args[0])
	},
}

func init() {
	reviewCmd.AddCommand(reviewBriefCmd)
}

func reviewBriefRun(ctx context.Context, id string) error {
	client := newLLMClient()
	if client == nil {
		return fmt.Errorf("no Anthropic API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")
	}

	r, err := lookupReview(ctx, id)
	if err != nil {
		return err
	}

	ui.VerboseLog("Requesting brief for %s from %s", r.ID, viper.GetString("anthropic.model"))
	brief, err := client.Brief(ctx, r)
	if err != nil {
		return err
	}
	if reviewJSON {
		return printJSON(brief)
	}

	fmt.Fprintf(ui.Out, "%s  %s\n\n", output.Cyan(r.ID), recommendationColor(brief.Recommendation))
	fmt.Fprintln(ui.Out, brief.Summary)
	if len(brief.Risks) > 0 {
		fmt.Fprintln(ui.Out, "\nRisks:")
		for _, risk := range brief.Risks {
			fmt.Fprintf(ui.Out, "  %s %s\n", output.Yellow("!"), risk)
		}
	}
	if len(brief.Checklist) > 0 {
		fmt.Fprintln(ui.Out, "\nChecklist:")
		for _, item := range brief.Checklist {
			fmt.Fprintf(ui.Out, "  [ ] %s\n", item)
		}
	}
	return nil
}

func recommendationColor(rec string) string {
	switch rec {
	case llm.RecommendApprove:
		return output.Green(rec)
	case llm.RecommendReject:
		return output.Red(rec)
	default:
		return output.Yellow(rec)
	}
}
