package cmd

import (
	"context"

	"github.com/spf13/cobra"

	fixmcp "github.com/joescharf/fixgate/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an agent submit fixes and act as a reviewer. Configure in
Claude Code with:

  {
    "mcpServers": {
      "fixgate": { "command": "fixgate", "args": ["mcp"] }
    }
  }

Available tools: fixgate_submit_fix, fixgate_list_pending, fixgate_get_review,
fixgate_approve_fix, fixgate_reject_fix, fixgate_request_modifications,
fixgate_review_history, and fixgate_review_brief when an Anthropic API key is
configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := getEngine(ctx)
	if err != nil {
		return err
	}

	var briefer fixmcp.Briefer
	if c := newLLMClient(); c != nil {
		briefer = c
	}
	return fixmcp.NewServer(e, briefer, buildVersion).ServeStdio(ctx)
}
