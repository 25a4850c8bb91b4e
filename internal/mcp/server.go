package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/fixgate/internal/llm"
	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/patch"
	"github.com/joescharf/fixgate/internal/workflow"
)

// Briefer prepares a reviewer brief for a review.
type Briefer interface {
	Brief(ctx context.Context, r *models.PendingReview) (*llm.ReviewBrief, error)
}

// Server exposes the review workflow as MCP tools.
type Server struct {
	engine  *workflow.Engine
	briefer Briefer
	version string
}

// NewServer creates the MCP server wrapper. briefer may be nil, in which case
// the brief tool is not registered.
func NewServer(e *workflow.Engine, briefer Briefer, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{engine: e, briefer: briefer, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("fixgate", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.submitFixTool())
	srv.AddTool(s.listPendingTool())
	srv.AddTool(s.getReviewTool())
	srv.AddTool(s.approveFixTool())
	srv.AddTool(s.rejectFixTool())
	srv.AddTool(s.requestModificationsTool())
	srv.AddTool(s.reviewHistoryTool())
	if s.briefer != nil {
		srv.AddTool(s.reviewBriefTool())
	}

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// decodeArg unmarshals an optional JSON-encoded string argument.
func decodeArg(request mcp.CallToolRequest, name string, dst any) (bool, error) {
	raw := request.GetString(name, "")
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("invalid %s: %v", name, err)
	}
	return true, nil
}

func decisionResult(res workflow.DecisionResult) (*mcp.CallToolResult, error) {
	if !res.Success {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", res.Failure, res.Message)), nil
	}
	return jsonResult(res)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// fixgate_submit_fix
func (s *Server) submitFixTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fixgate_submit_fix",
		mcp.WithDescription("Submit an automatically generated code fix for human review. Returns the review id, computed severity and whether explicit approval is required."),
		mcp.WithString("submitted_by", mcp.Required(), mcp.Description("Identity of the submitting agent")),
		mcp.WithString("error_event", mcp.Required(), mcp.Description("JSON-encoded error event (service, error_signature, severity, occurrence_count, ...)")),
		mcp.WithString("proposed_fix", mcp.Description("JSON-encoded proposed fix (description, fix_type, files_modified, test_cases, ...)")),
		mcp.WithString("patch", mcp.Description("Unified diff; merged into files_modified")),
	)
	return tool, s.handleSubmitFix
}

func (s *Server) handleSubmitFix(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	submittedBy, err := request.RequireString("submitted_by")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: submitted_by"), nil
	}

	var ev models.ErrorEvent
	ok, err := decodeArg(request, "error_event", &ev)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !ok {
		return mcp.NewToolResultError("missing required parameter: error_event"), nil
	}

	var fix models.ProposedCodeFix
	hasFix, err := decodeArg(request, "proposed_fix", &fix)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if text := request.GetString("patch", ""); text != "" {
		files, err := patch.Import(text, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid patch: %v", err)), nil
		}
		if fix.FilesModified == nil {
			fix.FilesModified = make(map[string]models.FileModification, len(files))
		}
		for p, m := range files {
			fix.FilesModified[p] = m
		}
	} else if !hasFix {
		return mcp.NewToolResultError("one of proposed_fix or patch is required"), nil
	}

	res := s.engine.Submit(ctx, ev, fix, submittedBy)
	if res.Failure != workflow.FailureNone {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", res.Failure, res.Message)), nil
	}
	return jsonResult(res)
}

// fixgate_list_pending
func (s *Server) listPendingTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fixgate_list_pending",
		mcp.WithDescription("List reviews awaiting a decision, most severe first. Returns id, service, signature, severity, status and approval counts."),
		mcp.WithString("severity", mcp.Description("Only return reviews of this severity"), mcp.Enum("low", "medium", "high", "critical")),
	)
	return tool, s.handleListPending
}

type pendingOut struct {
	ReviewID          string              `json:"review_id"`
	Service           string              `json:"service"`
	ErrorSignature    string              `json:"error_signature"`
	Severity          models.Severity     `json:"severity"`
	Status            models.ReviewStatus `json:"status"`
	RequiresApproval  bool                `json:"requires_approval"`
	Approvals         int                 `json:"approvals"`
	RequiredApprovals int                 `json:"required_approvals"`
	SubmittedBy       string              `json:"submitted_by"`
	SubmittedAt       string              `json:"submitted_at"`
}

func (s *Server) handleListPending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	severity := models.Severity(request.GetString("severity", ""))

	out := []pendingOut{}
	for _, r := range s.engine.ListPending() {
		if severity != "" && r.Severity != severity {
			continue
		}
		out = append(out, pendingOut{
			ReviewID:          r.ID,
			Service:           r.ErrorEvent.Service,
			ErrorSignature:    r.ErrorEvent.ErrorSignature,
			Severity:          r.Severity,
			Status:            r.Status,
			RequiresApproval:  r.RequiresApproval,
			Approvals:         r.ApprovalCount(),
			RequiredApprovals: r.RequiredApprovals,
			SubmittedBy:       r.SubmittedBy,
			SubmittedAt:       r.SubmittedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return jsonResult(out)
}

// fixgate_get_review
func (s *Server) getReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fixgate_get_review",
		mcp.WithDescription("Get the full review record including the proposed fix, decisions and final fix."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review ID")),
	)
	return tool, s.handleGetReview
}

func (s *Server) handleGetReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}
	r, ok := s.engine.GetByID(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("review not found: %s", id)), nil
	}
	return jsonResult(r)
}

// fixgate_approve_fix
func (s *Server) approveFixTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fixgate_approve_fix",
		mcp.WithDescription("Approve a pending fix. When enough distinct reviewers have approved, the fix is marked ready for deployment."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review ID")),
		mcp.WithString("reviewed_by", mcp.Required(), mcp.Description("Reviewer identity")),
		mcp.WithString("comments", mcp.Description("Reviewer comments")),
		mcp.WithString("modifications", mcp.Description("JSON-encoded modifications: additional_test_cases, code_edits, safety_check_override")),
	)
	return tool, s.handleApproveFix
}

func (s *Server) handleApproveFix(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}
	reviewer, err := request.RequireString("reviewed_by")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: reviewed_by"), nil
	}

	req := workflow.ApproveRequest{
		ReviewID:   id,
		ReviewedBy: reviewer,
		Comments:   request.GetString("comments", ""),
	}
	var mods models.Modifications
	has, err := decodeArg(request, "modifications", &mods)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if has {
		req.Modifications = &mods
	}
	return decisionResult(s.engine.Approve(ctx, req))
}

// fixgate_reject_fix
func (s *Server) rejectFixTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fixgate_reject_fix",
		mcp.WithDescription("Reject a pending fix with a reason and optional improvement suggestions."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review ID")),
		mcp.WithString("reviewed_by", mcp.Required(), mcp.Description("Reviewer identity")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the fix is rejected")),
		mcp.WithArray("suggestions", mcp.Description("Improvement suggestions"), mcp.WithStringItems()),
	)
	return tool, s.handleRejectFix
}

func (s *Server) handleRejectFix(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}
	reviewer, err := request.RequireString("reviewed_by")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: reviewed_by"), nil
	}
	reason, err := request.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: reason"), nil
	}

	return decisionResult(s.engine.Reject(ctx, workflow.RejectRequest{
		ReviewID:    id,
		ReviewedBy:  reviewer,
		Reason:      reason,
		Suggestions: request.GetStringSlice("suggestions", nil),
	}))
}

// fixgate_request_modifications
func (s *Server) requestModificationsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fixgate_request_modifications",
		mcp.WithDescription("Ask the submitter to revise a fix. The review leaves the approval queue until resubmitted."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review ID")),
		mcp.WithString("reviewed_by", mcp.Required(), mcp.Description("Reviewer identity")),
		mcp.WithString("request", mcp.Required(), mcp.Description("What needs to change")),
		mcp.WithString("suggested_changes", mcp.Description("JSON-encoded suggested modifications")),
	)
	return tool, s.handleRequestModifications
}

func (s *Server) handleRequestModifications(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}
	reviewer, err := request.RequireString("reviewed_by")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: reviewed_by"), nil
	}
	text, err := request.RequireString("request")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: request"), nil
	}

	req := workflow.ModificationRequest{ReviewID: id, ReviewedBy: reviewer, Request: text}
	var mods models.Modifications
	has, err := decodeArg(request, "suggested_changes", &mods)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if has {
		req.SuggestedChanges = &mods
	}
	return decisionResult(s.engine.RequestModifications(ctx, req))
}

// fixgate_review_history
func (s *Server) reviewHistoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fixgate_review_history",
		mcp.WithDescription("Reviews submitted in the last N days with counts by status."),
		mcp.WithNumber("days", mcp.Description("Look-back window in days (default 30)")),
	)
	return tool, s.handleReviewHistory
}

func (s *Server) handleReviewHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := request.GetInt("days", 30)
	if err := s.engine.LoadHistory(ctx, days); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rep, err := s.engine.History(days)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rep)
}

// fixgate_review_brief
func (s *Server) reviewBriefTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("fixgate_review_brief",
		mcp.WithDescription("Generate an AI reviewer brief for a review: summary, risks, checklist and a recommendation."),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review ID")),
	)
	return tool, s.handleReviewBrief
}

func (s *Server) handleReviewBrief(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: review_id"), nil
	}
	r, ok := s.engine.GetByID(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("review not found: %s", id)), nil
	}
	brief, err := s.briefer.Brief(ctx, r)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("brief failed: %v", err)), nil
	}
	return jsonResult(brief)
}
