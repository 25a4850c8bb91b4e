package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joescharf/fixgate/internal/models"
	"github.com/joescharf/fixgate/internal/patch"
	"github.com/joescharf/fixgate/internal/store"
	"github.com/joescharf/fixgate/internal/tracing"
	"github.com/joescharf/fixgate/internal/workflow"
)

const maxBodyBytes = 4 << 20

// Server provides the REST API handlers.
type Server struct {
	engine    *workflow.Engine
	store     store.Store
	validator *validator
	limiter   *RateLimiter
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit limits review submissions per client IP. A non-positive rps
// disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewRateLimiter(rps, burst)
		} else {
			s.limiter = nil
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server. The store may be nil, in which case
// the fix record and audit routes answer 503.
func NewServer(e *workflow.Engine, st store.Store, opts ...Option) (*Server, error) {
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		engine:    e,
		store:     st,
		validator: v,
		limiter:   NewRateLimiter(5, 10),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	var submit http.Handler = http.HandlerFunc(s.submitReview)
	if s.limiter != nil {
		submit = s.limiter.Middleware(submit)
	}
	mux.Handle("POST /api/v1/reviews", submit)

	mux.HandleFunc("GET /api/v1/reviews/pending", s.listPending)
	mux.HandleFunc("GET /api/v1/reviews/history", s.reviewHistory)
	mux.HandleFunc("GET /api/v1/reviews/statistics", s.reviewStatistics)
	mux.HandleFunc("POST /api/v1/reviews/process-timeouts", s.processTimeouts)
	mux.HandleFunc("GET /api/v1/reviews/{id}", s.getReview)
	mux.HandleFunc("POST /api/v1/reviews/{id}/approve", s.approveReview)
	mux.HandleFunc("POST /api/v1/reviews/{id}/reject", s.rejectReview)
	mux.HandleFunc("POST /api/v1/reviews/{id}/request-modifications", s.requestModifications)

	mux.HandleFunc("GET /api/v1/fix-records", s.listFixRecords)
	mux.HandleFunc("GET /api/v1/audit", s.listAudit)

	return corsMiddleware(tracing.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// failureStatus maps an engine failure to an HTTP status code.
func failureStatus(k workflow.FailureKind) int {
	switch k {
	case workflow.FailureNotFound:
		return http.StatusNotFound
	case workflow.FailureAlreadyProcessed:
		return http.StatusConflict
	case workflow.FailurePolicyViolation:
		return http.StatusForbidden
	case workflow.FailureValidation:
		return http.StatusBadRequest
	}
	return http.StatusOK
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := s.validator.decode(schema, body, dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// --- Reviews ---

type submitRequest struct {
	ErrorEvent  models.ErrorEvent      `json:"error_event"`
	ProposedFix models.ProposedCodeFix `json:"proposed_fix"`
	Patch       string                 `json:"patch,omitempty"`
	SubmittedBy string                 `json:"submitted_by"`
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.readBody(w, r, schemaSubmit, &req) {
		return
	}

	fix := req.ProposedFix
	if req.Patch != "" {
		files, err := patch.Import(req.Patch, nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid patch: %v", err))
			return
		}
		if fix.FilesModified == nil {
			fix.FilesModified = make(map[string]models.FileModification, len(files))
		}
		for p, m := range files {
			fix.FilesModified[p] = m
		}
	}

	res := s.engine.Submit(r.Context(), req.ErrorEvent, fix, req.SubmittedBy)
	if res.Failure != workflow.FailureNone {
		writeJSON(w, failureStatus(res.Failure), res)
		return
	}
	status := http.StatusCreated
	if res.AutoApproved {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListPending())
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rev, ok := s.engine.GetByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "review not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) reviewHistory(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}
	if err := s.engine.LoadHistory(r.Context(), days); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rep, err := s.engine.History(days)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) reviewStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Statistics())
}

func (s *Server) processTimeouts(w http.ResponseWriter, r *http.Request) {
	res := s.engine.ProcessTimeoutsNow(r.Context())
	s.logger.Info("timeout sweep requested", "examined", res.Examined, "auto_approved", len(res.AutoApproved))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeDecision(w http.ResponseWriter, res workflow.DecisionResult) {
	if !res.Success {
		writeJSON(w, failureStatus(res.Failure), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) approveReview(w http.ResponseWriter, r *http.Request) {
	var req workflow.ApproveRequest
	if !s.readBody(w, r, schemaApprove, &req) {
		return
	}
	req.ReviewID = r.PathValue("id")
	s.writeDecision(w, s.engine.Approve(r.Context(), req))
}

func (s *Server) rejectReview(w http.ResponseWriter, r *http.Request) {
	var req workflow.RejectRequest
	if !s.readBody(w, r, schemaReject, &req) {
		return
	}
	req.ReviewID = r.PathValue("id")
	s.writeDecision(w, s.engine.Reject(r.Context(), req))
}

func (s *Server) requestModifications(w http.ResponseWriter, r *http.Request) {
	var req workflow.ModificationRequest
	if !s.readBody(w, r, schemaRequestModifications, &req) {
		return
	}
	req.ReviewID = r.PathValue("id")
	s.writeDecision(w, s.engine.RequestModifications(r.Context(), req))
}

// --- Fix records & audit ---

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) listFixRecords(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	limit, err := queryLimit(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.store.ListFixRecords(r.Context(), store.FixRecordFilter{
		Status:  models.FixRecordStatus(r.URL.Query().Get("status")),
		Service: r.URL.Query().Get("service"),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		ReviewID: r.URL.Query().Get("review_id"),
		Category: models.AuditCategory(r.URL.Query().Get("category")),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}
