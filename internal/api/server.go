// Package api exposes the HTTP interface for the validation service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/config"
	"github.com/JakeFAU/media-validator/internal/metrics"
	"github.com/JakeFAU/media-validator/internal/orchestrator"
	"github.com/JakeFAU/media-validator/internal/validation"
)

// Service is the job and repair surface the handlers call.
type Service interface {
	TriggerJob(ctx context.Context, req orchestrator.JobRequest) (string, error)
	CancelJob(ctx context.Context, jobID string) (validation.ValidationReport, error)
	GetReport(ctx context.Context, jobID string) (validation.ValidationReport, error)
	ListReports(ctx context.Context, filter validation.ReportFilter) ([]validation.ValidationReport, error)
	TriggerRepair(ctx context.Context, req orchestrator.RepairRequest) (string, error)
	GetRepair(ctx context.Context, repairID string) (validation.RepairResult, error)
}

// ReadinessCheck is probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router  chi.Router
	service Service
	checks  []ReadinessCheck
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service Service, cfg config.Config, logger *zap.Logger, checks ...ReadinessCheck) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		checks:  checks,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/validation", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/jobs", s.triggerJob)
		r.Post("/jobs/{jobId}/cancel", s.cancelJob)
		r.Get("/reports", s.listReports)
		r.Get("/reports/{jobId}", s.getReport)
		r.Post("/repairs", s.triggerRepair)
		r.Get("/repairs/{repairId}", s.getRepair)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			failing[c.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("checks", failing))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.service.TriggerJob(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.CancelJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": report.ID, "status": string(report.Status)})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.GetReport(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	filter := validation.ReportFilter{Collection: r.URL.Query().Get("collection")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	reports, err := s.service.ListReports(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if reports == nil {
		reports = []validation.ValidationReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) triggerRepair(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RepairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	repairID, err := s.service.TriggerRepair(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"repairId": repairID})
}

func (s *Server) getRepair(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.GetRepair(r.Context(), chi.URLParam(r, "repairId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, validation.ErrInvalidRequest), errors.Is(err, validation.ErrNoRepairItems):
		return http.StatusBadRequest
	case errors.Is(err, validation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, validation.ErrReportNotCompleted), errors.Is(err, validation.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
