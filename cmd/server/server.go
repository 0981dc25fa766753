package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/liamcoop/ruleautomation/internal/logger"
	"github.com/liamcoop/ruleautomation/rules"
)

type Server struct {
	engine  *rules.Engine
	db      *sql.DB // nil when rules are kept in memory
	metrics http.Handler
	logger  *slog.Logger
	router  *chi.Mux
}

func NewServer(engine *rules.Engine, db *sql.DB, metrics http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		engine:  engine,
		db:      db,
		metrics: metrics,
		logger:  log,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/api/v1/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	// Rule management
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/enable", s.handleEnableRule)
			r.Post("/disable", s.handleDisableRule)
			r.Post("/test", s.handleTestRule)
		})
	})

	// Event dispatch
	r.Post("/api/v1/events", s.handleProcessEvent)

	// Execution log
	r.Route("/api/v1/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Post("/cleanup", s.handleCleanupExecutions)
		r.Get("/{executionId}", s.handleGetExecution)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request at debug level
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}

	all, err := s.engine.GetRules()
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Rules:          len(all),
		ScheduledRules: len(s.engine.ScheduledRules()),
	})
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.GetRules()
	if err != nil {
		respondEngineError(w, "failed to list rules", err)
		return
	}
	if all == nil {
		all = []*rules.Rule{}
	}

	respondJSON(w, http.StatusOK, RulesListResponse{Rules: all})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	// Add rule (this validates it and registers its schedule)
	if err := s.engine.AddRule(req.toRule(id)); err != nil {
		respondEngineError(w, "failed to add rule", err)
		return
	}

	s.respondRule(w, http.StatusCreated, id)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	s.respondRule(w, http.StatusOK, chi.URLParam(r, "ruleId"))
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID != "" && req.ID != ruleID {
		respondError(w, http.StatusBadRequest, "rule ID in body does not match the URL", nil)
		return
	}

	if err := s.engine.UpdateRule(req.toRule(ruleID)); err != nil {
		respondEngineError(w, "failed to update rule", err)
		return
	}

	s.respondRule(w, http.StatusOK, ruleID)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveRule(chi.URLParam(r, "ruleId")); err != nil {
		respondEngineError(w, "failed to delete rule", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	if err := s.engine.EnableRule(ruleID); err != nil {
		respondEngineError(w, "failed to enable rule", err)
		return
	}
	s.respondRule(w, http.StatusOK, ruleID)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	if err := s.engine.DisableRule(ruleID); err != nil {
		respondEngineError(w, "failed to disable rule", err)
		return
	}
	s.respondRule(w, http.StatusOK, ruleID)
}

// Test rule handler; the body is optional
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	exec, err := s.engine.TestRule(r.Context(), chi.URLParam(r, "ruleId"), req.Context)
	if err != nil {
		respondEngineError(w, "rule test failed", err)
		return
	}

	respondJSON(w, http.StatusOK, exec)
}

// Event dispatch handler
func (s *Server) handleProcessEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	// Only the scheduler may target a single rule
	req.Event.RuleID = ""

	executions, err := s.engine.ProcessEvent(r.Context(), req.Event, req.Context)
	if err != nil {
		respondEngineError(w, "failed to process event", err)
		return
	}
	if executions == nil {
		executions = []*rules.Execution{}
	}

	respondJSON(w, http.StatusOK, ExecutionsResponse{Executions: executions})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	executions := s.engine.GetExecutions(r.URL.Query().Get("ruleId"))
	if executions == nil {
		executions = []*rules.Execution{}
	}
	respondJSON(w, http.StatusOK, ExecutionsResponse{Executions: executions})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.engine.GetExecution(chi.URLParam(r, "executionId"))
	if !ok {
		respondError(w, http.StatusNotFound, "execution not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// Cleanup handler; drops executions past the retention window. Schedules are
// only torn down on shutdown.
func (s *Server) handleCleanupExecutions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, CleanupResponse{RemovedExecutions: s.engine.PruneExecutions()})
}

func (s *Server) respondRule(w http.ResponseWriter, status int, ruleID string) {
	rule, err := s.engine.GetRule(ruleID)
	if err != nil {
		respondEngineError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, status, rule)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
		logger.Error(message, slog.Int("status", status), slog.Any("error", err))
	case status >= 400:
		logger.WarnHttp4xx(status)
	}

	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondEngineError maps engine errors onto HTTP statuses
func respondEngineError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case rules.IsRuleNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, rules.ErrRuleExists):
		status = http.StatusConflict
	case errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, rules.ErrInvalidEvent),
		errors.Is(err, rules.ErrInvalidContext):
		status = http.StatusBadRequest
	}
	respondError(w, status, message, err)
}
