package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/agentstream/internal/pipeline"
	"github.com/mattjoyce/agentstream/internal/scheduler"
	"github.com/mattjoyce/agentstream/internal/store"
)

// ExternalResponse is returned by POST /api/external.
type ExternalResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	Silent            bool   `json:"silent"`
	ActiveConnections int    `json:"active_connections"`
}

// ScheduleRequest is the JSON body for POST /api/schedule.
type ScheduleRequest struct {
	JobID        string   `json:"job_id"`
	Task         string   `json:"task"`
	DelaySeconds *float64 `json:"delay_seconds"`
	Message      string   `json:"message"`
	Source       string   `json:"source"`
	Silent       bool     `json:"silent"`
}

// ScheduleResponse is returned by POST /api/schedule.
type ScheduleResponse struct {
	JobID string `json:"job_id"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	ActiveConnections int    `json:"active_connections"`
	Agent             string `json:"agent"`
	WebsocketEnabled  bool   `json:"websocket_enabled"`
	PendingJobs       int    `json:"pending_jobs"`
}

// RunResponse is returned by GET /api/runs/{run_id}.
type RunResponse struct {
	*store.Run
	Steps []*store.Step `json:"steps"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// scheduleTasks are the task values that create a job; any other value cancels.
var scheduleTasks = map[string]bool{"started": true, "Started": true, "scheduled": true}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleExternal handles POST /api/external. It responds once the run has finished.
func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	var trig pipeline.Trigger
	if err := json.NewDecoder(r.Body).Decode(&trig); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := trig.Normalize(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.inflight.Add(1)
	err := s.processor.HandleTrigger(s.runCtx, trig)
	s.inflight.Done()
	if err != nil {
		if errors.Is(err, pipeline.ErrMessageRequired) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("external trigger failed", "source", trig.Source, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	msg := "Message sent to chat"
	if trig.Silent {
		msg = "Message processed silently"
	}
	respondJSON(w, http.StatusOK, ExternalResponse{
		Success:           true,
		Message:           msg,
		Silent:            trig.Silent,
		ActiveConnections: s.registry.Len(),
	})
}

// handleSchedule handles POST /api/schedule.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.JobID == "" {
		s.writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	if !scheduleTasks[req.Task] {
		cancelled := s.jobs.Cancel(req.JobID)
		s.logger.Info("schedule cancel", "job_id", req.JobID, "task", req.Task, "was_pending", cancelled)
		respondJSON(w, http.StatusOK, ScheduleResponse{JobID: req.JobID})
		return
	}

	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.DelaySeconds == nil || *req.DelaySeconds < 0 || math.IsNaN(*req.DelaySeconds) {
		s.writeError(w, http.StatusBadRequest, "delay_seconds must be a non-negative number")
		return
	}

	delay := time.Duration(*req.DelaySeconds * float64(time.Second))
	payload := scheduler.Payload{Message: req.Message, Source: req.Source, Silent: req.Silent}
	if err := s.jobs.Schedule(req.JobID, delay, payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ScheduleResponse{JobID: req.JobID})
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		ActiveConnections: s.registry.Len(),
		Agent:             s.config.AgentName,
		WebsocketEnabled:  true,
		PendingJobs:       s.jobs.Pending(),
	})
}

// handleListRuns handles GET /api/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run ledger disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

// handleGetRun handles GET /api/runs/{run_id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run ledger disabled")
		return
	}
	runID := chi.URLParam(r, "run_id")

	run, steps, err := s.runs.Run(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	respondJSON(w, http.StatusOK, RunResponse{Run: run, Steps: steps})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
