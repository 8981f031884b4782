package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/paygate/internal/events"
	"github.com/mattjoyce/paygate/internal/ledger"
	"github.com/mattjoyce/paygate/internal/queue"
)

const (
	maxListLimit   = 1000
	maxRequestBody = 64 << 10
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleListSettlements handles GET /settlements?status=&limit=
func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	status := ledger.Status(r.URL.Query().Get("status"))
	switch status {
	case "", ledger.StatusSettled, ledger.StatusUnresolved:
	default:
		s.writeError(w, http.StatusBadRequest, "status must be settled or unresolved")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	rows, err := s.settlements.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("failed to list settlements", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list settlements")
		return
	}
	if rows == nil {
		rows = []ledger.Settlement{}
	}
	respondJSON(w, http.StatusOK, SettlementListResponse{Settlements: rows})
}

// handleGetSettlement handles GET /settlements/{id}
func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	row, err := s.settlements.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "settlement not found")
			return
		}
		s.logger.Error("failed to retrieve settlement", "settlement_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve settlement")
		return
	}
	respondJSON(w, http.StatusOK, row)
}

// handleGetJob handles GET /jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.queue.GetJobByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	respondJSON(w, http.StatusOK, jobResponse(job))
}

// handleClaimJob handles POST /jobs/claim. It returns the oldest queued job,
// now running, or 204 when the queue is empty.
func (s *Server) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Dequeue(r.Context())
	if err != nil {
		s.logger.Error("failed to claim job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to claim job")
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.logger.Info("job claimed", "job_id", job.ID, "workflow", job.Workflow)
	s.events.Publish(events.JobClaimed, map[string]any{
		"job_id":   job.ID,
		"workflow": job.Workflow,
	})
	respondJSON(w, http.StatusOK, jobResponse(job))
}

// handleCompleteJob handles POST /jobs/{jobID}/complete.
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req CompleteJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status := queue.Status(req.Status)
	if status != queue.StatusSucceeded && status != queue.StatusFailed {
		s.writeError(w, http.StatusBadRequest, "status must be succeeded or failed")
		return
	}
	var lastError *string
	if req.Error != "" {
		lastError = &req.Error
	}

	if err := s.queue.Complete(r.Context(), jobID, status, lastError); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if errors.Is(err, queue.ErrJobNotRunning) {
			s.writeError(w, http.StatusConflict, "job is not running")
			return
		}
		s.logger.Error("failed to complete job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to complete job")
		return
	}

	s.logger.Info("job completed", "job_id", jobID, "status", status)
	s.events.Publish(events.JobCompleted, map[string]any{
		"job_id": jobID,
		"status": status,
	})

	job, err := s.queue.GetJobByID(r.Context(), jobID)
	if err != nil {
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	respondJSON(w, http.StatusOK, jobResponse(job))
}

func jobResponse(job *queue.Job) JobStatusResponse {
	return JobStatusResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		Workflow:     job.Workflow,
		Trigger:      job.Trigger,
		SubmittedBy:  job.SubmittedBy,
		SettlementID: job.SettlementID,
		Payload:      job.Payload,
		LastError:    job.LastError,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
