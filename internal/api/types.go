package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/paygate/internal/ledger"
)

// JobStatusResponse is returned by GET /jobs/{jobID}
type JobStatusResponse struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	Workflow     string          `json:"workflow"`
	Trigger      string          `json:"trigger"`
	SubmittedBy  string          `json:"submitted_by"`
	SettlementID *string         `json:"settlement_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// CompleteJobRequest is the body of POST /jobs/{jobID}/complete.
type CompleteJobRequest struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SettlementListResponse is returned by GET /settlements
type SettlementListResponse struct {
	Settlements []ledger.Settlement `json:"settlements"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}
