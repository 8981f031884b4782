package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one workflow run triggered by an accepted webhook request.
type Job struct {
	ID           string
	Workflow     string
	Trigger      string
	Payload      json.RawMessage
	Status       Status
	SubmittedBy  string
	SettlementID *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastError    *string
}

type EnqueueRequest struct {
	Workflow     string
	Trigger      string
	Payload      json.RawMessage
	SubmittedBy  string
	SettlementID *string
}

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNotRunning = errors.New("job is not running")
)
