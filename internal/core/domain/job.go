package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the job reached an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Queue names. Each queue carries its own retry policy.
const (
	QueuePrices    = "prices"
	QueueExecution = "execution"
	QueueTracking  = "tracking"
)

// Job is one durable unit of work. Identity is derived from business
// keys so that re-enqueueing the same logical work is a no-op.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Identity   string          `json:"identity"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	Attempts   int             `json:"attempts"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	RunAt      time.Time       `json:"run_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
