package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job types recognized by the worker.
const (
	JobCampaignStart  = "campaign_start"
	JobCampaignBatch  = "campaign_batch"
	JobCampaignResume = "campaign_resume"
)

// Job represents a unit of queued work persisted in Postgres. The row is the
// source of truth; Redis only carries wake hints.
type Job struct {
	ID           string         `json:"id"`
	Tenant       string         `json:"tenant"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Status       string         `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}
