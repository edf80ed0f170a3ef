package types

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

const JobTypeOfficeActionOrchestration = "office-action-orchestration"

type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type OfficeActionPayload struct {
	OfficeActionID string `json:"officeActionId" validate:"required"`
	ProjectID      string `json:"projectId"`
	TenantID       string `json:"tenantId"`
}

type JobResult struct {
	StepsCompleted int `json:"stepsCompleted"`
}

// JobStatusView is what status endpoints return. Progress is filled from the
// domain entity for completed jobs.
type JobStatusView struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Status      JobStatus              `json:"status"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"maxAttempts"`
	LastError   string                 `json:"lastError,omitempty"`
	ScheduledAt time.Time              `json:"scheduledAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Progress    map[string]interface{} `json:"progress,omitempty"`
}
