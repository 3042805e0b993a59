package domain

import "time"

// JobType identifies which part of the ingestion pipeline a sync job ran
type JobType string

const (
	JobTypeUsers JobType = "users"
	JobTypeRepos JobType = "repos"
	JobTypeAll   JobType = "all"
)

// ParseJobType validates a job type string
func ParseJobType(s string) (JobType, bool) {
	switch JobType(s) {
	case JobTypeUsers, JobTypeRepos, JobTypeAll:
		return JobType(s), true
	}
	return "", false
}

// JobStatus represents the lifecycle state of a sync job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// SyncJob is the audit record of one sync invocation.
// SamplingParams holds the JSON snapshot of every effective parameter so the
// cohort can be rebuilt from the record and its seed.
type SyncJob struct {
	ID             string     `json:"id"`
	JobType        JobType    `json:"job_type"`
	Status         JobStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	SamplingSeed   uint32     `json:"sampling_seed"`
	SamplingParams string     `json:"sampling_params"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}
