package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/thoas/go-funk"
)

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

var (
	activeStates   = []JobState{JobStatePending, JobStateRunning}
	terminalStates = []JobState{JobStateSucceeded, JobStateFailed}
)

// IsActive reports whether a job in state s still blocks a new submission.
func (s JobState) IsActive() bool {
	return funk.Contains(activeStates, s)
}

func (s JobState) IsTerminal() bool {
	return funk.Contains(terminalStates, s)
}

func (s JobState) String() string {
	return string(s)
}

// StoreConfig holds the object store connection parameters of a single request.
type StoreConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region,omitempty"`
	SSL       bool   `json:"ssl"`
}

// JobRequest is what a worker needs to execute the job.
type JobRequest struct {
	Store       StoreConfig `json:"store"`
	RootPath    string      `json:"root_path,omitempty"`
	ProfileName string      `json:"profile_name"`
	WebhookURL  string      `json:"webhook_url,omitempty"`
}

// Job is the current validation job of a crate. There is exactly one row per crate:
// a new submission replaces the previous one.
type Job struct {
	CrateID     string                 `gorm:"primaryKey;column:crate_id;type:VARCHAR(255);"`
	JobID       uuid.UUID              `gorm:"column:job_id;type:VARCHAR(36);not null"`
	Version     string                 `gorm:"column:version;type:VARCHAR(255);not null"`
	State       JobState               `gorm:"column:state;type:VARCHAR(20);not null;index:jobs_state_idx"`
	Request     *JSONField[JobRequest] `gorm:"column:request;type:text;not null"`
	Report      *JSONField[Report]     `gorm:"column:report;type:text"`
	CreatedAt   time.Time              `gorm:"column:created_at;not null"`
	StartedAt   *time.Time             `gorm:"column:started_at"`
	CompletedAt *time.Time             `gorm:"column:completed_at"`
	UpdatedAt   time.Time              `gorm:"column:updated_at;not null"`
}

type JobList []Job

func (Job) TableName() string {
	return "jobs"
}

func (j Job) ProfileName() string {
	if j.Request == nil {
		return ""
	}
	return j.Request.Data.ProfileName
}

func (j Job) WebhookURL() string {
	if j.Request == nil {
		return ""
	}
	return j.Request.Data.WebhookURL
}

// Result returns the stored report or nil when the job is not terminal.
func (j Job) Result() *Report {
	if j.Report == nil {
		return nil
	}
	r := j.Report.Data
	return &r
}

func (j Job) String() string {
	val, _ := json.Marshal(struct {
		CrateID string    `json:"crate_id"`
		JobID   uuid.UUID `json:"job_id"`
		Version string    `json:"version"`
		State   JobState  `json:"state"`
	}{j.CrateID, j.JobID, j.Version, j.State})
	return string(val)
}
