package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/kubev2v/crate-validator/internal/store/model"
)

// StoreConfig holds the object store connection parameters of one request.
type StoreConfig struct {
	Endpoint  string `json:"endpoint" validate:"required,max=255,endpoint"`
	AccessKey string `json:"access_key" validate:"required,max=128"`
	SecretKey string `json:"secret_key" validate:"required,max=256"`
	Bucket    string `json:"bucket" validate:"required,min=3,max=63"`
	Region    string `json:"region,omitempty" validate:"max=64"`
	SSL       bool   `json:"ssl"`
}

func (c StoreConfig) toModel() model.StoreConfig {
	return model.StoreConfig{
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Bucket:    c.Bucket,
		Region:    c.Region,
		SSL:       c.SSL,
	}
}

// SubmitRequest asks for the validation of one crate.
type SubmitRequest struct {
	CrateID     string      `json:"crate_id" validate:"required,max=255,crate_id"`
	RootPath    string      `json:"root_path,omitempty" validate:"max=1024,root_path"`
	Version     string      `json:"version,omitempty" validate:"max=255"`
	ProfileName string      `json:"profile_name,omitempty" validate:"max=64,profile_name"`
	WebhookURL  string      `json:"webhook_url,omitempty" validate:"max=2048,webhook"`
	Store       StoreConfig `json:"minio_config" validate:"required"`
}

type SubmitResult struct {
	CrateID     string
	JobID       uuid.UUID
	Version     string
	ProfileName string
	State       model.JobState
	CreatedAt   time.Time
}

// WebhookPayload is posted to the webhook url once a job is terminal.
type WebhookPayload struct {
	CrateID     string         `json:"crate_id"`
	JobID       string         `json:"job_id"`
	Version     string         `json:"version"`
	State       model.JobState `json:"state"`
	ProfileName string         `json:"profile_name"`
	Report      *model.Report  `json:"report"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func newWebhookPayload(job model.Job) WebhookPayload {
	return WebhookPayload{
		CrateID:     job.CrateID,
		JobID:       job.JobID.String(),
		Version:     job.Version,
		State:       job.State,
		ProfileName: job.ProfileName(),
		Report:      job.Result(),
		CompletedAt: job.CompletedAt,
	}
}
