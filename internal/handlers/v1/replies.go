package v1

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kubev2v/crate-validator/internal/service"
	"github.com/kubev2v/crate-validator/internal/store/model"
)

type ProfileReply struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URI         string   `json:"uri,omitempty"`
	Extends     []string `json:"extends,omitempty"`
}

// SubmitBody is the body of a validation request. The crate id comes from the path.
type SubmitBody struct {
	RootPath    string              `json:"root_path,omitempty"`
	Version     string              `json:"version,omitempty"`
	ProfileName string              `json:"profile_name,omitempty"`
	WebhookURL  string              `json:"webhook_url,omitempty"`
	Store       service.StoreConfig `json:"minio_config"`
}

func (b *SubmitBody) Bind(r *http.Request) error {
	return nil
}

func (b SubmitBody) toRequest(crateID string) service.SubmitRequest {
	return service.SubmitRequest{
		CrateID:     crateID,
		RootPath:    b.RootPath,
		Version:     b.Version,
		ProfileName: b.ProfileName,
		WebhookURL:  b.WebhookURL,
		Store:       b.Store,
	}
}

type SubmitReply struct {
	Message     string         `json:"message"`
	CrateID     string         `json:"crate_id"`
	JobID       uuid.UUID      `json:"job_id"`
	Version     string         `json:"version"`
	ProfileName string         `json:"profile_name"`
	State       model.JobState `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (s SubmitReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func newSubmitReply(result *service.SubmitResult) SubmitReply {
	return SubmitReply{
		Message:     "Validation in progress",
		CrateID:     result.CrateID,
		JobID:       result.JobID,
		Version:     result.Version,
		ProfileName: result.ProfileName,
		State:       result.State,
		CreatedAt:   result.CreatedAt,
	}
}

// JobReply is the public view of a job. Object store credentials never leave
// the service.
type JobReply struct {
	CrateID     string         `json:"crate_id"`
	JobID       uuid.UUID      `json:"job_id"`
	Version     string         `json:"version"`
	State       model.JobState `json:"state"`
	ProfileName string         `json:"profile_name"`
	RootPath    string         `json:"root_path,omitempty"`
	HasWebhook  bool           `json:"has_webhook"`
	Report      *model.Report  `json:"report,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (j JobReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func newJobReply(job *model.Job) JobReply {
	reply := JobReply{
		CrateID:     job.CrateID,
		JobID:       job.JobID,
		Version:     job.Version,
		State:       job.State,
		ProfileName: job.ProfileName(),
		HasWebhook:  job.WebhookURL() != "",
		Report:      job.Result(),
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Request != nil {
		reply.RootPath = job.Request.Data.RootPath
	}
	return reply
}

type MetadataBody struct {
	CrateJSON   string `json:"crate_json"`
	ProfileName string `json:"profile_name,omitempty"`
}

func (b *MetadataBody) Bind(r *http.Request) error {
	return nil
}

type MetadataReply struct {
	Status string       `json:"status"`
	Report model.Report `json:"report"`
}

func (m MetadataReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}
