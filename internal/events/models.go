package events

// JobEvent is published on every job state transition.
type JobEvent struct {
	CrateID     string `json:"crate_id"`
	JobID       string `json:"job_id"`
	State       string `json:"state"`
	Version     string `json:"version,omitempty"`
	ProfileName string `json:"profile_name,omitempty"`
	Valid       *bool  `json:"valid,omitempty"`
	Issues      int    `json:"issues,omitempty"`
}

// WebhookEvent is published once a webhook delivery is over.
type WebhookEvent struct {
	CrateID    string `json:"crate_id"`
	JobID      string `json:"job_id"`
	URL        string `json:"url"`
	Delivered  bool   `json:"delivered"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}
