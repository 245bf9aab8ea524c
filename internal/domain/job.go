package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// Job encapsulates one effect run against one input asset, tracked through the
// status state machine to success or failure. The job store owns the record;
// everything else references it by ID.
type Job struct {
	ID             string
	EffectID       string
	Provider       string
	AssetID        string
	AssetName      string
	AssetURL       string
	UserID         string
	ProjectID      string
	Status         JobStatus
	Params         map[string]any
	ProviderState  map[string]any
	ResultAssetID  string
	ResultAssetURL string
	Error          string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PredictionID returns the provider correlation id recorded at submission
// time, or "" when the provider state is missing or malformed.
func (j *Job) PredictionID() string {
	if j == nil || j.ProviderState == nil {
		return ""
	}
	if id, ok := j.ProviderState["predictionId"].(string); ok {
		return id
	}
	return ""
}

// PollURL returns the provider's status URL recorded at submission time, if any.
func (j *Job) PollURL() string {
	if j == nil || j.ProviderState == nil {
		return ""
	}
	if u, ok := j.ProviderState["getUrl"].(string); ok {
		return u
	}
	return ""
}

// JobUpdate describes a partial mutation of a job record. Nil fields are left
// untouched; Metadata and ProviderState replace the stored value when set.
type JobUpdate struct {
	Status         *JobStatus
	ResultAssetID  *string
	ResultAssetURL *string
	Error          *string
	Metadata       map[string]any
	ProviderState  map[string]any
}

// TaskStatus is the ephemeral per-job state of a poll task on the work queue.
// It exists for queue observability only and is never read by business logic.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)
