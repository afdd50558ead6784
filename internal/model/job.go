package model

import "time"

// Job is one enhancement unit of work. A job row exists only if the
// ledger debit that paid for it committed in the same transaction.
// Terminal rows never mutate again.
type Job struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"`
	BatchID     string      `gorm:"size:36;index;not null" json:"batchId"`
	UserID      string      `gorm:"size:64;index;not null" json:"userId"`
	ImageID     string      `gorm:"size:64;index;not null" json:"imageId"`
	Tier        Tier        `gorm:"size:16;not null" json:"tier"`
	PipelineID  string      `gorm:"size:36;not null" json:"pipelineId"`
	Stages      StageConfig `gorm:"serializer:json" json:"-"`
	Status      JobStatus   `gorm:"size:16;index;not null" json:"status"`
	TokensCost  int64       `gorm:"not null" json:"tokensCost"`
	EnhancedURL *string     `gorm:"size:512" json:"enhancedUrl,omitempty"`
	Width       *int        `json:"width,omitempty"`
	Height      *int        `json:"height,omitempty"`
	Error       *string     `gorm:"size:512" json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

func (Job) TableName() string {
	return "jobs"
}

// JobResult is the result payload of a COMPLETED job
type JobResult struct {
	EnhancedURL string `json:"enhancedUrl"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// EnhanceStartRequest creates one or more enhancement jobs billed together
type EnhanceStartRequest struct {
	ImageIDs            []string `json:"imageIds" validate:"required,min=1,dive,required,max=64"`
	Tier                Tier     `json:"tier" validate:"required"`
	PipelineID          string   `json:"pipelineId" validate:"omitempty,uuid4"`
	SkipAlreadyEnhanced bool     `json:"skipAlreadyEnhanced"`
}

// QueuedJob identifies one created job in a batch response
type QueuedJob struct {
	JobID   string `json:"jobId"`
	ImageID string `json:"imageId"`
}

// EnhanceStartResponse reports the created batch
type EnhanceStartResponse struct {
	BatchID    string      `json:"batchId"`
	Jobs       []QueuedJob `json:"jobs"`
	Queued     int         `json:"queued"`
	Skipped    int         `json:"skipped"`
	TotalCost  int64       `json:"totalCost"`
	NewBalance int64       `json:"newBalance"`
}

// JobStatusResponse is a point-in-time job snapshot
type JobStatusResponse struct {
	JobID       string     `json:"jobId"`
	BatchID     string     `json:"batchId"`
	ImageID     string     `json:"imageId"`
	Tier        Tier       `json:"tier"`
	Status      JobStatus  `json:"status"`
	TokensCost  int64      `json:"tokensCost"`
	Result      *JobResult `json:"result,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// JobCancelResponse reports the status after a cancel request. When the
// job was already terminal the request is a no-op and Cancelled is false.
type JobCancelResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Cancelled bool      `json:"cancelled"`
}

// BatchStatusResponse aggregates the live state of one batch
type BatchStatusResponse struct {
	BatchID    string              `json:"batchId"`
	Total      int                 `json:"total"`
	Pending    int                 `json:"pending"`
	Processing int                 `json:"processing"`
	Completed  int                 `json:"completed"`
	Failed     int                 `json:"failed"`
	Jobs       []JobStatusResponse `json:"jobs"`
}

// Snapshot converts a job row to its API representation.
func (j *Job) Snapshot() JobStatusResponse {
	resp := JobStatusResponse{
		JobID:       j.ID,
		BatchID:     j.BatchID,
		ImageID:     j.ImageID,
		Tier:        j.Tier,
		Status:      j.Status,
		TokensCost:  j.TokensCost,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Status == JobStatusCompleted && j.EnhancedURL != nil && j.Width != nil && j.Height != nil {
		resp.Result = &JobResult{
			EnhancedURL: *j.EnhancedURL,
			Width:       *j.Width,
			Height:      *j.Height,
		}
	}
	return resp
}
