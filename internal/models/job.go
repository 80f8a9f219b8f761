// Package models contains domain types for the time-series ingestion backend.
package models

import "time"

// JobStatus represents the lifecycle state of an upload job.
type JobStatus string

const (
	JobStatusUploading  JobStatus = "uploading"
	JobStatusMerging    JobStatus = "merging"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// UploadJob is one ingestion attempt, chunked or single-shot.
type UploadJob struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Size           int64      `json:"size"`
	ChunkSize      int64      `json:"chunkSize,omitempty"`
	Status         JobStatus  `json:"status"`
	Percent        int        `json:"percent"`
	ReceivedBytes  int64      `json:"receivedBytes,omitempty"`
	ReceivedChunks int        `json:"receivedChunks,omitempty"`
	TotalChunks    int        `json:"totalChunks,omitempty"`
	Encoding       string     `json:"encoding,omitempty"`
	OriginalSize   int64      `json:"originalSize,omitempty"`
	Result         *Result    `json:"-"`
	Error          string     `json:"error,omitempty"`  // condition code, e.g. "missing_chunks"
	Detail         string     `json:"detail,omitempty"` // human readable cause
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Snapshot is the side-effect free progress view of a job.
type Snapshot struct {
	Status  JobStatus `json:"status"`
	Percent int       `json:"percent"`
	Name    string    `json:"name,omitempty"`
	Size    int64     `json:"size,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Snapshot returns the poll/push view of the job.
func (j *UploadJob) Snapshot() Snapshot {
	return Snapshot{
		Status:  j.Status,
		Percent: j.Percent,
		Name:    j.Name,
		Size:    j.Size,
		Error:   j.Error,
	}
}

// JobSummary is one entry of the job listing.
type JobSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Status    JobStatus `json:"status"`
	Percent   int       `json:"percent"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary returns the listing view of the job.
func (j *UploadJob) Summary() JobSummary {
	return JobSummary{
		ID:        j.ID,
		Name:      j.Name,
		Size:      j.Size,
		Status:    j.Status,
		Percent:   j.Percent,
		CreatedAt: j.CreatedAt,
	}
}
