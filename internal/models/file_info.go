package models

import "time"

// FileInfo describes a file staged on local storage for a job.
type FileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"-"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}
