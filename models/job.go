package models

import (
	"path/filepath"
	"time"
)

const (
	UploadsDirName = "uploads"
	OutputsDirName = "outputs"
)

// Job is one request's scratch directory. The job store owns RootPath and is
// the only component allowed to delete it.
type Job struct {
	ID        string    `json:"jobId"`
	RootPath  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

func (j *Job) UploadsDir() string {
	return filepath.Join(j.RootPath, UploadsDirName)
}

// OutputsDir holds the only files served by the download endpoint, apart from
// archives written at the job root.
func (j *Job) OutputsDir() string {
	return filepath.Join(j.RootPath, OutputsDirName)
}

// UploadArtifact is a received file after it has been written under its
// sanitized name.
type UploadArtifact struct {
	DeclaredName  string `json:"declaredName"`
	SanitizedName string `json:"sanitizedName"`
	DetectedType  string `json:"detectedType"`
	Path          string `json:"-"`
	Size          int64  `json:"size"`
}

// ConversionRecord is one row of conversion history.
type ConversionRecord struct {
	JobID     string        `json:"jobId"`
	UserID    string        `json:"userId,omitempty"`
	Tool      string        `json:"tool"`
	FileSize  int64         `json:"fileSize"`
	FileCount int           `json:"fileCount"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"createdAt"`
}
