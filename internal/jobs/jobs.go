// Package jobs runs indexing work on a single-worker FIFO queue.
// Every job persists as one JSON file so status survives restarts,
// and at most one job runs at a time, which serializes all writes to
// the storage backend.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Type names the kinds of queued work.
type Type string

const (
	TypeIndex   Type = "index"
	TypeReindex Type = "reindex"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Progress is the live counters a running job reports.
type Progress struct {
	Stage         string `json:"stage,omitempty"`
	FilesScanned  int    `json:"files_scanned,omitempty"`
	FilesChanged  int    `json:"files_changed,omitempty"`
	ChunksIndexed int    `json:"chunks_indexed,omitempty"`
	ChunksEvicted int    `json:"chunks_evicted,omitempty"`
}

// Job is one unit of queued work.
type Job struct {
	ID         string   `json:"id"`
	Type       Type     `json:"type"`
	FolderID   string   `json:"folder_id"`
	FolderPath string   `json:"folder_path"`
	Status     Status   `json:"status"`
	Error      string   `json:"error,omitempty"`
	Progress   Progress `json:"progress"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// newJob creates a pending job with a fresh ID.
func newJob(jobType Type, folderID, folderPath string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		FolderID:   folderID,
		FolderPath: folderPath,
		Status:     StatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
}

// clone returns a copy safe to hand to callers.
func (j *Job) clone() *Job {
	copied := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		copied.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		copied.FinishedAt = &t
	}
	return &copied
}
