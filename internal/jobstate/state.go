package jobstate

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is the canonical, merged view of one embedding job. Counts here are
// the true counts as last reported; display smoothing (completed == total
// on a completed job) happens at presentation boundaries, never here.
type Job struct {
	JobID            string    `json:"job_id"`
	Status           Status    `json:"status"`
	TotalChunks      int       `json:"total_chunks"`
	CompletedChunks  int       `json:"completed_chunks"`
	FailedChunks     int       `json:"failed_chunks"`
	PendingChunks    int       `json:"pending_chunks"`
	TotalBatches     int       `json:"total_batches"`
	CompletedBatches int       `json:"completed_batches"`
	StartedAt        time.Time `json:"started_at,omitzero"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	ChunksPerSecond  float64   `json:"chunks_per_second"`
}

// Queue is the service's queue snapshot, replaced wholesale on update.
type Queue struct {
	Size           int     `json:"size"`
	MaxSize        int     `json:"maxsize"`
	UsagePercent   float64 `json:"usage_percent"`
	State          string  `json:"state"`
	TotalSubmitted int     `json:"total_submitted"`
	TotalProcessed int     `json:"total_processed"`
	AvailableSlots int     `json:"available_slots"`
}

// Workers is the worker-pool snapshot, replaced wholesale on update.
type Workers struct {
	Total   int      `json:"total"`
	Working int      `json:"working"`
	Idle    int      `json:"idle"`
	Stopped int      `json:"stopped"`
	List    []Worker `json:"workers,omitempty"`
}

type Worker struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Update is one normalized partial update. Pointer fields distinguish
// "absent" from zero so merging never erases a known value.
type Update struct {
	JobID            string
	Status           *Status
	TotalChunks      *int
	CompletedChunks  *int
	FailedChunks     *int
	PendingChunks    *int
	TotalBatches     *int
	CompletedBatches *int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ElapsedSeconds   *float64
	ChunksPerSecond  *float64
	Queue            *Queue
	Workers          *Workers
}
