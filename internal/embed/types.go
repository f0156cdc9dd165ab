package embed

// Chunk is one (chunk id, text) pair submitted for embedding.
type Chunk struct {
	ID   string
	Text string
}

type chunkPayload struct {
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text"`
}

// TaskRef ties a remote task to the chunk it embeds.
type TaskRef struct {
	ChunkID string `json:"chunk_id"`
	TaskID  string `json:"task_id"`
}

// AutoBatchResult is the service's response to a whole-job submission. The
// task-to-chunk mapping in Batches is optional; older service builds only
// return the batch ids.
type AutoBatchResult struct {
	JobID        string        `json:"job_id"`
	BatchIDs     []string      `json:"batch_ids"`
	TotalBatches int           `json:"total_batches"`
	Batches      []BatchResult `json:"batches,omitempty"`
}

// BatchResult is one submitted batch with its task mapping.
type BatchResult struct {
	BatchID string    `json:"batch_id"`
	Tasks   []TaskRef `json:"tasks"`
}

// TaskStatus is the poll response for a single task.
type TaskStatus struct {
	TaskID   string      `json:"task_id"`
	Status   string      `json:"status"` // pending | processing | completed | failed
	Progress float64     `json:"progress,omitempty"`
	Result   *TaskResult `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type TaskResult struct {
	ChunkID   string    `json:"chunk_id"`
	Embedding []float32 `json:"embedding"`
}

// BatchTiming is the per-batch share of a job-completion event.
type BatchTiming struct {
	BatchID    string  `json:"batch_id"`
	Tasks      int     `json:"tasks"`
	DurationMS float64 `json:"duration_ms"`
}

// JobSummary is the aggregate emitted when a job finishes. CompletedChunks
// here is the true resolved count; display smoothing is for presentation
// code, not this event.
type JobSummary struct {
	JobID           string        `json:"job_id"`
	Status          string        `json:"status"`
	Source          string        `json:"source"` // remote | local
	TotalChunks     int           `json:"total_chunks"`
	CompletedChunks int           `json:"completed_chunks"`
	FailedChunks    int           `json:"failed_chunks"`
	TotalBatches    int           `json:"total_batches"`
	ElapsedSeconds  float64       `json:"elapsed_seconds"`
	ChunksPerSecond float64       `json:"chunks_per_second"`
	Batches         []BatchTiming `json:"batches,omitempty"`
}
