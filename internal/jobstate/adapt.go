package jobstate

import (
	"encoding/json"
	"fmt"
	"time"
)

// The service has shipped several shapes for its status events:
//
//   - the current contract: a nested envelope {"job": {...}, "queue": {...},
//     "workers": {...}}
//   - queue/worker snapshots without a job: {"queue": {...}} or
//     {"workers": {...}}, and the flat queue form {"size": ..., "maxsize": ...}
//   - a legacy flat snake_case shape: {"job_id": ..., "completed_chunks": ...}
//   - an older flat camelCase shape: {"jobId": ..., "completedChunks": ...}
//
// Normalize picks the adapter from the payload's discriminating keys and
// returns one canonical Update. All shape knowledge lives here; the reducer
// never inspects raw payloads.
func Normalize(payload json.RawMessage) (Update, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Update{}, fmt.Errorf("malformed status payload: %w", err)
	}

	if isObject(probe["job"]) {
		return fromEnvelope(payload)
	}
	if isObject(probe["queue"]) || isObject(probe["workers"]) {
		return fromSnapshot(payload)
	}
	if _, ok := probe["size"]; ok {
		if _, ok := probe["maxsize"]; ok {
			return fromFlatQueue(payload)
		}
	}
	if _, ok := probe["jobId"]; ok {
		return fromLegacyCamel(payload)
	}
	return fromLegacyFlat(payload)
}

func isObject(raw json.RawMessage) bool {
	return len(raw) > 0 && raw[0] == '{'
}

// jobFields is the snake_case field set shared by the envelope's job object
// and the legacy flat shape.
type jobFields struct {
	JobID            string   `json:"job_id"`
	Status           *Status  `json:"status"`
	TotalChunks      *int     `json:"total_chunks"`
	CompletedChunks  *int     `json:"completed_chunks"`
	FailedChunks     *int     `json:"failed_chunks"`
	PendingChunks    *int     `json:"pending_chunks"`
	TotalBatches     *int     `json:"total_batches"`
	CompletedBatches *int     `json:"completed_batches"`
	StartedAt        *string  `json:"started_at"`
	CompletedAt      *string  `json:"completed_at"`
	ElapsedSeconds   *float64 `json:"elapsed_seconds"`
	ChunksPerSecond  *float64 `json:"chunks_per_second"`
}

func (f jobFields) toUpdate() Update {
	return Update{
		JobID:            f.JobID,
		Status:           f.Status,
		TotalChunks:      f.TotalChunks,
		CompletedChunks:  f.CompletedChunks,
		FailedChunks:     f.FailedChunks,
		PendingChunks:    f.PendingChunks,
		TotalBatches:     f.TotalBatches,
		CompletedBatches: f.CompletedBatches,
		StartedAt:        parseTime(f.StartedAt),
		CompletedAt:      parseTime(f.CompletedAt),
		ElapsedSeconds:   f.ElapsedSeconds,
		ChunksPerSecond:  f.ChunksPerSecond,
	}
}

func fromEnvelope(payload json.RawMessage) (Update, error) {
	var env struct {
		Job     jobFields `json:"job"`
		Queue   *Queue    `json:"queue"`
		Workers *Workers  `json:"workers"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return Update{}, fmt.Errorf("malformed envelope payload: %w", err)
	}
	u := env.Job.toUpdate()
	u.Queue = env.Queue
	u.Workers = env.Workers
	return u, nil
}

// fromSnapshot handles queue/worker state events that carry no job at all.
func fromSnapshot(payload json.RawMessage) (Update, error) {
	var env struct {
		Queue   *Queue   `json:"queue"`
		Workers *Workers `json:"workers"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return Update{}, fmt.Errorf("malformed snapshot payload: %w", err)
	}
	return Update{Queue: env.Queue, Workers: env.Workers}, nil
}

func fromFlatQueue(payload json.RawMessage) (Update, error) {
	var q Queue
	if err := json.Unmarshal(payload, &q); err != nil {
		return Update{}, fmt.Errorf("malformed queue payload: %w", err)
	}
	return Update{Queue: &q}, nil
}

func fromLegacyFlat(payload json.RawMessage) (Update, error) {
	var f jobFields
	if err := json.Unmarshal(payload, &f); err != nil {
		return Update{}, fmt.Errorf("malformed flat payload: %w", err)
	}
	return f.toUpdate(), nil
}

// fromLegacyCamel handles the oldest shape, which used camelCase keys and
// shorter count names.
func fromLegacyCamel(payload json.RawMessage) (Update, error) {
	var f struct {
		JobID           string   `json:"jobId"`
		State           *Status  `json:"state"`
		Status          *Status  `json:"status"`
		Total           *int     `json:"total"`
		Completed       *int     `json:"completed"`
		Failed          *int     `json:"failed"`
		Pending         *int     `json:"pending"`
		TotalBatches    *int     `json:"totalBatches"`
		DoneBatches     *int     `json:"doneBatches"`
		StartedAt       *string  `json:"startedAt"`
		CompletedAt     *string  `json:"completedAt"`
		ElapsedSeconds  *float64 `json:"elapsedSeconds"`
		ChunksPerSecond *float64 `json:"chunksPerSecond"`
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return Update{}, fmt.Errorf("malformed camelCase payload: %w", err)
	}

	status := f.Status
	if status == nil {
		status = f.State
	}
	return Update{
		JobID:            f.JobID,
		Status:           status,
		TotalChunks:      f.Total,
		CompletedChunks:  f.Completed,
		FailedChunks:     f.Failed,
		PendingChunks:    f.Pending,
		TotalBatches:     f.TotalBatches,
		CompletedBatches: f.DoneBatches,
		StartedAt:        parseTime(f.StartedAt),
		CompletedAt:      parseTime(f.CompletedAt),
		ElapsedSeconds:   f.ElapsedSeconds,
		ChunksPerSecond:  f.ChunksPerSecond,
	}, nil
}

func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	return nil
}
