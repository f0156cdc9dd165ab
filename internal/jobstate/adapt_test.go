package jobstate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Envelope(t *testing.T) {
	payload := json.RawMessage(`{
		"job": {
			"job_id": "j-1",
			"status": "processing",
			"total_chunks": 20,
			"completed_chunks": 5,
			"started_at": "2026-08-01T10:00:00Z"
		},
		"queue": {"size": 3, "maxsize": 100, "usage_percent": 3.0, "state": "running"},
		"workers": {"total": 4, "working": 1, "idle": 3, "workers": [{"id": "w-1", "status": "working"}]}
	}`)

	u, err := Normalize(payload)
	require.NoError(t, err)
	assert.Equal(t, "j-1", u.JobID)
	assert.Equal(t, StatusProcessing, *u.Status)
	assert.Equal(t, 20, *u.TotalChunks)
	assert.Equal(t, 5, *u.CompletedChunks)
	assert.Nil(t, u.FailedChunks, "absent fields stay nil")
	require.NotNil(t, u.StartedAt)
	assert.Equal(t, 2026, u.StartedAt.Year())
	require.NotNil(t, u.Queue)
	assert.Equal(t, 3, u.Queue.Size)
	require.NotNil(t, u.Workers)
	assert.Equal(t, "w-1", u.Workers.List[0].ID)
}

func TestNormalize_QueueSnapshotWithoutJob(t *testing.T) {
	t.Run("Nested Queue", func(t *testing.T) {
		u, err := Normalize(json.RawMessage(`{"queue": {"size": 7, "maxsize": 100, "state": "running"}}`))
		require.NoError(t, err)
		assert.Empty(t, u.JobID)
		require.NotNil(t, u.Queue)
		assert.Equal(t, 7, u.Queue.Size)
	})

	t.Run("Nested Workers", func(t *testing.T) {
		u, err := Normalize(json.RawMessage(`{"workers": {"total": 4, "working": 2, "idle": 2}}`))
		require.NoError(t, err)
		require.NotNil(t, u.Workers)
		assert.Equal(t, 2, u.Workers.Working)
		assert.Nil(t, u.Queue)
	})

	t.Run("Flat Queue", func(t *testing.T) {
		u, err := Normalize(json.RawMessage(`{"size": 12, "maxsize": 100, "usage_percent": 12.0, "available_slots": 88}`))
		require.NoError(t, err)
		require.NotNil(t, u.Queue)
		assert.Equal(t, 12, u.Queue.Size)
		assert.Equal(t, 88, u.Queue.AvailableSlots)
	})
}

func TestStore_QueueStateEventUpdatesSnapshot(t *testing.T) {
	s := NewStore()
	for _, payload := range []string{
		`{"queue": {"size": 5, "maxsize": 100}}`,
		`{"size": 9, "maxsize": 100}`,
	} {
		u, err := Normalize(json.RawMessage(payload))
		require.NoError(t, err)
		s.ApplyStatusUpdate(u)
	}
	assert.Equal(t, 9, s.Queue().Size, "each queue event replaces the snapshot")
}

func TestNormalize_LegacyFlat(t *testing.T) {
	payload := json.RawMessage(`{
		"job_id": "j-2",
		"status": "completed",
		"total_chunks": 10,
		"completed_chunks": 10,
		"chunks_per_second": 4.2
	}`)

	u, err := Normalize(payload)
	require.NoError(t, err)
	assert.Equal(t, "j-2", u.JobID)
	assert.Equal(t, StatusCompleted, *u.Status)
	assert.Equal(t, 10, *u.TotalChunks)
	assert.Equal(t, 4.2, *u.ChunksPerSecond)
	assert.Nil(t, u.Queue)
}

func TestNormalize_LegacyCamel(t *testing.T) {
	payload := json.RawMessage(`{
		"jobId": "j-3",
		"state": "processing",
		"total": 8,
		"completed": 2,
		"doneBatches": 1
	}`)

	u, err := Normalize(payload)
	require.NoError(t, err)
	assert.Equal(t, "j-3", u.JobID)
	assert.Equal(t, StatusProcessing, *u.Status)
	assert.Equal(t, 8, *u.TotalChunks)
	assert.Equal(t, 2, *u.CompletedChunks)
	assert.Equal(t, 1, *u.CompletedBatches)
}

func TestNormalize_CamelPrefersStatusOverState(t *testing.T) {
	payload := json.RawMessage(`{"jobId": "j-4", "state": "processing", "status": "failed"}`)
	u, err := Normalize(payload)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, *u.Status)
}

func TestNormalize_AllShapesMergeIdentically(t *testing.T) {
	shapes := []json.RawMessage{
		[]byte(`{"job": {"job_id": "j-5", "status": "processing", "completed_chunks": 6}}`),
		[]byte(`{"job_id": "j-5", "status": "processing", "completed_chunks": 6}`),
		[]byte(`{"jobId": "j-5", "state": "processing", "completed": 6}`),
	}

	for i, payload := range shapes {
		s := NewStore()
		s.ApplyStarted(Update{JobID: "j-5", TotalChunks: intp(12)})

		u, err := Normalize(payload)
		require.NoError(t, err, "shape %d", i)
		s.ApplyStatusUpdate(u)

		job, _ := s.Job("j-5")
		assert.Equal(t, 6, job.CompletedChunks, "shape %d", i)
		assert.Equal(t, 12, job.TotalChunks, "shape %d: merge must not erase total", i)
		assert.Equal(t, StatusProcessing, job.Status, "shape %d", i)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	_, err := Normalize([]byte(`[1,2,3]`))
	assert.Error(t, err)

	_, err = Normalize([]byte(`{"job": {bad`))
	assert.Error(t, err)
}
