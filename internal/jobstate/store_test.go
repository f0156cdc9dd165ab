package jobstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int          { return &v }
func statusp(s Status) *Status { return &s }

func TestStore_CoalescingMerge(t *testing.T) {
	s := NewStore()

	s.ApplyStarted(Update{
		JobID:        "j-1",
		Status:       statusp(StatusProcessing),
		TotalChunks:  intp(10),
		TotalBatches: intp(2),
	})

	// Partial update carrying only completed_chunks must leave every other
	// field untouched.
	s.ApplyStatusUpdate(Update{JobID: "j-1", CompletedChunks: intp(4)})

	job, ok := s.Job("j-1")
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, 10, job.TotalChunks)
	assert.Equal(t, 4, job.CompletedChunks)
	assert.Equal(t, 2, job.TotalBatches)
}

func TestStore_StartedSelectsCurrent(t *testing.T) {
	s := NewStore()
	s.ApplyStarted(Update{JobID: "j-1"})

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "j-1", cur.JobID)
	assert.Equal(t, StatusPending, cur.Status)
}

func TestStore_CompleteKeepsTrueCounts(t *testing.T) {
	s := NewStore()
	s.ApplyStarted(Update{JobID: "j-1", TotalChunks: intp(10)})
	s.ApplyStatusUpdate(Update{JobID: "j-1", CompletedChunks: intp(7)})
	s.ApplyComplete(Update{JobID: "j-1"})

	job, _ := s.Job("j-1")
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 7, job.CompletedChunks, "store keeps the true count")

	completed, total := SmoothedCounts(job)
	assert.Equal(t, 10, completed, "display smoothing reports completed == total")
	assert.Equal(t, 10, total)
}

func TestStore_SnapshotReplacesMap(t *testing.T) {
	s := NewStore()
	s.ApplyStarted(Update{JobID: "stale"})
	s.LoadSnapshot([]Job{
		{JobID: "j-1", Status: StatusProcessing},
		{JobID: "j-2", Status: StatusCompleted},
	})

	_, ok := s.Job("stale")
	assert.False(t, ok)
	assert.Len(t, s.Jobs(), 2)

	_, ok = s.Current()
	assert.False(t, ok, "current cleared when snapshot lacks it")
}

func TestStore_DeleteClearsCurrentSelection(t *testing.T) {
	s := NewStore()
	s.ApplyStarted(Update{JobID: "j-1"})
	s.ApplyStatusUpdate(Update{JobID: "j-2", Status: statusp(StatusPending)})

	s.Delete("j-1")
	_, ok := s.Job("j-1")
	assert.False(t, ok)
	_, ok = s.Current()
	assert.False(t, ok)

	// Deleting a non-current job leaves the selection alone.
	s.ApplyStarted(Update{JobID: "j-3"})
	s.Delete("j-2")
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "j-3", cur.JobID)
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	s.ApplyStarted(Update{JobID: "j-1"})
	s.Clear()
	assert.Empty(t, s.Jobs())
	_, ok := s.Current()
	assert.False(t, ok)
}

func TestStore_QueueAndWorkersReplacedWholesale(t *testing.T) {
	s := NewStore()
	s.ApplyStatusUpdate(Update{
		Queue:   &Queue{Size: 5, MaxSize: 100, State: "running"},
		Workers: &Workers{Total: 4, Working: 2, Idle: 2},
	})
	assert.Equal(t, 5, s.Queue().Size)
	assert.Equal(t, 4, s.Workers().Total)

	// A later update replaces, not merges, the snapshots.
	s.ApplyStatusUpdate(Update{Queue: &Queue{Size: 1}})
	assert.Equal(t, 1, s.Queue().Size)
	assert.Equal(t, 0, s.Queue().MaxSize)
}

func TestStore_UpdateForUnknownJobCreatesIt(t *testing.T) {
	s := NewStore()
	s.ApplyStatusUpdate(Update{JobID: "j-9", CompletedChunks: intp(3)})
	job, ok := s.Job("j-9")
	require.True(t, ok)
	assert.Equal(t, 3, job.CompletedChunks)
}

func TestSmoothedCounts_NonTerminal(t *testing.T) {
	completed, total := SmoothedCounts(Job{Status: StatusProcessing, CompletedChunks: 3, TotalChunks: 10})
	assert.Equal(t, 3, completed)
	assert.Equal(t, 10, total)
}

func TestStore_StartedAtMerge(t *testing.T) {
	s := NewStore()
	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.ApplyStarted(Update{JobID: "j-1", StartedAt: &started})
	s.ApplyStatusUpdate(Update{JobID: "j-1", CompletedChunks: intp(1)})

	job, _ := s.Job("j-1")
	assert.Equal(t, started, job.StartedAt, "timestamp survives partial updates")
}
