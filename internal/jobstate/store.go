package jobstate

import (
	"sync"
)

// Store folds job-lifecycle events and periodic full refreshes into one
// consistent map of job state. Actions are applied in receipt order; a
// partial update never erases a previously known field.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]Job
	current string
	queue   Queue
	workers Workers
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]Job)}
}

// ApplyStarted registers a new job and selects it as current.
func (s *Store) ApplyStarted(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.JobID == "" {
		return
	}
	job := s.jobs[u.JobID]
	job.JobID = u.JobID
	if job.Status == "" {
		job.Status = StatusPending
	}
	merge(&job, u)
	s.jobs[u.JobID] = job
	s.current = u.JobID
	s.applyGlobal(u)
}

// ApplyStatusUpdate merges a partial update into the stored job. Fields
// absent from the update keep their stored values.
func (s *Store) ApplyStatusUpdate(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyGlobal(u)
	if u.JobID == "" {
		return
	}
	job, ok := s.jobs[u.JobID]
	if !ok {
		job = Job{JobID: u.JobID}
	}
	merge(&job, u)
	s.jobs[u.JobID] = job
}

// ApplyComplete marks a job terminal. The true completed count is kept
// even when it lags the total; see SmoothedCounts for the display rule.
func (s *Store) ApplyComplete(u Update) {
	if u.Status == nil {
		done := StatusCompleted
		u.Status = &done
	}
	s.ApplyStatusUpdate(u)
}

// LoadSnapshot replaces the whole job map with a full refresh from the
// service.
func (s *Store) LoadSnapshot(jobs []Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		if j.JobID == "" {
			continue
		}
		next[j.JobID] = j
	}
	s.jobs = next
	if _, ok := s.jobs[s.current]; !ok {
		s.current = ""
	}
}

// Delete removes a job, clearing the current selection if it pointed there.
func (s *Store) Delete(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	if s.current == jobID {
		s.current = ""
	}
}

// Clear drops all job state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]Job)
	s.current = ""
}

func (s *Store) Job(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

func (s *Store) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *Store) Current() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return Job{}, false
	}
	j, ok := s.jobs[s.current]
	return j, ok
}

func (s *Store) Queue() Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

func (s *Store) Workers() Workers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

// applyGlobal replaces the queue and worker snapshots when present. These
// have no field-wise merge: the service always sends them whole.
func (s *Store) applyGlobal(u Update) {
	if u.Queue != nil {
		s.queue = *u.Queue
	}
	if u.Workers != nil {
		s.workers = *u.Workers
	}
}

func merge(job *Job, u Update) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.TotalChunks != nil {
		job.TotalChunks = *u.TotalChunks
	}
	if u.CompletedChunks != nil {
		job.CompletedChunks = *u.CompletedChunks
	}
	if u.FailedChunks != nil {
		job.FailedChunks = *u.FailedChunks
	}
	if u.PendingChunks != nil {
		job.PendingChunks = *u.PendingChunks
	}
	if u.TotalBatches != nil {
		job.TotalBatches = *u.TotalBatches
	}
	if u.CompletedBatches != nil {
		job.CompletedBatches = *u.CompletedBatches
	}
	if u.StartedAt != nil {
		job.StartedAt = *u.StartedAt
	}
	if u.CompletedAt != nil {
		job.CompletedAt = *u.CompletedAt
	}
	if u.ElapsedSeconds != nil {
		job.ElapsedSeconds = *u.ElapsedSeconds
	}
	if u.ChunksPerSecond != nil {
		job.ChunksPerSecond = *u.ChunksPerSecond
	}
}

// SmoothedCounts returns the counts a progress display should show: a
// completed job reports completed == total even when the underlying count
// lagged the final status event. The stored job keeps the true counts.
func SmoothedCounts(j Job) (completed, total int) {
	if j.Status == StatusCompleted {
		return j.TotalChunks, j.TotalChunks
	}
	return j.CompletedChunks, j.TotalChunks
}
