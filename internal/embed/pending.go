package embed

import (
	"sync"
	"time"
)

type taskOutcome struct {
	chunkID    string
	batchID    string
	vector     []float32
	err        error
	resolvedAt time.Time
}

// pendingTask is one outstanding unit of remote work. Exactly one outcome
// is ever delivered on done.
type pendingTask struct {
	taskID      string
	chunkID     string
	batchID     string
	submittedAt time.Time
	timer       *time.Timer
	done        chan taskOutcome
}

// registry holds tasks awaiting resolution. Resolution is consuming: the
// entry is deleted before the outcome is delivered, so whichever of the
// push path, poll path or timeout observes completion first wins and every
// later attempt is a no-op.
type registry struct {
	mu    sync.Mutex
	tasks map[string]*pendingTask
}

func newRegistry() *registry {
	return &registry{tasks: make(map[string]*pendingTask)}
}

func (r *registry) add(t *pendingTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.taskID] = t
}

// resolve completes a task exactly once. Returns false when the task is
// unknown or already resolved.
func (r *registry) resolve(taskID string, vector []float32, err error) bool {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.tasks, taskID)
	r.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.done <- taskOutcome{
		chunkID:    t.chunkID,
		batchID:    t.batchID,
		vector:     vector,
		err:        err,
		resolvedAt: time.Now(),
	}
	return true
}

func (r *registry) pending(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[taskID]
	return ok
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
