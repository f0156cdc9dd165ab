package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"tabsense/internal/pushchannel"
)

var ErrTaskTimeout = errors.New("embedding task timed out")

// localEmbedAttempts bounds the per-chunk retry of the in-process fallback.
const localEmbedAttempts = 2

// Telemetry receives job lifecycle events. Implementations must not block;
// emission is fire-and-forget.
type Telemetry interface {
	Emit(ctx context.Context, eventType string, payload interface{})
}

// Events is the push-channel subscription surface the service listens on.
type Events interface {
	Subscribe(fn func(pushchannel.Event)) func()
}

// LocalEmbedder is the in-process embedding function used when the remote
// service is unhealthy.
type LocalEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	TaskTimeout  time.Duration
	PollInterval time.Duration
	BatchSize    int
}

func DefaultConfig() Config {
	return Config{
		TaskTimeout:  60 * time.Second,
		PollInterval: 2 * time.Second,
		BatchSize:    10,
	}
}

// Service turns chunk sets into embedding maps via the remote batch
// service, resolving each task through whichever of the push channel or
// the poll loop reports first.
type Service struct {
	client      *Client
	local       LocalEmbedder
	telemetry   Telemetry
	cfg         Config
	pending     *registry
	unsubscribe func()
}

func NewService(client *Client, events Events, local LocalEmbedder, telemetry Telemetry, cfg Config) *Service {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	s := &Service{
		client:    client,
		local:     local,
		telemetry: telemetry,
		cfg:       cfg,
		pending:   newRegistry(),
	}
	if events != nil {
		s.unsubscribe = events.Subscribe(s.handlePushEvent)
	}
	return s
}

func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// EmbedChunks embeds every chunk and returns chunk id → vector. The result
// may be partial: individual task failures and timeouts drop that chunk's
// entry rather than failing the job. A submission that cannot reach the
// service at all falls back to the local embedding function.
func (s *Service) EmbedChunks(ctx context.Context, chunks []Chunk) (map[string][]float32, error) {
	if len(chunks) == 0 {
		return map[string][]float32{}, nil
	}

	if !s.client.Healthy(ctx) {
		slog.WarnContext(ctx, "embedding service unhealthy, using local embedder", "chunks", len(chunks))
		return s.embedLocally(ctx, chunks), nil
	}

	jobID := uuid.New().String()
	start := time.Now()

	refs, totalBatches, err := s.submit(ctx, jobID, chunks)
	if err != nil {
		return nil, fmt.Errorf("submit job %s: %w", jobID, err)
	}

	s.emit(ctx, pushchannel.TypeJobStarted, JobSummary{
		JobID:        jobID,
		Status:       "processing",
		Source:       "remote",
		TotalChunks:  len(chunks),
		TotalBatches: totalBatches,
	})

	tasks := make([]*pendingTask, 0, len(refs))
	for batchID, batchRefs := range refs {
		for _, ref := range batchRefs {
			t := &pendingTask{
				taskID:      ref.TaskID,
				chunkID:     ref.ChunkID,
				batchID:     batchID,
				submittedAt: time.Now(),
				done:        make(chan taskOutcome, 1),
			}
			taskID := ref.TaskID
			t.timer = time.AfterFunc(s.cfg.TaskTimeout, func() {
				s.pending.resolve(taskID, nil, ErrTaskTimeout)
			})
			s.pending.add(t)
			tasks = append(tasks, t)

			// Poll fallback is always active; the push endpoint may not
			// exist at all on some service builds.
			go s.pollTask(ctx, taskID)
		}
	}

	vectors, summary := s.collect(ctx, jobID, tasks, totalBatches, start)
	s.emit(ctx, pushchannel.TypeJobComplete, summary)
	return vectors, nil
}

// submit prefers the auto-batch endpoint and falls back to manual
// fixed-size batches when it fails or omits the task mapping. Returns
// batch id → task refs.
func (s *Service) submit(ctx context.Context, jobID string, chunks []Chunk) (map[string][]TaskRef, int, error) {
	res, err := s.client.SubmitAutoBatch(ctx, jobID, chunks)
	if err == nil && len(res.Batches) > 0 {
		refs := make(map[string][]TaskRef, len(res.Batches))
		for _, b := range res.Batches {
			refs[b.BatchID] = b.Tasks
		}
		total := res.TotalBatches
		if total == 0 {
			total = len(res.Batches)
		}
		return refs, total, nil
	}
	if err != nil {
		slog.WarnContext(ctx, "auto-batch submission failed, splitting manually", "job_id", jobID, "error", err)
	} else {
		slog.WarnContext(ctx, "auto-batch response lacks task mapping, splitting manually", "job_id", jobID)
	}

	refs := make(map[string][]TaskRef)
	for start := 0; start < len(chunks); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch, berr := s.client.SubmitBatch(ctx, jobID, chunks[start:end])
		if berr != nil {
			return nil, 0, fmt.Errorf("batch %d: %w", start/s.cfg.BatchSize, berr)
		}
		refs[batch.BatchID] = batch.Tasks
	}
	return refs, len(refs), nil
}

// collect waits for every task to resolve and builds the job summary with
// true counts and per-batch timings.
func (s *Service) collect(ctx context.Context, jobID string, tasks []*pendingTask, totalBatches int, start time.Time) (map[string][]float32, JobSummary) {
	vectors := make(map[string][]float32, len(tasks))
	failed := 0

	type batchAgg struct {
		tasks int
		last  time.Time
		first time.Time
	}
	batches := make(map[string]*batchAgg)

	for _, t := range tasks {
		var out taskOutcome
		select {
		case out = <-t.done:
		case <-ctx.Done():
			s.pending.resolve(t.taskID, nil, ctx.Err())
			out = <-t.done
		}

		agg := batches[t.batchID]
		if agg == nil {
			agg = &batchAgg{first: t.submittedAt}
			batches[t.batchID] = agg
		}
		agg.tasks++
		if out.resolvedAt.After(agg.last) {
			agg.last = out.resolvedAt
		}

		if out.err != nil {
			failed++
			slog.WarnContext(ctx, "embedding task failed",
				"job_id", jobID, "task_id", t.taskID, "chunk_id", t.chunkID, "error", out.err)
			continue
		}
		vectors[out.chunkID] = out.vector
	}

	elapsed := time.Since(start).Seconds()
	summary := JobSummary{
		JobID:           jobID,
		Status:          "completed",
		Source:          "remote",
		TotalChunks:     len(tasks),
		CompletedChunks: len(vectors),
		FailedChunks:    failed,
		TotalBatches:    totalBatches,
		ElapsedSeconds:  elapsed,
	}
	if failed == len(tasks) && len(tasks) > 0 {
		summary.Status = "failed"
	}
	if elapsed > 0 {
		summary.ChunksPerSecond = float64(len(vectors)) / elapsed
	}
	for id, agg := range batches {
		summary.Batches = append(summary.Batches, BatchTiming{
			BatchID:    id,
			Tasks:      agg.tasks,
			DurationMS: float64(agg.last.Sub(agg.first).Milliseconds()),
		})
	}
	return vectors, summary
}

// pollTask is the authoritative fallback path: a fixed-interval status
// poll that stops once the task is no longer pending.
func (s *Service) pollTask(ctx context.Context, taskID string) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.pending.pending(taskID) {
			return
		}

		status, err := s.client.TaskStatus(ctx, taskID)
		if err != nil {
			// Transient; the task's own timeout bounds how long we retry.
			continue
		}

		switch status.Status {
		case "completed":
			if status.Result != nil && len(status.Result.Embedding) > 0 {
				s.pending.resolve(taskID, status.Result.Embedding, nil)
			} else {
				s.pending.resolve(taskID, nil, fmt.Errorf("task %s completed without embedding", taskID))
			}
			return
		case "failed":
			s.pending.resolve(taskID, nil, fmt.Errorf("task %s failed: %s", taskID, status.Error))
			return
		}
	}
}

// pushBatchUpdate is the slice of a job-status payload the push path cares
// about: per-batch task results.
type pushBatchUpdate struct {
	Batches []struct {
		BatchID string `json:"batch_id"`
		Tasks   []struct {
			TaskID    string      `json:"task_id"`
			Status    string      `json:"status"`
			Embedding []float32   `json:"embedding,omitempty"`
			Result    *TaskResult `json:"result,omitempty"`
			Error     string      `json:"error,omitempty"`
		} `json:"tasks"`
	} `json:"batches"`
}

// handlePushEvent inspects job-status events for finished task results.
// Resolution is consuming, so a poll response racing the same task, or a
// duplicate event, is a no-op.
func (s *Service) handlePushEvent(ev pushchannel.Event) {
	switch ev.Type {
	case pushchannel.TypeJobStatusUpdate, pushchannel.TypeJobComplete:
	default:
		return
	}

	var update pushBatchUpdate
	if err := json.Unmarshal(ev.Payload, &update); err != nil {
		return
	}

	for _, batch := range update.Batches {
		for _, task := range batch.Tasks {
			embedding := task.Embedding
			if len(embedding) == 0 && task.Result != nil {
				embedding = task.Result.Embedding
			}
			switch {
			case len(embedding) > 0:
				s.pending.resolve(task.TaskID, embedding, nil)
			case task.Status == "failed":
				s.pending.resolve(task.TaskID, nil, fmt.Errorf("task %s failed: %s", task.TaskID, task.Error))
			}
		}
	}
}

// embedLocally runs the in-process embedding function per chunk with a
// bounded retry. Failures are tolerated: the chunk is skipped and the map
// stays partial.
func (s *Service) embedLocally(ctx context.Context, chunks []Chunk) map[string][]float32 {
	start := time.Now()
	vectors := make(map[string][]float32, len(chunks))

	for _, chunk := range chunks {
		if s.local == nil {
			break
		}
		var vec []float32
		op := func() error {
			v, err := s.local.Embed(ctx, chunk.Text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), localEmbedAttempts-1), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			slog.WarnContext(ctx, "local embedding failed", "chunk_id", chunk.ID, "error", err)
			continue
		}
		vectors[chunk.ID] = vec
	}

	elapsed := time.Since(start).Seconds()
	summary := JobSummary{
		JobID:           uuid.New().String(),
		Status:          "completed",
		Source:          "local",
		TotalChunks:     len(chunks),
		CompletedChunks: len(vectors),
		FailedChunks:    len(chunks) - len(vectors),
		ElapsedSeconds:  elapsed,
	}
	if elapsed > 0 {
		summary.ChunksPerSecond = float64(len(vectors)) / elapsed
	}
	s.emit(ctx, pushchannel.TypeJobComplete, summary)
	return vectors
}

func (s *Service) emit(ctx context.Context, eventType string, payload interface{}) {
	if s.telemetry == nil {
		return
	}
	s.telemetry.Emit(ctx, eventType, payload)
}
